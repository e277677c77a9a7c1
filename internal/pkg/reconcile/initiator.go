package reconcile

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/app/repository"
	"github.com/ManuelReschke/PaySync/internal/pkg/gateway"
	"github.com/ManuelReschke/PaySync/internal/pkg/tradeid"
)

// Checkout is everything the browser needs to post to the hosted payment page.
type Checkout struct {
	Transaction *models.Transaction
	Action      string
	Fields      map[string]string
	MerTradeNo  string
	State       string
	ReturnURL   string
	NotifyURL   string
}

// Initiator creates pending transactions and the sealed form that starts them.
type Initiator struct {
	client *gateway.Client
	txns   repository.TransactionRepository
	now    func() time.Time
}

func NewInitiator(client *gateway.Client, txns repository.TransactionRepository) *Initiator {
	return &Initiator{client: client, txns: txns, now: time.Now}
}

// Begin persists txn as pending, assigns its merchant trade identifier and
// returns the sealed checkout form.
func (i *Initiator) Begin(ctx context.Context, txn *models.Transaction, description string) (*Checkout, error) {
	if txn.Amount <= 0 {
		return nil, fmt.Errorf("reconcile: amount must be positive")
	}
	if txn.Purpose == "" {
		txn.Purpose = models.TransactionPurposePayment
	}
	purpose := tradeid.Purpose(txn.Purpose)
	if !purpose.Valid() {
		return nil, tradeid.ErrUnknownPurpose
	}
	cfg := i.client.Config()
	txn.Status = models.TransactionStatusPending
	txn.Mode = cfg.Mode

	if err := i.txns.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	now := i.now()
	merTradeNo, err := tradeid.EncodeAt(txn.ID, purpose, now)
	if err != nil {
		return nil, err
	}
	if err := i.txns.SetMerTradeNo(ctx, txn.ID, merTradeNo); err != nil {
		return nil, fmt.Errorf("store trade identifier: %w", err)
	}
	txn.MerTradeNo = merTradeNo

	state, err := tradeid.EncodeState(purpose, txn.ID, now)
	if err != nil {
		return nil, err
	}

	returnURL, notifyURL := CallbackURLs(cfg.PublicBaseURL, purpose, txn.ID, state)
	fields := map[string]string{
		gateway.FieldMerTradeNo: merTradeNo,
		gateway.FieldTradeAmt:   strconv.FormatInt(txn.Amount, 10),
		gateway.FieldTimestamp:  strconv.FormatInt(now.Unix(), 10),
		gateway.FieldReturnURL:  returnURL,
		gateway.FieldNotifyURL:  notifyURL,
		gateway.FieldProdDesc:   description,
		gateway.FieldUsrMail:    txn.Email,
	}
	if txn.SubscriptionID != nil {
		// Ask the gateway to keep the card so renewals can charge it.
		fields[gateway.FieldCreditToken] = txn.Email
	}

	form, err := i.client.SealForm(fields)
	if err != nil {
		return nil, err
	}

	return &Checkout{
		Transaction: txn,
		Action:      i.client.CheckoutURL(),
		Fields:      form,
		MerTradeNo:  merTradeNo,
		State:       state,
		ReturnURL:   returnURL,
		NotifyURL:   notifyURL,
	}, nil
}

// CallbackURLs builds the return and notify URLs for a transaction. The
// return URL carries both correlation hints.
func CallbackURLs(publicBase string, purpose tradeid.Purpose, recordID uint, state string) (string, string) {
	q := url.Values{}
	q.Set("txn", strconv.FormatUint(uint64(recordID), 10))
	q.Set("state", state)
	base := gateway.CallbackBase(publicBase, string(purpose))
	return base + "/return?" + q.Encode(), gateway.NotifyURL(publicBase, string(purpose))
}
