package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/app/repository"
	"github.com/ManuelReschke/PaySync/internal/pkg/credential"
	"github.com/ManuelReschke/PaySync/internal/pkg/dedup"
	"github.com/ManuelReschke/PaySync/internal/pkg/events"
	"github.com/ManuelReschke/PaySync/internal/pkg/gateway"
	"github.com/ManuelReschke/PaySync/internal/pkg/tradeid"
)

const (
	testHashKey = "12345678901234567890123456789012"
	testHashIV  = "abcdefghijklmnop"
	testSecret  = "0123456789abcdef0123456789abcdef"
)

type fixture struct {
	coord  *Coordinator
	codec  *gateway.Codec
	repos  *repository.Repositories
	store  *dedup.BoltStore
	pub    *events.Recorder
	sealer *credential.Sealer
	now    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store, err := dedup.OpenBoltStore(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sealer, err := credential.NewSealer(testSecret)
	require.NoError(t, err)

	f := &fixture{
		codec:  gateway.NewCodec(testHashKey, testHashIV),
		repos:  repository.NewMemoryStore().Repositories(),
		store:  store,
		pub:    &events.Recorder{},
		sealer: sealer,
		now:    time.Date(2026, 1, 29, 10, 0, 0, 0, time.UTC),
	}
	base := []Option{
		WithLogger(log.DefaultLogger()),
		WithPublisher(f.pub),
		WithSubscriptions(f.repos.Subscription, sealer),
		WithClock(func() time.Time { return f.now }),
	}
	f.coord = NewCoordinator(f.codec, f.repos.Transaction, store, append(base, opts...)...)
	return f
}

func (f *fixture) createTxn(t *testing.T, id uint, purpose string, subID *uint) *models.Transaction {
	t.Helper()
	txn := &models.Transaction{
		ID:             id,
		Purpose:        purpose,
		SubscriptionID: subID,
		Amount:         1200,
		Status:         models.TransactionStatusPending,
		Mode:           models.PaymentModeTest,
	}
	require.NoError(t, f.repos.Transaction.Create(context.Background(), txn))
	return txn
}

func (f *fixture) request(channel string, purpose tradeid.Purpose, fields map[string]string) Request {
	blob := f.codec.Encrypt(fields)
	return Request{
		Channel:     channel,
		Purpose:     purpose,
		EncryptInfo: blob,
		HashInfo:    f.codec.Sign(blob),
	}
}

func (f *fixture) status(t *testing.T, id uint) *models.Transaction {
	t.Helper()
	txn, err := f.repos.Transaction.GetByID(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func successFields(merTradeNo string) map[string]string {
	return map[string]string{
		gateway.FieldStatus:     gateway.StatusSuccess,
		gateway.FieldTradeNo:    "TN1",
		gateway.FieldMerTradeNo: merTradeNo,
		gateway.FieldTradeAmt:   "1200",
	}
}

func TestHandle_NotifySuccessThenRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.createTxn(t, 42, models.TransactionPurposePayment, nil)

	req := f.request(ChannelNotify, tradeid.PurposePayment, successFields("42A1abcf"))

	res := f.coord.Handle(ctx, req)
	assert.Equal(t, AckSuccess, res.Ack)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, txn.Handle, res.Handle)
	assert.Equal(t, tradeid.TierTradeNo, res.Tier)
	assert.Equal(t, models.TransactionStatusSucceeded, res.Status)

	got := f.status(t, 42)
	assert.Equal(t, models.TransactionStatusSucceeded, got.Status)
	assert.Equal(t, "TN1", got.Metadata[gateway.MetaTradeNo])
	require.NotNil(t, got.PaidAt)

	processed, err := f.store.IsProcessed(ctx, txn.Handle, ChannelNotify)
	require.NoError(t, err)
	assert.True(t, processed)

	again := f.coord.Handle(ctx, req)
	assert.Equal(t, AckSuccess, again.Ack)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, models.TransactionStatusSucceeded, f.status(t, 42).Status)

	assert.Equal(t, []string{events.TransactionSucceeded}, f.pub.Types())
}

func TestHandle_CrossChannelSuccessAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTxn(t, 42, models.TransactionPurposePayment, nil)
	fields := successFields("42A1abcf")

	first := f.coord.Handle(ctx, f.request(ChannelReturn, tradeid.PurposePayment, fields))
	assert.Equal(t, OutcomeSucceeded, first.Outcome)

	second := f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposePayment, fields))
	assert.Equal(t, AckSuccess, second.Ack)
	assert.Equal(t, OutcomeAlreadySucceeded, second.Outcome)

	assert.Equal(t, []string{events.TransactionSucceeded}, f.pub.Types())
}

func TestHandle_LateFailureDoesNotDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTxn(t, 42, models.TransactionPurposePayment, nil)

	f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposePayment, successFields("42A1abcf")))

	late := map[string]string{
		gateway.FieldStatus:     "FAIL",
		gateway.FieldMessage:    "cancelled",
		gateway.FieldMerTradeNo: "42A1abcf",
	}
	res := f.coord.Handle(ctx, f.request(ChannelReturn, tradeid.PurposePayment, late))
	assert.Equal(t, AckSuccess, res.Ack)
	assert.Equal(t, OutcomeAlreadySucceeded, res.Outcome)

	pending := map[string]string{
		gateway.FieldStatus:      gateway.StatusSuccess,
		gateway.FieldTradeStatus: gateway.TradeStatusUnpaid,
		gateway.FieldPaymentType: gateway.PaymentTypeATM,
		gateway.FieldPayNo:       "9988",
		gateway.FieldMerTradeNo:  "42A1abcf",
	}
	res = f.coord.Handle(ctx, f.request(ChannelReturn, tradeid.PurposePayment, pending))
	assert.Equal(t, OutcomeAlreadySucceeded, res.Outcome)

	got := f.status(t, 42)
	assert.Equal(t, models.TransactionStatusSucceeded, got.Status)
	assert.Empty(t, got.Metadata[gateway.MetaPayNo])
}

func TestHandle_ConcurrentDeliveriesSucceedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTxn(t, 42, models.TransactionPurposePayment, nil)
	fields := successFields("42A1abcf")

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < 20; i++ {
		channel := ChannelNotify
		if i%2 == 1 {
			channel = ChannelReturn
		}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			res := f.coord.Handle(ctx, req)
			assert.Equal(t, AckSuccess, res.Ack)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(f.request(channel, tradeid.PurposePayment, fields))
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeSucceeded])
	assert.Equal(t, []string{events.TransactionSucceeded}, f.pub.Types())
}

func TestHandle_PendingThenSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTxn(t, 7, models.TransactionPurposePayment, nil)

	pending := map[string]string{
		gateway.FieldStatus:      gateway.StatusSuccess,
		gateway.FieldTradeStatus: gateway.TradeStatusUnpaid,
		gateway.FieldPaymentType: gateway.PaymentTypeCVS,
		gateway.FieldPayNo:       "CVS-123",
		gateway.FieldExpireDate:  "2026-02-01 23:59:59",
		gateway.FieldMerTradeNo:  "7A1abcf",
		gateway.FieldTradeNo:     "TN7",
	}
	res := f.coord.Handle(ctx, f.request(ChannelReturn, tradeid.PurposePayment, pending))
	assert.Equal(t, OutcomePending, res.Outcome)

	got := f.status(t, 7)
	assert.Equal(t, models.TransactionStatusPending, got.Status)
	assert.Equal(t, "CVS-123", got.Metadata[gateway.MetaPayNo])
	assert.Equal(t, "2026-02-01 23:59:59", got.Metadata[gateway.MetaExpireDate])

	paid := successFields("7A1abcf")
	paid[gateway.FieldTradeNo] = "TN7"
	res = f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposePayment, paid))
	assert.Equal(t, OutcomeSucceeded, res.Outcome)

	got = f.status(t, 7)
	assert.Equal(t, models.TransactionStatusSucceeded, got.Status)
	assert.Equal(t, "CVS-123", got.Metadata[gateway.MetaPayNo])
	assert.Equal(t, []string{events.TransactionPending, events.TransactionSucceeded}, f.pub.Types())
}

func TestHandle_DeferredSettlementOnNotifyChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.createTxn(t, 7, models.TransactionPurposePayment, nil)

	pending := map[string]string{
		gateway.FieldStatus:      gateway.StatusSuccess,
		gateway.FieldTradeStatus: gateway.TradeStatusUnpaid,
		gateway.FieldPaymentType: gateway.PaymentTypeATM,
		gateway.FieldPayNo:       "ATM-9911",
		gateway.FieldExpireDate:  "2026-02-01 23:59:59",
		gateway.FieldMerTradeNo:  "7A1abcf",
		gateway.FieldTradeNo:     "TN7",
	}
	res := f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposePayment, pending))
	assert.Equal(t, AckSuccess, res.Ack)
	assert.Equal(t, OutcomePending, res.Outcome)

	processed, err := f.store.IsProcessed(ctx, txn.Handle, ChannelNotify)
	require.NoError(t, err)
	assert.False(t, processed)

	paid := successFields("7A1abcf")
	paid[gateway.FieldTradeStatus] = gateway.TradeStatusPaid
	paid[gateway.FieldTradeNo] = "TN7"
	res = f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposePayment, paid))
	assert.Equal(t, AckSuccess, res.Ack)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, models.TransactionStatusSucceeded, f.status(t, 7).Status)

	res = f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposePayment, paid))
	assert.Equal(t, AckSuccess, res.Ack)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, []string{events.TransactionPending, events.TransactionSucceeded}, f.pub.Types())
}

func TestHandle_Failure(t *testing.T) {
	f := newFixture(t)
	f.createTxn(t, 5, models.TransactionPurposePayment, nil)

	fields := map[string]string{
		gateway.FieldStatus:     "CARD_DECLINED",
		gateway.FieldMessage:    "declined",
		gateway.FieldMerTradeNo: "5A1abcf",
	}
	res := f.coord.Handle(context.Background(), f.request(ChannelNotify, tradeid.PurposePayment, fields))
	assert.Equal(t, AckSuccess, res.Ack)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	got := f.status(t, 5)
	assert.Equal(t, models.TransactionStatusFailed, got.Status)
	assert.Equal(t, "CARD_DECLINED", got.Metadata[gateway.MetaStatus])
}

func TestHandle_RejectsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.createTxn(t, 42, models.TransactionPurposePayment, nil)
	f.createTxn(t, 43, models.TransactionPurposePayment, nil)
	valid := f.request(ChannelNotify, tradeid.PurposePayment, successFields("42A1abcf"))

	tampered := valid
	tampered.HashInfo = "0" + valid.HashInfo[1:]
	if tampered.HashInfo == valid.HashInfo {
		tampered.HashInfo = "1" + valid.HashInfo[1:]
	}

	garbage := Request{Channel: ChannelNotify, Purpose: tradeid.PurposePayment, EncryptInfo: "zz", HashInfo: f.codec.Sign("zz")}

	wrongEndpoint := f.request(ChannelNotify, tradeid.PurposeRenewal, successFields("42A1abcf"))
	wrongLetter := f.request(ChannelNotify, tradeid.PurposePayment, successFields("42R1abcf"))
	unknown := f.request(ChannelNotify, tradeid.PurposePayment, successFields("99A1abcf"))
	noDigits := f.request(ChannelNotify, tradeid.PurposePayment, successFields("A1abcf"))

	hinted := f.request(ChannelReturn, tradeid.PurposePayment, successFields("42A1abcf"))
	hinted.Hints = tradeid.Hints{RecordID: "43"}

	tests := []struct {
		name string
		req  Request
		err  error
	}{
		{"missing payload", Request{Channel: ChannelNotify}, ErrMissingPayload},
		{"unknown channel", Request{Channel: "webhook", EncryptInfo: valid.EncryptInfo, HashInfo: valid.HashInfo}, ErrUnknownChannel},
		{"tampered signature", tampered, ErrInvalidSignature},
		{"not hex", garbage, ErrUndecryptable},
		{"endpoint purpose", wrongEndpoint, ErrPurposeMismatch},
		{"identifier purpose", wrongLetter, ErrPurposeMismatch},
		{"unknown record", unknown, ErrUnresolved},
		{"no leading digits", noDigits, ErrUnresolved},
		{"hint points elsewhere", hinted, ErrRecordMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.coord.Handle(ctx, tt.req)
			assert.Equal(t, AckFail, res.Ack)
			assert.Equal(t, OutcomeRejected, res.Outcome)
			assert.ErrorIs(t, res.Err, tt.err)
		})
	}

	assert.Equal(t, models.TransactionStatusPending, f.status(t, 42).Status)
	for _, ch := range []string{ChannelNotify, ChannelReturn} {
		processed, err := f.store.IsProcessed(ctx, txn.Handle, ch)
		require.NoError(t, err)
		assert.False(t, processed)
	}
	assert.Empty(t, f.pub.Types())
}

func TestHandle_ResolvesThroughHintsWhenIdentifierIsForeign(t *testing.T) {
	f := newFixture(t)
	f.createTxn(t, 42, models.TransactionPurposePayment, nil)
	state, err := tradeid.EncodeState(tradeid.PurposePayment, 42, f.now)
	require.NoError(t, err)

	req := f.request(ChannelReturn, tradeid.PurposePayment, successFields("ORDER-XYZ"))
	req.Hints = tradeid.Hints{State: state}

	res := f.coord.Handle(context.Background(), req)
	assert.Equal(t, AckSuccess, res.Ack)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, tradeid.TierState, res.Tier)
}

type failingTransactions struct {
	repository.TransactionRepository
}

func (failingTransactions) MarkSucceeded(context.Context, uint, map[string]string, time.Time) (bool, error) {
	return false, errors.New("database unavailable")
}

func TestHandle_ReleasesDedupWhenMutationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.createTxn(t, 42, models.TransactionPurposePayment, nil)
	broken := NewCoordinator(f.codec, failingTransactions{f.repos.Transaction}, f.store)
	req := f.request(ChannelNotify, tradeid.PurposePayment, successFields("42A1abcf"))

	res := broken.Handle(ctx, req)
	assert.Equal(t, AckFail, res.Ack)
	assert.Equal(t, OutcomeError, res.Outcome)

	processed, err := f.store.IsProcessed(ctx, txn.Handle, ChannelNotify)
	require.NoError(t, err)
	assert.False(t, processed, "redelivery must be able to retry")

	res = f.coord.Handle(ctx, req)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
}

func TestHandle_StoresCredentialForSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := f.now.Add(-time.Hour)
	sub := &models.Subscription{Status: models.SubscriptionStatusActive, Amount: 1200, NextDueAt: &past}
	require.NoError(t, f.repos.Subscription.Create(ctx, sub))
	f.createTxn(t, 42, models.TransactionPurposePayment, &sub.ID)

	fields := successFields("42A1abcf")
	fields[gateway.FieldCreditHash] = "CARD-TOKEN"
	res := f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposePayment, fields))
	require.Equal(t, OutcomeSucceeded, res.Outcome)

	got, err := f.repos.Subscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	token, err := f.sealer.Open(got.CredentialTokenEnc)
	require.NoError(t, err)
	assert.Equal(t, "CARD-TOKEN", token)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
}

func TestHandle_CardUpdateRearmsFailingSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.now.Add(48 * time.Hour)
	sub := &models.Subscription{Status: models.SubscriptionStatusFailing, Amount: 1200}
	sub.SetRetry(models.RetryInfo{Attempt: 2, MaxAttempts: 3, NextRetryAt: &later})
	require.NoError(t, f.repos.Subscription.Create(ctx, sub))
	f.createTxn(t, 8, models.TransactionPurposeCardUpdate, &sub.ID)

	fields := successFields("8U1abcf")
	fields[gateway.FieldCreditHash] = "NEW-TOKEN"
	res := f.coord.Handle(ctx, f.request(ChannelReturn, tradeid.PurposeCardUpdate, fields))
	require.Equal(t, OutcomeSucceeded, res.Outcome)

	got, err := f.repos.Subscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(f.now))
	assert.Equal(t, 2, got.Retry().Attempt)
}

func TestHandle_LateRenewalConfirmationSettlesSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.now.Add(24 * time.Hour)
	sub := &models.Subscription{Status: models.SubscriptionStatusFailing, Amount: 1200, BillingInterval: models.BillingIntervalMonth, IntervalCount: 1}
	sub.SetRetry(models.RetryInfo{Attempt: 1, MaxAttempts: 3, NextRetryAt: &later})
	require.NoError(t, f.repos.Subscription.Create(ctx, sub))
	f.createTxn(t, 9, models.TransactionPurposeRenewal, &sub.ID)

	res := f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposeRenewal, successFields("9R1abcf")))
	require.Equal(t, OutcomeSucceeded, res.Outcome)

	got, err := f.repos.Subscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	assert.True(t, got.Retry().IsEmpty())
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.NextDueAt)
	assert.True(t, got.NextDueAt.Equal(f.now.AddDate(0, 1, 0)))
}

func TestHandle_LateRenewalConfirmationSettlesOverdueSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.now.Add(-time.Hour)
	sub := &models.Subscription{Status: models.SubscriptionStatusActive, Amount: 1200, BillingInterval: models.BillingIntervalMonth, IntervalCount: 1, NextDueAt: &due}
	require.NoError(t, f.repos.Subscription.Create(ctx, sub))
	f.createTxn(t, 11, models.TransactionPurposeRenewal, &sub.ID)

	res := f.coord.Handle(ctx, f.request(ChannelNotify, tradeid.PurposeRenewal, successFields("11R1abcf")))
	require.Equal(t, OutcomeSucceeded, res.Outcome)

	got, err := f.repos.Subscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	require.NotNil(t, got.NextDueAt)
	assert.True(t, got.NextDueAt.Equal(f.now.AddDate(0, 1, 0)))
}
