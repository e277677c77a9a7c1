// Package renewal charges due subscriptions and schedules bounded retries
// for failed renewals.
package renewal

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/app/repository"
	"github.com/ManuelReschke/PaySync/internal/pkg/credential"
	"github.com/ManuelReschke/PaySync/internal/pkg/events"
	"github.com/ManuelReschke/PaySync/internal/pkg/gateway"
	"github.com/ManuelReschke/PaySync/internal/pkg/metrics"
	"github.com/ManuelReschke/PaySync/internal/pkg/tradeid"
)

const (
	defaultClaimTTL = 10 * time.Minute

	// DefaultBatchSize caps how many due subscriptions one tick selects.
	DefaultBatchSize = 100
)

// Charger bills a stored credential. *gateway.Client implements it.
type Charger interface {
	Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
}

// Summary counts what one tick did.
type Summary struct {
	Selected int
	Results  map[Result]int
}

// Machine runs renewal ticks. Overlapping ticks are safe: every subscription
// is claimed before it is charged.
type Machine struct {
	subs      repository.SubscriptionRepository
	txns      repository.TransactionRepository
	charger   Charger
	sealer    *credential.Sealer
	publisher events.Publisher
	log       log.AllLogger
	now       func() time.Time
	mode      string
	claimTTL  time.Duration
	batchSize int
}

// Option configures a Machine.
type Option func(*Machine)

func WithLogger(l log.AllLogger) Option {
	return func(m *Machine) { m.log = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithMode sets the payment mode recorded on renewal transactions.
func WithMode(mode string) Option {
	return func(m *Machine) { m.mode = mode }
}

// WithBatchSize ignores non-positive values.
func WithBatchSize(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// NewMachine wires a renewal machine. sealer opens stored credential tokens.
func NewMachine(subs repository.SubscriptionRepository, txns repository.TransactionRepository, charger Charger, sealer *credential.Sealer, opts ...Option) *Machine {
	m := &Machine{
		subs:      subs,
		txns:      txns,
		charger:   charger,
		sealer:    sealer,
		publisher: events.NopPublisher{},
		log:       log.DefaultLogger(),
		now:       time.Now,
		mode:      models.PaymentModeTest,
		claimTTL:  defaultClaimTTL,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tick selects due subscriptions and renews each one.
func (m *Machine) Tick(ctx context.Context) (Summary, error) {
	now := m.now()
	summary := Summary{Results: map[Result]int{}}

	due, err := m.subs.ListDue(ctx, now, m.batchSize)
	if err != nil {
		return summary, err
	}
	summary.Selected = len(due)

	for i := range due {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		res, err := m.Renew(ctx, due[i].ID)
		if err != nil {
			m.log.Errorw("[Renewal] Renewal failed unexpectedly", "subscription_id", due[i].ID, "error", err)
		}
		summary.Results[res]++
		metrics.ObserveRenewal(string(res))
	}
	return summary, nil
}

// Renew claims, charges and records one subscription.
func (m *Machine) Renew(ctx context.Context, subID uint) (Result, error) {
	now := m.now()
	claimed, err := m.subs.Claim(ctx, subID, now, now.Add(m.claimTTL))
	if err != nil {
		return ResultError, err
	}
	if !claimed {
		m.log.Debugw("[Renewal] Subscription already claimed", "subscription_id", subID)
		return ResultSkipped, nil
	}

	sub, err := m.subs.GetByID(ctx, subID)
	if err != nil {
		return ResultError, err
	}
	if !isDue(sub, now) {
		return ResultSkipped, m.release(ctx, subID)
	}
	if settled, err := m.settleEarlierCharge(ctx, sub); err != nil || settled {
		if err != nil {
			return ResultError, err
		}
		return ResultSucceeded, nil
	}

	txn := &models.Transaction{
		Purpose:        models.TransactionPurposeRenewal,
		SubscriptionID: &sub.ID,
		Amount:         sub.Amount,
		Mode:           m.mode,
		Status:         models.TransactionStatusPending,
		Email:          sub.Email,
	}
	if err := m.txns.Create(ctx, txn); err != nil {
		return ResultError, err
	}
	merTradeNo, err := tradeid.EncodeAt(txn.ID, tradeid.PurposeRenewal, now)
	if err != nil {
		return ResultError, err
	}
	if err := m.txns.SetMerTradeNo(ctx, txn.ID, merTradeNo); err != nil {
		return ResultError, err
	}
	txn.MerTradeNo = merTradeNo

	token, err := m.openToken(sub.CredentialTokenEnc)
	var charged *gateway.ChargeResult
	if err == nil {
		charged, err = m.charger.Charge(ctx, gateway.ChargeRequest{
			MerTradeNo:      merTradeNo,
			Amount:          sub.Amount,
			CredentialToken: token,
			Email:           sub.Email,
			Description:     sub.Description,
		})
	}
	at := m.now()

	if err == nil {
		return m.succeed(ctx, sub, txn, charged, at)
	}
	return m.fail(ctx, sub, txn, err, at)
}

// succeed records a confirmed charge. The subscription update comes first
// because it is what takes the subscription out of the due set; a missing
// transaction update is repaired by the gateway's notify delivery.
func (m *Machine) succeed(ctx context.Context, sub *models.Subscription, txn *models.Transaction, charged *gateway.ChargeResult, at time.Time) (Result, error) {
	err := m.subs.Update(ctx, sub.ID, func(s *models.Subscription) error {
		s.MarkRenewed(at)
		s.RenewalClaimedUntil = nil
		return nil
	})
	if err != nil {
		// The claim stays in place. If the transaction below is recorded,
		// the next run settles from it instead of charging again.
		m.log.Errorw("[Renewal] Charged but subscription update failed",
			"subscription_id", sub.ID, "transaction", txn.Handle, "trade_no", charged.Event.TradeNo, "error", err)
	}
	if _, terr := m.txns.MarkSucceeded(ctx, txn.ID, charged.Event.Metadata(), at); terr != nil {
		m.log.Errorw("[Renewal] Charged but transaction update failed",
			"subscription_id", sub.ID, "transaction", txn.Handle, "trade_no", charged.Event.TradeNo, "error", terr)
		if err == nil {
			err = terr
		}
	}
	if err != nil {
		return ResultError, err
	}
	m.log.Infow("[Renewal] Subscription renewed", "subscription_id", sub.ID, "transaction", txn.Handle, "trade_no", charged.Event.TradeNo)
	m.publish(ctx, events.RenewalSucceeded, sub.ID, txn, map[string]string{"trade_no": charged.Event.TradeNo})
	return ResultSucceeded, nil
}

// settleEarlierCharge renews the subscription from a renewal transaction that
// already succeeded for the current period, so it is never charged twice.
func (m *Machine) settleEarlierCharge(ctx context.Context, sub *models.Subscription) (bool, error) {
	if sub.NextDueAt == nil {
		return false, nil
	}
	paid, err := m.txns.LatestSucceededRenewal(ctx, sub.ID, *sub.NextDueAt)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = m.subs.Update(ctx, sub.ID, func(s *models.Subscription) error {
		s.MarkRenewed(*paid.PaidAt)
		s.RenewalClaimedUntil = nil
		return nil
	})
	if err != nil {
		return false, err
	}
	m.log.Infow("[Renewal] Settled from earlier charge", "subscription_id", sub.ID, "transaction", paid.Handle)
	return true, nil
}

func (m *Machine) fail(ctx context.Context, sub *models.Subscription, txn *models.Transaction, chargeErr error, at time.Time) (Result, error) {
	f := classify(chargeErr, at)
	meta := map[string]string{
		gateway.MetaStatus:  f.Kind,
		gateway.MetaMessage: f.Message,
	}
	if _, err := m.txns.MarkFailed(ctx, txn.ID, meta); err != nil {
		return ResultError, err
	}

	var result Result
	var attempt int
	err := m.subs.Update(ctx, sub.ID, func(s *models.Subscription) error {
		result = ApplyFailure(s, f)
		attempt = s.Retry().Attempt
		s.RenewalClaimedUntil = nil
		return nil
	})
	if err != nil {
		return ResultError, err
	}

	m.log.Warnw("[Renewal] Renewal charge failed",
		"subscription_id", sub.ID, "kind", f.Kind, "retryable", f.Retryable, "attempt", attempt, "result", result)

	eventType := events.RenewalFailed
	if result == ResultExhausted {
		eventType = events.RenewalExhausted
	}
	m.publish(ctx, eventType, sub.ID, txn, map[string]string{
		"kind":    f.Kind,
		"attempt": strconv.Itoa(attempt),
		"result":  string(result),
	})
	return result, nil
}

func (m *Machine) openToken(sealed string) (string, error) {
	if sealed == "" {
		return "", &gateway.ChargeError{Kind: gateway.KindMissingCredential, Message: "no stored credential token"}
	}
	if m.sealer == nil {
		return sealed, nil
	}
	token, err := m.sealer.Open(sealed)
	if err != nil {
		return "", &gateway.ChargeError{Kind: gateway.KindMissingCredential, Message: "stored credential token is unreadable", Err: err}
	}
	return token, nil
}

func (m *Machine) release(ctx context.Context, subID uint) error {
	return m.subs.Update(ctx, subID, func(s *models.Subscription) error {
		s.RenewalClaimedUntil = nil
		return nil
	})
}

func (m *Machine) publish(ctx context.Context, eventType string, subID uint, txn *models.Transaction, data map[string]string) {
	data["transaction"] = txn.Handle
	data["mer_trade_no"] = txn.MerTradeNo
	err := m.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		Key:        strconv.FormatUint(uint64(subID), 10),
		OccurredAt: m.now().UTC(),
		Data:       data,
	})
	if err != nil {
		m.log.Warnw("[Renewal] Event publish failed", "type", eventType, "subscription_id", subID, "error", err)
	}
}

// classify maps any charge error onto a retry decision. Errors that are not
// *gateway.ChargeError are treated as transport failures.
func classify(err error, at time.Time) Failure {
	var ce *gateway.ChargeError
	if errors.As(err, &ce) {
		msg := ce.Message
		if ce.Status != "" {
			msg = ce.Status + ": " + msg
		}
		if msg == "" && ce.Err != nil {
			msg = ce.Err.Error()
		}
		return Failure{Kind: string(ce.Kind), Message: msg, Retryable: ce.Retryable(), At: at}
	}
	return Failure{Kind: string(gateway.KindTransport), Message: err.Error(), Retryable: true, At: at}
}

func isDue(sub *models.Subscription, now time.Time) bool {
	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
		return sub.NextDueAt != nil && !sub.NextDueAt.After(now)
	case models.SubscriptionStatusFailing:
		return sub.NextRetryAt != nil && !sub.NextRetryAt.After(now)
	}
	return false
}
