// Package reconcile turns gateway deliveries from the notify and return
// channels into exactly-once transaction state changes.
package reconcile

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/app/repository"
	"github.com/ManuelReschke/PaySync/internal/pkg/credential"
	"github.com/ManuelReschke/PaySync/internal/pkg/dedup"
	"github.com/ManuelReschke/PaySync/internal/pkg/events"
	"github.com/ManuelReschke/PaySync/internal/pkg/gateway"
	"github.com/ManuelReschke/PaySync/internal/pkg/metrics"
	"github.com/ManuelReschke/PaySync/internal/pkg/tradeid"
)

// Codec is the part of the gateway codec the coordinator needs.
type Codec interface {
	Verify(blob, signature string) bool
	Decrypt(blob string) map[string]string
}

// Coordinator runs the same pipeline for both delivery channels. It holds no
// per-request state and is safe for concurrent use.
type Coordinator struct {
	codec     Codec
	txns      repository.TransactionRepository
	subs      repository.SubscriptionRepository
	sealer    *credential.Sealer
	dedup     dedup.Store
	publisher events.Publisher
	log       log.AllLogger
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger replaces the default fiber logger.
func WithLogger(l log.AllLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithPublisher sets where outcome events go.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithSubscriptions enables credential storage and late renewal settlement.
func WithSubscriptions(subs repository.SubscriptionRepository, sealer *credential.Sealer) Option {
	return func(c *Coordinator) {
		c.subs = subs
		c.sealer = sealer
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires a coordinator.
func NewCoordinator(codec Codec, txns repository.TransactionRepository, store dedup.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		codec:     codec,
		txns:      txns,
		dedup:     store,
		publisher: events.NopPublisher{},
		log:       log.DefaultLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle processes one delivery. Verification, decryption, resolution and
// guards never write anything; a FAIL acknowledgement means nothing changed.
func (c *Coordinator) Handle(ctx context.Context, req Request) Result {
	res := c.handle(ctx, req)
	metrics.ObserveReconcile(req.Channel, string(res.Outcome))
	return res
}

func (c *Coordinator) handle(ctx context.Context, req Request) Result {
	if req.Channel != ChannelNotify && req.Channel != ChannelReturn {
		return reject(ErrUnknownChannel)
	}
	if req.EncryptInfo == "" || req.HashInfo == "" {
		c.log.Warnw("[Reconcile] Missing payload", "channel", req.Channel, "purpose", req.Purpose)
		return reject(ErrMissingPayload)
	}
	if !c.codec.Verify(req.EncryptInfo, req.HashInfo) {
		c.log.Warnw("[Reconcile] Signature verification failed", "channel", req.Channel, "purpose", req.Purpose)
		return reject(ErrInvalidSignature)
	}
	fields := c.codec.Decrypt(req.EncryptInfo)
	if len(fields) == 0 {
		c.log.Warnw("[Reconcile] Payload decryption failed", "channel", req.Channel)
		return reject(ErrUndecryptable)
	}
	ev, err := gateway.DecodeEvent(fields)
	if err != nil {
		c.log.Warnw("[Reconcile] Payload could not be classified", "channel", req.Channel, "error", err)
		return reject(err)
	}
	env := ev.Common()

	lookup := func(id uint) (*models.Transaction, bool) {
		txn, err := c.txns.GetByID(ctx, id)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				c.log.Errorw("[Reconcile] Transaction lookup failed", "id", id, "error", err)
			}
			return nil, false
		}
		return txn, true
	}
	txn, tier, ok := tradeid.ResolveTiered(req.Purpose, req.Hints, env.MerTradeNo, lookup)
	if !ok {
		c.log.Debugw("[Reconcile] No transaction for payload", "channel", req.Channel, "mer_trade_no", env.MerTradeNo)
		return reject(ErrUnresolved)
	}

	res := Result{
		Handle:        txn.Handle,
		TransactionID: txn.ID,
		Status:        txn.Status,
		Tier:          tier,
	}

	if err := c.guard(req, txn, env.MerTradeNo); err != nil {
		c.log.Warnw("[Reconcile] Guard rejected payload",
			"channel", req.Channel, "handle", txn.Handle, "purpose", txn.Purpose, "mer_trade_no", env.MerTradeNo, "error", err)
		res.Ack, res.Outcome, res.Err = AckFail, OutcomeRejected, err
		return res
	}

	processed, err := c.dedup.IsProcessed(ctx, txn.Handle, req.Channel)
	if err != nil {
		c.log.Errorw("[Reconcile] Dedup lookup failed", "handle", txn.Handle, "channel", req.Channel, "error", err)
		res.Ack, res.Outcome, res.Err = AckFail, OutcomeError, err
		return res
	}
	if processed {
		c.log.Debugw("[Reconcile] Duplicate delivery", "handle", txn.Handle, "channel", req.Channel)
		res.Ack, res.Outcome = AckSuccess, OutcomeDuplicate
		return res
	}
	if txn.IsSucceeded() {
		res.Ack, res.Outcome = AckSuccess, OutcomeAlreadySucceeded
		return res
	}

	payloadHash := dedup.PayloadHash(gateway.CanonicalPayload(fields))
	first, err := c.dedup.MarkProcessed(ctx, txn.Handle, req.Channel, env.TradeNo, payloadHash)
	if err != nil {
		c.log.Errorw("[Reconcile] Dedup insert failed", "handle", txn.Handle, "channel", req.Channel, "error", err)
		res.Ack, res.Outcome, res.Err = AckFail, OutcomeError, err
		return res
	}
	if !first {
		res.Ack, res.Outcome = AckSuccess, OutcomeDuplicate
		return res
	}

	outcome, err := c.apply(ctx, txn, ev)
	if err != nil {
		c.log.Errorw("[Reconcile] Applying outcome failed",
			"handle", txn.Handle, "channel", req.Channel, "error", err)
		if rerr := c.dedup.Release(ctx, txn.Handle, req.Channel); rerr != nil {
			c.log.Errorw("[Reconcile] Dedup release failed", "handle", txn.Handle, "channel", req.Channel, "error", rerr)
		}
		res.Ack, res.Outcome, res.Err = AckFail, OutcomeError, err
		return res
	}

	// A pending result moves no money. The settlement for a deferred payment
	// arrives later on the same channel and must not be taken for a duplicate.
	if _, ok := ev.(gateway.Pending); ok {
		if rerr := c.dedup.Release(ctx, txn.Handle, req.Channel); rerr != nil {
			c.log.Errorw("[Reconcile] Dedup release after pending failed", "handle", txn.Handle, "channel", req.Channel, "error", rerr)
		}
	}

	if current, err := c.txns.GetByID(ctx, txn.ID); err == nil {
		res.Status = current.Status
	}
	c.log.Infow("[Reconcile] Payload processed",
		"channel", req.Channel, "handle", txn.Handle, "tier", tier, "outcome", outcome, "trade_no", env.TradeNo)
	res.Ack, res.Outcome = AckSuccess, outcome
	return res
}

// guard checks that the payload, the endpoint and the record agree on what
// the transaction is for.
func (c *Coordinator) guard(req Request, txn *models.Transaction, merTradeNo string) error {
	if req.Purpose != "" && string(req.Purpose) != txn.Purpose {
		return ErrPurposeMismatch
	}
	if merTradeNo == "" {
		return nil
	}
	parsed, err := tradeid.Parse(merTradeNo)
	if err != nil {
		// The identifier is not one of ours; resolution came from a hint.
		return nil
	}
	if parsed.RecordID != txn.ID {
		return ErrRecordMismatch
	}
	if string(parsed.Purpose) != txn.Purpose {
		return ErrPurposeMismatch
	}
	return nil
}

func (c *Coordinator) apply(ctx context.Context, txn *models.Transaction, ev gateway.Event) (Outcome, error) {
	meta := ev.Metadata()
	switch e := ev.(type) {
	case gateway.Success:
		if err := c.settleSubscription(ctx, txn, e); err != nil {
			return OutcomeError, err
		}
		changed, err := c.txns.MarkSucceeded(ctx, txn.ID, meta, c.now())
		if err != nil {
			return OutcomeError, err
		}
		if !changed {
			return OutcomeAlreadySucceeded, nil
		}
		c.publish(ctx, events.TransactionSucceeded, txn, e.Envelope)
		return OutcomeSucceeded, nil
	case gateway.Pending:
		changed, err := c.txns.MarkPending(ctx, txn.ID, meta)
		if err != nil {
			return OutcomeError, err
		}
		if !changed {
			return OutcomeUnchanged, nil
		}
		c.publish(ctx, events.TransactionPending, txn, e.Envelope)
		return OutcomePending, nil
	case gateway.Failed:
		changed, err := c.txns.MarkFailed(ctx, txn.ID, meta)
		if err != nil {
			return OutcomeError, err
		}
		if !changed {
			return OutcomeUnchanged, nil
		}
		c.publish(ctx, events.TransactionFailed, txn, e.Envelope)
		return OutcomeFailed, nil
	}
	return OutcomeUnchanged, nil
}

// settleSubscription stores a new credential token for payment and card
// update transactions, and settles a failing or overdue subscription when a
// renewal charge is confirmed late. It runs before the transaction is marked so a
// failure can be retried by redelivery.
func (c *Coordinator) settleSubscription(ctx context.Context, txn *models.Transaction, ev gateway.Success) error {
	if c.subs == nil || txn.SubscriptionID == nil {
		return nil
	}
	now := c.now()

	switch txn.Purpose {
	case models.TransactionPurposePayment, models.TransactionPurposeCardUpdate:
		if ev.CredentialToken == "" || c.sealer == nil {
			return nil
		}
		sealed, err := c.sealer.Seal(ev.CredentialToken)
		if err != nil {
			return err
		}
		return c.subs.Update(ctx, *txn.SubscriptionID, func(sub *models.Subscription) error {
			sub.AttachCredential(sealed, now)
			return nil
		})
	case models.TransactionPurposeRenewal:
		return c.subs.Update(ctx, *txn.SubscriptionID, func(sub *models.Subscription) error {
			overdue := sub.NextDueAt != nil && !sub.NextDueAt.After(now)
			if sub.Status == models.SubscriptionStatusFailing || overdue {
				sub.MarkRenewed(now)
			}
			return nil
		})
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, eventType string, txn *models.Transaction, env gateway.Envelope) {
	err := c.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		Key:        txn.Handle,
		OccurredAt: c.now().UTC(),
		Data: map[string]string{
			"transaction_id": strconv.FormatUint(uint64(txn.ID), 10),
			"purpose":        txn.Purpose,
			"mer_trade_no":   env.MerTradeNo,
			"trade_no":       env.TradeNo,
			"amount":         strconv.FormatInt(env.Amount, 10),
		},
	})
	if err != nil {
		c.log.Warnw("[Reconcile] Event publish failed", "type", eventType, "handle", txn.Handle, "error", err)
	}
}

func reject(err error) Result {
	return Result{Ack: AckFail, Outcome: OutcomeRejected, Tier: tradeid.TierNone, Err: err}
}
