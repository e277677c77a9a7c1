package renewal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/app/repository"
	"github.com/ManuelReschke/PaySync/internal/pkg/credential"
	"github.com/ManuelReschke/PaySync/internal/pkg/events"
	"github.com/ManuelReschke/PaySync/internal/pkg/gateway"
	"github.com/ManuelReschke/PaySync/internal/pkg/tradeid"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type scriptedCharger struct {
	mu       sync.Mutex
	errs     []error
	requests []gateway.ChargeRequest
}

func (c *scriptedCharger) Charge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	var err error
	if len(c.errs) > 0 {
		err = c.errs[0]
		c.errs = c.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	return &gateway.ChargeResult{Event: gateway.Success{Envelope: gateway.Envelope{
		MerTradeNo: req.MerTradeNo,
		TradeNo:    "TN-" + req.MerTradeNo,
		Amount:     req.Amount,
	}}}, nil
}

type harness struct {
	machine *Machine
	repos   *repository.Repositories
	charger *scriptedCharger
	pub     *events.Recorder
	sealer  *credential.Sealer
	now     time.Time
}

func newHarness(t *testing.T, errs ...error) *harness {
	t.Helper()
	sealer, err := credential.NewSealer(testSecret)
	require.NoError(t, err)

	h := &harness{
		repos:   repository.NewMemoryStore().Repositories(),
		charger: &scriptedCharger{errs: errs},
		pub:     &events.Recorder{},
		sealer:  sealer,
		now:     time.Date(2026, 1, 29, 10, 0, 0, 0, time.UTC),
	}
	h.machine = NewMachine(h.repos.Subscription, h.repos.Transaction, h.charger, sealer,
		WithPublisher(h.pub),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func (h *harness) createDue(t *testing.T) *models.Subscription {
	t.Helper()
	sealed, err := h.sealer.Seal("CARD-TOKEN")
	require.NoError(t, err)
	due := h.now.Add(-time.Minute)
	sub := &models.Subscription{
		Status:             models.SubscriptionStatusActive,
		Amount:             1200,
		Email:              "sub@example.test",
		BillingInterval:    models.BillingIntervalMonth,
		IntervalCount:      1,
		NextDueAt:          &due,
		CredentialTokenEnc: sealed,
	}
	require.NoError(t, h.repos.Subscription.Create(context.Background(), sub))
	return sub
}

func (h *harness) get(t *testing.T, id uint) *models.Subscription {
	t.Helper()
	sub, err := h.repos.Subscription.GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func timeout() error {
	return &gateway.ChargeError{Kind: gateway.KindTransport, Message: "network timeout"}
}

func TestTick_SuccessAdvancesDueDate(t *testing.T) {
	h := newHarness(t)
	sub := h.createDue(t)

	summary, err := h.machine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Selected)
	assert.Equal(t, 1, summary.Results[ResultSucceeded])

	got := h.get(t, sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	require.NotNil(t, got.NextDueAt)
	assert.True(t, got.NextDueAt.Equal(h.now.AddDate(0, 1, 0)))
	assert.Nil(t, got.RenewalClaimedUntil)
	assert.True(t, got.Retry().IsEmpty())

	require.Len(t, h.charger.requests, 1)
	req := h.charger.requests[0]
	assert.Equal(t, "CARD-TOKEN", req.CredentialToken)
	assert.Equal(t, int64(1200), req.Amount)

	parsed, err := tradeid.Parse(req.MerTradeNo)
	require.NoError(t, err)
	assert.Equal(t, tradeid.PurposeRenewal, parsed.Purpose)
	txn, err := h.repos.Transaction.GetByID(context.Background(), parsed.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusSucceeded, txn.Status)
	assert.Equal(t, models.TransactionPurposeRenewal, txn.Purpose)
	assert.Equal(t, sub.ID, *txn.SubscriptionID)

	assert.Equal(t, []string{events.RenewalSucceeded}, h.pub.Types())

	summary, err = h.machine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Selected, "renewed subscription is not due again")
}

func TestTick_RetryScheduleUntilExhausted(t *testing.T) {
	h := newHarness(t, timeout(), timeout(), timeout(), timeout())
	sub := h.createDue(t)
	ctx := context.Background()

	_, err := h.machine.Tick(ctx)
	require.NoError(t, err)

	got := h.get(t, sub.ID)
	ri := got.Retry()
	assert.Equal(t, models.SubscriptionStatusFailing, got.Status)
	assert.Equal(t, 1, ri.Attempt)
	require.NotNil(t, ri.NextRetryAt)
	assert.True(t, ri.NextRetryAt.Equal(time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)))
	require.NotNil(t, ri.LastError)
	assert.Equal(t, "transport", ri.LastError.Kind)

	// Not due before the retry time.
	h.now = h.now.Add(23 * time.Hour)
	summary, err := h.machine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Selected)

	// A late tick still schedules from the failure time.
	for _, wantDelay := range []time.Duration{48 * time.Hour, 72 * time.Hour} {
		h.now = *h.get(t, sub.ID).NextRetryAt
		h.now = h.now.Add(3 * time.Hour)
		_, err := h.machine.Tick(ctx)
		require.NoError(t, err)
		ri := h.get(t, sub.ID).Retry()
		require.NotNil(t, ri.NextRetryAt)
		assert.True(t, ri.NextRetryAt.Equal(h.now.Add(wantDelay)))
	}

	h.now = h.get(t, sub.ID).NextRetryAt.Add(time.Minute)
	summary, err = h.machine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Results[ResultExhausted])

	got = h.get(t, sub.ID)
	ri = got.Retry()
	assert.Equal(t, models.SubscriptionStatusFailing, got.Status)
	assert.Equal(t, 4, ri.Attempt)
	assert.True(t, ri.Exhausted)
	assert.Nil(t, ri.NextRetryAt)
	assert.Nil(t, got.NextRetryAt)

	h.now = h.now.Add(365 * 24 * time.Hour)
	summary, err = h.machine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Selected, "exhausted subscription is never retried")

	types := h.pub.Types()
	assert.Equal(t, events.RenewalExhausted, types[len(types)-1])
	assert.Len(t, h.charger.requests, 4)
}

func TestTick_RetrySuccessClearsRetryInfo(t *testing.T) {
	h := newHarness(t, timeout())
	sub := h.createDue(t)
	ctx := context.Background()

	_, err := h.machine.Tick(ctx)
	require.NoError(t, err)

	h.now = h.now.Add(25 * time.Hour)
	summary, err := h.machine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Results[ResultSucceeded])

	got := h.get(t, sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	assert.True(t, got.Retry().IsEmpty())
	assert.Nil(t, got.NextRetryAt)
	assert.True(t, got.NextDueAt.Equal(h.now.AddDate(0, 1, 0)))
}

func TestTick_NonRetryableStopsRetrying(t *testing.T) {
	h := newHarness(t, &gateway.ChargeError{Kind: gateway.KindReauth, Status: "3D_REQUIRED"})
	sub := h.createDue(t)
	ctx := context.Background()

	summary, err := h.machine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Results[ResultFailing])

	got := h.get(t, sub.ID)
	assert.Equal(t, models.SubscriptionStatusFailing, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.False(t, got.Retry().LastError.Retryable)

	h.now = h.now.Add(30 * 24 * time.Hour)
	summary, err = h.machine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Selected)
}

func TestTick_MissingCredentialIsNonRetryable(t *testing.T) {
	h := newHarness(t)
	sub := h.createDue(t)
	ctx := context.Background()
	require.NoError(t, h.repos.Subscription.Update(ctx, sub.ID, func(s *models.Subscription) error {
		s.CredentialTokenEnc = ""
		return nil
	}))

	summary, err := h.machine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Results[ResultFailing])
	assert.Equal(t, string(gateway.KindMissingCredential), h.get(t, sub.ID).Retry().LastError.Kind)
	assert.Empty(t, h.charger.requests, "gateway is not called without a token")
}

func TestTick_PlainErrorIsTreatedAsTransport(t *testing.T) {
	h := newHarness(t, errors.New("connection reset"))
	sub := h.createDue(t)

	_, err := h.machine.Tick(context.Background())
	require.NoError(t, err)

	ri := h.get(t, sub.ID).Retry()
	assert.Equal(t, 1, ri.Attempt)
	assert.Equal(t, "transport", ri.LastError.Kind)
	assert.Equal(t, "connection reset", ri.LastError.Message)
}

func TestRenew_SkipsClaimedSubscription(t *testing.T) {
	h := newHarness(t)
	sub := h.createDue(t)
	ctx := context.Background()

	ok, err := h.repos.Subscription.Claim(ctx, sub.ID, h.now, h.now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.machine.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
	assert.Empty(t, h.charger.requests)
}

func TestTick_OverlappingTicksChargeOnce(t *testing.T) {
	h := newHarness(t)
	sub := h.createDue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.machine.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.charger.requests, 1)
	assert.Equal(t, models.SubscriptionStatusActive, h.get(t, sub.ID).Status)
}

// flakySubscriptions fails the next Update calls while failUpdates > 0.
type flakySubscriptions struct {
	repository.SubscriptionRepository
	mu          sync.Mutex
	failUpdates int
}

func (f *flakySubscriptions) Update(ctx context.Context, id uint, fn func(sub *models.Subscription) error) error {
	f.mu.Lock()
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errors.New("database unavailable")
	}
	f.mu.Unlock()
	return f.SubscriptionRepository.Update(ctx, id, fn)
}

func TestRenew_ChargedButSubscriptionNotSavedIsNotChargedAgain(t *testing.T) {
	h := newHarness(t)
	sub := h.createDue(t)
	dueAt := *sub.NextDueAt
	ctx := context.Background()

	subs := &flakySubscriptions{SubscriptionRepository: h.repos.Subscription, failUpdates: 1}
	machine := NewMachine(subs, h.repos.Transaction, h.charger, h.sealer,
		WithPublisher(h.pub),
		WithClock(func() time.Time { return h.now }),
	)

	res, err := machine.Renew(ctx, sub.ID)
	require.Error(t, err)
	assert.Equal(t, ResultError, res)
	require.Len(t, h.charger.requests, 1)

	got := h.get(t, sub.ID)
	assert.True(t, got.NextDueAt.Equal(dueAt), "subscription update was lost")
	require.NotNil(t, got.RenewalClaimedUntil, "claim is held")

	chargedAt := h.now
	h.now = h.now.Add(11 * time.Minute)
	summary, err := machine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Results[ResultSucceeded])
	assert.Len(t, h.charger.requests, 1, "the earlier charge is reused")

	got = h.get(t, sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	require.NotNil(t, got.NextDueAt)
	assert.True(t, got.NextDueAt.Equal(chargedAt.AddDate(0, 1, 0)))
	assert.Nil(t, got.RenewalClaimedUntil)
}
