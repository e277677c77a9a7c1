package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/PaySync/app/models"
)

// MemoryStore is an in-process implementation of both repositories with the
// same conditional-update semantics as the GORM ones. Used by tests and
// local tooling.
type MemoryStore struct {
	mu      sync.Mutex
	txns    map[uint]models.Transaction
	subs    map[uint]models.Subscription
	nextTxn uint
	nextSub uint
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns: make(map[uint]models.Transaction),
		subs: make(map[uint]models.Subscription),
	}
}

// Repositories exposes the store through the repository interfaces.
func (m *MemoryStore) Repositories() *Repositories {
	return &Repositories{
		Transaction:  memoryTransactions{m},
		Subscription: memorySubscriptions{m},
	}
}

func copyTxn(t models.Transaction) *models.Transaction {
	t.Metadata = models.Metadata{}.Merge(t.Metadata)
	return &t
}

type memoryTransactions struct{ m *MemoryStore }

func (r memoryTransactions) Create(_ context.Context, txn *models.Transaction) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := txn.BeforeCreate(nil); err != nil {
		return err
	}
	if txn.ID == 0 {
		r.m.nextTxn++
		txn.ID = r.m.nextTxn
	} else if txn.ID > r.m.nextTxn {
		r.m.nextTxn = txn.ID
	}
	if txn.Status == "" {
		txn.Status = models.TransactionStatusPending
	}
	if txn.Purpose == "" {
		txn.Purpose = models.TransactionPurposePayment
	}
	now := time.Now()
	txn.CreatedAt, txn.UpdatedAt = now, now
	r.m.txns[txn.ID] = *copyTxn(*txn)
	return nil
}

func (r memoryTransactions) GetByID(_ context.Context, id uint) (*models.Transaction, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTxn(t), nil
}

func (r memoryTransactions) GetByHandle(_ context.Context, handle string) (*models.Transaction, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, t := range r.m.txns {
		if t.Handle == handle {
			return copyTxn(t), nil
		}
	}
	return nil, ErrNotFound
}

func (r memoryTransactions) SetMerTradeNo(_ context.Context, id uint, merTradeNo string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.txns[id]
	if !ok {
		return ErrNotFound
	}
	t.MerTradeNo = merTradeNo
	r.m.txns[id] = t
	return nil
}

// MarkSucceeded also accepts failed as the source state; see TransactionRepository.
func (r memoryTransactions) MarkSucceeded(_ context.Context, id uint, meta map[string]string, paidAt time.Time) (bool, error) {
	return r.transition(id, models.TransactionStatusSucceeded, meta, &paidAt,
		models.TransactionStatusPending, models.TransactionStatusFailed)
}

func (r memoryTransactions) MarkPending(_ context.Context, id uint, meta map[string]string) (bool, error) {
	return r.transition(id, models.TransactionStatusPending, meta, nil, models.TransactionStatusPending)
}

func (r memoryTransactions) MarkFailed(_ context.Context, id uint, meta map[string]string) (bool, error) {
	return r.transition(id, models.TransactionStatusFailed, meta, nil, models.TransactionStatusPending)
}

func (r memoryTransactions) LatestSucceededRenewal(_ context.Context, subscriptionID uint, since time.Time) (*models.Transaction, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var latest *models.Transaction
	for _, t := range r.m.txns {
		if t.SubscriptionID == nil || *t.SubscriptionID != subscriptionID {
			continue
		}
		if t.Purpose != models.TransactionPurposeRenewal || t.Status != models.TransactionStatusSucceeded {
			continue
		}
		if t.PaidAt == nil || t.PaidAt.Before(since) {
			continue
		}
		if latest == nil || t.PaidAt.After(*latest.PaidAt) {
			latest = copyTxn(t)
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (r memoryTransactions) transition(id uint, to string, meta map[string]string, paidAt *time.Time, from ...string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.txns[id]
	if !ok {
		return false, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	t.Status = to
	t.Metadata = t.Metadata.Merge(meta)
	if paidAt != nil {
		p := *paidAt
		t.PaidAt = &p
	}
	t.UpdatedAt = time.Now()
	r.m.txns[id] = t
	return true, nil
}

type memorySubscriptions struct{ m *MemoryStore }

func (r memorySubscriptions) Create(_ context.Context, sub *models.Subscription) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if sub.ID == 0 {
		r.m.nextSub++
		sub.ID = r.m.nextSub
	} else if sub.ID > r.m.nextSub {
		r.m.nextSub = sub.ID
	}
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusActive
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r.m.subs[sub.ID] = *sub
	return nil
}

func (r memorySubscriptions) GetByID(_ context.Context, id uint) (*models.Subscription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r memorySubscriptions) ListDue(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.Subscription
	for _, s := range r.m.subs {
		switch s.Status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
			if s.NextDueAt != nil && !s.NextDueAt.After(now) {
				out = append(out, s)
			}
		case models.SubscriptionStatusFailing:
			if s.NextRetryAt != nil && !s.NextRetryAt.After(now) {
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memorySubscriptions) Claim(_ context.Context, id uint, now, until time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subs[id]
	if !ok {
		return false, nil
	}
	if s.RenewalClaimedUntil != nil && !s.RenewalClaimedUntil.Before(now) {
		return false, nil
	}
	u := until
	s.RenewalClaimedUntil = &u
	r.m.subs[id] = s
	return true, nil
}

func (r memorySubscriptions) Update(_ context.Context, id uint, fn func(sub *models.Subscription) error) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&s); err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	r.m.subs[id] = s
	return nil
}
