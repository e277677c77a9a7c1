package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PaySync/app/models"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("record not found")

// TransactionRepository defines the transaction operations used by reconciliation.
// Status changes are conditional single-row updates; the bool result reports
// whether this call performed the transition.
type TransactionRepository interface {
	Create(ctx context.Context, txn *models.Transaction) error
	GetByID(ctx context.Context, id uint) (*models.Transaction, error)
	GetByHandle(ctx context.Context, handle string) (*models.Transaction, error)
	SetMerTradeNo(ctx context.Context, id uint, merTradeNo string) error
	// MarkSucceeded moves a pending or failed transaction to succeeded. Failed
	// is not terminal here: a renewal charge recorded as failed after a timeout
	// or an ambiguous answer may still be confirmed by a later notify delivery.
	MarkSucceeded(ctx context.Context, id uint, meta map[string]string, paidAt time.Time) (bool, error)
	// MarkPending re-arms a pending transaction with new instructions.
	MarkPending(ctx context.Context, id uint, meta map[string]string) (bool, error)
	// MarkFailed moves a pending transaction to failed.
	MarkFailed(ctx context.Context, id uint, meta map[string]string) (bool, error)
	// LatestSucceededRenewal returns the newest succeeded renewal transaction
	// of the subscription paid at or after since, or ErrNotFound.
	LatestSucceededRenewal(ctx context.Context, subscriptionID uint, since time.Time) (*models.Transaction, error)
}

// SubscriptionRepository defines the subscription operations used by renewals.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id uint) (*models.Subscription, error)
	// ListDue returns healthy subscriptions past their due date and failing
	// subscriptions past their retry date.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	// Claim reserves the subscription for one renewal run until the given time.
	Claim(ctx context.Context, id uint, now, until time.Time) (bool, error)
	// Update applies fn to the row under lock and persists the billing columns.
	Update(ctx context.Context, id uint, fn func(sub *models.Subscription) error) error
}

// Repositories holds all repository instances
type Repositories struct {
	Transaction  TransactionRepository
	Subscription SubscriptionRepository
}

// NewRepositories creates all GORM-backed repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Transaction:  NewTransactionRepository(db),
		Subscription: NewSubscriptionRepository(db),
	}
}
