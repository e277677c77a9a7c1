package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PaySync/app/models"
)

// billingColumns are the columns written by Update.
var billingColumns = []string{
	"status",
	"next_due_at",
	"next_retry_at",
	"credential_token_enc",
	"retry_info",
	"renewal_claimed_until",
}

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a subscription repository backed by GORM.
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &sub, nil
}

func (r *subscriptionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	q := r.db.WithContext(ctx).
		Where("(status IN ? AND next_due_at IS NOT NULL AND next_due_at <= ?) OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)",
			[]string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}, now,
			models.SubscriptionStatusFailing, now).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *subscriptionRepository) Claim(ctx context.Context, id uint, now, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND (renewal_claimed_until IS NULL OR renewal_claimed_until < ?)", id, now).
		Update("renewal_claimed_until", until)
	return res.RowsAffected == 1, res.Error
}

func (r *subscriptionRepository) Update(ctx context.Context, id uint, fn func(sub *models.Subscription) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sub, id).Error; err != nil {
			return mapNotFound(err)
		}
		if err := fn(&sub); err != nil {
			return err
		}
		return tx.Model(&sub).Select(billingColumns).Updates(&sub).Error
	})
}
