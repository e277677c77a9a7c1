package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PaySync/app/models"
)

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a transaction repository backed by GORM.
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *transactionRepository) GetByID(ctx context.Context, id uint) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).First(&txn, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &txn, nil
}

func (r *transactionRepository) GetByHandle(ctx context.Context, handle string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).Where("handle = ?", handle).First(&txn).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &txn, nil
}

func (r *transactionRepository) SetMerTradeNo(ctx context.Context, id uint, merTradeNo string) error {
	res := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("id = ?", id).Update("mer_trade_no", merTradeNo)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSucceeded also accepts failed as the source state; see TransactionRepository.
func (r *transactionRepository) MarkSucceeded(ctx context.Context, id uint, meta map[string]string, paidAt time.Time) (bool, error) {
	return r.transition(ctx, id, models.TransactionStatusSucceeded,
		[]string{models.TransactionStatusPending, models.TransactionStatusFailed}, meta, &paidAt)
}

func (r *transactionRepository) MarkPending(ctx context.Context, id uint, meta map[string]string) (bool, error) {
	return r.transition(ctx, id, models.TransactionStatusPending,
		[]string{models.TransactionStatusPending}, meta, nil)
}

func (r *transactionRepository) MarkFailed(ctx context.Context, id uint, meta map[string]string) (bool, error) {
	return r.transition(ctx, id, models.TransactionStatusFailed,
		[]string{models.TransactionStatusPending}, meta, nil)
}

func (r *transactionRepository) LatestSucceededRenewal(ctx context.Context, subscriptionID uint, since time.Time) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND purpose = ? AND status = ? AND paid_at >= ?",
			subscriptionID, models.TransactionPurposeRenewal, models.TransactionStatusSucceeded, since).
		Order("paid_at DESC").
		First(&txn).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &txn, nil
}

// transition locks the row to merge metadata, then applies the status change
// with a WHERE on the allowed source states.
func (r *transactionRepository) transition(ctx context.Context, id uint, to string, from []string, meta map[string]string, paidAt *time.Time) (bool, error) {
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, id).Error; err != nil {
			return mapNotFound(err)
		}

		updates := map[string]interface{}{
			"status":   to,
			"metadata": current.Metadata.Merge(meta),
		}
		if paidAt != nil {
			updates["paid_at"] = *paidAt
		}

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected == 1
		return nil
	})
	return changed, err
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
