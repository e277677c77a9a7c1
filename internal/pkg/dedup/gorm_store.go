package dedup

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PaySync/app/models"
)

// GormStore keeps entries in a table with a unique (handle, channel) index.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a store backed by GORM.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) IsProcessed(ctx context.Context, handle, channel string) (bool, error) {
	if err := validateKey(handle, channel); err != nil {
		return false, err
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.DedupEntry{}).
		Where("handle = ? AND channel = ? AND processed_at >= ?", handle, channel, s.now().Add(-Retention)).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) MarkProcessed(ctx context.Context, handle, channel, auxRef, payloadHash string) (bool, error) {
	if err := validateKey(handle, channel); err != nil {
		return false, err
	}
	now := s.now()
	entry := &models.DedupEntry{
		Handle:      handle,
		Channel:     channel,
		AuxRef:      auxRef,
		PayloadHash: payloadHash,
		ProcessedAt: now,
	}

	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "handle"},
			{Name: "channel"},
		},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	// An expired row that cleanup has not removed yet is taken over with a
	// conditional update, which is still a single atomic statement.
	res := s.db.WithContext(ctx).
		Model(&models.DedupEntry{}).
		Where("handle = ? AND channel = ? AND processed_at < ?", handle, channel, now.Add(-Retention)).
		Updates(map[string]interface{}{
			"processed_at": now,
			"aux_ref":      auxRef,
			"payload_hash": payloadHash,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Release(ctx context.Context, handle, channel string) error {
	return s.db.WithContext(ctx).
		Where("handle = ? AND channel = ?", handle, channel).
		Delete(&models.DedupEntry{}).Error
}

func (s *GormStore) Cleanup(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("processed_at < ?", s.now().Add(-Retention)).
		Delete(&models.DedupEntry{})
	return res.RowsAffected, res.Error
}
