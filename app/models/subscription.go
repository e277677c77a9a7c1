package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SubscriptionStatusTrialing  = "trialing"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusFailing   = "failing"
	SubscriptionStatusCancelled = "cancelled"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
	BillingIntervalDay   = "day"
)

// Subscription is a recurring billing agreement charged through a stored
// gateway credential.
type Subscription struct {
	ID                  uint                          `gorm:"primaryKey" json:"id"`
	Status              string                        `gorm:"type:varchar(16);not null;default:'active';index:idx_subscriptions_status_due,priority:1;index:idx_subscriptions_status_retry,priority:1" json:"status"`
	Amount              int64                         `gorm:"not null" json:"amount"`
	Email               string                        `gorm:"type:varchar(200);default:''" json:"email"`
	Description         string                        `gorm:"type:varchar(200);default:''" json:"description"`
	BillingInterval     string                        `gorm:"type:varchar(8);not null;default:'month'" json:"billing_interval"`
	IntervalCount       int                           `gorm:"not null;default:1" json:"interval_count"`
	NextDueAt           *time.Time                    `gorm:"type:timestamp;default:null;index:idx_subscriptions_status_due,priority:2" json:"next_due_at,omitempty"`
	NextRetryAt         *time.Time                    `gorm:"type:timestamp;default:null;index:idx_subscriptions_status_retry,priority:2" json:"next_retry_at,omitempty"`
	CredentialTokenEnc  string                        `gorm:"type:text" json:"-"`
	RetryInfo           datatypes.JSONType[RetryInfo] `gorm:"type:json" json:"retry_info"`
	RenewalClaimedUntil *time.Time                    `gorm:"type:timestamp;default:null" json:"-"`
	CreatedAt           time.Time                     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time                     `gorm:"autoUpdateTime" json:"updated_at"`
}

// Retry returns a copy of the subscription's retry bookkeeping.
func (s *Subscription) Retry() RetryInfo {
	return s.RetryInfo.Data()
}

// SetRetry replaces the retry bookkeeping and keeps NextRetryAt in sync.
func (s *Subscription) SetRetry(ri RetryInfo) {
	s.RetryInfo = datatypes.NewJSONType(ri)
	s.NextRetryAt = ri.NextRetryAt
}

// AdvanceDue moves the next due date one billing interval past from.
func (s *Subscription) AdvanceDue(from time.Time) time.Time {
	n := s.IntervalCount
	if n <= 0 {
		n = 1
	}
	var next time.Time
	switch s.BillingInterval {
	case BillingIntervalYear:
		next = from.AddDate(n, 0, 0)
	case BillingIntervalDay:
		next = from.AddDate(0, 0, n)
	default:
		next = from.AddDate(0, n, 0)
	}
	s.NextDueAt = &next
	return next
}

// MarkRenewed records a successful charge at paidAt: retry state is cleared,
// the subscription is active again and the next due date moves one interval
// past paidAt.
func (s *Subscription) MarkRenewed(paidAt time.Time) {
	s.SetRetry(RetryInfo{})
	s.Status = SubscriptionStatusActive
	s.AdvanceDue(paidAt)
}

// AttachCredential stores a sealed credential token. A failing subscription
// that still has retries left becomes due for a retry immediately.
func (s *Subscription) AttachCredential(sealed string, now time.Time) {
	s.CredentialTokenEnc = sealed
	if s.Status != SubscriptionStatusFailing {
		return
	}
	ri := s.Retry()
	if ri.Exhausted {
		return
	}
	at := now
	ri.NextRetryAt = &at
	s.SetRetry(ri)
}
