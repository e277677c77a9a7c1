package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TransactionStatusPending   = "pending"
	TransactionStatusSucceeded = "succeeded"
	TransactionStatusFailed    = "failed"
)

const (
	TransactionPurposePayment    = "payment"
	TransactionPurposeRenewal    = "renewal"
	TransactionPurposeCardUpdate = "card_update"
)

const (
	PaymentModeTest = "test"
	PaymentModeLive = "live"
)

// Metadata keys that, once recorded, are never overwritten by a later event.
var terminalMetadataKeys = map[string]bool{
	"gateway_trade_no":     true,
	"gateway_payment_type": true,
	"gateway_amount":       true,
}

// Metadata is a flat string map persisted as a JSON column.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("invalid scan source for metadata")
	}
	out := Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// Merge copies incoming into a new map. Keys already holding a terminal
// gateway value keep it.
func (m Metadata) Merge(incoming map[string]string) Metadata {
	out := make(Metadata, len(m)+len(incoming))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range incoming {
		if existing, ok := out[k]; ok && existing != "" && terminalMetadataKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// Transaction is one attempted payment against the gateway.
type Transaction struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Handle         string     `gorm:"type:char(36);not null;uniqueIndex" json:"handle"`
	Purpose        string     `gorm:"type:varchar(20);not null;default:'payment';index" json:"purpose"`
	SubscriptionID *uint      `gorm:"index" json:"subscription_id,omitempty"`
	Amount         int64      `gorm:"not null" json:"amount"`
	Mode           string     `gorm:"type:varchar(8);not null;default:'test'" json:"mode"`
	Status         string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	MerTradeNo     string     `gorm:"type:varchar(20);default:'';index" json:"mer_trade_no"`
	Email          string     `gorm:"type:varchar(200);default:''" json:"email"`
	Metadata       Metadata   `gorm:"type:json" json:"metadata"`
	PaidAt         *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.Handle == "" {
		t.Handle = uuid.New().String()
	}
	if t.Metadata == nil {
		t.Metadata = Metadata{}
	}
	return nil
}

// IsSucceeded reports whether the transaction reached its terminal success state.
func (t *Transaction) IsSucceeded() bool {
	return t.Status == TransactionStatusSucceeded
}
