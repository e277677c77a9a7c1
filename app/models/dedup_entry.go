package models

import "time"

const (
	DedupChannelNotify = "notify"
	DedupChannelReturn = "return"
)

// DedupEntry records that (Handle, Channel) has been processed. The unique
// index on the pair is what decides the single processor.
type DedupEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Handle      string    `gorm:"type:varchar(64);not null;index:ux_dedup_entries_handle_channel,unique,priority:1" json:"handle"`
	Channel     string    `gorm:"type:varchar(16);not null;index:ux_dedup_entries_handle_channel,unique,priority:2" json:"channel"`
	AuxRef      string    `gorm:"type:varchar(64);default:''" json:"aux_ref"`
	PayloadHash string    `gorm:"type:char(64);default:''" json:"payload_hash"`
	ProcessedAt time.Time `gorm:"type:timestamp;not null;index" json:"processed_at"`
}

func (DedupEntry) TableName() string { return "gateway_dedup_entries" }
