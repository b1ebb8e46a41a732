package models

import "time"

// Message log statuses: QUEUED → SENT | FAILED, SENT → DELIVERED.
const (
	LogQueued    = "QUEUED"
	LogSent      = "SENT"
	LogFailed    = "FAILED"
	LogDelivered = "DELIVERED"
)

// DeviceLog records one outbound message handled by a device.
type DeviceLog struct {
	ID              uint    `gorm:"primaryKey;autoIncrement"`
	DeviceID        string  `gorm:"size:32;not null;index:idx_log_device_created"`
	CampaignID      *string `gorm:"size:64;index"`
	RecipientNumber string  `gorm:"size:32;not null"`
	Body            string  `gorm:"type:text"`
	Status          string  `gorm:"size:16;default:QUEUED;index"`
	ErrorMessage    string  `gorm:"type:text"`
	SentAt          *time.Time
	DeliveredAt     *time.Time
	TimeGapMs       *int64
	DeliveryTimeMs  *int64
	CreatedAt       time.Time `gorm:"index:idx_log_device_created"`
	UpdatedAt       time.Time
}
