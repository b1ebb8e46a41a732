package models

import (
	"time"

	"gorm.io/datatypes"
)

// Command types understood by the device client.
const (
	CommandSendMessage  = "SEND_MESSAGE"
	CommandSendMedia    = "SEND_MEDIA"
	CommandSyncStatus   = "SYNC_STATUS"
	CommandRestart      = "RESTART"
	CommandUpdateConfig = "UPDATE_CONFIG"
)

// Command lifecycle: PENDING → SENT → ACKNOWLEDGED → COMPLETED | FAILED.
const (
	CommandPending      = "PENDING"
	CommandSent         = "SENT"
	CommandAcknowledged = "ACKNOWLEDGED"
	CommandCompleted    = "COMPLETED"
	CommandFailed       = "FAILED"
)

// DeviceCommand is a unit of work addressed to one device.
type DeviceCommand struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"`
	DeviceID       string         `gorm:"size:32;not null;index:idx_device_status"`
	CommandType    string         `gorm:"size:32;not null"`
	Payload        datatypes.JSON `gorm:"type:json"`
	Priority       int            `gorm:"default:0"`
	Status         string         `gorm:"size:16;default:PENDING;index:idx_device_status"`
	Result         string         `gorm:"type:text"`
	ErrorMessage   string         `gorm:"type:text"`
	SentAt         *time.Time
	AcknowledgedAt *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
