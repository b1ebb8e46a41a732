package models

import (
	"time"

	"gorm.io/datatypes"
)

// CampaignSchedule stores the multi-day send plan computed for a campaign.
type CampaignSchedule struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	CampaignID    string `gorm:"size:64;uniqueIndex;not null"`
	MessageType   string `gorm:"size:16"`
	TotalMessages int    `gorm:"not null"`
	DailyCapacity int
	DaysNeeded    int
	StartDate     time.Time
	DeviceIDs     datatypes.JSON `gorm:"type:json"`
	Plan          datatypes.JSON `gorm:"type:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
