package models

import "time"

// Device is a phone-resident sending agent.
type Device struct {
	ID                string `gorm:"primaryKey;size:32"`
	UserID            string `gorm:"size:64;index"`
	Name              string `gorm:"size:128"`
	PhoneNumber       string `gorm:"size:32;index"`
	Token             string `gorm:"size:64;uniqueIndex;not null"`
	IsOnline          bool   `gorm:"default:false;index"`
	IsActive          bool   `gorm:"default:true;index"`
	WarmupStage       int    `gorm:"default:1"`
	DailyLimit        int    `gorm:"default:20"`
	MessagesSentToday int    `gorm:"default:0"`
	BatteryLevel      *int
	NetworkType       string     `gorm:"size:16"`
	AppVersion        string     `gorm:"size:32"`
	IPAddress         string     `gorm:"size:64"`
	LastSeen          *time.Time `gorm:"index"`
	TotalSent         int64      `gorm:"default:0"`
	TotalFailed       int64      `gorm:"default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RemainingCapacity returns how many more messages the device may be
// allocated today. Never negative.
func (d *Device) RemainingCapacity() int {
	if r := d.DailyLimit - d.MessagesSentToday; r > 0 {
		return r
	}
	return 0
}

// Utilization is messages_sent_today / daily_limit; a zero limit counts as full.
func (d *Device) Utilization() float64 {
	if d.DailyLimit <= 0 {
		return 1
	}
	return float64(d.MessagesSentToday) / float64(d.DailyLimit)
}
