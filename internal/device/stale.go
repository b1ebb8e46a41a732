package device

import (
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// DefaultStaleThreshold is the default time after which a connected device
// that has stopped reporting is considered stale.
const DefaultStaleThreshold = 10 * time.Minute

// CheckStale returns active devices still flagged online whose last_seen is
// older than threshold.
func CheckStale(db *gorm.DB, threshold time.Duration, now time.Time) ([]models.Device, error) {
	if db == nil {
		return nil, fmt.Errorf("device: db is required")
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("device: threshold must be positive")
	}

	cutoff := now.Add(-threshold)
	var devices []models.Device
	if err := db.Where("is_online = ? AND is_active = ? AND last_seen < ?", true, true, cutoff).
		Order("last_seen ASC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device: check stale: %w", err)
	}
	return devices, nil
}

// ActiveIDs returns the ids of all active devices, optionally for one user.
func ActiveIDs(db *gorm.DB, userID string) ([]string, error) {
	q := db.Model(&models.Device{}).Where("is_active = ?", true)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var ids []string
	if err := q.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("device: active ids: %w", err)
	}
	return ids, nil
}
