// Package msglog persists DeviceLog rows: one per outbound message, moved
// through QUEUED → SENT | FAILED → DELIVERED by device-reported events.
package msglog

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no log matches an event.
var ErrNotFound = errors.New("msglog: not found")

// CreateOpts holds parameters for queuing a message log.
type CreateOpts struct {
	DeviceID   string
	CampaignID string
	Recipient  string
	Body       string
}

// Create inserts a QUEUED log.
func Create(db *gorm.DB, opts CreateOpts) (*models.DeviceLog, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("msglog: device id is required")
	}
	if opts.Recipient == "" {
		return nil, fmt.Errorf("msglog: recipient is required")
	}
	l := models.DeviceLog{
		DeviceID:        opts.DeviceID,
		RecipientNumber: opts.Recipient,
		Body:            opts.Body,
		Status:          models.LogQueued,
	}
	if opts.CampaignID != "" {
		campaign := opts.CampaignID
		l.CampaignID = &campaign
	}
	if err := db.Create(&l).Error; err != nil {
		return nil, fmt.Errorf("msglog: create: %w", err)
	}
	return &l, nil
}

// Get retrieves a log by ID.
func Get(db *gorm.DB, id uint) (*models.DeviceLog, error) {
	var l models.DeviceLog
	if err := db.First(&l, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("msglog: get %d: %w", id, err)
	}
	return &l, nil
}

// Match identifies the log an inbound event refers to: by ID when known,
// otherwise the device's most recent log for the recipient.
type Match struct {
	LogID     *uint
	Recipient string
}

// Find resolves m among a device's logs currently in one of statuses.
func Find(db *gorm.DB, deviceID string, m Match, statuses ...string) (*models.DeviceLog, error) {
	q := db.Where("device_id = ?", deviceID)
	switch {
	case m.LogID != nil:
		q = q.Where("id = ?", *m.LogID)
	case m.Recipient != "":
		q = q.Where("recipient_number = ?", m.Recipient)
	default:
		return nil, fmt.Errorf("msglog: match needs log id or recipient")
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var l models.DeviceLog
	if err := q.Order("created_at DESC").Order("id DESC").First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msglog: find for %s: %w", deviceID, err)
	}
	return &l, nil
}

// MarkSent moves a QUEUED log to SENT and derives time_gap_ms from the
// device's previous SENT or DELIVERED log. The gap stays NULL when there is
// none.
func MarkSent(db *gorm.DB, l *models.DeviceLog, at time.Time) error {
	var gap *int64
	var prev models.DeviceLog
	err := db.Where("device_id = ? AND id <> ? AND status IN ? AND sent_at IS NOT NULL",
		l.DeviceID, l.ID, []string{models.LogSent, models.LogDelivered}).
		Order("sent_at DESC").First(&prev).Error
	switch {
	case err == nil:
		ms := at.Sub(*prev.SentAt).Milliseconds()
		gap = &ms
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("msglog: previous send for %s: %w", l.DeviceID, err)
	}

	if err := transition(db, l.ID, []string{models.LogQueued}, map[string]interface{}{
		"status":      models.LogSent,
		"sent_at":     at,
		"time_gap_ms": gap,
	}); err != nil {
		return err
	}
	l.Status = models.LogSent
	l.SentAt = &at
	l.TimeGapMs = gap
	return nil
}

// MarkFailed moves a QUEUED or SENT log to FAILED.
func MarkFailed(db *gorm.DB, l *models.DeviceLog, errMsg string) error {
	if err := transition(db, l.ID, []string{models.LogQueued, models.LogSent}, map[string]interface{}{
		"status":        models.LogFailed,
		"error_message": errMsg,
	}); err != nil {
		return err
	}
	l.Status = models.LogFailed
	l.ErrorMessage = errMsg
	return nil
}

// MarkDelivered moves a SENT log to DELIVERED and derives delivery_time_ms.
func MarkDelivered(db *gorm.DB, l *models.DeviceLog, at time.Time) error {
	var dt *int64
	if l.SentAt != nil {
		ms := at.Sub(*l.SentAt).Milliseconds()
		dt = &ms
	}
	if err := transition(db, l.ID, []string{models.LogSent}, map[string]interface{}{
		"status":           models.LogDelivered,
		"delivered_at":     at,
		"delivery_time_ms": dt,
	}); err != nil {
		return err
	}
	l.Status = models.LogDelivered
	l.DeliveredAt = &at
	l.DeliveryTimeMs = dt
	return nil
}

func transition(db *gorm.DB, id uint, from []string, updates map[string]interface{}) error {
	result := db.Model(&models.DeviceLog{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("msglog: update %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d in %v", ErrNotFound, id, from)
	}
	return nil
}

// Since returns a device's logs created at or after since, oldest first,
// optionally restricted to statuses.
func Since(db *gorm.DB, deviceID string, since time.Time, statuses ...string) ([]models.DeviceLog, error) {
	q := db.Where("device_id = ? AND created_at >= ?", deviceID, since)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var logs []models.DeviceLog
	if err := q.Order("created_at ASC").Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("msglog: since for %s: %w", deviceID, err)
	}
	return logs, nil
}

// CampaignCounts returns per-status log counts for a campaign.
func CampaignCounts(db *gorm.DB, campaignID string) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&models.DeviceLog{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("msglog: campaign counts %s: %w", campaignID, err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
