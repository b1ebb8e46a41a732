// Package device implements the device registry: registration, token
// lookup, warm-up stages and daily counters.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a device id or token does not resolve.
var ErrNotFound = errors.New("device: not found")

// Warm-up stage bounds.
const (
	MinWarmupStage = 1
	MaxWarmupStage = 4
)

// stageLimits maps warm-up stage to its default daily send limit.
var stageLimits = map[int]int{
	1: 20,
	2: 50,
	3: 100,
	4: 200,
}

// StageLimit returns the default daily limit for a warm-up stage.
func StageLimit(stage int) (int, error) {
	limit, ok := stageLimits[stage]
	if !ok {
		return 0, fmt.Errorf("device: warmup stage %d out of range [%d,%d]", stage, MinWarmupStage, MaxWarmupStage)
	}
	return limit, nil
}

// RegisterOpts holds parameters for registering a device.
type RegisterOpts struct {
	UserID      string
	Name        string
	PhoneNumber string
	WarmupStage int // defaults to 1
	DailyLimit  int // defaults to the stage limit
}

// GenerateID creates a unique device ID in dev-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("device: generate ID: %w", err)
	}
	return "dev-" + hex.EncodeToString(b), nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 2 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Device{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("device: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("device: failed to generate unique ID after retries")
}

// Register creates a new device and issues its connection token. The token
// is only ever returned here.
func Register(db *gorm.DB, opts RegisterOpts) (*models.Device, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("device: user id is required")
	}
	if opts.WarmupStage == 0 {
		opts.WarmupStage = MinWarmupStage
	}
	limit, err := StageLimit(opts.WarmupStage)
	if err != nil {
		return nil, err
	}
	if opts.DailyLimit < 0 {
		return nil, fmt.Errorf("device: daily limit must not be negative")
	}
	if opts.DailyLimit == 0 {
		opts.DailyLimit = limit
	}

	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}

	dev := models.Device{
		ID:          id,
		UserID:      opts.UserID,
		Name:        opts.Name,
		PhoneNumber: opts.PhoneNumber,
		Token:       uuid.NewString(),
		IsActive:    true,
		WarmupStage: opts.WarmupStage,
		DailyLimit:  opts.DailyLimit,
	}
	if err := db.Create(&dev).Error; err != nil {
		return nil, fmt.Errorf("device: register: %w", err)
	}
	return &dev, nil
}

// Get retrieves a device by ID.
func Get(db *gorm.DB, deviceID string) (*models.Device, error) {
	var dev models.Device
	if err := db.Where("id = ?", deviceID).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
		}
		return nil, fmt.Errorf("device: get %s: %w", deviceID, err)
	}
	return &dev, nil
}

// GetByToken resolves a connection token to its device.
func GetByToken(db *gorm.DB, token string) (*models.Device, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var dev models.Device
	if err := db.Where("token = ?", token).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("device: get by token: %w", err)
	}
	return &dev, nil
}

// List returns a user's devices ordered by ID. An empty userID lists all.
func List(db *gorm.DB, userID string) ([]models.Device, error) {
	q := db.Order("id ASC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var devices []models.Device
	if err := q.Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	return devices, nil
}

// ListByIDs loads the given devices; unknown ids are skipped.
func ListByIDs(db *gorm.DB, ids []string) ([]models.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var devices []models.Device
	if err := db.Where("id IN ?", ids).Order("id ASC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device: list by ids: %w", err)
	}
	return devices, nil
}

// SetWarmupStage moves a device to a new stage and resets its daily limit
// to the stage default.
func SetWarmupStage(db *gorm.DB, deviceID string, stage int) error {
	limit, err := StageLimit(stage)
	if err != nil {
		return err
	}
	result := db.Model(&models.Device{}).Where("id = ?", deviceID).Updates(map[string]interface{}{
		"warmup_stage": stage,
		"daily_limit":  limit,
	})
	if result.Error != nil {
		return fmt.Errorf("device: set stage %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return nil
}

// SetActive enables or disables a device for selection.
func SetActive(db *gorm.DB, deviceID string, active bool) error {
	result := db.Model(&models.Device{}).Where("id = ?", deviceID).Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("device: set active %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return nil
}

// MarkOnline records a fresh connection.
func MarkOnline(db *gorm.DB, deviceID, ip string, at time.Time) error {
	if err := db.Model(&models.Device{}).Where("id = ?", deviceID).Updates(map[string]interface{}{
		"is_online":  true,
		"ip_address": ip,
		"last_seen":  at,
	}).Error; err != nil {
		return fmt.Errorf("device: mark online %s: %w", deviceID, err)
	}
	return nil
}

// MarkOffline clears the online flag. The row itself is kept.
func MarkOffline(db *gorm.DB, deviceID string) error {
	if err := db.Model(&models.Device{}).Where("id = ?", deviceID).
		Update("is_online", false).Error; err != nil {
		return fmt.Errorf("device: mark offline %s: %w", deviceID, err)
	}
	return nil
}

// Vitals are the device-reported fields refreshed by status and heartbeat
// events. Nil or empty fields are left untouched.
type Vitals struct {
	BatteryLevel *int
	NetworkType  string
	AppVersion   string
}

// Touch refreshes last_seen and any reported vitals.
func Touch(db *gorm.DB, deviceID string, at time.Time, v Vitals) error {
	updates := map[string]interface{}{"last_seen": at}
	if v.BatteryLevel != nil {
		updates["battery_level"] = *v.BatteryLevel
	}
	if v.NetworkType != "" {
		updates["network_type"] = v.NetworkType
	}
	if v.AppVersion != "" {
		updates["app_version"] = v.AppVersion
	}
	result := db.Model(&models.Device{}).Where("id = ?", deviceID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("device: touch %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return nil
}

// RecordSent increments the daily and lifetime send counters.
func RecordSent(db *gorm.DB, deviceID string) error {
	if err := db.Model(&models.Device{}).Where("id = ?", deviceID).Updates(map[string]interface{}{
		"messages_sent_today": gorm.Expr("messages_sent_today + ?", 1),
		"total_sent":          gorm.Expr("total_sent + ?", 1),
	}).Error; err != nil {
		return fmt.Errorf("device: record sent %s: %w", deviceID, err)
	}
	return nil
}

// RecordFailed increments the lifetime failure counter.
func RecordFailed(db *gorm.DB, deviceID string) error {
	if err := db.Model(&models.Device{}).Where("id = ?", deviceID).
		Update("total_failed", gorm.Expr("total_failed + ?", 1)).Error; err != nil {
		return fmt.Errorf("device: record failed %s: %w", deviceID, err)
	}
	return nil
}

// ResetDailyCounters zeroes messages_sent_today for every device and returns
// the number of rows touched.
func ResetDailyCounters(db *gorm.DB) (int64, error) {
	result := db.Model(&models.Device{}).Where("messages_sent_today <> ?", 0).
		Update("messages_sent_today", 0)
	if result.Error != nil {
		return 0, fmt.Errorf("device: reset daily counters: %w", result.Error)
	}
	return result.RowsAffected, nil
}
