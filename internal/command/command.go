// Package command manages the per-device command queue.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a command id does not resolve.
var ErrNotFound = errors.New("command: not found")

// DefaultFlushLimit is the number of pending commands pushed to a device
// when it connects.
const DefaultFlushLimit = 10

var validTypes = map[string]bool{
	models.CommandSendMessage:  true,
	models.CommandSendMedia:    true,
	models.CommandSyncStatus:   true,
	models.CommandRestart:      true,
	models.CommandUpdateConfig: true,
}

// rank orders statuses; a command only ever moves to a higher rank.
var rank = map[string]int{
	models.CommandPending:      0,
	models.CommandSent:         1,
	models.CommandAcknowledged: 2,
	models.CommandCompleted:    3,
	models.CommandFailed:       3,
}

// SendMessagePayload is the payload of SEND_MESSAGE and SEND_MEDIA commands.
type SendMessagePayload struct {
	LogID     uint   `json:"log_id"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url,omitempty"`
}

// EnqueueOpts holds optional parameters for Enqueue.
type EnqueueOpts struct {
	Priority int // higher runs first
}

// Enqueue creates a PENDING command for a device. payload may be nil.
func Enqueue(db *gorm.DB, deviceID, commandType string, payload interface{}, opts EnqueueOpts) (*models.DeviceCommand, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("command: device id is required")
	}
	if !validTypes[commandType] {
		return nil, fmt.Errorf("command: invalid type %q", commandType)
	}

	var raw datatypes.JSON
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("command: marshal payload: %w", err)
		}
		raw = datatypes.JSON(b)
	}

	cmd := models.DeviceCommand{
		DeviceID:    deviceID,
		CommandType: commandType,
		Payload:     raw,
		Priority:    opts.Priority,
		Status:      models.CommandPending,
	}
	if err := db.Create(&cmd).Error; err != nil {
		return nil, fmt.Errorf("command: enqueue %s: %w", deviceID, err)
	}
	return &cmd, nil
}

// Get retrieves a command by ID.
func Get(db *gorm.DB, id uint) (*models.DeviceCommand, error) {
	var cmd models.DeviceCommand
	if err := db.First(&cmd, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("command: get %d: %w", id, err)
	}
	return &cmd, nil
}

// Pending returns up to limit PENDING commands for a device, highest
// priority first and oldest first within a priority.
func Pending(db *gorm.DB, deviceID string, limit int) ([]models.DeviceCommand, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("command: device id is required")
	}
	q := db.Where("device_id = ? AND status = ?", deviceID, models.CommandPending).
		Order("priority DESC").Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var cmds []models.DeviceCommand
	if err := q.Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("command: pending %s: %w", deviceID, err)
	}
	return cmds, nil
}

// HasPending reports whether the device already has a PENDING command of
// commandType.
func HasPending(db *gorm.DB, deviceID, commandType string) (bool, error) {
	var count int64
	if err := db.Model(&models.DeviceCommand{}).
		Where("device_id = ? AND command_type = ? AND status = ?", deviceID, commandType, models.CommandPending).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("command: has pending %s: %w", deviceID, err)
	}
	return count > 0, nil
}

// List returns a device's commands, newest first, optionally filtered by status.
func List(db *gorm.DB, deviceID, status string) ([]models.DeviceCommand, error) {
	q := db.Where("device_id = ?", deviceID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var cmds []models.DeviceCommand
	if err := q.Order("created_at DESC").Order("id DESC").Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("command: list %s: %w", deviceID, err)
	}
	return cmds, nil
}

// MarkSent records that a command was written to the device socket.
func MarkSent(db *gorm.DB, id uint, at time.Time) error {
	_, err := advance(db, id, models.CommandSent, map[string]interface{}{"sent_at": at})
	return err
}

// Acknowledge records the device's receipt of a command. Repeated acks are
// no-ops.
func Acknowledge(db *gorm.DB, id uint, at time.Time) error {
	_, err := advance(db, id, models.CommandAcknowledged, map[string]interface{}{"acknowledged_at": at})
	return err
}

// Complete marks a command finished with an optional result.
func Complete(db *gorm.DB, id uint, result string, at time.Time) error {
	_, err := advance(db, id, models.CommandCompleted, map[string]interface{}{
		"result":       result,
		"completed_at": at,
	})
	return err
}

// Fail marks a command failed with an error message.
func Fail(db *gorm.DB, id uint, errMsg string, at time.Time) error {
	_, err := advance(db, id, models.CommandFailed, map[string]interface{}{
		"error_message": errMsg,
		"completed_at":  at,
	})
	return err
}

// advance moves a command to status if that is forward progress. It reports
// whether the row changed; a command already at or past status is left alone.
func advance(db *gorm.DB, id uint, status string, fields map[string]interface{}) (bool, error) {
	var from []string
	for s, r := range rank {
		if r < rank[status] {
			from = append(from, s)
		}
	}

	updates := map[string]interface{}{"status": status}
	for k, v := range fields {
		updates[k] = v
	}

	result := db.Model(&models.DeviceCommand{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("command: set %d %s: %w", id, status, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := db.Model(&models.DeviceCommand{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("command: set %d %s: %w", id, status, err)
	}
	if count == 0 {
		return false, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return false, nil
}

// DecodeSendMessage parses a SEND_MESSAGE or SEND_MEDIA payload.
func DecodeSendMessage(cmd *models.DeviceCommand) (SendMessagePayload, error) {
	var p SendMessagePayload
	if len(cmd.Payload) == 0 {
		return p, fmt.Errorf("command: %d has no payload", cmd.ID)
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return p, fmt.Errorf("command: decode payload %d: %w", cmd.ID, err)
	}
	return p, nil
}
