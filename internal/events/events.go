// Package events publishes DeviceLog status transitions to collaborators.
package events

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LogStatusChanged is emitted whenever a DeviceLog changes status.
type LogStatusChanged struct {
	LogID      uint      `json:"log_id"`
	DeviceID   string    `json:"device_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Recipient  string    `json:"recipient"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// RoutingKey is the topic routing key for the event, e.g. device_log.sent.
func (e LogStatusChanged) RoutingKey() string {
	return "device_log." + strings.ToLower(e.Status)
}

// Publisher delivers status events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e LogStatusChanged) error
	Close() error
}

// Nop drops every event. Used when no broker is configured.
type Nop struct {
	Log *zap.Logger
}

// Publish logs the event at debug level and drops it.
func (n Nop) Publish(_ context.Context, e LogStatusChanged) error {
	if n.Log != nil {
		n.Log.Debug("status event dropped",
			zap.Uint("log_id", e.LogID),
			zap.String("device_id", e.DeviceID),
			zap.String("status", e.Status),
		)
	}
	return nil
}

// Close is a no-op.
func (Nop) Close() error { return nil }
