// Package outbox accepts message batches from collaborators and turns them
// into queued logs and SEND_MESSAGE commands spread across the fleet.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchyard/internal/command"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/msglog"
	"github.com/zulandar/switchyard/internal/rotation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidBatch is returned for batches that fail validation.
var ErrInvalidBatch = errors.New("outbox: invalid batch")

// Distributor splits a batch across candidate devices.
type Distributor interface {
	DistributeMessages(ctx context.Context, candidateIDs []string, total int, mode rotation.Mode) ([]rotation.Allocation, error)
}

// Dispatcher pushes a command to a connected device. It reports false when
// the device has no live connection.
type Dispatcher interface {
	DispatchCommand(deviceID string, cmd *models.DeviceCommand) bool
}

// Message is one outbound message.
type Message struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url,omitempty"`
}

// Batch is a set of messages to send through the fleet.
type Batch struct {
	CampaignID string        `json:"campaign_id,omitempty"`
	DeviceIDs  []string      `json:"device_ids"`
	Mode       rotation.Mode `json:"mode,omitempty"`
	Priority   int           `json:"priority,omitempty"`
	Messages   []Message     `json:"messages"`
}

// Queued describes one message after it was assigned to a device.
type Queued struct {
	LogID      uint   `json:"log_id"`
	CommandID  uint   `json:"command_id"`
	DeviceID   string `json:"device_id"`
	Recipient  string `json:"recipient"`
	Dispatched bool   `json:"dispatched"`
}

// Result is the outcome of Enqueue.
type Result struct {
	Allocations []rotation.Allocation `json:"allocations"`
	Queued      []Queued              `json:"queued"`
	Dispatched  int                   `json:"dispatched"`
}

// Outbox queues batches.
type Outbox struct {
	db   *gorm.DB
	dist Distributor
	disp Dispatcher
	log  *zap.Logger
}

// New creates an Outbox. disp may be nil, in which case commands wait for
// the device's next connect.
func New(db *gorm.DB, dist Distributor, disp Dispatcher, log *zap.Logger) *Outbox {
	return &Outbox{db: db, dist: dist, disp: disp, log: logging.OrNop(log).Named("outbox")}
}

func validate(b Batch) error {
	if len(b.Messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidBatch)
	}
	if len(b.DeviceIDs) == 0 {
		return fmt.Errorf("%w: no candidate devices", ErrInvalidBatch)
	}
	for i, m := range b.Messages {
		if m.Recipient == "" {
			return fmt.Errorf("%w: message %d: recipient is required", ErrInvalidBatch, i)
		}
		if m.Body == "" && m.MediaURL == "" {
			return fmt.Errorf("%w: message %d: body or media_url is required", ErrInvalidBatch, i)
		}
	}
	return nil
}

// Enqueue distributes the batch, creates a QUEUED log and a pending command
// per message in one transaction, then pushes the commands to devices that
// are connected. Messages are assigned to devices in allocation order.
func (o *Outbox) Enqueue(ctx context.Context, b Batch) (*Result, error) {
	if err := validate(b); err != nil {
		return nil, err
	}

	allocs, err := o.dist.DistributeMessages(ctx, b.DeviceIDs, len(b.Messages), b.Mode)
	if err != nil {
		return nil, err
	}

	res := &Result{Allocations: allocs}
	var cmds []*models.DeviceCommand
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next := 0
		for _, a := range allocs {
			for range a.Count {
				if next >= len(b.Messages) {
					return fmt.Errorf("allocations exceed %d messages", len(b.Messages))
				}
				m := b.Messages[next]
				next++

				l, err := msglog.Create(tx, msglog.CreateOpts{
					DeviceID:   a.DeviceID,
					CampaignID: b.CampaignID,
					Recipient:  m.Recipient,
					Body:       m.Body,
				})
				if err != nil {
					return err
				}
				typ := models.CommandSendMessage
				if m.MediaURL != "" {
					typ = models.CommandSendMedia
				}
				cmd, err := command.Enqueue(tx, a.DeviceID, typ, command.SendMessagePayload{
					LogID:     l.ID,
					Recipient: m.Recipient,
					Body:      m.Body,
					MediaURL:  m.MediaURL,
				}, command.EnqueueOpts{Priority: b.Priority})
				if err != nil {
					return err
				}
				cmds = append(cmds, cmd)
				res.Queued = append(res.Queued, Queued{
					LogID:     l.ID,
					CommandID: cmd.ID,
					DeviceID:  a.DeviceID,
					Recipient: m.Recipient,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: enqueue: %w", err)
	}

	if o.disp != nil {
		for i, cmd := range cmds {
			if o.disp.DispatchCommand(cmd.DeviceID, cmd) {
				res.Queued[i].Dispatched = true
				res.Dispatched++
			}
		}
	}

	o.log.Info("batch queued",
		zap.String("campaign_id", b.CampaignID),
		zap.Int("messages", len(res.Queued)),
		zap.Int("devices", len(allocs)),
		zap.Int("dispatched", res.Dispatched))
	return res, nil
}
