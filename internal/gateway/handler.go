package gateway

import (
	"context"
	"fmt"

	"github.com/zulandar/switchyard/internal/command"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/events"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/msglog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandleMessage decodes one inbound frame and applies it. Errors mean the
// event had no effect; the connection is unaffected either way.
func (g *Gateway) HandleMessage(ctx context.Context, deviceID string, raw []byte) error {
	ev, err := DecodeEvent(raw)
	if err != nil {
		return err
	}
	return g.Apply(ctx, deviceID, ev)
}

// Apply applies a decoded event for deviceID.
func (g *Gateway) Apply(ctx context.Context, deviceID string, ev Event) error {
	db := g.db.WithContext(ctx)
	now := g.now()
	switch e := ev.(type) {
	case StatusUpdate:
		return g.touch(db, deviceID, e.Vitals)
	case Heartbeat:
		return g.touch(db, deviceID, e.Vitals)
	case MessageSent:
		l, err := msglog.Find(db, deviceID, e.match(), models.LogQueued)
		if err != nil {
			return fmt.Errorf("gateway: %s: %w", TypeMessageSent, err)
		}
		if err := msglog.MarkSent(db, l, now); err != nil {
			return err
		}
		if err := device.RecordSent(db, deviceID); err != nil {
			return err
		}
		g.publish(ctx, l, "")
	case MessageFailed:
		l, err := msglog.Find(db, deviceID, e.match(), models.LogQueued, models.LogSent)
		if err != nil {
			return fmt.Errorf("gateway: %s: %w", TypeMessageFailed, err)
		}
		if err := msglog.MarkFailed(db, l, e.Error); err != nil {
			return err
		}
		if err := device.RecordFailed(db, deviceID); err != nil {
			return err
		}
		g.publish(ctx, l, e.Error)
	case MessageDelivered:
		l, err := msglog.Find(db, deviceID, e.match(), models.LogSent)
		if err != nil {
			return fmt.Errorf("gateway: %s: %w", TypeMessageDelivered, err)
		}
		if err := msglog.MarkDelivered(db, l, now); err != nil {
			return err
		}
		g.publish(ctx, l, "")
	case CommandAck:
		return g.ack(db, deviceID, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return nil
}

func (r MessageRef) match() msglog.Match {
	return msglog.Match{LogID: r.LogID, Recipient: r.Recipient}
}

func (g *Gateway) touch(db *gorm.DB, deviceID string, v Vitals) error {
	return device.Touch(db, deviceID, g.now(), device.Vitals{
		BatteryLevel: v.BatteryLevel,
		NetworkType:  v.NetworkType,
		AppVersion:   v.AppVersion,
	})
}

func (g *Gateway) ack(db *gorm.DB, deviceID string, a CommandAck) error {
	cmd, err := command.Get(db, a.CommandID)
	if err != nil {
		return err
	}
	if cmd.DeviceID != deviceID {
		return fmt.Errorf("gateway: command %d does not belong to %s", a.CommandID, deviceID)
	}

	now := g.now()
	if err := command.Acknowledge(db, cmd.ID, now); err != nil {
		return err
	}
	switch a.Status {
	case models.CommandCompleted:
		return command.Complete(db, cmd.ID, a.Result, now)
	case models.CommandFailed:
		return command.Fail(db, cmd.ID, a.Error, now)
	}
	return nil
}

func (g *Gateway) publish(ctx context.Context, l *models.DeviceLog, errMsg string) {
	e := events.LogStatusChanged{
		LogID:     l.ID,
		DeviceID:  l.DeviceID,
		Recipient: l.RecipientNumber,
		Status:    l.Status,
		Error:     errMsg,
		At:        g.now(),
	}
	if l.CampaignID != nil {
		e.CampaignID = *l.CampaignID
	}
	if err := g.pub.Publish(ctx, e); err != nil {
		g.log.Warn("publish status event", zap.Uint("log_id", l.ID), zap.Error(err))
	}
}
