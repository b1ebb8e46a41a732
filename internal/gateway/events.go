package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
)

// Inbound event types.
const (
	TypeStatusUpdate     = "STATUS_UPDATE"
	TypeMessageSent      = "MESSAGE_SENT"
	TypeMessageFailed    = "MESSAGE_FAILED"
	TypeMessageDelivered = "MESSAGE_DELIVERED"
	TypeCommandAck       = "COMMAND_ACK"
	TypeHeartbeat        = "HEARTBEAT"
)

// Outbound message types.
const (
	TypeConnected = "CONNECTED"
	TypeCommand   = "COMMAND"
)

// ErrUnknownEvent is returned by DecodeEvent for an unrecognised type.
var ErrUnknownEvent = errors.New("gateway: unknown event type")

// Event is an inbound device event. The concrete types are StatusUpdate,
// Heartbeat, MessageSent, MessageFailed, MessageDelivered and CommandAck.
type Event interface {
	Type() string
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Vitals are the device-reported fields carried by status and heartbeat events.
type Vitals struct {
	BatteryLevel *int   `json:"battery_level,omitempty"`
	NetworkType  string `json:"network_type,omitempty"`
	AppVersion   string `json:"app_version,omitempty"`
}

// StatusUpdate refreshes a device's vitals.
type StatusUpdate struct{ Vitals }

// Heartbeat refreshes last_seen and vitals.
type Heartbeat struct{ Vitals }

// MessageRef points at a DeviceLog by id, or by recipient when the id is
// unknown to the device.
type MessageRef struct {
	LogID     *uint  `json:"log_id,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// MessageSent reports that a queued message left the device.
type MessageSent struct{ MessageRef }

// MessageFailed reports a send failure.
type MessageFailed struct {
	MessageRef
	Error string `json:"error,omitempty"`
}

// MessageDelivered reports a delivery receipt.
type MessageDelivered struct{ MessageRef }

// CommandAck acknowledges a command; Status optionally completes it.
type CommandAck struct {
	CommandID uint   `json:"command_id"`
	Status    string `json:"status,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (StatusUpdate) Type() string     { return TypeStatusUpdate }
func (Heartbeat) Type() string        { return TypeHeartbeat }
func (MessageSent) Type() string      { return TypeMessageSent }
func (MessageFailed) Type() string    { return TypeMessageFailed }
func (MessageDelivered) Type() string { return TypeMessageDelivered }
func (CommandAck) Type() string       { return TypeCommandAck }

// DecodeEvent parses a raw {type, data} frame into its typed event.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("gateway: decode envelope: %w", err)
	}

	var ev Event
	switch env.Type {
	case TypeStatusUpdate:
		ev = &StatusUpdate{}
	case TypeHeartbeat:
		ev = &Heartbeat{}
	case TypeMessageSent:
		ev = &MessageSent{}
	case TypeMessageFailed:
		ev = &MessageFailed{}
	case TypeMessageDelivered:
		ev = &MessageDelivered{}
	case TypeCommandAck:
		ev = &CommandAck{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", env.Type, err)
		}
	}

	var out Event
	var err error
	switch e := ev.(type) {
	case *MessageSent:
		out, err = *e, e.validate(env.Type)
	case *MessageFailed:
		out, err = *e, e.validate(env.Type)
	case *MessageDelivered:
		out, err = *e, e.validate(env.Type)
	case *CommandAck:
		out, err = *e, e.validate()
	case *StatusUpdate:
		out = *e
	case *Heartbeat:
		out = *e
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r MessageRef) validate(typ string) error {
	if r.LogID == nil && r.Recipient == "" {
		return fmt.Errorf("gateway: %s needs log_id or recipient", typ)
	}
	return nil
}

func (a CommandAck) validate() error {
	if a.CommandID == 0 {
		return fmt.Errorf("gateway: %s needs command_id", TypeCommandAck)
	}
	switch a.Status {
	case "", models.CommandAcknowledged, models.CommandCompleted, models.CommandFailed:
		return nil
	}
	return fmt.Errorf("gateway: %s has invalid status %q", TypeCommandAck, a.Status)
}

type connectedMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

type commandMessage struct {
	Type        string          `json:"type"`
	CommandID   uint            `json:"command_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func encodeCommand(cmd *models.DeviceCommand) ([]byte, error) {
	msg := commandMessage{
		Type:        TypeCommand,
		CommandID:   cmd.ID,
		CommandType: cmd.CommandType,
	}
	if len(cmd.Payload) > 0 {
		msg.Payload = json.RawMessage(cmd.Payload)
	}
	return json.Marshal(msg)
}
