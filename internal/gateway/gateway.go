// Package gateway holds device websocket connections: it authenticates
// devices by token, relays their events into the store, delivers commands
// and drops connections that stop answering pings.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/switchyard/internal/command"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/events"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAuth is returned when a connection presents a missing, unknown or
// deactivated token.
var ErrAuth = errors.New("gateway: authentication failed")

// Options configures a Gateway. Zero values take defaults.
type Options struct {
	PingInterval time.Duration    // sweep period, default 30s
	FlushLimit   int              // pending commands pushed on connect, default 10
	SendBuffer   int              // per-connection outbound queue, default 256
	MaxMessage   int64            // inbound frame limit in bytes, default DefaultMaxMessageSize
	Registry     *Registry        // default NewRegistry()
	Publisher    events.Publisher // default events.Nop
	Logger       *zap.Logger
}

// Gateway owns all live device connections of this process.
type Gateway struct {
	db       *gorm.DB
	registry *Registry
	pub      events.Publisher
	log      *zap.Logger
	opts     Options
	now      func() time.Time
}

// New creates a Gateway backed by db.
func New(db *gorm.DB, opts Options) (*Gateway, error) {
	if db == nil {
		return nil, fmt.Errorf("gateway: db is required")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.FlushLimit <= 0 {
		opts.FlushLimit = command.DefaultFlushLimit
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessage <= 0 {
		opts.MaxMessage = DefaultMaxMessageSize
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{Log: opts.Logger}
	}
	return &Gateway{
		db:       db,
		registry: opts.Registry,
		pub:      opts.Publisher,
		log:      opts.Logger.Named("gateway"),
		opts:     opts,
		now:      time.Now,
	}, nil
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// IsConnected reports whether deviceID has a live connection.
func (g *Gateway) IsConnected(deviceID string) bool { return g.registry.Has(deviceID) }

// RegisterConnection authenticates token and installs conn as the device's
// only connection, closing any previous one with CloseReplaced. The device
// is marked online, greeted with CONNECTED and sent its oldest pending
// commands. The caller is expected to run the read loop afterwards (see
// Serve).
func (g *Gateway) RegisterConnection(token, ip string, conn Conn) (string, error) {
	c, err := g.register(token, ip, conn)
	if err != nil {
		return "", err
	}
	return c.deviceID, nil
}

func (g *Gateway) register(token, ip string, conn Conn) (*client, error) {
	dev, err := device.GetByToken(g.db, token)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			return nil, ErrAuth
		}
		return nil, fmt.Errorf("gateway: lookup token: %w", err)
	}
	if !dev.IsActive {
		return nil, ErrAuth
	}

	unlock := g.registry.lock(dev.ID)
	conn.SetReadLimit(g.opts.MaxMessage)
	c := newClient(dev.ID, conn, g.opts.SendBuffer, g.log)
	if prev := g.registry.swap(c); prev != nil {
		g.log.Info("replacing connection", zap.String("device_id", dev.ID))
		prev.close(CloseReplaced, "replaced by newer connection")
	}

	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	go c.writePump()

	if err := device.MarkOnline(g.db, dev.ID, ip, g.now()); err != nil {
		g.log.Error("mark online", zap.String("device_id", dev.ID), zap.Error(err))
	}
	unlock()

	hello, _ := json.Marshal(connectedMessage{Type: TypeConnected, DeviceID: dev.ID})
	c.enqueue(hello)
	g.flushPending(c)

	g.log.Info("device connected", zap.String("device_id", dev.ID), zap.String("ip", ip))
	return c, nil
}

func (g *Gateway) flushPending(c *client) {
	cmds, err := command.Pending(g.db, c.deviceID, g.opts.FlushLimit)
	if err != nil {
		g.log.Error("load pending commands", zap.String("device_id", c.deviceID), zap.Error(err))
		return
	}
	for i := range cmds {
		if !g.deliver(c, &cmds[i]) {
			return
		}
	}
	if len(cmds) > 0 {
		g.log.Debug("flushed pending commands", zap.String("device_id", c.deviceID), zap.Int("count", len(cmds)))
	}
}

// deliver queues cmd on c and marks it SENT.
func (g *Gateway) deliver(c *client, cmd *models.DeviceCommand) bool {
	msg, err := encodeCommand(cmd)
	if err != nil {
		g.log.Error("encode command", zap.Uint("command_id", cmd.ID), zap.Error(err))
		return false
	}
	if !c.enqueue(msg) {
		return false
	}
	if err := command.MarkSent(g.db, cmd.ID, g.now()); err != nil {
		g.log.Error("mark command sent", zap.Uint("command_id", cmd.ID), zap.Error(err))
	}
	return true
}

// DispatchCommand pushes cmd to its device. It returns false when the device
// has no live connection; the command then stays PENDING until the next
// connect.
func (g *Gateway) DispatchCommand(deviceID string, cmd *models.DeviceCommand) bool {
	c := g.registry.get(deviceID)
	if c == nil || c.closed() {
		return false
	}
	return g.deliver(c, cmd)
}

// Serve registers conn and processes its frames until the socket fails. An
// authentication failure closes the socket with CloseAuthFailed; a store
// failure during lookup closes it with CloseInternalServerErr.
func (g *Gateway) Serve(ctx context.Context, token, ip string, conn Conn) error {
	c, err := g.register(token, ip, conn)
	if err != nil {
		code, reason := CloseAuthFailed, "authentication failed"
		if !errors.Is(err, ErrAuth) {
			code, reason = websocket.CloseInternalServerErr, "server error"
		}
		g.log.Warn("connection rejected", zap.String("ip", ip), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		conn.Close()
		return err
	}
	g.readLoop(ctx, c)
	return nil
}

func (g *Gateway) readLoop(ctx context.Context, c *client) {
	defer g.disconnect(c, websocket.CloseNormalClosure)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				g.log.Debug("read failed", zap.String("device_id", c.deviceID), zap.Error(err))
			}
			return
		}
		if err := g.HandleMessage(ctx, c.deviceID, data); err != nil {
			g.log.Warn("event dropped", zap.String("device_id", c.deviceID), zap.Error(err))
		}
	}
}

// disconnect closes c and, if it is still the device's registered
// connection, unregisters it and marks the device offline.
func (g *Gateway) disconnect(c *client, code int) {
	c.close(code, "")
	unlock := g.registry.lock(c.deviceID)
	defer unlock()
	if !g.registry.remove(c.deviceID, c) {
		return
	}
	if err := device.MarkOffline(g.db, c.deviceID); err != nil {
		g.log.Error("mark offline", zap.String("device_id", c.deviceID), zap.Error(err))
	}
	g.log.Info("device disconnected", zap.String("device_id", c.deviceID))
}

// Sweep terminates connections that did not answer the previous ping and
// pings the rest.
func (g *Gateway) Sweep() {
	for _, c := range g.registry.snapshot() {
		if !c.alive.Swap(false) {
			g.log.Info("heartbeat timeout", zap.String("device_id", c.deviceID))
			g.disconnect(c, CloseHeartbeatTimeout)
			continue
		}
		if err := c.ping(); err != nil {
			g.log.Debug("ping failed", zap.String("device_id", c.deviceID), zap.Error(err))
		}
	}
}

// Run sweeps every PingInterval until ctx is cancelled, then closes all
// connections.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.Shutdown()
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Shutdown closes every live connection with CloseGoingAway.
func (g *Gateway) Shutdown() {
	for _, c := range g.registry.snapshot() {
		g.disconnect(c, websocket.CloseGoingAway)
	}
}
