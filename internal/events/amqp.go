package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/switchyard/internal/logging"
	"go.uber.org/zap"
)

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

const (
	dialTimeout    = 5 * time.Second
	redialInterval = 5 * time.Second
)

// dialFunc opens a broker connection and a channel on it.
type dialFunc func() (io.Closer, channel, error)

// AMQPPublisher publishes status events to a topic exchange. A channel or
// connection lost to a broker restart is redialled on the next publish, at
// most once per redialInterval.
type AMQPPublisher struct {
	mu       sync.Mutex
	dial     dialFunc
	conn     io.Closer
	ch       channel
	closed   bool
	lastDial time.Time
	exchange string
	log      *zap.Logger
	now      func() time.Time
}

// DialAMQP connects to the broker, opens a channel and declares a durable
// topic exchange.
func DialAMQP(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("events: amqp url is required")
	}
	if exchange == "" {
		return nil, fmt.Errorf("events: exchange is required")
	}
	p := newAMQPPublisher(nil, exchange, log)
	p.dial = func() (io.Closer, channel, error) { return dialExchange(url, exchange) }

	p.mu.Lock()
	err := p.connect()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.log.Info("amqp publisher ready", zap.String("exchange", exchange))
	return p, nil
}

func dialExchange(url, exchange string) (io.Closer, channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}

// newAMQPPublisher wraps an existing channel.
func newAMQPPublisher(ch channel, exchange string, log *zap.Logger) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange, log: logging.OrNop(log), now: time.Now}
}

// connect dials a fresh connection. The caller holds p.mu.
func (p *AMQPPublisher) connect() error {
	p.lastDial = p.now()
	conn, ch, err := p.dial()
	if err != nil {
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

// redial replaces a lost connection unless the last attempt was too recent.
// The caller holds p.mu.
func (p *AMQPPublisher) redial() error {
	if p.dial == nil {
		return fmt.Errorf("events: broker connection lost")
	}
	if wait := redialInterval - p.now().Sub(p.lastDial); wait > 0 {
		return fmt.Errorf("events: broker unavailable, next redial in %s", wait.Round(time.Second))
	}
	if err := p.connect(); err != nil {
		return err
	}
	p.log.Info("amqp publisher reconnected", zap.String("exchange", p.exchange))
	return nil
}

// drop discards the current channel and connection. The caller holds p.mu.
func (p *AMQPPublisher) drop() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Publish sends e as a persistent JSON message keyed by its routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, e LogStatusChanged) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("events: publisher closed")
	}
	if p.ch == nil {
		if err := p.redial(); err != nil {
			return err
		}
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.log.Warn("amqp channel closed, redialling", zap.String("exchange", p.exchange))
		p.drop()
		if rerr := p.redial(); rerr != nil {
			return fmt.Errorf("events: publish %s: %w", e.RoutingKey(), errors.Join(err, rerr))
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", e.RoutingKey(), err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			firstErr = err
		}
		p.ch = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.conn = nil
	}
	return firstErr
}
