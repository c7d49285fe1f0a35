package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/queue"
)

// DefaultDialTimeout bounds a broker dial when the caller's context has
// no deadline.
const DefaultDialTimeout = 5 * time.Second

// AMQPPublisher publishes booking events to the booking topic exchange.
// It keeps one connection and channel open and re-dials lazily after the
// broker drops them.  Messages are persistent JSON.
type AMQPPublisher struct {
	url string
	log *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher returns a publisher for url.  Nothing is dialled until
// the first Publish.
func NewAMQPPublisher(url string, log *zap.Logger) *AMQPPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPPublisher{url: url, log: log.With(zap.String("component", "publisher"))}
}

// Publish sends ev with routingKey.  A missing connection is dialled
// within the deadline of ctx.  Errors are returned so the caller can
// decide whether to retry.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, ev queue.BookingEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal booking event: %w", err)
	}
	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    ev.BookingID + ":" + ev.Type,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, queue.Exchange, routingKey, false, false, msg); err != nil {
		p.mu.Lock()
		if p.ch == ch {
			p.reset()
		}
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// channel returns the open channel, dialling when needed.  The dial runs
// without p.mu so a silent broker stalls only the callers that need it.
func (p *AMQPPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	p.mu.Unlock()

	conn, ch, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		// another caller connected first
		_ = ch.Close()
		_ = conn.Close()
		return p.ch, nil
	}
	p.reset()
	p.conn, p.ch = conn, ch
	p.log.Info("connected to broker")
	return ch, nil
}

func (p *AMQPPublisher) dial(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	timeout := DefaultDialTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return nil, nil, fmt.Errorf("rabbitmq dial: %w", context.DeadlineExceeded)
		}
	}
	// the deadline set by DefaultDial covers the TCP connect and the AMQP
	// handshake
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Locale: "en_US",
		Dial:   amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := queue.DeclareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// reset drops the current connection.  p.mu is held.
func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close closes the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
