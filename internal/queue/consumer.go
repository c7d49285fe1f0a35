package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/catalog"
	"github.com/iliyamo/ticket-booking/internal/model"
)

// SyncQueue is the durable queue bound to every booking routing key.
const SyncQueue = "booking.catalog-sync"

// ErrMalformed marks messages that can never be processed.
var ErrMalformed = errors.New("malformed booking event")

// Consumer applies booking events to the seat catalog and appends a
// human readable line per event to the booking log.
type Consumer struct {
	url        string
	catalog    catalog.Catalog
	bookingLog io.Writer
	logMu      sync.Mutex
	log        *zap.Logger
}

// NewConsumer returns a Consumer.  bookingLog may be nil.
func NewConsumer(url string, cat catalog.Catalog, bookingLog io.Writer, log *zap.Logger) *Consumer {
	if bookingLog == nil {
		bookingLog = io.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		url:        url,
		catalog:    cat,
		bookingLog: bookingLog,
		log:        log.With(zap.String("component", "booking_consumer")),
	}
}

// Run connects to the broker, declares the exchange and queue and
// consumes until ctx is done.  Lost connections are re-dialled with
// exponential backoff capped at 30 seconds.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("dial broker failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleepCtx(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("set QoS failed", zap.Error(err))
	}
	if err := DeclareTopology(ch); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(SyncQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range []string{RoutingCreated, RoutingConfirmed, RoutingCancelled, RoutingExpired} {
		if err := ch.QueueBind(SyncQueue, key, Exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s: %w", key, err)
		}
	}

	msgs, err := ch.ConsumeWithContext(ctx, SyncQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	for d := range msgs {
		if err := c.Handle(ctx, d.RoutingKey, d.Body); err != nil {
			c.log.Warn("handle booking event failed", zap.String("routing_key", d.RoutingKey), zap.Error(err))
			// malformed messages are dropped, anything else goes back once
			_ = d.Nack(false, !errors.Is(err, ErrMalformed) && !d.Redelivered)
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// DeclareTopology declares the booking topic exchange.  Publisher and
// consumer both call it; the declaration is idempotent.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	return nil
}

// Handle applies one message.  Confirmations mark the seats booked in the
// catalog; cancellations and expiries release whatever the catalog still
// attributes to the booking.  Both are idempotent, so redeliveries are
// harmless.
func (c *Consumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Type == "" {
		ev.Type = routingKey
	}
	if ev.BookingID == "" || ev.EventID == "" {
		return fmt.Errorf("%w: missing booking or event id", ErrMalformed)
	}
	seats, err := model.ParseSeatIDs(ev.SeatIDs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch ev.Type {
	case RoutingConfirmed:
		err = c.catalog.ConfirmSeats(ctx, ev.EventID, ev.BookingID, seats)
	case RoutingCancelled, RoutingExpired:
		err = c.catalog.ReleaseSeats(ctx, ev.EventID, ev.BookingID, seats)
	case RoutingCreated:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, ev.Type)
	}
	if err != nil {
		return fmt.Errorf("apply %s to catalog: %w", ev.Type, err)
	}
	return c.writeLine(ev, seats)
}

func (c *Consumer) writeLine(ev BookingEvent, seats []model.SeatID) error {
	codes := "[]"
	if len(seats) > 0 {
		codes = "[" + strings.Join(model.SeatCodes(seats), ",") + "]"
	}
	line := fmt.Sprintf("[%s] %s | booking_id=%s | user_id=%s | event_id=%s | status=%s | total=%d cents | seats=%s",
		ev.OccurredAt.UTC().Format(time.RFC3339), describe(ev.Type), ev.BookingID, ev.UserID, ev.EventID, ev.Status, ev.TotalAmount, codes)
	if ev.PaymentID != "" {
		line += " | payment_id=" + ev.PaymentID
	}
	if ev.Reason != "" {
		line += " | reason=" + ev.Reason
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if _, err := io.WriteString(c.bookingLog, line+"\n"); err != nil {
		return fmt.Errorf("write booking log: %w", err)
	}
	return nil
}

func describe(kind string) string {
	switch kind {
	case RoutingCreated:
		return "Booking created"
	case RoutingConfirmed:
		return "Booking confirmed"
	case RoutingCancelled:
		return "Booking cancelled"
	case RoutingExpired:
		return "Booking expired"
	}
	return kind
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
