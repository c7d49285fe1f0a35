package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/queue"
)

// ErrRelayFull is returned by Relay.Publish when the buffer is full.
var ErrRelayFull = errors.New("event relay buffer full")

// RelayOptions configures a Relay.
type RelayOptions struct {
	// Buffer is the number of events queued before Publish rejects.
	Buffer int
	// Timeout bounds one delivery attempt.
	Timeout time.Duration
	// Backoff is the first retry delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

type outgoing struct {
	key string
	ev  queue.BookingEvent
}

// Relay takes events off the request path.  Publish only queues; Run
// delivers the queue in order to the downstream publisher and retries a
// failed event until it goes through or the relay is stopped.
type Relay struct {
	next Publisher
	opts RelayOptions
	log  *zap.Logger
	out  chan outgoing
}

// NewRelay returns a relay in front of next.  Call Run to start delivery.
func NewRelay(next Publisher, opts RelayOptions, log *zap.Logger) *Relay {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		next: next,
		opts: opts,
		log:  log.With(zap.String("component", "event_relay")),
		out:  make(chan outgoing, opts.Buffer),
	}
}

// Publish queues ev without blocking.
func (r *Relay) Publish(_ context.Context, routingKey string, ev queue.BookingEvent) error {
	select {
	case r.out <- outgoing{key: routingKey, ev: ev}:
		return nil
	default:
		return ErrRelayFull
	}
}

// Pending returns the number of queued events.
func (r *Relay) Pending() int { return len(r.out) }

// Run delivers queued events until ctx is done.  Events still queued at
// that point get one more attempt, all within a single delivery timeout.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.log.Info("relay stopping")
			return nil
		case m := <-r.out:
			r.deliver(ctx, m)
		}
	}
}

// deliver retries m with a doubling backoff until it is published or ctx
// is done.
func (r *Relay) deliver(ctx context.Context, m outgoing) {
	wait := r.opts.Backoff
	for attempt := 1; ; attempt++ {
		err := r.send(ctx, m)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			r.requeue(m)
			return
		}
		r.log.Warn("event delivery failed",
			zap.String("routing_key", m.key),
			zap.String("booking_id", m.ev.BookingID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		if sleepCtx(ctx, wait) != nil {
			r.requeue(m)
			return
		}
		wait *= 2
		if wait > r.opts.MaxBackoff {
			wait = r.opts.MaxBackoff
		}
	}
}

func (r *Relay) send(ctx context.Context, m outgoing) error {
	sctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	return r.next.Publish(sctx, m.key, m.ev)
}

// requeue puts m back for the final drain, dropping it when full.
func (r *Relay) requeue(m outgoing) {
	select {
	case r.out <- m:
	default:
		r.log.Warn("dropping event on shutdown", zap.String("routing_key", m.key), zap.String("booking_id", m.ev.BookingID))
	}
}

// drain tries to flush the queue within one delivery timeout.
func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()
	for {
		select {
		case m := <-r.out:
			if err := r.next.Publish(ctx, m.key, m.ev); err != nil {
				r.log.Warn("event dropped on shutdown",
					zap.String("routing_key", m.key),
					zap.String("booking_id", m.ev.BookingID),
					zap.Error(err))
			}
		default:
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
