package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// ExpireFunc expires one booking if it is due.
type ExpireFunc func(ctx context.Context, bookingID string) (bool, error)

type expiredFinder interface {
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error)
}

// timerGrace is added to every deadline so the ledger sees the booking
// as expired when the timer fires.
const timerGrace = 50 * time.Millisecond

type timerEntry struct {
	gen   uint64
	timer *time.Timer
}

// Scheduler fires ExpireFunc when a pending booking's hold runs out.  The
// in-process timers are lost on restart, so the reconciler periodically
// sweeps the ledger for overdue pending bookings as well.
type Scheduler struct {
	expire  ExpireFunc
	ledger  expiredFinder
	timeout time.Duration
	batch   int
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	seq     uint64
	timers  map[string]*timerEntry
	stopped bool
}

// NewScheduler returns a Scheduler.  timeout bounds each expiry call and
// batch caps the bookings handled per reconciler pass.
func NewScheduler(expire ExpireFunc, ledger expiredFinder, timeout time.Duration, batch int, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		expire:  expire,
		ledger:  ledger,
		timeout: timeout,
		batch:   batch,
		log:     log.With(zap.String("component", "scheduler")),
		now:     func() time.Time { return time.Now().UTC() },
		timers:  make(map[string]*timerEntry),
	}
}

// Schedule arms the timeout of bookingID for at, replacing any earlier
// timer of that booking.
func (s *Scheduler) Schedule(bookingID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if e, ok := s.timers[bookingID]; ok {
		e.timer.Stop()
	}
	d := at.Sub(s.now()) + timerGrace
	if d < 0 {
		d = 0
	}
	s.seq++
	gen := s.seq
	s.timers[bookingID] = &timerEntry{
		gen:   gen,
		timer: time.AfterFunc(d, func() { s.fire(bookingID, gen) }),
	}
}

// Cancel disarms the timeout of bookingID, if any.
func (s *Scheduler) Cancel(bookingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[bookingID]; ok {
		e.timer.Stop()
		delete(s.timers, bookingID)
	}
}

// Pending reports the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer; later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(bookingID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[bookingID]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, bookingID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.expire(ctx, bookingID); err != nil {
		s.log.Warn("booking timeout failed, left to the reconciler",
			zap.String("booking_id", bookingID), zap.Error(err))
	}
}

// ReconcileOnce expires one batch of overdue pending bookings and
// returns how many it expired.
func (s *Scheduler) ReconcileOnce(ctx context.Context) (int, error) {
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	due, err := s.ledger.FindExpiredPending(qctx, s.now(), s.batch)
	cancel()
	if err != nil {
		return 0, classify("find expired bookings", err)
	}
	n := 0
	for _, b := range due {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ectx, cancel := context.WithTimeout(ctx, s.timeout)
		ok, err := s.expire(ectx, b.ID)
		cancel()
		if err != nil {
			s.log.Warn("reconcile expiry failed", zap.String("booking_id", b.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// RunReconciler calls ReconcileOnce right away and then every interval
// until ctx is done.
func (s *Scheduler) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		n, err := s.ReconcileOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Warn("reconcile pass failed", zap.Error(err))
		case n > 0:
			s.log.Info("expired overdue bookings", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
