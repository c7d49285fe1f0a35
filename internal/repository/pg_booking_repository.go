package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iliyamo/ticket-booking/internal/database"
	"github.com/iliyamo/ticket-booking/internal/model"
)

// PGBookingRepo is the Postgres implementation of the booking ledger.  It
// follows the same table layout as BookingRepo but relies on partial
// unique indexes instead of generated guard columns:
//
//	uq_bookings_pending_user_event ON bookings (user_id, event_id) WHERE status = 'pending'
//	uq_booking_seats_confirmed     ON booking_seats (event_id, seat_id) WHERE confirmed
type PGBookingRepo struct {
	db  database.PgxIface
	now func() time.Time
}

// NewPGBookingRepo returns a PGBookingRepo using the given pool.
func NewPGBookingRepo(db database.PgxIface) *PGBookingRepo {
	return &PGBookingRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// pgQueryer is satisfied by the pool and by pgx.Tx.
type pgQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Create inserts a new pending booking and its seats.
func (r *PGBookingRepo) Create(ctx context.Context, b *model.Booking) error {
	if len(b.SeatIDs) == 0 {
		return fmt.Errorf("create booking %s: no seats", b.ID)
	}
	now := r.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt
	if b.Status == "" {
		b.Status = model.StatusPending
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return pgErr("begin create booking", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seats := b.SeatStrings()
	rows, err := tx.Query(ctx,
		`SELECT seat_id FROM booking_seats WHERE event_id = $1 AND confirmed AND seat_id = ANY($2) FOR UPDATE`,
		b.EventID, seats)
	if err != nil {
		return pgErr("select confirmed seats", err)
	}
	taken, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return pgErr("select confirmed seats", err)
	}
	if len(taken) > 0 {
		return fmt.Errorf("create booking %s: seats %s: %w", b.ID, strings.Join(taken, ","), ErrDuplicateConfirmedSeat)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO bookings (id, user_id, event_id, total_amount_cents, status, payment_id, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.UserID, b.EventID, b.TotalAmount, string(b.Status), b.PaymentID, b.ExpiresAt, b.CreatedAt, b.UpdatedAt,
	); err != nil {
		return pgErr("insert booking", err)
	}

	batch := &pgx.Batch{}
	for _, s := range seats {
		batch.Queue(`INSERT INTO booking_seats (booking_id, event_id, seat_id) VALUES ($1, $2, $3)`, b.ID, b.EventID, s)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return pgErr("insert booking seats", err)
	}

	if err := pgInsertAudit(ctx, tx, model.BookingAudit{
		BookingID: b.ID,
		Action:    "created",
		NewStatus: b.Status,
		Amount:    b.TotalAmount,
		UserID:    b.UserID,
		Timestamp: now,
		Metadata:  map[string]string{"seats": strings.Join(seats, ",")},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr("commit create booking", err)
	}
	return nil
}

// FindByID returns the booking with the given id or ErrNotFound.
func (r *PGBookingRepo) FindByID(ctx context.Context, id string) (*model.Booking, error) {
	return r.findByID(ctx, r.db, id)
}

func (r *PGBookingRepo) findByID(ctx context.Context, q pgQueryer, id string) (*model.Booking, error) {
	list, err := r.queryBookings(ctx, q, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return list[0], nil
}

// FindByUser lists every booking of a user, newest first.
func (r *PGBookingRepo) FindByUser(ctx context.Context, userID string) ([]*model.Booking, error) {
	return r.queryBookings(ctx, r.db, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// FindPendingForUserEvent returns the pending booking of a user for an
// event, or nil when there is none.
func (r *PGBookingRepo) FindPendingForUserEvent(ctx context.Context, userID, eventID string) (*model.Booking, error) {
	list, err := r.queryBookings(ctx, r.db,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 AND event_id = $2 AND status = 'pending' LIMIT 1`,
		userID, eventID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// FindConfirmedForUserEvent lists the confirmed bookings of a user for an
// event.
func (r *PGBookingRepo) FindConfirmedForUserEvent(ctx context.Context, userID, eventID string) ([]*model.Booking, error) {
	return r.queryBookings(ctx, r.db,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 AND event_id = $2 AND status = 'confirmed'`,
		userID, eventID)
}

// FindConfirmedByEvent lists every confirmed booking of an event.
func (r *PGBookingRepo) FindConfirmedByEvent(ctx context.Context, eventID string) ([]*model.Booking, error) {
	return r.queryBookings(ctx, r.db,
		`SELECT `+bookingColumns+` FROM bookings WHERE event_id = $1 AND status = 'confirmed'`,
		eventID)
}

// FindExpiredPending returns at most limit pending bookings whose hold
// window ended before now.
func (r *PGBookingRepo) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	return r.queryBookings(ctx, r.db,
		`SELECT `+bookingColumns+` FROM bookings WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at LIMIT $2`,
		now.UTC(), limit)
}

// Transition behaves like BookingRepo.Transition.
func (r *PGBookingRepo) Transition(ctx context.Context, id string, from, to model.BookingStatus, extra TransitionExtra) (*model.Booking, error) {
	now := r.now()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, pgErr("begin transition", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE bookings SET status = $1, payment_id = COALESCE($2, payment_id), updated_at = $3 WHERE id = $4 AND status = $5`,
		string(to), extra.PaymentID, now, id, string(from))
	if err != nil {
		return nil, pgErr("update booking status", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.explainMiss(ctx, tx, id, from)
	}

	switch {
	case to == model.StatusConfirmed:
		if _, err := tx.Exec(ctx, `UPDATE booking_seats SET confirmed = TRUE WHERE booking_id = $1`, id); err != nil {
			return nil, pgErr("confirm booking seats", err)
		}
	case from == model.StatusConfirmed:
		if _, err := tx.Exec(ctx, `UPDATE booking_seats SET confirmed = FALSE WHERE booking_id = $1`, id); err != nil {
			return nil, pgErr("release booking seats", err)
		}
	}

	b, err := r.findByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	old := from
	if err := pgInsertAudit(ctx, tx, model.BookingAudit{
		BookingID: id,
		Action:    string(to),
		OldStatus: &old,
		NewStatus: to,
		Amount:    b.TotalAmount,
		UserID:    b.UserID,
		Timestamp: now,
		Metadata:  auditMetadata(extra, now),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgErr("commit transition", err)
	}
	return b, nil
}

// UpdateExpiry moves the hold window of a pending booking.
func (r *PGBookingRepo) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	now := r.now()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return pgErr("begin update expiry", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	var amount int64
	err = tx.QueryRow(ctx,
		`UPDATE bookings SET expires_at = $1, updated_at = $2 WHERE id = $3 AND status = 'pending' RETURNING user_id, total_amount_cents`,
		expiresAt.UTC(), now, id).Scan(&userID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.explainMiss(ctx, tx, id, model.StatusPending)
	}
	if err != nil {
		return pgErr("update booking expiry", err)
	}
	pending := model.StatusPending
	if err := pgInsertAudit(ctx, tx, model.BookingAudit{
		BookingID: id,
		Action:    "extended",
		OldStatus: &pending,
		NewStatus: pending,
		Amount:    amount,
		UserID:    userID,
		Timestamp: now,
		Metadata:  map[string]string{"expiresAt": expiresAt.UTC().Format(time.RFC3339Nano)},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr("commit update expiry", err)
	}
	return nil
}

func (r *PGBookingRepo) explainMiss(ctx context.Context, q pgQueryer, id string, want model.BookingStatus) error {
	var current string
	err := q.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return pgErr("select booking status", err)
	}
	return fmt.Errorf("booking %s is %s, expected %s: %w", id, current, want, ErrStatusMismatch)
}

func (r *PGBookingRepo) queryBookings(ctx context.Context, q pgQueryer, query string, args ...any) ([]*model.Booking, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr("select bookings", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Booking, error) {
		var (
			b      model.Booking
			status string
		)
		if err := row.Scan(&b.ID, &b.UserID, &b.EventID, &b.TotalAmount, &status,
			&b.PaymentID, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Status = model.BookingStatus(status)
		return &b, nil
	})
	if err != nil {
		return nil, pgErr("select bookings", err)
	}
	if len(list) == 0 {
		return list, nil
	}

	ids := make([]string, len(list))
	byID := make(map[string]*model.Booking, len(list))
	for i, b := range list {
		ids[i] = b.ID
		byID[b.ID] = b
	}
	seatRows, err := q.Query(ctx, `SELECT booking_id, seat_id FROM booking_seats WHERE booking_id = ANY($1)`, ids)
	if err != nil {
		return nil, pgErr("select booking seats", err)
	}
	defer seatRows.Close()
	for seatRows.Next() {
		var bid, sid string
		if err := seatRows.Scan(&bid, &sid); err != nil {
			return nil, err
		}
		seat, err := model.ParseSeatID(sid)
		if err != nil {
			return nil, fmt.Errorf("booking %s: %w", bid, err)
		}
		if b, ok := byID[bid]; ok {
			b.SeatIDs = append(b.SeatIDs, seat)
		}
	}
	if err := seatRows.Err(); err != nil {
		return nil, pgErr("select booking seats", err)
	}
	for _, b := range list {
		model.SortSeats(b.SeatIDs)
	}
	return list, nil
}

func pgInsertAudit(ctx context.Context, tx pgx.Tx, a model.BookingAudit) error {
	md, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	var old *string
	if a.OldStatus != nil {
		s := string(*a.OldStatus)
		old = &s
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO booking_audit (booking_id, action, old_status, new_status, amount_cents, user_id, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.BookingID, a.Action, old, string(a.NewStatus), a.Amount, a.UserID, a.Timestamp, md,
	); err != nil {
		return pgErr("insert booking audit", err)
	}
	return nil
}

// pgErr maps a pgx error onto the ledger sentinels.  Unique violations
// (23505) are told apart by constraint name; serialization failures,
// deadlocks and connection problems count as unavailable.
func pgErr(op string, err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505":
			switch pe.ConstraintName {
			case constraintPendingUserEvent:
				return fmt.Errorf("%s: %w", op, ErrDuplicatePending)
			case constraintConfirmedSeat:
				return fmt.Errorf("%s: %w", op, ErrDuplicateConfirmedSeat)
			default:
				return fmt.Errorf("%s: %w: %s", op, ErrConflict, pe.ConstraintName)
			}
		case "40001", "40P01", "57P01":
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
