package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// BookingRepo is the MySQL implementation of the booking ledger.  A
// booking is stored as one row in bookings plus one row per seat in
// booking_seats.  Every state change also appends a row to
// booking_audit inside the same transaction.
//
// Uniqueness is enforced by the database itself:
//   - bookings.pending_guard is a generated column that is non-NULL only
//     while the booking is pending; the unique key on it allows a single
//     pending booking per (user, event).
//   - booking_seats.confirmed_guard is 1 only while the owning booking is
//     confirmed; the unique key on (event_id, seat_id, confirmed_guard)
//     allows a seat to appear in at most one confirmed booking.
//
// All timestamps are written and read in UTC.
type BookingRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewBookingRepo returns a BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo {
	return &BookingRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// sqlQueryer is satisfied by both *sql.DB and *sql.Tx.
type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const bookingColumns = `id, user_id, event_id, total_amount_cents, status, payment_id, expires_at, created_at, updated_at`

// Create inserts a new pending booking with its seats.  It fails with
// ErrDuplicatePending when the user already has a pending booking for the
// event and with ErrDuplicateConfirmedSeat when one of the seats is
// already part of a confirmed booking.
func (r *BookingRepo) Create(ctx context.Context, b *model.Booking) error {
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mysqlErr("begin create booking", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Locking read: a concurrent confirm of any of these seats waits for
	// this transaction (or we wait for it).
	taken, err := r.confirmedSeatsTx(ctx, tx, b.EventID, b.SeatIDs)
	if err != nil {
		return err
	}
	if len(taken) > 0 {
		return fmt.Errorf("create booking %s: seats %s: %w", b.ID, strings.Join(taken, ","), ErrDuplicateConfirmedSeat)
	}

	const ins = `INSERT INTO bookings (id, user_id, event_id, total_amount_cents, status, payment_id, expires_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, ins,
		b.ID, b.UserID, b.EventID, b.TotalAmount, string(b.Status),
		nullString(b.PaymentID), nullTime(b.ExpiresAt), b.CreatedAt, b.UpdatedAt,
	); err != nil {
		return mysqlErr("insert booking", err)
	}

	query := `INSERT INTO booking_seats (booking_id, event_id, seat_id) VALUES `
	args := make([]any, 0, len(b.SeatIDs)*3)
	for i, s := range b.SeatIDs {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?)"
		args = append(args, b.ID, b.EventID, s.String())
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return mysqlErr("insert booking seats", err)
	}

	if err := insertAudit(ctx, tx, model.BookingAudit{
		BookingID: b.ID,
		Action:    "created",
		NewStatus: b.Status,
		Amount:    b.TotalAmount,
		UserID:    b.UserID,
		Timestamp: now,
		Metadata:  map[string]string{"seats": strings.Join(b.SeatStrings(), ",")},
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mysqlErr("commit create booking", err)
	}
	committed = true
	return nil
}

// confirmedSeatsTx returns which of seats are part of a confirmed booking
// of the event, locking the matching index range.
func (r *BookingRepo) confirmedSeatsTx(ctx context.Context, tx *sql.Tx, eventID string, seats []model.SeatID) ([]string, error) {
	query := `SELECT seat_id FROM booking_seats WHERE event_id = ? AND confirmed_guard = 1 AND seat_id IN (` + placeholders(len(seats)) + `) FOR UPDATE`
	args := make([]any, 0, len(seats)+1)
	args = append(args, eventID)
	for _, s := range seats {
		args = append(args, s.String())
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mysqlErr("select confirmed seats", err)
	}
	defer rows.Close()
	var taken []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		taken = append(taken, sid)
	}
	if err := rows.Err(); err != nil {
		return nil, mysqlErr("select confirmed seats", err)
	}
	return taken, nil
}

// FindByID returns the booking with the given id or ErrNotFound.
func (r *BookingRepo) FindByID(ctx context.Context, id string) (*model.Booking, error) {
	return r.findByID(ctx, r.db, id)
}

func (r *BookingRepo) findByID(ctx context.Context, q sqlQueryer, id string) (*model.Booking, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, mysqlErr("select booking", err)
	}
	if err := r.attachSeats(ctx, q, []*model.Booking{b}); err != nil {
		return nil, err
	}
	return b, nil
}

// FindByUser lists every booking of a user, newest first.
func (r *BookingRepo) FindByUser(ctx context.Context, userID string) ([]*model.Booking, error) {
	return r.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// FindPendingForUserEvent returns the pending booking of a user for an
// event, or nil when there is none.
func (r *BookingRepo) FindPendingForUserEvent(ctx context.Context, userID, eventID string) (*model.Booking, error) {
	list, err := r.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? AND event_id = ? AND status = 'pending' LIMIT 1`,
		userID, eventID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// FindConfirmedForUserEvent lists the confirmed bookings of a user for an
// event.
func (r *BookingRepo) FindConfirmedForUserEvent(ctx context.Context, userID, eventID string) ([]*model.Booking, error) {
	return r.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? AND event_id = ? AND status = 'confirmed'`,
		userID, eventID)
}

// FindConfirmedByEvent lists every confirmed booking of an event.
func (r *BookingRepo) FindConfirmedByEvent(ctx context.Context, eventID string) ([]*model.Booking, error) {
	return r.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE event_id = ? AND status = 'confirmed'`,
		eventID)
}

// FindExpiredPending returns at most limit pending bookings whose hold
// window ended before now, oldest expiry first.
func (r *BookingRepo) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	return r.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE status = 'pending' AND expires_at < ? ORDER BY expires_at LIMIT ?`,
		now.UTC(), limit)
}

// Transition moves a booking from one status to another.  The update only
// applies while the stored status equals from; otherwise ErrStatusMismatch
// (or ErrNotFound) is returned and nothing changes.  Entering confirmed
// arms the confirmed-seat unique key, which can fail with
// ErrDuplicateConfirmedSeat.  The updated booking is returned.
func (r *BookingRepo) Transition(ctx context.Context, id string, from, to model.BookingStatus, extra TransitionExtra) (*model.Booking, error) {
	now := r.now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mysqlErr("begin transition", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE bookings SET status = ?, payment_id = COALESCE(?, payment_id), updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nullString(extra.PaymentID), now, id, string(from))
	if err != nil {
		return nil, mysqlErr("update booking status", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, mysqlErr("update booking status", err)
	} else if n == 0 {
		return nil, r.explainMiss(ctx, tx, id, from)
	}

	switch {
	case to == model.StatusConfirmed:
		if _, err := tx.ExecContext(ctx, `UPDATE booking_seats SET confirmed_guard = 1 WHERE booking_id = ?`, id); err != nil {
			return nil, mysqlErr("confirm booking seats", err)
		}
	case from == model.StatusConfirmed:
		if _, err := tx.ExecContext(ctx, `UPDATE booking_seats SET confirmed_guard = NULL WHERE booking_id = ?`, id); err != nil {
			return nil, mysqlErr("release booking seats", err)
		}
	}

	b, err := r.findByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	old := from
	if err := insertAudit(ctx, tx, model.BookingAudit{
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
	if err := tx.Commit(); err != nil {
		return nil, mysqlErr("commit transition", err)
	}
	committed = true
	return b, nil
}

// UpdateExpiry moves the hold window of a pending booking.
func (r *BookingRepo) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	now := r.now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mysqlErr("begin update expiry", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE bookings SET expires_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		expiresAt.UTC(), now, id)
	if err != nil {
		return mysqlErr("update booking expiry", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return mysqlErr("update booking expiry", err)
	} else if n == 0 {
		return r.explainMiss(ctx, tx, id, model.StatusPending)
	}

	var userID string
	var amount int64
	if err := tx.QueryRowContext(ctx, `SELECT user_id, total_amount_cents FROM bookings WHERE id = ?`, id).Scan(&userID, &amount); err != nil {
		return mysqlErr("select booking owner", err)
	}
	pending := model.StatusPending
	if err := insertAudit(ctx, tx, model.BookingAudit{
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
	if err := tx.Commit(); err != nil {
		return mysqlErr("commit update expiry", err)
	}
	committed = true
	return nil
}

// explainMiss tells an unknown booking apart from a status mismatch after
// a conditional update touched no rows.
func (r *BookingRepo) explainMiss(ctx context.Context, q sqlQueryer, id string, want model.BookingStatus) error {
	var current string
	err := q.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return mysqlErr("select booking status", err)
	}
	return fmt.Errorf("booking %s is %s, expected %s: %w", id, current, want, ErrStatusMismatch)
}

func (r *BookingRepo) queryBookings(ctx context.Context, query string, args ...any) ([]*model.Booking, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mysqlErr("select bookings", err)
	}
	var list []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, b)
	}
	if err := rows.Close(); err != nil {
		return nil, mysqlErr("select bookings", err)
	}
	if err := rows.Err(); err != nil {
		return nil, mysqlErr("select bookings", err)
	}
	if err := r.attachSeats(ctx, r.db, list); err != nil {
		return nil, err
	}
	return list, nil
}

// attachSeats loads the seats of every booking in one query.
func (r *BookingRepo) attachSeats(ctx context.Context, q sqlQueryer, list []*model.Booking) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*model.Booking, len(list))
	args := make([]any, 0, len(list))
	for _, b := range list {
		byID[b.ID] = b
		args = append(args, b.ID)
	}
	rows, err := q.QueryContext(ctx,
		`SELECT booking_id, seat_id FROM booking_seats WHERE booking_id IN (`+placeholders(len(list))+`)`,
		args...)
	if err != nil {
		return mysqlErr("select booking seats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bid, sid string
		if err := rows.Scan(&bid, &sid); err != nil {
			return err
		}
		seat, err := model.ParseSeatID(sid)
		if err != nil {
			return fmt.Errorf("booking %s: %w", bid, err)
		}
		if b, ok := byID[bid]; ok {
			b.SeatIDs = append(b.SeatIDs, seat)
		}
	}
	if err := rows.Err(); err != nil {
		return mysqlErr("select booking seats", err)
	}
	for _, b := range list {
		model.SortSeats(b.SeatIDs)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(s rowScanner) (*model.Booking, error) {
	var (
		b         model.Booking
		status    string
		paymentID sql.NullString
		expiresAt sql.NullTime
	)
	if err := s.Scan(&b.ID, &b.UserID, &b.EventID, &b.TotalAmount, &status,
		&paymentID, &expiresAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	if paymentID.Valid {
		p := paymentID.String
		b.PaymentID = &p
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		b.ExpiresAt = &t
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, a model.BookingAudit) error {
	md, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	var old any
	if a.OldStatus != nil {
		old = string(*a.OldStatus)
	}
	const q = `INSERT INTO booking_audit (booking_id, action, old_status, new_status, amount_cents, user_id, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, a.BookingID, a.Action, old, string(a.NewStatus), a.Amount, a.UserID, a.Timestamp, md); err != nil {
		return mysqlErr("insert booking audit", err)
	}
	return nil
}

// mysqlErr maps a driver error onto the ledger sentinels.  Duplicate key
// errors (1062) are told apart by the name of the violated key.
func mysqlErr(op string, err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1062:
			switch {
			case strings.Contains(me.Message, constraintPendingUserEvent):
				return fmt.Errorf("%s: %w", op, ErrDuplicatePending)
			case strings.Contains(me.Message, constraintConfirmedSeat):
				return fmt.Errorf("%s: %w", op, ErrDuplicateConfirmedSeat)
			default:
				return fmt.Errorf("%s: %w: %s", op, ErrConflict, me.Message)
			}
		case 1205, 1213: // lock wait timeout, deadlock
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if isTransientConnErr(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransientConnErr(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
