// Package reservation keeps short lived seat holds in Redis.
//
// Each held seat is a hash at seat:{<eventId>}:<seatId> with the fields
// seatId, eventId, userId, bookingId and expiresAt (unix milliseconds),
// and a PEXPIRE matching the hold window.  The set seats:{<eventId>}:held
// indexes the seat ids of an event that may carry a hold; readers use it
// instead of SCAN.  The braces form a Redis Cluster hash tag so every key
// of one event, including the availability cache at
// event:{<eventId>}:seats, lives in the same slot and can be touched by a
// single Lua script.
//
// Reservation and release of a batch of seats run as Lua scripts.  Redis
// executes a script without interleaving other commands, so the
// check-then-write in Reserve totally orders competing callers: the first
// one wins and everybody else sees the conflict.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// SeatUniverse lists every seat of an event.
type SeatUniverse interface {
	SeatIDs(ctx context.Context, eventID string) ([]model.SeatID, error)
}

// Options configures a Store.
type Options struct {
	// HoldTTL is the lifetime of a new reservation.
	HoldTTL time.Duration
	// CacheTTL is the lifetime of a cached availability summary.
	CacheTTL time.Duration
	// SweepBatch is the SCAN count used by Sweep to find event indexes.
	SweepBatch int64
}

// DefaultOptions mirrors the demo setup: 30 second holds, 10 second
// availability cache.
func DefaultOptions() Options {
	return Options{HoldTTL: 30 * time.Second, CacheTTL: 10 * time.Second, SweepBatch: 200}
}

// ReserveResult is the outcome of a Reserve call.  When OK is false,
// Conflicts lists the requested seats that were validly held by another
// booking at the time of the attempt.
type ReserveResult struct {
	OK        bool
	Conflicts []model.SeatID
}

// Store is the Redis backed reservation store.  It is safe for concurrent
// use; all synchronisation is done by Redis.
type Store struct {
	rdb      redis.UniversalClient
	universe SeatUniverse
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// NewStore builds a Store.  universe supplies the seat list used by the
// availability summaries.
func NewStore(rdb redis.UniversalClient, universe SeatUniverse, opts Options, log *zap.Logger) *Store {
	def := DefaultOptions()
	if opts.HoldTTL <= 0 {
		opts.HoldTTL = def.HoldTTL
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = def.SweepBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		rdb:      rdb,
		universe: universe,
		opts:     opts,
		log:      log.With(zap.String("component", "reservation_store")),
		now:      time.Now,
	}
}

// HoldTTL returns the configured hold window.
func (s *Store) HoldTTL() time.Duration { return s.opts.HoldTTL }

func seatKey(eventID string, seat model.SeatID) string {
	return "seat:{" + eventID + "}:" + seat.String()
}

func cacheKey(eventID string) string {
	return "event:{" + eventID + "}:seats"
}

func indexKey(eventID string) string {
	return "seats:{" + eventID + "}:held"
}

// eventFromKey extracts the hash tag of a seat or index key.
func eventFromKey(key string) (string, bool) {
	open := strings.IndexByte(key, '{')
	end := strings.IndexByte(key, '}')
	if open < 0 || end <= open+1 {
		return "", false
	}
	return key[open+1 : end], true
}

// reserveScript checks every key first and writes only if none of them
// holds a live reservation of another booking.
//
// KEYS: seat keys, then the cache key, then the index key.
// ARGV: now_ms, expires_ms, ttl_ms, eventId, userId, bookingId, seatId...
// Returns {1} on success or {0, conflictingSeatId...}.
var reserveScript = redis.NewScript(`
	local n = #KEYS - 2
	local idx = KEYS[#KEYS]
	local now_ms = tonumber(ARGV[1])
	local ttl_ms = tonumber(ARGV[3])
	local booking = ARGV[6]

	local result = {0}
	for i = 1, n do
		local state = redis.call('HMGET', KEYS[i], 'expiresAt', 'bookingId')
		local exp = tonumber(state[1])
		if exp ~= nil and exp > now_ms and state[2] ~= booking then
			table.insert(result, ARGV[6 + i])
		end
	end
	if #result > 1 then
		return result
	end

	for i = 1, n do
		redis.call('HSET', KEYS[i],
			'seatId', ARGV[6 + i],
			'eventId', ARGV[4],
			'userId', ARGV[5],
			'bookingId', booking,
			'expiresAt', ARGV[2])
		redis.call('PEXPIRE', KEYS[i], ttl_ms)
		redis.call('SADD', idx, ARGV[6 + i])
	end
	if redis.call('PTTL', idx) < ttl_ms then
		redis.call('PEXPIRE', idx, ttl_ms)
	end
	redis.call('DEL', KEYS[n + 1])
	return {1}
`)

// releaseOwnedScript deletes only the keys still owned by a booking.
//
// KEYS: seat keys, then the cache key, then the index key.
// ARGV: bookingId, seatId...
var releaseOwnedScript = redis.NewScript(`
	local n = #KEYS - 2
	local released = 0
	for i = 1, n do
		if redis.call('HGET', KEYS[i], 'bookingId') == ARGV[1] then
			redis.call('DEL', KEYS[i])
			redis.call('SREM', KEYS[#KEYS], ARGV[1 + i])
			released = released + 1
		end
	end
	if released > 0 then
		redis.call('DEL', KEYS[n + 1])
	end
	return released
`)

// extendScript moves the expiry of a live reservation to now + additional.
//
// KEYS: seat key, cache key, index key.  ARGV: now_ms, additional_ms, seatId.
var extendScript = redis.NewScript(`
	local now_ms = tonumber(ARGV[1])
	local add_ms = tonumber(ARGV[2])
	local exp = tonumber(redis.call('HGET', KEYS[1], 'expiresAt'))
	if exp == nil or exp <= now_ms then
		return 0
	end
	redis.call('HSET', KEYS[1], 'expiresAt', now_ms + add_ms)
	redis.call('PEXPIRE', KEYS[1], add_ms)
	redis.call('SADD', KEYS[3], ARGV[3])
	if redis.call('PTTL', KEYS[3]) < add_ms then
		redis.call('PEXPIRE', KEYS[3], add_ms)
	end
	redis.call('DEL', KEYS[2])
	return 1
`)

// extendHoldScript moves every hold of a booking to until_ms, or none of
// them when one seat is no longer held by the booking.  Holds already
// running past until_ms are left as they are.
//
// KEYS: seat keys, then the cache key, then the index key.
// ARGV: now_ms, until_ms, bookingId, seatId...
var extendHoldScript = redis.NewScript(`
	local n = #KEYS - 2
	local idx = KEYS[#KEYS]
	local now_ms = tonumber(ARGV[1])
	local until_ms = tonumber(ARGV[2])
	local exps = {}
	for i = 1, n do
		local state = redis.call('HMGET', KEYS[i], 'expiresAt', 'bookingId')
		local exp = tonumber(state[1])
		if exp == nil or exp <= now_ms or state[2] ~= ARGV[3] then
			return 0
		end
		exps[i] = exp
	end
	local ttl_ms = until_ms - now_ms
	for i = 1, n do
		if until_ms > exps[i] then
			redis.call('HSET', KEYS[i], 'expiresAt', until_ms)
			redis.call('PEXPIRE', KEYS[i], ttl_ms)
		end
		redis.call('SADD', idx, ARGV[3 + i])
	end
	if redis.call('PTTL', idx) < ttl_ms then
		redis.call('PEXPIRE', idx, ttl_ms)
	end
	redis.call('DEL', KEYS[n + 1])
	return 1
`)

// expireScript deletes the given keys whose expiresAt is not in the
// future and drops them from the index, together with index entries whose
// key is already gone.  Keys re-reserved after being listed are left
// alone.
//
// KEYS: seat keys, then the cache key, then the index key.
// ARGV: now_ms, seatId...
var expireScript = redis.NewScript(`
	local n = #KEYS - 2
	local idx = KEYS[#KEYS]
	local now_ms = tonumber(ARGV[1])
	local removed = 0
	for i = 1, n do
		local exp = tonumber(redis.call('HGET', KEYS[i], 'expiresAt'))
		if exp == nil then
			redis.call('SREM', idx, ARGV[1 + i])
		elseif exp <= now_ms then
			redis.call('DEL', KEYS[i])
			redis.call('SREM', idx, ARGV[1 + i])
			removed = removed + 1
		end
	end
	if removed > 0 then
		redis.call('DEL', KEYS[n + 1])
	end
	return removed
`)

// ReserveSeats holds every seat for bookingID or none of them.  A seat
// counts as taken when it carries an unexpired reservation of a different
// booking; re-reserving seats already held by the same booking succeeds.
func (s *Store) ReserveSeats(ctx context.Context, eventID string, seats []model.SeatID, userID, bookingID string) (ReserveResult, error) {
	if len(seats) == 0 {
		return ReserveResult{}, errors.New("reserve: no seats")
	}
	now := s.now()
	expires := now.Add(s.opts.HoldTTL)

	keys := make([]string, 0, len(seats)+1)
	args := make([]any, 0, len(seats)+6)
	args = append(args, now.UnixMilli(), expires.UnixMilli(), s.opts.HoldTTL.Milliseconds(), eventID, userID, bookingID)
	byString := make(map[string]model.SeatID, len(seats))
	for _, seat := range seats {
		keys = append(keys, seatKey(eventID, seat))
		args = append(args, seat.String())
		byString[seat.String()] = seat
	}
	keys = append(keys, cacheKey(eventID), indexKey(eventID))

	vals, err := reserveScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("reserve seats: %w", err)
	}
	if len(vals) == 0 {
		return ReserveResult{}, fmt.Errorf("reserve seats: empty script result")
	}
	if asInt64(vals[0]) == 1 {
		s.log.Debug("seats reserved",
			zap.String("event_id", eventID),
			zap.String("booking_id", bookingID),
			zap.Strings("seats", model.SeatCodes(seats)))
		return ReserveResult{OK: true}, nil
	}
	res := ReserveResult{}
	for _, v := range vals[1:] {
		if str, ok := v.(string); ok {
			if seat, ok := byString[str]; ok {
				res.Conflicts = append(res.Conflicts, seat)
			}
		}
	}
	s.log.Debug("seat reservation conflict",
		zap.String("event_id", eventID),
		zap.String("user_id", userID),
		zap.Strings("conflicts", model.SeatCodes(res.Conflicts)))
	return res, nil
}

// ReleaseSeats deletes the reservations of the given seats regardless of
// who holds them.  Missing seats are ignored.
func (s *Store) ReleaseSeats(ctx context.Context, eventID string, seats []model.SeatID) error {
	if len(seats) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, seat := range seats {
		pipe.Del(ctx, seatKey(eventID, seat))
	}
	pipe.SRem(ctx, indexKey(eventID), seatArgs(seats)...)
	pipe.Del(ctx, cacheKey(eventID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release seats: %w", err)
	}
	return nil
}

// ReleaseOwned deletes the reservations of the given seats that still
// belong to bookingID and reports how many were removed.  Seats taken
// over by another booking in the meantime are left untouched.
func (s *Store) ReleaseOwned(ctx context.Context, eventID string, seats []model.SeatID, bookingID string) (int, error) {
	if len(seats) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(seats)+2)
	args := make([]any, 0, len(seats)+1)
	args = append(args, bookingID)
	for _, seat := range seats {
		keys = append(keys, seatKey(eventID, seat))
		args = append(args, seat.String())
	}
	keys = append(keys, cacheKey(eventID), indexKey(eventID))
	n, err := releaseOwnedScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("release owned seats: %w", err)
	}
	return n, nil
}

// GetSeatReservation returns the live reservation of a seat, or nil.  A
// stale record found on the way is deleted.
func (s *Store) GetSeatReservation(ctx context.Context, eventID string, seat model.SeatID) (*model.SeatReservation, error) {
	key := seatKey(eventID, seat)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get seat reservation: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	r, err := decodeReservation(fields)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !r.Active(now) {
		keys := []string{key, cacheKey(eventID), indexKey(eventID)}
		if err := expireScript.Run(ctx, s.rdb, keys, now.UnixMilli(), seat.String()).Err(); err != nil {
			s.log.Warn("delete stale reservation failed", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}
	return r, nil
}

// ExtendReservation sets the expiry of a live reservation to now plus
// additional.  It reports false when the seat has no live reservation.
func (s *Store) ExtendReservation(ctx context.Context, eventID string, seat model.SeatID, additional time.Duration) (bool, error) {
	if additional <= 0 {
		return false, nil
	}
	ok, err := extendScript.Run(ctx, s.rdb,
		[]string{seatKey(eventID, seat), cacheKey(eventID), indexKey(eventID)},
		s.now().UnixMilli(), additional.Milliseconds(), seat.String()).Int()
	if err != nil {
		return false, fmt.Errorf("extend reservation: %w", err)
	}
	return ok == 1, nil
}

// ExtendHold moves the holds of bookingID on seats to until.  It is all or
// nothing: false is returned, and no hold changes, when any seat is no
// longer held by the booking.  A hold is never shortened.
func (s *Store) ExtendHold(ctx context.Context, eventID string, seats []model.SeatID, bookingID string, until time.Time) (bool, error) {
	now := s.now()
	if len(seats) == 0 || !until.After(now) {
		return false, nil
	}
	keys := make([]string, 0, len(seats)+2)
	args := make([]any, 0, len(seats)+3)
	args = append(args, now.UnixMilli(), until.UnixMilli(), bookingID)
	for _, seat := range seats {
		keys = append(keys, seatKey(eventID, seat))
		args = append(args, seat.String())
	}
	keys = append(keys, cacheKey(eventID), indexKey(eventID))
	ok, err := extendHoldScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("extend hold: %w", err)
	}
	return ok == 1, nil
}

// GetSeatAvailability returns the availability summary of an event,
// served from the short lived cache when present.  booked lists the seats
// covered by confirmed bookings; it comes from the ledger.
func (s *Store) GetSeatAvailability(ctx context.Context, eventID string, booked []model.SeatID) (*model.SeatAvailability, error) {
	raw, err := s.rdb.Get(ctx, cacheKey(eventID)).Bytes()
	switch {
	case err == nil:
		var av model.SeatAvailability
		if jerr := json.Unmarshal(raw, &av); jerr == nil {
			return &av, nil
		}
		s.log.Warn("discarding unreadable availability cache", zap.String("event_id", eventID))
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("read availability cache: %w", err)
	}

	av, err := s.RealtimeSeatStatus(ctx, eventID, booked)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(av)
	if err != nil {
		return nil, fmt.Errorf("encode availability: %w", err)
	}
	if err := s.rdb.Set(ctx, cacheKey(eventID), body, s.opts.CacheTTL).Err(); err != nil {
		s.log.Warn("write availability cache failed", zap.String("event_id", eventID), zap.Error(err))
	}
	return av, nil
}

// RealtimeSeatStatus computes the availability summary from the live
// reservations, bypassing the cache.
func (s *Store) RealtimeSeatStatus(ctx context.Context, eventID string, booked []model.SeatID) (*model.SeatAvailability, error) {
	universe, err := s.universe.SeatIDs(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("seat universe: %w", err)
	}
	reserved, err := s.liveReservations(ctx, eventID)
	if err != nil {
		return nil, err
	}
	bookedSet := make(map[string]struct{}, len(booked))
	for _, b := range booked {
		bookedSet[b.String()] = struct{}{}
	}

	av := &model.SeatAvailability{Available: []string{}, Reserved: []string{}, Booked: []string{}}
	for _, seat := range universe {
		id := seat.String()
		if _, ok := bookedSet[id]; ok {
			av.Booked = append(av.Booked, id)
			continue
		}
		if _, ok := reserved[id]; ok {
			av.Reserved = append(av.Reserved, id)
			continue
		}
		av.Available = append(av.Available, id)
	}
	return av, nil
}

// liveReservations returns the ids of the seats of an event holding an
// unexpired reservation.  Candidates come from the event index, which
// lives in the same slot as the seat keys.
func (s *Store) liveReservations(ctx context.Context, eventID string) (map[string]struct{}, error) {
	members, err := s.rdb.SMembers(ctx, indexKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read reservation index: %w", err)
	}
	out := make(map[string]struct{}, len(members))
	if len(members) == 0 {
		return out, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HMGet(ctx, "seat:{"+eventID+"}:"+m, "seatId", "expiresAt")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read reservations: %w", err)
	}
	nowMs := s.now().UnixMilli()
	for _, c := range cmds {
		vals := c.Val()
		if len(vals) != 2 || vals[0] == nil {
			continue
		}
		if asInt64(vals[1]) > nowMs {
			out[fmt.Sprint(vals[0])] = struct{}{}
		}
	}
	return out, nil
}

// Sweep deletes reservations whose expiry has passed, prunes the event
// indexes and drops the availability cache of every affected event.  It
// returns the number of removed reservations.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	indexes, err := s.scanKeys(ctx, "seats:{*}:held")
	if err != nil {
		return 0, err
	}

	nowMs := s.now().UnixMilli()
	removed, events := 0, 0
	for _, idx := range indexes {
		ev, ok := eventFromKey(idx)
		if !ok {
			continue
		}
		members, err := s.rdb.SMembers(ctx, idx).Result()
		if err != nil {
			return removed, fmt.Errorf("read reservation index of %s: %w", ev, err)
		}
		if len(members) == 0 {
			continue
		}
		keys := make([]string, 0, len(members)+2)
		args := make([]any, 0, len(members)+1)
		args = append(args, nowMs)
		for _, m := range members {
			keys = append(keys, "seat:{"+ev+"}:"+m)
			args = append(args, m)
		}
		keys = append(keys, cacheKey(ev), idx)
		n, err := expireScript.Run(ctx, s.rdb, keys, args...).Int()
		if err != nil {
			return removed, fmt.Errorf("expire reservations of %s: %w", ev, err)
		}
		if n > 0 {
			removed += n
			events++
		}
	}
	if removed > 0 {
		s.log.Info("swept expired reservations", zap.Int("removed", removed), zap.Int("events", events))
	}
	return removed, nil
}

// scanKeys lists the keys matching pattern.  A cluster client is scanned
// master by master since SCAN only sees the node it is sent to.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	cluster, ok := s.rdb.(*redis.ClusterClient)
	if !ok {
		return scanNode(ctx, s.rdb, pattern, s.opts.SweepBatch)
	}
	var (
		mu   sync.Mutex
		keys []string
	)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		found, err := scanNode(ctx, node, pattern, s.opts.SweepBatch)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func scanNode(ctx context.Context, c redis.Cmdable, pattern string, count int64) ([]string, error) {
	var keys []string
	iter := c.Scan(ctx, 0, pattern, count).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// RunSweeper calls Sweep every interval until ctx is done.  Failures are
// logged and the next tick tries again.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("reservation sweep failed", zap.Error(err))
			}
		}
	}
}

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func decodeReservation(fields map[string]string) (*model.SeatReservation, error) {
	seat, err := model.ParseSeatID(fields["seatId"])
	if err != nil {
		return nil, fmt.Errorf("decode reservation: %w", err)
	}
	ms, err := strconv.ParseInt(fields["expiresAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode reservation expiry: %w", err)
	}
	return &model.SeatReservation{
		SeatID:    seat,
		EventID:   fields["eventId"],
		UserID:    fields["userId"],
		BookingID: fields["bookingId"],
		ExpiresAt: time.UnixMilli(ms).UTC(),
	}, nil
}

func seatArgs(seats []model.SeatID) []any {
	out := make([]any, len(seats))
	for i, seat := range seats {
		out[i] = seat.String()
	}
	return out
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
