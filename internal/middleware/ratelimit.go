package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/config"
)

// bucketScript takes one token from the bucket at KEYS[1] after adding
// the whole refill periods elapsed since it was last topped up.  The hash
// holds n (tokens) and at (ms of the last top-up).  ARGV: now_ms,
// capacity, refill, period_ms, ttl_ms.  Returns {allowed, n, wait_ms}.
var bucketScript = redis.NewScript(`
local now, cap, refill, period, ttl =
  tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])

local n = tonumber(redis.call('HGET', KEYS[1], 'n'))
local at = tonumber(redis.call('HGET', KEYS[1], 'at'))
if not n or not at then
  n, at = cap, now
end

if period > 0 and refill > 0 and now > at then
  local periods = math.floor((now - at) / period)
  if periods > 0 then
    n = math.min(cap, n + periods * refill)
    at = at + periods * period
  end
end

local wait = 0
if n < 1 then
  wait = math.max(0, at + period - now)
  redis.call('HSET', KEYS[1], 'n', n, 'at', at)
  redis.call('PEXPIRE', KEYS[1], ttl)
  return {0, 0, wait}
end

n = n - 1
redis.call('HSET', KEYS[1], 'n', n, 'at', at)
redis.call('PEXPIRE', KEYS[1], ttl)
return {1, n, 0}
`)

// NewTokenBucket limits requests per key with a token bucket kept in
// Redis.  Booking creation is the hot path it protects: a client hammering
// POST /v1/bookings for the same seats only burns its own tokens.  Redis
// failures let the request through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb redis.Scripter, log *zap.Logger) echo.MiddlewareFunc {
	return newTokenBucket(cfg, rdb, log, time.Now)
}

func newTokenBucket(cfg config.RateLimitConfig, rdb redis.Scripter, log *zap.Logger, now func() time.Time) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if log == nil {
		log = zap.NewNop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			args := []any{
				now().UnixMilli(),
				cfg.Capacity,
				cfg.RefillTokens,
				cfg.RefillInterval.Milliseconds(),
				cfg.TTL.Milliseconds(),
			}

			vals, err := bucketScript.Run(c.Request().Context(), rdb, []string{key}, args...).Int64Slice()
			if err != nil || len(vals) != 3 {
				log.Warn("rate limit script failed, allowing request", zap.String("key", key), zap.Error(err))
				return next(c)
			}
			allowed, remaining, retryMs := vals[0] == 1, vals[1], vals[2]

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if !allowed {
				secs := int(math.Ceil(float64(retryMs) / 1000.0))
				if secs < 0 {
					secs = 0
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				if cfg.Debug {
					log.Debug("rate limited", zap.String("key", key), zap.Int64("retry_ms", retryMs))
				}
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"success":     false,
					"message":     "rate limit exceeded",
					"error":       echo.Map{"kind": "too_many_requests"},
					"retry_after": secs,
				})
			}

			if cfg.Debug {
				h.Set("X-RateLimit-Key", key)
			}
			return next(c)
		}
	}
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	parts := []string{cfg.Prefix}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	uid := currentUserID(c)
	route := c.Request().Method + " " + c.Path()

	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "user":
		parts = append(parts, "user", uid)
	case "route":
		parts = append(parts, "route", route)
	case "ip_user":
		parts = append(parts, "ip", ip, "user", uid)
	case "ip_route":
		parts = append(parts, "ip", ip, "route", route)
	case "user_route":
		parts = append(parts, "user", uid, "route", route)
	default:
		parts = append(parts, "ip", ip, "user", uid, "route", route)
	}
	return strings.Join(parts, ":")
}

func currentUserID(c echo.Context) string {
	if s, ok := c.Get("user_id").(string); ok && s != "" {
		return s
	}
	return "anon"
}
