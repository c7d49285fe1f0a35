package config

// This file builds the Redis client shared by the reservation store and the
// rate limiter.  Parameters come from the environment:
//   REDIS_ADDRS    comma separated host:port list; more than one selects cluster mode
//   REDIS_HOST and REDIS_PORT, or REDIS_ADDR, for a single node
//   REDIS_PASSWORD optional password
//   REDIS_DB       database number (single node only, default 0)
//   REDIS_TLS      enable TLS when "true" or "1"

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes how to reach Redis.
type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	TLS      bool
}

// LoadRedisConfig reads RedisConfig from the environment.
func LoadRedisConfig() RedisConfig {
	var addrs []string
	for _, a := range strings.Split(os.Getenv("REDIS_ADDRS"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		addr := envStr("REDIS_ADDR", "localhost:6379")
		if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
			addr = host + ":" + port
		}
		addrs = []string{addr}
	}
	tlsEnv := os.Getenv("REDIS_TLS")
	return RedisConfig{
		Addrs:    addrs,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envInt("REDIS_DB", 0),
		TLS:      strings.EqualFold(tlsEnv, "true") || tlsEnv == "1",
	}
}

// NewRedisClient connects to Redis and pings it.  Seat holds live in
// Redis, so unlike a cache an unreachable server is an error.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	var tlsConf *tls.Config
	if cfg.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     cfg.Addrs,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConf,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %v: %w", cfg.Addrs, err)
	}
	return client, nil
}
