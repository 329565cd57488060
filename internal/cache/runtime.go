// Copyright (C) 2025 Confhall, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package cache provides the distributed read-through cache primitives the
// authorization engine is built on: a generic scalar cache and a hash-field
// cache, both backed by a shared Redis keyspace and per-key redlock mutexes.
//
// A key is only ever populated by the holder of its lock, and negative
// ("confirmed absent upstream") results are re-fetched at most once per
// rate-limit window.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockUnavailable is returned when a per-key distributed lock could not
// be acquired within the configured retries. Callers must treat this as
// "cache layer unavailable" and fail closed, never as a stale read or a
// denial.
var ErrLockUnavailable = errors.New("cache: distributed lock unavailable")

// Config holds the Redis and locking configuration shared by all caches.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Connection pool bounds for the shared client.
	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`

	// Namespace prefixes every cache key and lock key.
	Namespace string `mapstructure:"namespace"`

	// RefreshAge is the advisory PX expiry on entries.
	RefreshAge time.Duration `mapstructure:"refresh_age"`

	// RateLimitWindow bounds how often a negative or forced entry may be
	// re-fetched.
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`

	// Per-key lock acquisition parameters.
	LockExpiry      time.Duration `mapstructure:"lock_expiry"`
	LockTries       int           `mapstructure:"lock_tries"`
	LockRetryDelay  time.Duration `mapstructure:"lock_retry_delay"`
	LockDriftFactor float64       `mapstructure:"lock_drift_factor"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,

		Namespace:       "caches",
		RefreshAge:      7 * 24 * time.Hour,
		RateLimitWindow: 5 * time.Minute,

		LockExpiry:      10 * time.Second,
		LockTries:       25,
		LockRetryDelay:  200 * time.Millisecond,
		LockDriftFactor: 0.01,
	}
}

// Runtime bundles the shared Redis client, the lock factory and the root
// namespace. One Runtime is constructed at process start and passed by
// reference into every cache instance; there is no module-level client.
type Runtime struct {
	client redis.UniversalClient
	locks  *redsync.Redsync
	cfg    Config
}

// NewRuntime connects a Redis client using the pool bounds from cfg and
// wraps it in a Runtime.
func NewRuntime(cfg *Config) *Runtime {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	return NewRuntimeWithClient(client, cfg)
}

// NewRuntimeWithClient wraps an existing client. Used by tests to point the
// cache layer at an in-process Redis.
func NewRuntimeWithClient(client redis.UniversalClient, cfg *Config) *Runtime {
	return &Runtime{
		client: client,
		locks:  redsync.New(goredis.NewPool(client)),
		cfg:    *cfg,
	}
}

// Ping verifies the store connection.
func (rt *Runtime) Ping(ctx context.Context) error {
	return rt.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

func (rt *Runtime) entryKey(name, key string) string {
	return rt.cfg.Namespace + ":" + name + ":" + key
}

// mutexFor returns the per-key lock. Locks are never global: concurrent
// decisions touching different entities never contend.
func (rt *Runtime) mutexFor(name, key string) *redsync.Mutex {
	return rt.locks.NewMutex(
		fmt.Sprintf("locks:%s:%s:%s", rt.cfg.Namespace, name, key),
		redsync.WithExpiry(rt.cfg.LockExpiry),
		redsync.WithTries(rt.cfg.LockTries),
		redsync.WithRetryDelay(rt.cfg.LockRetryDelay),
		redsync.WithDriftFactor(rt.cfg.LockDriftFactor),
	)
}

// acquire takes the per-key lock, mapping acquisition failure to
// ErrLockUnavailable.
func (rt *Runtime) acquire(ctx context.Context, name, key string) (*redsync.Mutex, error) {
	mu := rt.mutexFor(name, key)
	if err := mu.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrLockUnavailable, name, key, err)
	}
	return mu, nil
}

// unlock releases a held mutex, logging rather than propagating: the
// protected write has already happened and the lock expires on its own.
func unlock(ctx context.Context, mu *redsync.Mutex) {
	if ok, err := mu.UnlockContext(ctx); err != nil || !ok {
		slog.Warn("Failed to release cache lock", slog.String("lock", mu.Name()), slog.Any("error", err))
	}
}
