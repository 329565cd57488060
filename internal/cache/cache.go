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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FetchFunc loads one item from the upstream source. Returning (nil, nil)
// means "confirmed absent upstream" and is cached as a negative entry.
type FetchFunc[V any] func(ctx context.Context, key string) (*V, error)

// Codec serializes values for storage. Each cache instantiation supplies an
// explicit encoder/decoder pair.
type Codec[V any] struct {
	Encode func(V) (string, error)
	Decode func(string) (V, error)
}

// JSONCodec returns a Codec backed by encoding/json.
func JSONCodec[V any]() Codec[V] {
	return Codec[V]{
		Encode: func(v V) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
		Decode: func(s string) (V, error) {
			var v V
			err := json.Unmarshal([]byte(s), &v)
			return v, err
		},
	}
}

// entry is the stored record. A nil Value is the negative sentinel.
// FetchedAt is epoch milliseconds and is monotonically non-decreasing per
// key because only the lock holder writes.
type entry struct {
	FetchedAt int64   `json:"fetchedAt"`
	Value     *string `json:"value"`
}

func (e entry) age() time.Duration {
	return time.Since(time.UnixMilli(e.FetchedAt))
}

// Cache is a generic distributed read-through cache for one entity kind.
type Cache[V any] struct {
	rt    *Runtime
	name  string
	fetch FetchFunc[V]
	codec Codec[V]

	refreshAge time.Duration
	rateLimit  time.Duration
}

// New constructs a cache named name under the runtime's namespace. The
// refresh TTL and rate-limit window come from the runtime configuration.
func New[V any](rt *Runtime, name string, fetch FetchFunc[V], codec Codec[V]) *Cache[V] {
	return &Cache[V]{
		rt:         rt,
		name:       name,
		fetch:      fetch,
		codec:      codec,
		refreshAge: rt.cfg.RefreshAge,
		rateLimit:  rt.cfg.RateLimitWindow,
	}
}

// Get returns the cached value for key, fetching it from upstream on a cold
// or expired read. A nil result with a nil error means the item is confirmed
// absent upstream.
func (c *Cache[V]) Get(ctx context.Context, key string) (*V, error) {
	return c.get(ctx, key, false, true)
}

// ForceRefresh behaves like Get but bypasses a fresh positive entry,
// re-fetching unless the entry is younger than the rate-limit window.
func (c *Cache[V]) ForceRefresh(ctx context.Context, key string) (*V, error) {
	return c.get(ctx, key, true, true)
}

func (c *Cache[V]) get(ctx context.Context, key string, force, withLock bool) (*V, error) {
	v, done, err := c.read(ctx, key, force)
	if done || err != nil {
		return v, err
	}

	if withLock {
		mu, err := c.rt.acquire(ctx, c.name, key)
		if err != nil {
			return nil, err
		}
		defer unlock(ctx, mu)

		// Losers of the lock race land here after the winner has already
		// populated the key; the re-read keeps the upstream fetch single
		// flighted.
		v, done, err = c.read(ctx, key, force)
		if done || err != nil {
			return v, err
		}
	}

	return c.populate(ctx, key)
}

// read implements the lock-free portion of the read path. done reports that
// the caller should return v without fetching.
func (c *Cache[V]) read(ctx context.Context, key string, force bool) (v *V, done bool, err error) {
	raw, err := c.rt.client.Get(ctx, c.rt.entryKey(c.name, key)).Result()
	if errors.Is(err, redis.Nil) {
		cacheMisses.Add(ctx, 1, cacheAttrs(c.name))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache %s: read %q: %w", c.name, key, err)
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false, fmt.Errorf("cache %s: corrupt entry %q: %w", c.name, key, err)
	}

	if !force && e.Value != nil {
		cacheHits.Add(ctx, 1, cacheAttrs(c.name))
		return c.decode(key, *e.Value)
	}

	// Negative or forced: honor the existing entry while it is inside the
	// rate-limit window so a hot miss cannot turn into a refetch storm.
	if e.age() < c.rateLimit {
		cacheHits.Add(ctx, 1, cacheAttrs(c.name))
		if e.Value == nil {
			return nil, true, nil
		}
		return c.decode(key, *e.Value)
	}

	return nil, false, nil
}

func (c *Cache[V]) decode(key, raw string) (*V, bool, error) {
	v, err := c.codec.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("cache %s: decode %q: %w", c.name, key, err)
	}
	return &v, true, nil
}

// populate fetches from upstream and stores the result, positive or
// negative, unconditionally. Fetch errors propagate and nothing is stored.
func (c *Cache[V]) populate(ctx context.Context, key string) (*V, error) {
	start := time.Now()
	v, err := c.fetch(ctx, key)
	fetchDuration.Record(ctx, time.Since(start).Seconds(), cacheAttrs(c.name))
	if err != nil {
		return nil, fmt.Errorf("cache %s: upstream fetch %q: %w", c.name, key, err)
	}
	if err := c.store(ctx, key, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Cache[V]) store(ctx context.Context, key string, v *V) error {
	e := entry{FetchedAt: time.Now().UnixMilli()}
	if v != nil {
		s, err := c.codec.Encode(*v)
		if err != nil {
			return fmt.Errorf("cache %s: encode %q: %w", c.name, key, err)
		}
		e.Value = &s
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache %s: marshal entry %q: %w", c.name, key, err)
	}
	if err := c.rt.client.Set(ctx, c.rt.entryKey(c.name, key), raw, c.refreshAge).Err(); err != nil {
		return fmt.Errorf("cache %s: write %q: %w", c.name, key, err)
	}
	return nil
}

// Set stores a value (or the negative sentinel when v is nil) under the
// per-key lock.
func (c *Cache[V]) Set(ctx context.Context, key string, v *V) error {
	mu, err := c.rt.acquire(ctx, c.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)
	return c.store(ctx, key, v)
}

// Delete removes the entry. This is the invalidation path for upstream
// writes; the next Get re-fetches.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	mu, err := c.rt.acquire(ctx, c.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)
	if err := c.rt.client.Del(ctx, c.rt.entryKey(c.name, key)).Err(); err != nil {
		return fmt.Errorf("cache %s: delete %q: %w", c.name, key, err)
	}
	return nil
}

// Update performs a lock-protected read-modify-write. fn receives the
// current value (nil when absent) and returns the value to store.
func (c *Cache[V]) Update(ctx context.Context, key string, fn func(*V) (*V, error)) error {
	mu, err := c.rt.acquire(ctx, c.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)

	cur, err := c.get(ctx, key, false, false)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return c.store(ctx, key, next)
}
