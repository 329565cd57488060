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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reserved fields carry the entry metadata alongside the user fields so a
// single HGETALL rehydrates both. User fields never start with "__".
const (
	fieldFetchedAt = "__fetchedAt"
	fieldNegative  = "__negative"
)

// HashFetchFunc loads one field map from the upstream source. Returning
// (nil, nil) means "confirmed absent upstream"; an empty non-nil map is a
// present item with no fields.
type HashFetchFunc func(ctx context.Context, key string) (map[string]string, error)

// HashCache is the field-map variant of Cache. It is used where the fetch is
// expensive relative to the number of fields read, e.g. a room's full
// membership list fetched once but individual membership checks done per
// request. Fields are raw strings, no JSON wrapping.
type HashCache struct {
	rt    *Runtime
	name  string
	fetch HashFetchFunc

	refreshAge time.Duration
	rateLimit  time.Duration
}

// NewHash constructs a hash-field cache named name under the runtime's
// namespace.
func NewHash(rt *Runtime, name string, fetch HashFetchFunc) *HashCache {
	return &HashCache{
		rt:         rt,
		name:       name,
		fetch:      fetch,
		refreshAge: rt.cfg.RefreshAge,
		rateLimit:  rt.cfg.RateLimitWindow,
	}
}

// Get returns the whole field map, fetching on a cold read. A nil map with a
// nil error means the item is confirmed absent upstream.
func (h *HashCache) Get(ctx context.Context, key string) (map[string]string, error) {
	return h.load(ctx, key, false, true)
}

// ForceRefresh behaves like Get but bypasses a fresh entry, re-fetching
// unless the entry is younger than the rate-limit window.
func (h *HashCache) ForceRefresh(ctx context.Context, key string) (map[string]string, error) {
	return h.load(ctx, key, true, true)
}

// GetField returns a single field without rehydrating the whole map when the
// entry is already cached. ok is false when the item or the field is absent.
func (h *HashCache) GetField(ctx context.Context, key, field string) (value string, ok bool, err error) {
	vals, err := h.rt.client.HMGet(ctx, h.rt.entryKey(h.name, key), fieldFetchedAt, fieldNegative, field).Result()
	if err != nil {
		return "", false, fmt.Errorf("cache %s: read field %q/%q: %w", h.name, key, field, err)
	}

	if fetchedAt, present := vals[0].(string); present {
		negative := false
		if neg, isNeg := vals[1].(string); isNeg {
			negative = neg == "1"
		}
		if !negative {
			cacheHits.Add(ctx, 1, cacheAttrs(h.name))
			if v, found := vals[2].(string); found {
				return v, true, nil
			}
			return "", false, nil
		}
		// Negative entry: only re-fetch once the rate-limit window passed.
		if ms, perr := strconv.ParseInt(fetchedAt, 10, 64); perr == nil {
			if time.Since(time.UnixMilli(ms)) < h.rateLimit {
				cacheHits.Add(ctx, 1, cacheAttrs(h.name))
				return "", false, nil
			}
		}
	}

	m, err := h.load(ctx, key, false, true)
	if err != nil {
		return "", false, err
	}
	v, found := m[field]
	return v, found, nil
}

func (h *HashCache) load(ctx context.Context, key string, force, withLock bool) (map[string]string, error) {
	m, done, err := h.read(ctx, key, force)
	if done || err != nil {
		return m, err
	}

	if withLock {
		mu, err := h.rt.acquire(ctx, h.name, key)
		if err != nil {
			return nil, err
		}
		defer unlock(ctx, mu)

		// Re-read after winning the lock so the upstream fetch stays single
		// flighted across concurrent cold reads.
		m, done, err = h.read(ctx, key, force)
		if done || err != nil {
			return m, err
		}
	}

	return h.populate(ctx, key)
}

func (h *HashCache) read(ctx context.Context, key string, force bool) (m map[string]string, done bool, err error) {
	raw, err := h.rt.client.HGetAll(ctx, h.rt.entryKey(h.name, key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache %s: read %q: %w", h.name, key, err)
	}

	fetchedAt, present := raw[fieldFetchedAt]
	if !present {
		cacheMisses.Add(ctx, 1, cacheAttrs(h.name))
		return nil, false, nil
	}
	negative := raw[fieldNegative] == "1"

	if !force && !negative {
		cacheHits.Add(ctx, 1, cacheAttrs(h.name))
		return stripReserved(raw), true, nil
	}

	ms, perr := strconv.ParseInt(fetchedAt, 10, 64)
	if perr == nil && time.Since(time.UnixMilli(ms)) < h.rateLimit {
		cacheHits.Add(ctx, 1, cacheAttrs(h.name))
		if negative {
			return nil, true, nil
		}
		return stripReserved(raw), true, nil
	}

	return nil, false, nil
}

func (h *HashCache) populate(ctx context.Context, key string) (map[string]string, error) {
	start := time.Now()
	m, err := h.fetch(ctx, key)
	fetchDuration.Record(ctx, time.Since(start).Seconds(), cacheAttrs(h.name))
	if err != nil {
		return nil, fmt.Errorf("cache %s: upstream fetch %q: %w", h.name, key, err)
	}
	if err := h.store(ctx, key, m); err != nil {
		return nil, err
	}
	return m, nil
}

// store replaces the whole entry. A nil map writes the negative sentinel; an
// empty map deletes all fields and leaves an expiring marker.
func (h *HashCache) store(ctx context.Context, key string, m map[string]string) error {
	entryKey := h.rt.entryKey(h.name, key)

	fields := map[string]string{
		fieldFetchedAt: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if m == nil {
		fields[fieldNegative] = "1"
	}
	for f, v := range m {
		fields[f] = v
	}

	pipe := h.rt.client.TxPipeline()
	pipe.Del(ctx, entryKey)
	pipe.HSet(ctx, entryKey, fields)
	pipe.PExpire(ctx, entryKey, h.refreshAge)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache %s: write %q: %w", h.name, key, err)
	}
	return nil
}

// Set stores a whole field map under the per-key lock.
func (h *HashCache) Set(ctx context.Context, key string, m map[string]string) error {
	mu, err := h.rt.acquire(ctx, h.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)
	return h.store(ctx, key, m)
}

// SetField writes a single field without rehydrating the rest of the entry.
func (h *HashCache) SetField(ctx context.Context, key, field, value string) error {
	mu, err := h.rt.acquire(ctx, h.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)
	if err := h.rt.client.HSet(ctx, h.rt.entryKey(h.name, key), field, value).Err(); err != nil {
		return fmt.Errorf("cache %s: write field %q/%q: %w", h.name, key, field, err)
	}
	return nil
}

// DeleteField removes a single field.
func (h *HashCache) DeleteField(ctx context.Context, key, field string) error {
	mu, err := h.rt.acquire(ctx, h.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)
	if err := h.rt.client.HDel(ctx, h.rt.entryKey(h.name, key), field).Err(); err != nil {
		return fmt.Errorf("cache %s: delete field %q/%q: %w", h.name, key, field, err)
	}
	return nil
}

// Delete removes the whole entry. This is the invalidation path.
func (h *HashCache) Delete(ctx context.Context, key string) error {
	mu, err := h.rt.acquire(ctx, h.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)
	if err := h.rt.client.Del(ctx, h.rt.entryKey(h.name, key)).Err(); err != nil {
		return fmt.Errorf("cache %s: delete %q: %w", h.name, key, err)
	}
	return nil
}

// Update performs a lock-protected read-modify-write of the whole map.
func (h *HashCache) Update(ctx context.Context, key string, fn func(map[string]string) (map[string]string, error)) error {
	mu, err := h.rt.acquire(ctx, h.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)

	cur, err := h.load(ctx, key, false, false)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return h.store(ctx, key, next)
}

// UpdateField performs a lock-protected read-modify-write of one field. fn
// returns the new value, or keep=false to delete the field.
func (h *HashCache) UpdateField(ctx context.Context, key, field string, fn func(cur string, ok bool) (next string, keep bool, err error)) error {
	mu, err := h.rt.acquire(ctx, h.name, key)
	if err != nil {
		return err
	}
	defer unlock(ctx, mu)

	entryKey := h.rt.entryKey(h.name, key)
	cur, err := h.rt.client.HGet(ctx, entryKey, field).Result()
	found := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache %s: read field %q/%q: %w", h.name, key, field, err)
	}

	next, keep, err := fn(cur, found)
	if err != nil {
		return err
	}
	if !keep {
		if err := h.rt.client.HDel(ctx, entryKey, field).Err(); err != nil {
			return fmt.Errorf("cache %s: delete field %q/%q: %w", h.name, key, field, err)
		}
		return nil
	}
	if err := h.rt.client.HSet(ctx, entryKey, field, next).Err(); err != nil {
		return fmt.Errorf("cache %s: write field %q/%q: %w", h.name, key, field, err)
	}
	return nil
}

func stripReserved(raw map[string]string) map[string]string {
	m := make(map[string]string, len(raw))
	for f, v := range raw {
		if f == fieldFetchedAt || f == fieldNegative {
			continue
		}
		m[f] = v
	}
	return m
}
