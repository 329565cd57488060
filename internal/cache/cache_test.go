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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name string `json:"name"`
	Tier int    `json:"tier"`
}

func testRuntime(t *testing.T, mutate func(*Config)) *Runtime {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.LockRetryDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	return NewRuntimeWithClient(client, cfg)
}

func TestGetReadsThroughOnce(t *testing.T) {
	rt := testRuntime(t, nil)
	ctx := context.Background()

	var fetches atomic.Int64
	c := New(rt, "profile", func(_ context.Context, key string) (*profile, error) {
		fetches.Add(1)
		return &profile{Name: key, Tier: 2}, nil
	}, JSONCodec[profile]())

	got, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, int64(1), fetches.Load())

	got, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Tier)
	assert.Equal(t, int64(1), fetches.Load(), "second read must be served from the store")
}

func TestConcurrentColdReadsFetchOnce(t *testing.T) {
	rt := testRuntime(t, nil)
	ctx := context.Background()

	var fetches atomic.Int64
	c := New(rt, "profile", func(_ context.Context, key string) (*profile, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &profile{Name: key, Tier: 1}, nil
	}, JSONCodec[profile]())

	const n = 16
	var wg sync.WaitGroup
	results := make([]*profile, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(ctx, "bob")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "bob", results[i].Name)
	}
}

func TestNegativeResultRateLimited(t *testing.T) {
	rt := testRuntime(t, func(cfg *Config) {
		cfg.RateLimitWindow = 60 * time.Millisecond
	})
	ctx := context.Background()

	var fetches atomic.Int64
	c := New(rt, "profile", func(_ context.Context, _ string) (*profile, error) {
		fetches.Add(1)
		return nil, nil
	}, JSONCodec[profile]())

	got, err := c.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), fetches.Load())

	// Inside the window neither a plain read nor a forced one re-fetches.
	got, err = c.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = c.ForceRefresh(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), fetches.Load())

	time.Sleep(80 * time.Millisecond)
	_, err = c.ForceRefresh(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestForceRefreshHonorsRateLimitWindow(t *testing.T) {
	rt := testRuntime(t, func(cfg *Config) {
		cfg.RateLimitWindow = 60 * time.Millisecond
	})
	ctx := context.Background()

	var fetches atomic.Int64
	c := New(rt, "profile", func(_ context.Context, key string) (*profile, error) {
		n := fetches.Add(1)
		return &profile{Name: key, Tier: int(n)}, nil
	}, JSONCodec[profile]())

	got, err := c.Get(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Tier)

	got, err = c.ForceRefresh(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Tier, "forced read inside the window returns the existing value")

	time.Sleep(80 * time.Millisecond)
	got, err = c.ForceRefresh(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Tier)
}

func TestDeleteInvalidates(t *testing.T) {
	rt := testRuntime(t, nil)
	ctx := context.Background()

	var fetches atomic.Int64
	c := New(rt, "profile", func(_ context.Context, key string) (*profile, error) {
		fetches.Add(1)
		return &profile{Name: key}, nil
	}, JSONCodec[profile]())

	_, err := c.Get(ctx, "dave")
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "dave"))

	_, err = c.Get(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestUpdateReadModifyWrite(t *testing.T) {
	rt := testRuntime(t, nil)
	ctx := context.Background()

	c := New(rt, "profile", func(_ context.Context, key string) (*profile, error) {
		return &profile{Name: key, Tier: 1}, nil
	}, JSONCodec[profile]())

	_, err := c.Get(ctx, "erin")
	require.NoError(t, err)

	err = c.Update(ctx, "erin", func(cur *profile) (*profile, error) {
		require.NotNil(t, cur)
		cur.Tier = 9
		return cur, nil
	})
	require.NoError(t, err)

	got, err := c.Get(ctx, "erin")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9, got.Tier)
}

func TestSetWritesNegativeSentinel(t *testing.T) {
	rt := testRuntime(t, nil)
	ctx := context.Background()

	var fetches atomic.Int64
	c := New(rt, "profile", func(_ context.Context, _ string) (*profile, error) {
		fetches.Add(1)
		return &profile{Name: "upstream"}, nil
	}, JSONCodec[profile]())

	require.NoError(t, c.Set(ctx, "frank", nil))

	got, err := c.Get(ctx, "frank")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(0), fetches.Load(), "negative sentinel inside the window suppresses the fetch")
}

func TestLockFailurePropagates(t *testing.T) {
	rt := testRuntime(t, func(cfg *Config) {
		cfg.LockTries = 2
		cfg.LockRetryDelay = time.Millisecond
	})
	ctx := context.Background()

	c := New(rt, "profile", func(_ context.Context, key string) (*profile, error) {
		return &profile{Name: key}, nil
	}, JSONCodec[profile]())

	mu, err := rt.acquire(ctx, "profile", "gina")
	require.NoError(t, err)
	defer unlock(ctx, mu)

	_, err = c.Get(ctx, "gina")
	require.ErrorIs(t, err, ErrLockUnavailable)
}
