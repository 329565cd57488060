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

package entitycache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confhall/authgate/internal/cache"
	"github.com/confhall/authgate/internal/model"
)

type countingSource struct {
	userFetches atomic.Int64
	roomFetches atomic.Int64
}

func (s *countingSource) UserByID(_ context.Context, id string) (*model.User, error) {
	s.userFetches.Add(1)
	return &model.User{ID: id}, nil
}

func (s *countingSource) RegistrantByID(context.Context, string) (*model.Registrant, error) {
	return nil, nil
}

func (s *countingSource) ConferenceByID(context.Context, string) (*model.Conference, error) {
	return nil, nil
}

func (s *countingSource) SubconferenceByID(context.Context, string) (*model.Subconference, error) {
	return nil, nil
}

func (s *countingSource) RoomByID(context.Context, string) (*model.Room, error) {
	return nil, nil
}

func (s *countingSource) RoomMemberships(_ context.Context, roomID string) (map[string]string, error) {
	s.roomFetches.Add(1)
	return map[string]string{"reg-1": "ADMIN"}, nil
}

func (s *countingSource) RoomsByConference(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *countingSource) RoomsBySubconference(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func newTestProvider(t *testing.T) (*Provider, *countingSource) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := cache.DefaultConfig()
	cfg.LockRetryDelay = 5 * time.Millisecond
	src := &countingSource{}
	return New(cache.NewRuntimeWithClient(client, cfg), src), src
}

func TestInvalidateForcesRefetch(t *testing.T) {
	p, src := newTestProvider(t)
	ctx := context.Background()

	u, err := p.Users.Get(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, u)

	_, err = p.Users.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.userFetches.Load())

	require.NoError(t, p.Invalidate(ctx, EntityUser, "user-1"))

	_, err = p.Users.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.userFetches.Load())
}

func TestInvalidateHashEntity(t *testing.T) {
	p, src := newTestProvider(t)
	ctx := context.Background()

	_, err := p.RoomMemberships.Get(ctx, "room-1")
	require.NoError(t, err)
	require.NoError(t, p.Invalidate(ctx, EntityRoomMembership, "room-1"))

	_, err = p.RoomMemberships.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.roomFetches.Load())
}

func TestInvalidateUnknownEntity(t *testing.T) {
	p, _ := newTestProvider(t)

	err := p.Invalidate(context.Background(), "widget", "w-1")
	require.ErrorIs(t, err, ErrUnknownEntity)
}
