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

// Package entitycache specializes the cache primitives for each entity the
// authorization engine resolves. Each cache pairs an upstream fetch with a
// codec; the engine is their only consumer.
package entitycache

import (
	"context"
	"errors"
	"fmt"

	"github.com/confhall/authgate/internal/cache"
	"github.com/confhall/authgate/internal/model"
	"github.com/confhall/authgate/internal/upstream"
)

// ErrUnknownEntity is returned by Invalidate for an unrecognized entity
// name.
var ErrUnknownEntity = errors.New("entitycache: unknown entity")

// Entity names accepted by Invalidate.
const (
	EntityUser              = "user"
	EntityRegistrant        = "registrant"
	EntityConference        = "conference"
	EntitySubconference     = "subconference"
	EntityRoom              = "room"
	EntityRoomMembership    = "roomMembership"
	EntityConferenceRooms   = "conferenceRooms"
	EntitySubconferenceRoom = "subconferenceRooms"
)

// Provider bundles the domain caches. Scalar entities use the generic
// cache; room membership and the room indexes use the hash-field variant so
// per-registrant and per-room reads do not rehydrate whole records.
type Provider struct {
	Users          *cache.Cache[model.User]
	Registrants    *cache.Cache[model.Registrant]
	Conferences    *cache.Cache[model.Conference]
	Subconferences *cache.Cache[model.Subconference]
	Rooms          *cache.Cache[model.Room]

	// RoomMemberships maps room id → (registrant id → person role name).
	RoomMemberships *cache.HashCache

	// ConferenceRooms and SubconferenceRooms map scope id →
	// (room id → management mode name), used to enumerate browsable rooms
	// without one query per room.
	ConferenceRooms    *cache.HashCache
	SubconferenceRooms *cache.HashCache
}

// New wires every domain cache to the upstream source.
func New(rt *cache.Runtime, src upstream.Source) *Provider {
	return &Provider{
		Users: cache.New(rt, EntityUser,
			func(ctx context.Context, id string) (*model.User, error) {
				return src.UserByID(ctx, id)
			}, cache.JSONCodec[model.User]()),

		Registrants: cache.New(rt, EntityRegistrant,
			func(ctx context.Context, id string) (*model.Registrant, error) {
				return src.RegistrantByID(ctx, id)
			}, cache.JSONCodec[model.Registrant]()),

		Conferences: cache.New(rt, EntityConference,
			func(ctx context.Context, id string) (*model.Conference, error) {
				return src.ConferenceByID(ctx, id)
			}, cache.JSONCodec[model.Conference]()),

		Subconferences: cache.New(rt, EntitySubconference,
			func(ctx context.Context, id string) (*model.Subconference, error) {
				return src.SubconferenceByID(ctx, id)
			}, cache.JSONCodec[model.Subconference]()),

		Rooms: cache.New(rt, EntityRoom,
			func(ctx context.Context, id string) (*model.Room, error) {
				return src.RoomByID(ctx, id)
			}, cache.JSONCodec[model.Room]()),

		RoomMemberships:    cache.NewHash(rt, EntityRoomMembership, src.RoomMemberships),
		ConferenceRooms:    cache.NewHash(rt, EntityConferenceRooms, src.RoomsByConference),
		SubconferenceRooms: cache.NewHash(rt, EntitySubconferenceRoom, src.RoomsBySubconference),
	}
}

// Invalidate drops the cached entry for one entity. Upstream mutation
// events call this; it is the only invalidation path.
func (p *Provider) Invalidate(ctx context.Context, entity, id string) error {
	switch entity {
	case EntityUser:
		return p.Users.Delete(ctx, id)
	case EntityRegistrant:
		return p.Registrants.Delete(ctx, id)
	case EntityConference:
		return p.Conferences.Delete(ctx, id)
	case EntitySubconference:
		return p.Subconferences.Delete(ctx, id)
	case EntityRoom:
		return p.Rooms.Delete(ctx, id)
	case EntityRoomMembership:
		return p.RoomMemberships.Delete(ctx, id)
	case EntityConferenceRooms:
		return p.ConferenceRooms.Delete(ctx, id)
	case EntitySubconferenceRoom:
		return p.SubconferenceRooms.Delete(ctx, id)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
}
