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

package authz

import (
	"context"

	"github.com/confhall/authgate/internal/model"
)

// roomScope carries exactly what room resolution needs, so the
// conference-level and subconference-level branches share one
// implementation. subconferenceID is empty in conference scope, where only
// conference-level rooms are reachable.
type roomScope struct {
	registrantID    string
	conferenceID    string
	subconferenceID string

	// elevated callers (scope moderators/organizers and main-conference
	// organizers) bypass membership lookups and get admin on every room in
	// scope.
	elevated bool
}

// resolveRoomAccess decides access to one explicitly hinted room. On a
// grant it attaches the room id and the reachable room roles to claims and
// allowed; granted=false with a nil error is a denial of the whole
// decision.
func (e *Engine) resolveRoomAccess(ctx context.Context, scope roomScope, roomID string, allowed roleSet, claims *Claims) (granted bool, err error) {
	room, err := e.caches.Rooms.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room == nil {
		return false, nil
	}
	if room.ConferenceID != scope.conferenceID || room.SubconferenceID != scope.subconferenceID {
		return false, nil
	}

	admit := func(admin bool) {
		claims.RoomIDs = []string{room.ID}
		allowed.add(RoleRoomMember)
		if admin {
			allowed.add(RoleRoomAdmin)
		}
	}

	if scope.elevated {
		admit(true)
		return true, nil
	}
	if room.ManagementMode == model.RoomModePublic {
		admit(false)
		return true, nil
	}

	role, ok, err := e.caches.RoomMemberships.GetField(ctx, room.ID, scope.registrantID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	admit(role == string(model.RoomPersonAdmin))
	return true, nil
}

// attachVisibleRooms filters a room index down to the rooms the caller may
// browse and attaches the result. Organizer listings require the organizer
// role and see Public and Private rooms; everyone else sees Public rooms
// plus any room they hold an explicit membership in. The index is always
// preferred over iterating memberships; per-room lookups happen only for
// non-Public modes.
func (e *Engine) attachVisibleRooms(ctx context.Context, scope roomScope, index map[string]string, requested Role, allowed roleSet, claims *Claims) (granted bool, err error) {
	allowed.add(RoleRoomMember)

	visible := []string{}

	if requested == RoleOrganizer {
		if !allowed.has(RoleOrganizer) {
			return false, nil
		}
		for id, mode := range index {
			switch model.RoomManagementMode(mode) {
			case model.RoomModePublic, model.RoomModePrivate:
				visible = append(visible, id)
			}
		}
		claims.RoomIDs = visible
		return true, nil
	}

	for id, mode := range index {
		if model.RoomManagementMode(mode) == model.RoomModePublic {
			visible = append(visible, id)
			continue
		}
		_, member, err := e.caches.RoomMemberships.GetField(ctx, id, scope.registrantID)
		if err != nil {
			return false, err
		}
		if member {
			visible = append(visible, id)
		}
	}
	claims.RoomIDs = visible
	return true, nil
}
