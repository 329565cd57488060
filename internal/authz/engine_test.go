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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confhall/authgate/internal/cache"
	"github.com/confhall/authgate/internal/entitycache"
	"github.com/confhall/authgate/internal/model"
)

// fakeSource is an in-memory upstream for engine tests.
type fakeSource struct {
	users          map[string]*model.User
	registrants    map[string]*model.Registrant
	conferences    map[string]*model.Conference
	subconferences map[string]*model.Subconference
	rooms          map[string]*model.Room
	memberships    map[string]map[string]string
	confRooms      map[string]map[string]string
	subconfRooms   map[string]map[string]string
}

func (f *fakeSource) UserByID(_ context.Context, id string) (*model.User, error) {
	return f.users[id], nil
}

func (f *fakeSource) RegistrantByID(_ context.Context, id string) (*model.Registrant, error) {
	return f.registrants[id], nil
}

func (f *fakeSource) ConferenceByID(_ context.Context, id string) (*model.Conference, error) {
	return f.conferences[id], nil
}

func (f *fakeSource) SubconferenceByID(_ context.Context, id string) (*model.Subconference, error) {
	return f.subconferences[id], nil
}

func (f *fakeSource) RoomByID(_ context.Context, id string) (*model.Room, error) {
	return f.rooms[id], nil
}

func (f *fakeSource) RoomMemberships(_ context.Context, roomID string) (map[string]string, error) {
	if f.rooms[roomID] == nil {
		return nil, nil
	}
	if m := f.memberships[roomID]; m != nil {
		return m, nil
	}
	return map[string]string{}, nil
}

func (f *fakeSource) RoomsByConference(_ context.Context, conferenceID string) (map[string]string, error) {
	if m := f.confRooms[conferenceID]; m != nil {
		return m, nil
	}
	return map[string]string{}, nil
}

func (f *fakeSource) RoomsBySubconference(_ context.Context, subconferenceID string) (map[string]string, error) {
	if m := f.subconfRooms[subconferenceID]; m != nil {
		return m, nil
	}
	return map[string]string{}, nil
}

// fixture models one conference with an External and a Private
// subconference, three conference-level rooms and a membership-only room
// role for the registrant.
func fixture(confRole model.ConferenceRole) *fakeSource {
	return &fakeSource{
		users: map[string]*model.User{
			"user-1": {ID: "user-1", Registrants: []model.RegistrantRef{
				{ID: "reg-1", ConferenceID: "conf-1"},
				{ID: "reg-9", ConferenceID: "conf-9"},
			}},
		},
		registrants: map[string]*model.Registrant{
			"reg-1": {
				ID:             "reg-1",
				ConferenceRole: confRole,
				SubconferenceMemberships: []model.SubconferenceMembership{
					{ID: "scm-1", SubconferenceID: "sub-ext", Role: model.ConferenceRoleAttendee},
				},
			},
		},
		conferences: map[string]*model.Conference{
			"conf-1": {
				ID:               "conf-1",
				VisibilityLevel:  model.VisibilityPrivate,
				SubconferenceIDs: []string{"sub-ext", "sub-priv"},
			},
		},
		subconferences: map[string]*model.Subconference{
			"sub-ext":  {ID: "sub-ext", VisibilityLevel: model.VisibilityExternal},
			"sub-priv": {ID: "sub-priv", VisibilityLevel: model.VisibilityPrivate},
		},
		rooms: map[string]*model.Room{
			"room-a": {ID: "room-a", ConferenceID: "conf-1", ManagementMode: model.RoomModePublic},
			"room-b": {ID: "room-b", ConferenceID: "conf-1", ManagementMode: model.RoomModePrivate},
			"room-c": {ID: "room-c", ConferenceID: "conf-1", ManagementMode: model.RoomModeManaged},
			"room-s": {ID: "room-s", ConferenceID: "conf-1", SubconferenceID: "sub-ext", ManagementMode: model.RoomModePublic},
		},
		memberships: map[string]map[string]string{
			"room-c": {"reg-1": string(model.RoomPersonParticipant)},
		},
		confRooms: map[string]map[string]string{
			"conf-1": {
				"room-a": string(model.RoomModePublic),
				"room-b": string(model.RoomModePrivate),
				"room-c": string(model.RoomModeManaged),
			},
		},
		subconfRooms: map[string]map[string]string{
			"sub-ext": {"room-s": string(model.RoomModePublic)},
		},
	}
}

func newTestEngine(t *testing.T, src *fakeSource) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := cache.DefaultConfig()
	cfg.LockRetryDelay = 5 * time.Millisecond
	rt := cache.NewRuntimeWithClient(client, cfg)
	return New(entitycache.New(rt, src))
}

func TestMagicTokenGrantsSubmitter(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "", Hints{MagicToken: "tok-123"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleSubmitter, d.Claims.Role)
	assert.Equal(t, "tok-123", d.Claims.MagicToken)
	assert.Empty(t, d.Claims.UserID)

	// The submitter grant reaches nothing else.
	d, err = e.Decide(context.Background(), "", Hints{MagicToken: "tok-123", Role: RoleOrganizer})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestInviteCodeGrantsUnauthenticated(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "", Hints{InviteCode: "inv-42"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleUnauthenticated, d.Claims.Role)
	assert.Equal(t, "inv-42", d.Claims.InviteCode)
}

func TestAnonymousVisibilityNotInherited(t *testing.T) {
	src := fixture(model.ConferenceRoleAttendee)
	src.conferences["conf-1"].VisibilityLevel = model.VisibilityPublic
	src.subconferences["sub-ext"].VisibilityLevel = model.VisibilityPublic
	e := newTestEngine(t, src)

	d, err := e.Decide(context.Background(), "", Hints{ConferenceID: "conf-1"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleUnauthenticated, d.Claims.Role)
	assert.Equal(t, []string{"conf-1"}, d.Claims.ConferenceIDs)
	// sub-priv stays hidden despite the Public parent.
	assert.Equal(t, []string{"sub-ext"}, d.Claims.SubconferenceIDs)
}

func TestAnonymousPrivateConferenceAttachesNothing(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "", Hints{ConferenceID: "conf-1"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleUnauthenticated, d.Claims.Role)
	assert.Nil(t, d.Claims.ConferenceIDs)
	assert.Nil(t, d.Claims.SubconferenceIDs)
}

func TestUnknownUserDenied(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-unknown", Hints{})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestUserWithoutConferenceHint(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1", Hints{})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleUser, d.Claims.Role)
	assert.Equal(t, "user-1", d.Claims.UserID)
	assert.ElementsMatch(t, []string{"reg-1", "reg-9"}, d.Claims.RegistrantIDs)
	assert.Nil(t, d.Claims.ConferenceIDs)
}

func TestNonRegistrantDenied(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-other"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestModeratorInPrivateConference(t *testing.T) {
	// An authenticated member does not rely on public visibility: the
	// Private conference does not trigger a denial, and the External
	// subconference is in scope.
	e := newTestEngine(t, fixture(model.ConferenceRoleModerator))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleModerator, d.Claims.Role)
	assert.Equal(t, []string{"conf-1"}, d.Claims.ConferenceIDs)
	assert.Equal(t, []string{"sub-ext"}, d.Claims.SubconferenceIDs)
	assert.Empty(t, d.Claims.RoomIDs)
	assert.NotNil(t, d.Claims.RoomIDs)
}

func TestOrganizerSeesAllSubconferences(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleOrganizer))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleOrganizer, d.Claims.Role)
	assert.ElementsMatch(t, []string{"sub-ext", "sub-priv"}, d.Claims.SubconferenceIDs)
}

// reachableRoles probes the requested-role gate for each candidate role.
func reachableRoles(t *testing.T, e *Engine, h Hints) map[Role]bool {
	t.Helper()
	out := map[Role]bool{}
	for _, r := range []Role{RoleUser, RoleAttendee, RoleModerator, RoleOrganizer} {
		probe := h
		probe.Role = r
		d, err := e.Decide(context.Background(), "user-1", probe)
		require.NoError(t, err)
		out[r] = d.Allow
	}
	return out
}

func TestRoleElevationMonotonic(t *testing.T) {
	hints := Hints{ConferenceID: "conf-1"}

	attendee := reachableRoles(t, newTestEngine(t, fixture(model.ConferenceRoleAttendee)), hints)
	moderator := reachableRoles(t, newTestEngine(t, fixture(model.ConferenceRoleModerator)), hints)
	organizer := reachableRoles(t, newTestEngine(t, fixture(model.ConferenceRoleOrganizer)), hints)

	for role, ok := range attendee {
		if ok {
			assert.True(t, moderator[role], "moderator must reach %s", role)
		}
	}
	for role, ok := range moderator {
		if ok {
			assert.True(t, organizer[role], "organizer must reach %s", role)
		}
	}
	assert.True(t, attendee[RoleAttendee])
	assert.False(t, attendee[RoleModerator])
	assert.True(t, moderator[RoleModerator])
	assert.False(t, moderator[RoleOrganizer])
	assert.True(t, organizer[RoleOrganizer])
}

func TestRequestedRoleGateDenies(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1", Role: RoleOrganizer})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestRequestedRoleOverridesHighest(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleOrganizer))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1", Role: RoleAttendee})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleAttendee, d.Claims.Role)
}

func TestRoomVisibilityFilter(t *testing.T) {
	// Rooms {a: Public, b: Private, c: Managed}, membership only in c.
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1", IncludeRoomIDs: true})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.ElementsMatch(t, []string{"room-a", "room-c", "room-s"}, d.Claims.RoomIDs)
}

func TestOrganizerRoomListing(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleOrganizer))

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", IncludeRoomIDs: true, Role: RoleOrganizer})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.ElementsMatch(t, []string{"room-a", "room-b", "room-s"}, d.Claims.RoomIDs)
}

func TestOrganizerRoomListingRequiresOrganizer(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleModerator))

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", IncludeRoomIDs: true, Role: RoleOrganizer})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestRoomHintPublicRoom(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1", RoomID: "room-a"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, []string{"room-a"}, d.Claims.RoomIDs)

	// Public room membership does not confer admin.
	d, err = e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", RoomID: "room-a", Role: RoleRoomAdmin})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestRoomHintPrivateRoomRequiresMembership(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1", RoomID: "room-b"})
	require.NoError(t, err)
	assert.False(t, d.Allow)

	d, err = e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1", RoomID: "room-c"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, []string{"room-c"}, d.Claims.RoomIDs)
}

func TestRoomHintAdminMembership(t *testing.T) {
	src := fixture(model.ConferenceRoleAttendee)
	src.memberships["room-b"] = map[string]string{"reg-1": string(model.RoomPersonAdmin)}
	e := newTestEngine(t, src)

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", RoomID: "room-b", Role: RoleRoomAdmin})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleRoomAdmin, d.Claims.Role)
}

func TestModeratorBypassesRoomMembership(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleModerator))

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", RoomID: "room-b", Role: RoleRoomAdmin})
	require.NoError(t, err)
	require.True(t, d.Allow)
}

func TestSubconferenceRoomDeniedInConferenceScope(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1", RoomID: "room-s"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestForeignRoomDenied(t *testing.T) {
	src := fixture(model.ConferenceRoleOrganizer)
	src.rooms["room-x"] = &model.Room{ID: "room-x", ConferenceID: "conf-other", ManagementMode: model.RoomModePublic}
	e := newTestEngine(t, src)

	d, err := e.Decide(context.Background(), "user-1", Hints{ConferenceID: "conf-1", RoomID: "room-x"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestSubconferenceScopeMembership(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", SubconferenceID: "sub-ext"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleAttendee, d.Claims.Role)
	assert.Equal(t, []string{"sub-ext"}, d.Claims.SubconferenceIDs)
	assert.NotNil(t, d.Claims.RoomIDs)
	assert.Empty(t, d.Claims.RoomIDs)
}

func TestSubconferenceScopeNoMembershipDenied(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", SubconferenceID: "sub-priv"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestSubconferenceScopeElevation(t *testing.T) {
	src := fixture(model.ConferenceRoleAttendee)
	src.registrants["reg-1"].SubconferenceMemberships[0].Role = model.ConferenceRoleOrganizer
	e := newTestEngine(t, src)

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", SubconferenceID: "sub-ext"})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, RoleOrganizer, d.Claims.Role)
}

func TestSubconferenceScopeRoomListing(t *testing.T) {
	e := newTestEngine(t, fixture(model.ConferenceRoleAttendee))

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", SubconferenceID: "sub-ext", IncludeRoomIDs: true})
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.Equal(t, []string{"room-s"}, d.Claims.RoomIDs)
}

func TestConferenceOrganizerBypassInSubconferenceRoom(t *testing.T) {
	src := fixture(model.ConferenceRoleOrganizer)
	src.rooms["room-sp"] = &model.Room{
		ID: "room-sp", ConferenceID: "conf-1", SubconferenceID: "sub-ext",
		ManagementMode: model.RoomModePrivate,
	}
	e := newTestEngine(t, src)

	d, err := e.Decide(context.Background(), "user-1",
		Hints{ConferenceID: "conf-1", SubconferenceID: "sub-ext", RoomID: "room-sp", Role: RoleRoomAdmin})
	require.NoError(t, err)
	require.True(t, d.Allow)
}
