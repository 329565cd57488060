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

// Package authz resolves an authenticated identity and a bag of unverified
// request hints into the claims the row-level-security layer enforces.
//
// A denial is a well-formed outcome, not an error: Decide returns
// (Decision{Allow: false}, nil) when no claims could be established.
// Errors mean the authorization subsystem itself failed (upstream fetch,
// cache store, lock acquisition) and must surface as server errors, never
// as denials, so operators can tell "correctly refused" from "broken".
package authz

import (
	"context"

	"github.com/confhall/authgate/internal/entitycache"
	"github.com/confhall/authgate/internal/model"
)

// Hints are the unverified request parameters accompanying a decision
// call. Shape validation happens at the transport boundary; the engine
// treats them as untrusted lookup keys only.
type Hints struct {
	ConferenceID    string
	SubconferenceID string
	RoomID          string
	MagicToken      string
	InviteCode      string

	// Role is the requested role. When set it must be reachable or the
	// decision is a denial; when reachable it becomes the role claim even
	// if a higher role was resolved.
	Role Role

	// IncludeRoomIDs asks for the set of browsable room ids in scope.
	IncludeRoomIDs bool
}

// Decision is the engine's outcome. Claims is meaningful only when Allow
// is true.
type Decision struct {
	Allow  bool
	Claims Claims
}

// Engine is the authorization decision point. It is stateless between
// calls; all state lives in the domain caches.
type Engine struct {
	caches *entitycache.Provider
}

// New builds an engine over the domain caches.
func New(caches *entitycache.Provider) *Engine {
	return &Engine{caches: caches}
}

type roleSet map[Role]struct{}

func roles(rs ...Role) roleSet {
	set := make(roleSet, len(rs))
	for _, r := range rs {
		set[r] = struct{}{}
	}
	return set
}

func (s roleSet) add(rs ...Role) {
	for _, r := range rs {
		s[r] = struct{}{}
	}
}

func (s roleSet) has(r Role) bool {
	_, ok := s[r]
	return ok
}

// conclude applies the requested-role gate and finalizes an allow.
func conclude(claims Claims, allowed roleSet, requested Role) Decision {
	if requested != "" {
		if !allowed.has(requested) {
			return Decision{}
		}
		claims.Role = requested
	}
	return Decision{Allow: true, Claims: claims}
}

// Decide resolves one request. userID is the verified identity ("" for
// anonymous callers); h carries the unverified hints.
func (e *Engine) Decide(ctx context.Context, userID string, h Hints) (Decision, error) {
	d, err := e.decide(ctx, userID, h)
	recordDecision(ctx, d, err)
	return d, err
}

func (e *Engine) decide(ctx context.Context, userID string, h Hints) (Decision, error) {
	switch {
	case h.MagicToken != "":
		// Magic-link access: a narrow submitter grant scoped to the token,
		// no identity lookup.
		return conclude(
			Claims{Role: RoleSubmitter, MagicToken: h.MagicToken},
			roles(RoleSubmitter), h.Role), nil

	case h.InviteCode != "":
		return conclude(
			Claims{Role: RoleUnauthenticated, InviteCode: h.InviteCode},
			roles(RoleUnauthenticated), h.Role), nil

	case userID == "":
		return e.decideAnonymous(ctx, h)

	default:
		return e.decideUser(ctx, userID, h)
	}
}

func (e *Engine) decideAnonymous(ctx context.Context, h Hints) (Decision, error) {
	claims := Claims{Role: RoleUnauthenticated}

	if h.ConferenceID != "" {
		conf, err := e.caches.Conferences.Get(ctx, h.ConferenceID)
		if err != nil {
			return Decision{}, err
		}
		if conf != nil && conf.VisibilityLevel == model.VisibilityPublic {
			claims.ConferenceIDs = []string{conf.ID}

			// Each subconference's own visibility flag governs its
			// exposure; a Public parent grants nothing.
			visible := []string{}
			for _, scID := range conf.SubconferenceIDs {
				sc, err := e.caches.Subconferences.Get(ctx, scID)
				if err != nil {
					return Decision{}, err
				}
				if sc != nil && sc.VisibilityLevel == model.VisibilityPublic {
					visible = append(visible, sc.ID)
				}
			}
			claims.SubconferenceIDs = visible
		}
	}

	return conclude(claims, roles(RoleUnauthenticated), h.Role), nil
}

func (e *Engine) decideUser(ctx context.Context, userID string, h Hints) (Decision, error) {
	user, err := e.caches.Users.Get(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if user == nil {
		return Decision{}, nil
	}

	allowed := roles(RoleUser)

	if h.ConferenceID == "" {
		registrantIDs := make([]string, 0, len(user.Registrants))
		for _, ref := range user.Registrants {
			registrantIDs = append(registrantIDs, ref.ID)
		}
		claims := Claims{Role: RoleUser, UserID: user.ID, RegistrantIDs: registrantIDs}
		return conclude(claims, allowed, h.Role), nil
	}

	var ref *model.RegistrantRef
	for i := range user.Registrants {
		if user.Registrants[i].ConferenceID == h.ConferenceID {
			ref = &user.Registrants[i]
			break
		}
	}
	if ref == nil {
		return Decision{}, nil
	}

	reg, err := e.caches.Registrants.Get(ctx, ref.ID)
	if err != nil {
		return Decision{}, err
	}
	conf, err := e.caches.Conferences.Get(ctx, h.ConferenceID)
	if err != nil {
		return Decision{}, err
	}
	if reg == nil || conf == nil {
		return Decision{}, nil
	}

	if h.SubconferenceID != "" {
		return e.decideSubconferenceScope(ctx, user, reg, conf, h, allowed)
	}
	return e.decideConferenceScope(ctx, user, reg, conf, h, allowed)
}

func (e *Engine) decideConferenceScope(ctx context.Context, user *model.User, reg *model.Registrant, conf *model.Conference, h Hints, allowed roleSet) (Decision, error) {
	highest := elevate(allowed, reg.ConferenceRole)

	available, err := e.availableSubconferences(ctx, conf, reg.ConferenceRole == model.ConferenceRoleOrganizer)
	if err != nil {
		return Decision{}, err
	}

	claims := Claims{
		Role:             highest,
		UserID:           user.ID,
		RegistrantIDs:    []string{reg.ID},
		ConferenceIDs:    []string{conf.ID},
		SubconferenceIDs: available,
	}

	scope := roomScope{
		registrantID: reg.ID,
		conferenceID: conf.ID,
		elevated: reg.ConferenceRole == model.ConferenceRoleModerator ||
			reg.ConferenceRole == model.ConferenceRoleOrganizer,
	}

	switch {
	case h.RoomID != "":
		granted, err := e.resolveRoomAccess(ctx, scope, h.RoomID, allowed, &claims)
		if err != nil || !granted {
			return Decision{}, err
		}

	case h.IncludeRoomIDs:
		index, err := e.mergedRoomIndex(ctx, conf.ID, available)
		if err != nil {
			return Decision{}, err
		}
		granted, err := e.attachVisibleRooms(ctx, scope, index, h.Role, allowed, &claims)
		if err != nil || !granted {
			return Decision{}, err
		}

	default:
		claims.RoomIDs = []string{}
	}

	return conclude(claims, allowed, h.Role), nil
}

func (e *Engine) decideSubconferenceScope(ctx context.Context, user *model.User, reg *model.Registrant, conf *model.Conference, h Hints, allowed roleSet) (Decision, error) {
	var membership *model.SubconferenceMembership
	for i := range reg.SubconferenceMemberships {
		if reg.SubconferenceMemberships[i].SubconferenceID == h.SubconferenceID {
			membership = &reg.SubconferenceMemberships[i]
			break
		}
	}
	if membership == nil {
		return Decision{}, nil
	}

	highest := elevate(allowed, membership.Role)

	claims := Claims{
		Role:             highest,
		UserID:           user.ID,
		RegistrantIDs:    []string{reg.ID},
		ConferenceIDs:    []string{conf.ID},
		SubconferenceIDs: []string{membership.SubconferenceID},
	}

	scope := roomScope{
		registrantID:    reg.ID,
		conferenceID:    conf.ID,
		subconferenceID: membership.SubconferenceID,
		elevated: membership.Role == model.ConferenceRoleModerator ||
			membership.Role == model.ConferenceRoleOrganizer ||
			reg.ConferenceRole == model.ConferenceRoleOrganizer,
	}

	switch {
	case h.RoomID != "":
		granted, err := e.resolveRoomAccess(ctx, scope, h.RoomID, allowed, &claims)
		if err != nil || !granted {
			return Decision{}, err
		}

	case h.IncludeRoomIDs:
		index, err := e.caches.SubconferenceRooms.Get(ctx, membership.SubconferenceID)
		if err != nil {
			return Decision{}, err
		}
		granted, err := e.attachVisibleRooms(ctx, scope, index, h.Role, allowed, &claims)
		if err != nil || !granted {
			return Decision{}, err
		}

	default:
		claims.RoomIDs = []string{}
	}

	return conclude(claims, allowed, h.Role), nil
}

// elevate records the roles reachable from a conference or subconference
// role and returns the highest, which becomes the default role claim.
func elevate(allowed roleSet, role model.ConferenceRole) Role {
	allowed.add(RoleAttendee)
	switch role {
	case model.ConferenceRoleModerator:
		allowed.add(RoleModerator)
		return RoleModerator
	case model.ConferenceRoleOrganizer:
		allowed.add(RoleModerator, RoleOrganizer)
		return RoleOrganizer
	default:
		return RoleAttendee
	}
}

// availableSubconferences computes the subconference ids in scope for a
// conference-level caller. Organizers see all; everyone else sees those
// whose own visibility is Public or External, looked up individually.
func (e *Engine) availableSubconferences(ctx context.Context, conf *model.Conference, organizer bool) ([]string, error) {
	if organizer {
		return append([]string{}, conf.SubconferenceIDs...), nil
	}

	available := []string{}
	for _, scID := range conf.SubconferenceIDs {
		sc, err := e.caches.Subconferences.Get(ctx, scID)
		if err != nil {
			return nil, err
		}
		if sc == nil {
			continue
		}
		if sc.VisibilityLevel == model.VisibilityPublic || sc.VisibilityLevel == model.VisibilityExternal {
			available = append(available, sc.ID)
		}
	}
	return available, nil
}

// mergedRoomIndex unions the conference's room index with the indexes of
// every available subconference.
func (e *Engine) mergedRoomIndex(ctx context.Context, conferenceID string, subconferenceIDs []string) (map[string]string, error) {
	index, err := e.caches.ConferenceRooms.Get(ctx, conferenceID)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string, len(index))
	for id, mode := range index {
		merged[id] = mode
	}
	for _, scID := range subconferenceIDs {
		scIndex, err := e.caches.SubconferenceRooms.Get(ctx, scID)
		if err != nil {
			return nil, err
		}
		for id, mode := range scIndex {
			merged[id] = mode
		}
	}
	return merged, nil
}
