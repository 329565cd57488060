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
	"sort"
	"strings"
)

// Role is the logical role a caller may act as. The row-level-security
// layer keys its policies on this value.
type Role string

const (
	RoleUnauthenticated Role = "unauthenticated"
	RoleUser            Role = "user"
	RoleAttendee        Role = "attendee"
	RoleModerator       Role = "moderator"
	RoleOrganizer       Role = "organizer"
	RoleSubmitter       Role = "submitter"
	RoleRoomMember      Role = "room-member"
	RoleRoomAdmin       Role = "room-admin"
)

// Claims is the engine's output: the resolved role plus the scoped id sets
// the data layer filters rows by. Slice claims distinguish nil (claim not
// attached) from empty (attached, empty set).
type Claims struct {
	Role             Role
	UserID           string
	RegistrantIDs    []string
	ConferenceIDs    []string
	SubconferenceIDs []string
	RoomIDs          []string
	MagicToken       string
	InviteCode       string
}

// Session variable names consumed by the data layer.
const (
	VarRole             = "x-hasura-role"
	VarUserID           = "x-hasura-user-id"
	VarRegistrantIDs    = "x-hasura-registrant-ids"
	VarConferenceIDs    = "x-hasura-conference-ids"
	VarSubconferenceIDs = "x-hasura-subconference-ids"
	VarRoomIDs          = "x-hasura-room-ids"
	VarMagicToken       = "x-hasura-magic-token"
	VarInviteCode       = "x-hasura-invite-code"
)

// SessionVariables serializes claims into the flat string map the data
// layer consumes. Array-valued claims are rendered as a Postgres text-array
// literal: brace-delimited, comma-joined, each element quoted.
func SessionVariables(c Claims) map[string]string {
	vars := map[string]string{
		VarRole: string(c.Role),
	}
	if c.UserID != "" {
		vars[VarUserID] = c.UserID
	}
	if c.RegistrantIDs != nil {
		vars[VarRegistrantIDs] = formatIDArray(c.RegistrantIDs)
	}
	if c.ConferenceIDs != nil {
		vars[VarConferenceIDs] = formatIDArray(c.ConferenceIDs)
	}
	if c.SubconferenceIDs != nil {
		vars[VarSubconferenceIDs] = formatIDArray(c.SubconferenceIDs)
	}
	if c.RoomIDs != nil {
		vars[VarRoomIDs] = formatIDArray(c.RoomIDs)
	}
	if c.MagicToken != "" {
		vars[VarMagicToken] = c.MagicToken
	}
	if c.InviteCode != "" {
		vars[VarInviteCode] = c.InviteCode
	}
	return vars
}

func formatIDArray(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteByte('{')
	for i, id := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(id)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
