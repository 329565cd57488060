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

// Package model holds the immutable entity snapshots the authorization
// engine operates on. Entities are refreshed on a TTL by the cache layer,
// never live-updated.
package model

// VisibilityLevel is the exposure tier of a conference or subconference.
// A subconference's level is independently settable and is never inherited
// from its parent conference.
type VisibilityLevel string

const (
	VisibilityPublic     VisibilityLevel = "PUBLIC"
	VisibilityPublicOnly VisibilityLevel = "PUBLIC_ONLY"
	VisibilityExternal   VisibilityLevel = "EXTERNAL"
	VisibilityInternal   VisibilityLevel = "INTERNAL"
	VisibilityPrivate    VisibilityLevel = "PRIVATE"
)

// ConferenceRole is a registrant's role within one conference or
// subconference.
type ConferenceRole string

const (
	ConferenceRoleAttendee  ConferenceRole = "ATTENDEE"
	ConferenceRoleModerator ConferenceRole = "MODERATOR"
	ConferenceRoleOrganizer ConferenceRole = "ORGANIZER"
)

// RoomManagementMode is the per-room access policy. Only PUBLIC rooms are
// accessible without an explicit membership lookup.
type RoomManagementMode string

const (
	RoomModePublic  RoomManagementMode = "PUBLIC"
	RoomModePrivate RoomManagementMode = "PRIVATE"
	RoomModeManaged RoomManagementMode = "MANAGED"
	RoomModeDM      RoomManagementMode = "DM"
)

// RoomPersonRole is a registrant's role within one room.
type RoomPersonRole string

const (
	RoomPersonAdmin       RoomPersonRole = "ADMIN"
	RoomPersonParticipant RoomPersonRole = "PARTICIPANT"
)

// RegistrantRef links a user to one of their registrant records.
type RegistrantRef struct {
	ID           string `json:"id"`
	ConferenceID string `json:"conferenceId"`
}

// User is the root of identity. A user holds one registrant per conference
// they belong to.
type User struct {
	ID          string          `json:"id"`
	Registrants []RegistrantRef `json:"registrants"`
}

// SubconferenceMembership is a registrant's membership in one subconference.
type SubconferenceMembership struct {
	ID              string         `json:"id"`
	SubconferenceID string         `json:"subconferenceId"`
	Role            ConferenceRole `json:"role"`
}

// Registrant is a user's membership record within one conference.
type Registrant struct {
	ID                       string                    `json:"id"`
	ConferenceRole           ConferenceRole            `json:"conferenceRole"`
	SubconferenceMemberships []SubconferenceMembership `json:"subconferenceMemberships"`
}

// Conference is a top-level tenant scope.
type Conference struct {
	ID               string          `json:"id"`
	VisibilityLevel  VisibilityLevel `json:"conferenceVisibilityLevel"`
	SubconferenceIDs []string        `json:"subconferenceIds"`
}

// Subconference is a nested tenant scope with its own visibility level.
type Subconference struct {
	ID              string          `json:"id"`
	VisibilityLevel VisibilityLevel `json:"conferenceVisibilityLevel"`
}

// Room belongs to a conference and optionally to one of its subconferences.
// SubconferenceID is empty for conference-level rooms.
type Room struct {
	ID              string             `json:"id"`
	ConferenceID    string             `json:"conferenceId"`
	SubconferenceID string             `json:"subconferenceId,omitempty"`
	ManagementMode  RoomManagementMode `json:"managementModeName"`
}
