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

package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/confhall/authgate/internal/model"
)

// uuidValue makes by-pk variables carry the uuid GraphQL type instead of
// String!.
type uuidValue string

func (uuidValue) GetGraphQLType() string { return "uuid" }

// GraphQLSource reads entities through the platform's GraphQL API using the
// service's admin secret.
type GraphQLSource struct {
	client *graphql.Client
}

var _ Source = (*GraphQLSource)(nil)

// NewGraphQLSource builds a Source over cfg.GraphQLURL.
func NewGraphQLSource(cfg *Config) *GraphQLSource {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	client := graphql.NewClient(cfg.GraphQLURL, httpClient)
	if cfg.AdminSecret != "" {
		secret := cfg.AdminSecret
		client = client.WithRequestModifier(func(r *http.Request) {
			r.Header.Set("x-hasura-admin-secret", secret)
		})
	}
	return &GraphQLSource{client: client}
}

func (s *GraphQLSource) UserByID(ctx context.Context, id string) (*model.User, error) {
	var q struct {
		User *struct {
			ID          string `graphql:"id"`
			Registrants []struct {
				ID           string `graphql:"id"`
				ConferenceID string `graphql:"conferenceId"`
			} `graphql:"registrants"`
		} `graphql:"user_by_pk(id: $id)"`
	}
	if err := s.client.Query(ctx, &q, map[string]any{"id": uuidValue(id)}); err != nil {
		return nil, fmt.Errorf("upstream: user %s: %w", id, err)
	}
	if q.User == nil {
		return nil, nil
	}
	u := &model.User{ID: q.User.ID}
	for _, r := range q.User.Registrants {
		u.Registrants = append(u.Registrants, model.RegistrantRef{ID: r.ID, ConferenceID: r.ConferenceID})
	}
	return u, nil
}

func (s *GraphQLSource) RegistrantByID(ctx context.Context, id string) (*model.Registrant, error) {
	var q struct {
		Registrant *struct {
			ID             string `graphql:"id"`
			ConferenceRole string `graphql:"conferenceRole"`
			Memberships    []struct {
				ID              string `graphql:"id"`
				SubconferenceID string `graphql:"subconferenceId"`
				Role            string `graphql:"role"`
			} `graphql:"subconferenceMemberships"`
		} `graphql:"registrant_by_pk(id: $id)"`
	}
	if err := s.client.Query(ctx, &q, map[string]any{"id": uuidValue(id)}); err != nil {
		return nil, fmt.Errorf("upstream: registrant %s: %w", id, err)
	}
	if q.Registrant == nil {
		return nil, nil
	}
	reg := &model.Registrant{
		ID:             q.Registrant.ID,
		ConferenceRole: model.ConferenceRole(q.Registrant.ConferenceRole),
	}
	for _, m := range q.Registrant.Memberships {
		reg.SubconferenceMemberships = append(reg.SubconferenceMemberships, model.SubconferenceMembership{
			ID:              m.ID,
			SubconferenceID: m.SubconferenceID,
			Role:            model.ConferenceRole(m.Role),
		})
	}
	return reg, nil
}

func (s *GraphQLSource) ConferenceByID(ctx context.Context, id string) (*model.Conference, error) {
	var q struct {
		Conference *struct {
			ID              string `graphql:"id"`
			VisibilityLevel string `graphql:"conferenceVisibilityLevel"`
			Subconferences  []struct {
				ID string `graphql:"id"`
			} `graphql:"subconferences"`
		} `graphql:"conference_by_pk(id: $id)"`
	}
	if err := s.client.Query(ctx, &q, map[string]any{"id": uuidValue(id)}); err != nil {
		return nil, fmt.Errorf("upstream: conference %s: %w", id, err)
	}
	if q.Conference == nil {
		return nil, nil
	}
	conf := &model.Conference{
		ID:              q.Conference.ID,
		VisibilityLevel: model.VisibilityLevel(q.Conference.VisibilityLevel),
	}
	for _, sc := range q.Conference.Subconferences {
		conf.SubconferenceIDs = append(conf.SubconferenceIDs, sc.ID)
	}
	return conf, nil
}

func (s *GraphQLSource) SubconferenceByID(ctx context.Context, id string) (*model.Subconference, error) {
	var q struct {
		Subconference *struct {
			ID              string `graphql:"id"`
			VisibilityLevel string `graphql:"conferenceVisibilityLevel"`
		} `graphql:"subconference_by_pk(id: $id)"`
	}
	if err := s.client.Query(ctx, &q, map[string]any{"id": uuidValue(id)}); err != nil {
		return nil, fmt.Errorf("upstream: subconference %s: %w", id, err)
	}
	if q.Subconference == nil {
		return nil, nil
	}
	return &model.Subconference{
		ID:              q.Subconference.ID,
		VisibilityLevel: model.VisibilityLevel(q.Subconference.VisibilityLevel),
	}, nil
}

func (s *GraphQLSource) RoomByID(ctx context.Context, id string) (*model.Room, error) {
	var q struct {
		Room *struct {
			ID              string  `graphql:"id"`
			ConferenceID    string  `graphql:"conferenceId"`
			SubconferenceID *string `graphql:"subconferenceId"`
			ManagementMode  string  `graphql:"managementModeName"`
		} `graphql:"room_by_pk(id: $id)"`
	}
	if err := s.client.Query(ctx, &q, map[string]any{"id": uuidValue(id)}); err != nil {
		return nil, fmt.Errorf("upstream: room %s: %w", id, err)
	}
	if q.Room == nil {
		return nil, nil
	}
	room := &model.Room{
		ID:             q.Room.ID,
		ConferenceID:   q.Room.ConferenceID,
		ManagementMode: model.RoomManagementMode(q.Room.ManagementMode),
	}
	if q.Room.SubconferenceID != nil {
		room.SubconferenceID = *q.Room.SubconferenceID
	}
	return room, nil
}

func (s *GraphQLSource) RoomMemberships(ctx context.Context, roomID string) (map[string]string, error) {
	var q struct {
		Room *struct {
			ID          string `graphql:"id"`
			Memberships []struct {
				RegistrantID string `graphql:"registrantId"`
				PersonRole   string `graphql:"personRoleName"`
			} `graphql:"memberships"`
		} `graphql:"room_by_pk(id: $id)"`
	}
	if err := s.client.Query(ctx, &q, map[string]any{"id": uuidValue(roomID)}); err != nil {
		return nil, fmt.Errorf("upstream: room memberships %s: %w", roomID, err)
	}
	if q.Room == nil {
		return nil, nil
	}
	members := make(map[string]string, len(q.Room.Memberships))
	for _, m := range q.Room.Memberships {
		members[m.RegistrantID] = m.PersonRole
	}
	return members, nil
}

func (s *GraphQLSource) RoomsByConference(ctx context.Context, conferenceID string) (map[string]string, error) {
	var q struct {
		Rooms []struct {
			ID             string `graphql:"id"`
			ManagementMode string `graphql:"managementModeName"`
		} `graphql:"rooms(where: {conferenceId: {_eq: $conferenceId}, subconferenceId: {_is_null: true}})"`
	}
	if err := s.client.Query(ctx, &q, map[string]any{"conferenceId": uuidValue(conferenceID)}); err != nil {
		return nil, fmt.Errorf("upstream: conference rooms %s: %w", conferenceID, err)
	}
	return roomIndex(q.Rooms), nil
}

func (s *GraphQLSource) RoomsBySubconference(ctx context.Context, subconferenceID string) (map[string]string, error) {
	var q struct {
		Rooms []struct {
			ID             string `graphql:"id"`
			ManagementMode string `graphql:"managementModeName"`
		} `graphql:"rooms(where: {subconferenceId: {_eq: $subconferenceId}})"`
	}
	if err := s.client.Query(ctx, &q, map[string]any{"subconferenceId": uuidValue(subconferenceID)}); err != nil {
		return nil, fmt.Errorf("upstream: subconference rooms %s: %w", subconferenceID, err)
	}
	return roomIndex(q.Rooms), nil
}

func roomIndex(rooms []struct {
	ID             string `graphql:"id"`
	ManagementMode string `graphql:"managementModeName"`
}) map[string]string {
	index := make(map[string]string, len(rooms))
	for _, r := range rooms {
		index[r.ID] = r.ManagementMode
	}
	return index
}
