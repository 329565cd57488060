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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGraphQL answers any query whose text contains a key of data with that
// key's payload.
func stubGraphQL(t *testing.T, data map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		for field, payload := range data {
			if strings.Contains(req.Query, field) {
				w.Header().Set("Content-Type", "application/json")
				require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
					"data": map[string]any{field: payload},
				}))
				return
			}
		}
		t.Fatalf("unexpected query: %s", req.Query)
	}))
}

func TestGraphQLUserByID(t *testing.T) {
	srv := stubGraphQL(t, map[string]any{
		"user_by_pk": map[string]any{
			"id": "user-1",
			"registrants": []map[string]any{
				{"id": "reg-1", "conferenceId": "conf-1"},
				{"id": "reg-2", "conferenceId": "conf-2"},
			},
		},
	})
	defer srv.Close()

	src := NewGraphQLSource(&Config{GraphQLURL: srv.URL})
	u, err := src.UserByID(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "user-1", u.ID)
	require.Len(t, u.Registrants, 2)
	assert.Equal(t, "conf-2", u.Registrants[1].ConferenceID)
}

func TestGraphQLAbsentUserIsNil(t *testing.T) {
	srv := stubGraphQL(t, map[string]any{"user_by_pk": nil})
	defer srv.Close()

	src := NewGraphQLSource(&Config{GraphQLURL: srv.URL})
	u, err := src.UserByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestGraphQLRoomsByConference(t *testing.T) {
	srv := stubGraphQL(t, map[string]any{
		"rooms": []map[string]any{
			{"id": "room-1", "managementModeName": "PUBLIC"},
			{"id": "room-2", "managementModeName": "PRIVATE"},
		},
	})
	defer srv.Close()

	src := NewGraphQLSource(&Config{GraphQLURL: srv.URL})
	index, err := src.RoomsByConference(context.Background(), "conf-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"room-1": "PUBLIC", "room-2": "PRIVATE"}, index)
}

func TestGraphQLRoomMembershipsAbsentRoom(t *testing.T) {
	srv := stubGraphQL(t, map[string]any{"room_by_pk": nil})
	defer srv.Close()

	src := NewGraphQLSource(&Config{GraphQLURL: srv.URL})
	members, err := src.RoomMemberships(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, members)
}
