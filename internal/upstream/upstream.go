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

// Package upstream reads entity snapshots from the platform's data source.
// All operations are read-only lookups by primary key; the engine performs
// no upstream writes. Two providers exist: the GraphQL API the platform
// fronts its database with, and a direct database connection for
// deployments where the service runs adjacent to it.
package upstream

import (
	"context"
	"log/slog"

	"github.com/confhall/authgate/internal/model"
)

// Source is the upstream read contract consumed by the domain caches.
// Lookup methods return (nil, nil) when the item is confirmed absent; the
// cache layer stores that as a negative entry.
type Source interface {
	UserByID(ctx context.Context, id string) (*model.User, error)
	RegistrantByID(ctx context.Context, id string) (*model.Registrant, error)
	ConferenceByID(ctx context.Context, id string) (*model.Conference, error)
	SubconferenceByID(ctx context.Context, id string) (*model.Subconference, error)
	RoomByID(ctx context.Context, id string) (*model.Room, error)

	// RoomMemberships returns registrant id → person role for one room, or
	// nil when the room is unknown upstream.
	RoomMemberships(ctx context.Context, roomID string) (map[string]string, error)

	// RoomsByConference returns room id → management mode for the
	// conference-level rooms of one conference.
	RoomsByConference(ctx context.Context, conferenceID string) (map[string]string, error)

	// RoomsBySubconference returns room id → management mode for the rooms
	// of one subconference.
	RoomsBySubconference(ctx context.Context, subconferenceID string) (map[string]string, error)
}

// Config holds the upstream connection configuration.
type Config struct {
	// GraphQLURL is the platform API endpoint, e.g.
	// http://localhost:8080/v1/graphql.
	GraphQLURL string `mapstructure:"graphql_url"`

	// AdminSecret authorizes the service's read-only queries.
	AdminSecret string `mapstructure:"admin_secret"`

	// DatabaseURL, when set, bypasses the GraphQL API and reads the same
	// tables directly.
	DatabaseURL string `mapstructure:"database_url"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		GraphQLURL: "http://localhost:8080/v1/graphql",
	}
}

// Setup picks the upstream provider: direct database when a URL is
// configured, the GraphQL API otherwise.
func Setup(ctx context.Context, cfg *Config) (Source, error) {
	if cfg.DatabaseURL != "" {
		src, err := NewPostgresSource(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("Using direct database upstream source")
		return src, nil
	}
	slog.Info("Using GraphQL upstream source", slog.String("url", cfg.GraphQLURL))
	return NewGraphQLSource(cfg), nil
}
