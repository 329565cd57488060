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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/confhall/authgate/internal/model"
)

// PostgresSource reads the same entities straight from the platform
// database, for deployments colocated with it.
type PostgresSource struct {
	pool *pgxpool.Pool
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource connects a bounded pool to databaseURL.
func NewPostgresSource(ctx context.Context, databaseURL string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("upstream: ping database: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}

func (s *PostgresSource) UserByID(ctx context.Context, id string) (*model.User, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT id FROM users WHERE id = $1`, id).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: user %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conference_id FROM registrants WHERE user_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("upstream: user registrants %s: %w", id, err)
	}
	defer rows.Close()

	u := &model.User{ID: userID}
	for rows.Next() {
		var ref model.RegistrantRef
		if err := rows.Scan(&ref.ID, &ref.ConferenceID); err != nil {
			return nil, fmt.Errorf("upstream: user registrants %s: %w", id, err)
		}
		u.Registrants = append(u.Registrants, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upstream: user registrants %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresSource) RegistrantByID(ctx context.Context, id string) (*model.Registrant, error) {
	reg := &model.Registrant{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, conference_role FROM registrants WHERE id = $1`, id).
		Scan(&reg.ID, &reg.ConferenceRole)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: registrant %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, subconference_id, role FROM subconference_memberships WHERE registrant_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("upstream: registrant memberships %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.SubconferenceMembership
		if err := rows.Scan(&m.ID, &m.SubconferenceID, &m.Role); err != nil {
			return nil, fmt.Errorf("upstream: registrant memberships %s: %w", id, err)
		}
		reg.SubconferenceMemberships = append(reg.SubconferenceMemberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upstream: registrant memberships %s: %w", id, err)
	}
	return reg, nil
}

func (s *PostgresSource) ConferenceByID(ctx context.Context, id string) (*model.Conference, error) {
	conf := &model.Conference{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, conference_visibility_level FROM conferences WHERE id = $1`, id).
		Scan(&conf.ID, &conf.VisibilityLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: conference %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM subconferences WHERE conference_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("upstream: conference subconferences %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var scID string
		if err := rows.Scan(&scID); err != nil {
			return nil, fmt.Errorf("upstream: conference subconferences %s: %w", id, err)
		}
		conf.SubconferenceIDs = append(conf.SubconferenceIDs, scID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upstream: conference subconferences %s: %w", id, err)
	}
	return conf, nil
}

func (s *PostgresSource) SubconferenceByID(ctx context.Context, id string) (*model.Subconference, error) {
	sc := &model.Subconference{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, conference_visibility_level FROM subconferences WHERE id = $1`, id).
		Scan(&sc.ID, &sc.VisibilityLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: subconference %s: %w", id, err)
	}
	return sc, nil
}

func (s *PostgresSource) RoomByID(ctx context.Context, id string) (*model.Room, error) {
	room := &model.Room{}
	var subconferenceID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, conference_id, subconference_id, management_mode_name FROM rooms WHERE id = $1`, id).
		Scan(&room.ID, &room.ConferenceID, &subconferenceID, &room.ManagementMode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: room %s: %w", id, err)
	}
	if subconferenceID != nil {
		room.SubconferenceID = *subconferenceID
	}
	return room, nil
}

func (s *PostgresSource) RoomMemberships(ctx context.Context, roomID string) (map[string]string, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("upstream: room memberships %s: %w", roomID, err)
	}
	if !exists {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT registrant_id, person_role_name FROM room_memberships WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("upstream: room memberships %s: %w", roomID, err)
	}
	defer rows.Close()

	return scanIndex(rows, "room memberships", roomID)
}

func (s *PostgresSource) RoomsByConference(ctx context.Context, conferenceID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, management_mode_name FROM rooms WHERE conference_id = $1 AND subconference_id IS NULL`,
		conferenceID)
	if err != nil {
		return nil, fmt.Errorf("upstream: conference rooms %s: %w", conferenceID, err)
	}
	defer rows.Close()

	return scanIndex(rows, "conference rooms", conferenceID)
}

func (s *PostgresSource) RoomsBySubconference(ctx context.Context, subconferenceID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, management_mode_name FROM rooms WHERE subconference_id = $1`, subconferenceID)
	if err != nil {
		return nil, fmt.Errorf("upstream: subconference rooms %s: %w", subconferenceID, err)
	}
	defer rows.Close()

	return scanIndex(rows, "subconference rooms", subconferenceID)
}

func scanIndex(rows pgx.Rows, what, id string) (map[string]string, error) {
	index := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("upstream: %s %s: %w", what, id, err)
		}
		index[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upstream: %s %s: %w", what, id, err)
	}
	return index, nil
}
