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

package authapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/confhall/authgate/internal/authz"
	"github.com/confhall/authgate/internal/entitycache"
)

// Hint headers the webhook reads off the proxied request.
const (
	HeaderConferenceID    = "x-auth-conference-id"
	HeaderSubconferenceID = "x-auth-subconference-id"
	HeaderRoomID          = "x-auth-room-id"
	HeaderMagicToken      = "x-auth-magic-token"
	HeaderInviteCode      = "x-auth-invite-code"
	HeaderRole            = "x-auth-role"
	HeaderIncludeRoomIDs  = "x-auth-include-room-ids"

	headerAdminSecret = "x-auth-admin-secret"
)

// uuidHeader reads an id hint and rejects anything that is not a UUID, so
// malformed ids fail fast instead of becoming cache keys.
func uuidHeader(r *http.Request, name string) (string, error) {
	v := r.Header.Get(name)
	if v == "" {
		return "", nil
	}
	if _, err := uuid.Parse(v); err != nil {
		return "", fmt.Errorf("header %s: %w", name, err)
	}
	return v, nil
}

func hintsFromRequest(r *http.Request) (authz.Hints, error) {
	var h authz.Hints
	var err error

	if h.ConferenceID, err = uuidHeader(r, HeaderConferenceID); err != nil {
		return h, err
	}
	if h.SubconferenceID, err = uuidHeader(r, HeaderSubconferenceID); err != nil {
		return h, err
	}
	if h.RoomID, err = uuidHeader(r, HeaderRoomID); err != nil {
		return h, err
	}

	h.MagicToken = r.Header.Get(HeaderMagicToken)
	h.InviteCode = r.Header.Get(HeaderInviteCode)
	h.Role = authz.Role(r.Header.Get(HeaderRole))
	h.IncludeRoomIDs = strings.EqualFold(r.Header.Get(HeaderIncludeRoomIDs), "true")
	return h, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", slog.Any("error", err))
	}
}

func (s *Service) handleAuth(w http.ResponseWriter, r *http.Request) {
	hints, err := hintsFromRequest(r)
	if err != nil {
		slog.Debug("Rejecting malformed hint", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// No Authorization header means an anonymous caller; a header that
	// fails verification is an outright rejection, not a downgrade.
	userID := ""
	if raw := bearerToken(r); raw != "" {
		userID, err = s.verifier.userID(raw)
		if err != nil {
			slog.Debug("Rejecting unverifiable token", slog.Any("error", err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	d, err := s.engine.Decide(r.Context(), userID, hints)
	if err != nil {
		// Infrastructure failures must not read as denials: the data
		// layer retries a 5xx but treats 401 as final.
		slog.Error("Authorization decision failed",
			slog.String("userID", userID), slog.Any("error", err))
		http.Error(w, "authorization unavailable", http.StatusInternalServerError)
		return
	}
	if !d.Allow {
		slog.Info("Authorization denied",
			slog.String("userID", userID),
			slog.String("conferenceID", hints.ConferenceID),
			slog.String("requestedRole", string(hints.Role)))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, authz.SessionVariables(d.Claims))
}

type invalidateRequest struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.InvalidateSecret == "" ||
		subtle.ConstantTimeCompare([]byte(r.Header.Get(headerAdminSecret)), []byte(s.cfg.InvalidateSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Entity == "" || req.ID == "" {
		http.Error(w, "entity and id are required", http.StatusBadRequest)
		return
	}

	if err := s.caches.Invalidate(r.Context(), req.Entity, req.ID); err != nil {
		if errors.Is(err, entitycache.ErrUnknownEntity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Cache invalidation failed",
			slog.String("entity", req.Entity), slog.String("id", req.ID),
			slog.Any("error", err))
		http.Error(w, "invalidation failed", http.StatusInternalServerError)
		return
	}

	slog.Info("Cache entry invalidated",
		slog.String("entity", req.Entity), slog.String("id", req.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
