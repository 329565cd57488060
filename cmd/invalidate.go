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

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/confhall/authgate/config"
	"github.com/confhall/authgate/internal/cache"
	"github.com/confhall/authgate/internal/entitycache"
	"github.com/confhall/authgate/internal/upstream"
)

func init() {
	var entity, id string

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "drop one cached entity entry",
		Long:  `Delete a cached entity from the shared cache so the next decision re-reads it upstream. Useful when an upstream mutation event was missed.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "authgate-invalidate"
			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			rt := cache.NewRuntime(&cfg.Cache)
			defer func() {
				if err := rt.Close(); err != nil {
					slog.Error("Failed to close cache runtime", slog.Any("error", err))
				}
			}()

			if err := rt.Ping(doneCtx); err != nil {
				return fmt.Errorf("failed to connect to cache store: %w", err)
			}

			src, err := upstream.Setup(doneCtx, &cfg.Upstream)
			if err != nil {
				return fmt.Errorf("failed to set up upstream source: %w", err)
			}

			caches := entitycache.New(rt, src)
			if err := caches.Invalidate(doneCtx, entity, id); err != nil {
				return err
			}

			slog.Info("Cache entry invalidated", slog.String("entity", entity), slog.String("id", id))
			return nil
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "entity name (user, registrant, conference, subconference, room, roomMembership, conferenceRooms, subconferenceRooms)")
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("id")

	rootCmd.AddCommand(cmd)
}
