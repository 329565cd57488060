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
	"github.com/confhall/authgate/internal/authapi"
	"github.com/confhall/authgate/internal/authz"
	"github.com/confhall/authgate/internal/cache"
	"github.com/confhall/authgate/internal/entitycache"
	"github.com/confhall/authgate/internal/healthcheck"
	"github.com/confhall/authgate/internal/upstream"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the auth webhook service",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "authgate"
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

			// Start health check server
			healthServer := healthcheck.NewServer(cfg.HealthCheckPort)
			go func() {
				if err := healthServer.Start(doneCtx); err != nil {
					slog.Error("Health check server stopped", slog.Any("error", err))
				}
			}()

			rt := cache.NewRuntime(&cfg.Cache)
			defer func() {
				if err := rt.Close(); err != nil {
					slog.Error("Failed to close cache runtime", slog.Any("error", err))
				}
			}()

			if err := rt.Ping(doneCtx); err != nil {
				slog.Error("Failed to connect to cache store", slog.Any("error", err))
				return fmt.Errorf("failed to connect to cache store: %w", err)
			}
			healthServer.AddProbe("redis", rt.Ping)

			src, err := upstream.Setup(doneCtx, &cfg.Upstream)
			if err != nil {
				slog.Error("Failed to set up upstream source", slog.Any("error", err))
				return fmt.Errorf("failed to set up upstream source: %w", err)
			}

			caches := entitycache.New(rt, src)
			engine := authz.New(caches)
			svc := authapi.New(cfg.AuthAPI, engine, caches)

			// Mark as ready once all services are wired
			healthServer.SetReady(true)

			return svc.Run(doneCtx)
		},
	}

	rootCmd.AddCommand(cmd)
}
