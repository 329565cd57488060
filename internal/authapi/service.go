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

// Package authapi exposes the authorization engine as the auth webhook the
// data layer calls on every request, plus an invalidation endpoint for
// upstream mutation events.
package authapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/confhall/authgate/internal/authz"
)

// Config holds the webhook server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr"`

	// JWTSecret is the HMAC key access tokens are signed with.
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTAudience, when set, must match the token's aud claim.
	JWTAudience string `mapstructure:"jwt_audience"`

	// InvalidateSecret authenticates calls to the invalidation endpoint.
	InvalidateSecret string `mapstructure:"invalidate_secret"`

	// VerifyCacheTTL bounds how long a verified token is remembered
	// without re-checking the signature.
	VerifyCacheTTL time.Duration `mapstructure:"verify_cache_ttl"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		VerifyCacheTTL:  time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// decider is the slice of the engine the webhook needs.
type decider interface {
	Decide(ctx context.Context, userID string, h authz.Hints) (authz.Decision, error)
}

// invalidator is the slice of the cache provider the invalidation
// endpoint needs.
type invalidator interface {
	Invalidate(ctx context.Context, entity, id string) error
}

// Service is the webhook HTTP server.
type Service struct {
	cfg      Config
	engine   decider
	caches   invalidator
	verifier *tokenVerifier
	server   *http.Server
}

// New builds the service. The engine and cache provider are required; the
// verifier is constructed from cfg.
func New(cfg Config, engine decider, caches invalidator) *Service {
	if cfg.VerifyCacheTTL <= 0 {
		cfg.VerifyCacheTTL = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Service{
		cfg:      cfg,
		engine:   engine,
		caches:   caches,
		verifier: newTokenVerifier([]byte(cfg.JWTSecret), cfg.JWTAudience, cfg.VerifyCacheTTL),
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/auth", s.handleAuth)
	mux.HandleFunc("/webhook/invalidate", s.handleInvalidate)
	return mux
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Service) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting auth webhook server", slog.String("addr", s.cfg.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.verifier.stop()
		return fmt.Errorf("auth webhook server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Stopping auth webhook server")
	s.verifier.stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
