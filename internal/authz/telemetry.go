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
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var decisionsCounter otelmetric.Int64Counter

func init() {
	meter := otel.Meter("github.com/confhall/authgate/internal/authz")

	var err error
	decisionsCounter, err = meter.Int64Counter(
		"authgate.decisions",
		otelmetric.WithDescription("Number of authorization decisions by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create decisions counter: %w", err))
	}
}

func recordDecision(ctx context.Context, d Decision, err error) {
	outcome := "deny"
	switch {
	case err != nil:
		outcome = "error"
	case d.Allow:
		outcome = "allow"
	}
	decisionsCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("role", string(d.Claims.Role)),
	))
}
