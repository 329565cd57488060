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

package cache

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	cacheHits     otelmetric.Int64Counter
	cacheMisses   otelmetric.Int64Counter
	fetchDuration otelmetric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/confhall/authgate/internal/cache")

	var err error
	cacheHits, err = meter.Int64Counter(
		"authgate.cache.hits",
		otelmetric.WithDescription("Number of cache reads answered without an upstream fetch"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.hits counter: %w", err))
	}

	cacheMisses, err = meter.Int64Counter(
		"authgate.cache.misses",
		otelmetric.WithDescription("Number of cache reads that found no entry"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.misses counter: %w", err))
	}

	fetchDuration, err = meter.Float64Histogram(
		"authgate.cache.fetch.duration",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("The duration in seconds of upstream fetches"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.fetch.duration histogram: %w", err))
	}
}

func cacheAttrs(name string) otelmetric.MeasurementOption {
	return otelmetric.WithAttributes(attribute.String("cache", name))
}
