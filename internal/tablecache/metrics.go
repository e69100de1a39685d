// Copyright (C) 2025 CardinalHQ, Inc
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

package tablecache

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheInvalidations metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/tenantdb/internal/tablecache")

	var err error
	cacheHits, err = meter.Int64Counter(
		"tenantdb.tablecache.hits",
		metric.WithDescription("Number of table cache lookups served from the cache"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create tablecache.hits counter: %w", err))
	}

	cacheMisses, err = meter.Int64Counter(
		"tenantdb.tablecache.misses",
		metric.WithDescription("Number of table cache lookups that ran the loader"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create tablecache.misses counter: %w", err))
	}

	cacheInvalidations, err = meter.Int64Counter(
		"tenantdb.tablecache.invalidations",
		metric.WithDescription("Number of table cache invalidation calls"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create tablecache.invalidations counter: %w", err))
	}
}
