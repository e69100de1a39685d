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

package identitydb

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	outboxCheckouts  metric.Int64Counter
	outboxRecovered  metric.Int64Counter
	inboxPopped      metric.Int64Counter
	inboxRecovered   metric.Int64Counter
	queueValidations metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/tenantdb/identitydb")

	var err error
	outboxCheckouts, err = meter.Int64Counter(
		"tenantdb.outbox.checkouts",
		metric.WithDescription("Number of outbox items checked out"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create outbox.checkouts counter: %w", err))
	}

	outboxRecovered, err = meter.Int64Counter(
		"tenantdb.outbox.recovered",
		metric.WithDescription("Number of abandoned outbox checkouts released"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create outbox.recovered counter: %w", err))
	}

	inboxPopped, err = meter.Int64Counter(
		"tenantdb.inbox.popped",
		metric.WithDescription("Number of inbox items popped"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create inbox.popped counter: %w", err))
	}

	inboxRecovered, err = meter.Int64Counter(
		"tenantdb.inbox.recovered",
		metric.WithDescription("Number of abandoned inbox pops released"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create inbox.recovered counter: %w", err))
	}

	queueValidations, err = meter.Int64Counter(
		"tenantdb.queue.rejected",
		metric.WithDescription("Number of queue writes rejected before reaching the store"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.rejected counter: %w", err))
	}
}
