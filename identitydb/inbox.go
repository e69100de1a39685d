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
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/tenantdb/internal/idgen"
	"github.com/cardinalhq/tenantdb/internal/logctx"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

// Inbox is the per-tenant, per-box receive queue. Batches are popped under
// one stamp and later committed (deleted) or cancelled (released).
type Inbox struct {
	tenantTable
	now func() time.Time
}

func NewInbox(factory *uow.Factory, tenant TenantID) *Inbox {
	return &Inbox{
		tenantTable: tenantTable{factory: factory, tenant: tenant},
		now:         time.Now,
	}
}

func (b *Inbox) writeParams(ctx context.Context, item *InboxRecord) (InboxWriteParams, error) {
	if item.BoxID == uuid.Nil || item.FileID == uuid.Nil {
		queueValidations.Add(ctx, 1, metric.WithAttributes(attribute.String("table", "inbox")))
		return InboxWriteParams{}, fmt.Errorf("%w: box and file ids are required", ErrMissingField)
	}
	ts := item.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}
	cid := item.CorrelationID
	if cid == "" {
		cid = logctx.CorrelationID(ctx)
	}
	if cid == "" {
		cid = idgen.NewCorrelationID()
	}
	return InboxWriteParams{
		IdentityID:    b.tenant.UUID(),
		BoxID:         item.BoxID,
		FileID:        item.FileID,
		Priority:      item.Priority,
		Timestamp:     ts.UTC(),
		Value:         item.Value,
		CorrelationID: cid,
	}, nil
}

// Insert adds an item; an existing item with the same file id is left
// alone and 0 is returned.
func (b *Inbox) Insert(ctx context.Context, item InboxRecord) (int64, error) {
	return b.write(ctx, "insert", item, (*Queries).InboxInsert)
}

// Upsert inserts the item or replaces the one with the same file id,
// releasing any pop it was held under.
func (b *Inbox) Upsert(ctx context.Context, item InboxRecord) (int64, error) {
	return b.write(ctx, "upsert", item, (*Queries).InboxUpsert)
}

func (b *Inbox) write(ctx context.Context, op string, item InboxRecord, fn func(*Queries, context.Context, InboxWriteParams) (int64, error)) (int64, error) {
	arg, err := b.writeParams(ctx, &item)
	if err != nil {
		return 0, err
	}
	var n int64
	err = b.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = fn(q, ctx, arg)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inbox %s: %w", op, err)
	}
	return n, nil
}

// Get returns nil when no item has fileID.
func (b *Inbox) Get(ctx context.Context, fileID uuid.UUID) (*InboxRecord, error) {
	var rec *InboxRecord
	err := b.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		rec, err = q.InboxGet(ctx, b.tenant.UUID(), fileID)
		return err
	})
	return rec, err
}

// PopSpecificBox stamps up to count unpopped items of boxID in insertion
// order and returns them together with the stamp they share. An empty box
// yields no records and a zero stamp.
func (b *Inbox) PopSpecificBox(ctx context.Context, boxID uuid.UUID, count int) ([]InboxRecord, Stamp, error) {
	if count < 1 {
		return nil, Stamp{}, ErrInvalidCount
	}
	stamp := NewStamp()
	arg := InboxPopParams{
		IdentityID: b.tenant.UUID(),
		BoxID:      boxID,
		Stamp:      stamp.Token,
		PoppedAt:   stamp.IssuedAt,
		Count:      int32(min(count, math.MaxInt32)),
	}

	var recs []InboxRecord
	err := b.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		recs, err = q.InboxPop(ctx, arg)
		return err
	})
	if err != nil {
		return nil, Stamp{}, fmt.Errorf("inbox pop: %w", err)
	}
	if len(recs) == 0 {
		return nil, Stamp{}, nil
	}
	slices.SortFunc(recs, func(a, b InboxRecord) int {
		return cmp.Compare(a.RowID, b.RowID)
	})

	inboxPopped.Add(ctx, int64(len(recs)))
	logctx.FromContext(ctx).Debug("Popped inbox items",
		slog.String("tenant", b.tenant.String()),
		slog.String("boxID", boxID.String()),
		slog.Int("count", len(recs)))
	return recs, stamp, nil
}

func (b *Inbox) PopStatus(ctx context.Context) (PopStatus, error) {
	return b.status(ctx, uuid.NullUUID{})
}

func (b *Inbox) PopStatusSpecificBox(ctx context.Context, boxID uuid.UUID) (PopStatus, error) {
	return b.status(ctx, uuid.NullUUID{UUID: boxID, Valid: true})
}

func (b *Inbox) status(ctx context.Context, box uuid.NullUUID) (PopStatus, error) {
	var s PopStatus
	err := b.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		s, err = q.InboxPopStatus(ctx, b.tenant.UUID(), box)
		return err
	})
	return s, err
}

// PopCancelAll makes every item popped under stamp poppable again.
func (b *Inbox) PopCancelAll(ctx context.Context, stamp Stamp) (int64, error) {
	return b.byStamp(ctx, "cancel", stamp, nil, (*Queries).InboxPopCancel)
}

// PopCancelList releases only the listed files popped under stamp.
func (b *Inbox) PopCancelList(ctx context.Context, stamp Stamp, fileIDs []uuid.UUID) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	return b.byStamp(ctx, "cancel", stamp, fileIDs, (*Queries).InboxPopCancel)
}

// PopCommitAll deletes every item popped under stamp.
func (b *Inbox) PopCommitAll(ctx context.Context, stamp Stamp) (int64, error) {
	return b.byStamp(ctx, "commit", stamp, nil, (*Queries).InboxPopCommit)
}

// PopCommitList deletes only the listed files popped under stamp.
func (b *Inbox) PopCommitList(ctx context.Context, stamp Stamp, fileIDs []uuid.UUID) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	return b.byStamp(ctx, "commit", stamp, fileIDs, (*Queries).InboxPopCommit)
}

func (b *Inbox) byStamp(ctx context.Context, op string, stamp Stamp, fileIDs []uuid.UUID, fn func(*Queries, context.Context, uuid.UUID, uuid.UUID, []uuid.UUID) (int64, error)) (int64, error) {
	if stamp.IsZero() {
		return 0, nil
	}
	var n int64
	err := b.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = fn(q, ctx, b.tenant.UUID(), stamp.Token, fileIDs)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inbox %s: %w", op, err)
	}
	return n, nil
}

// PopRecoverDead releases items popped before threshold.
func (b *Inbox) PopRecoverDead(ctx context.Context, threshold time.Time) (int64, error) {
	var n int64
	err := b.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.InboxPopRecoverDead(ctx, b.tenant.UUID(), threshold.UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inbox recover: %w", err)
	}
	if n > 0 {
		inboxRecovered.Add(ctx, n)
		logctx.FromContext(ctx).Info("Recovered abandoned inbox pops",
			slog.String("tenant", b.tenant.String()),
			slog.Int64("count", n),
			slog.Time("threshold", threshold))
	}
	return n, nil
}
