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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/tenantdb/internal/idgen"
	"github.com/cardinalhq/tenantdb/internal/logctx"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

// Outbox is the per-tenant delivery queue. Items are claimed with a stamp,
// then either removed on success or checked back in for a later retry.
type Outbox struct {
	tenantTable
	now func() time.Time
}

func NewOutbox(factory *uow.Factory, tenant TenantID) *Outbox {
	return &Outbox{
		tenantTable: tenantTable{factory: factory, tenant: tenant},
		now:         time.Now,
	}
}

func validateOutboxItem(item *OutboxRecord) error {
	if item.DriveID == uuid.Nil || item.FileID == uuid.Nil {
		return fmt.Errorf("%w: drive and file ids are required", ErrMissingField)
	}
	if item.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrMissingField)
	}
	if item.DependencyFileID.Valid && item.DependencyFileID.UUID == item.FileID {
		return ErrSelfDependency
	}
	return nil
}

func (o *Outbox) writeParams(ctx context.Context, item *OutboxRecord) OutboxWriteParams {
	next := item.NextRunTime
	if next.IsZero() {
		next = o.now()
	}
	cid := item.CorrelationID
	if cid == "" {
		cid = logctx.CorrelationID(ctx)
	}
	if cid == "" {
		cid = idgen.NewCorrelationID()
	}
	return OutboxWriteParams{
		IdentityID:       o.tenant.UUID(),
		DriveID:          item.DriveID,
		FileID:           item.FileID,
		Recipient:        item.Recipient,
		Type:             item.Type,
		Priority:         item.Priority,
		DependencyFileID: item.DependencyFileID,
		NextRunTime:      next.UTC(),
		Value:            item.Value,
		CorrelationID:    cid,
	}
}

func (o *Outbox) rejected(ctx context.Context, err error) error {
	queueValidations.Add(ctx, 1, metric.WithAttributes(attribute.String("table", "outbox")))
	return err
}

// Insert adds a new item. An item that already exists for the same drive,
// file and recipient is left alone and 0 is returned.
func (o *Outbox) Insert(ctx context.Context, item OutboxRecord) (int64, error) {
	if err := validateOutboxItem(&item); err != nil {
		return 0, o.rejected(ctx, err)
	}
	arg := o.writeParams(ctx, &item)
	var n int64
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.OutboxInsert(ctx, arg)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox insert: %w", err)
	}
	return n, nil
}

// Upsert inserts the item or replaces the existing one for the same drive,
// file and recipient. A replaced item loses any checkout it had and its
// checkout count starts over.
func (o *Outbox) Upsert(ctx context.Context, item OutboxRecord) (int64, error) {
	if err := validateOutboxItem(&item); err != nil {
		return 0, o.rejected(ctx, err)
	}
	arg := o.writeParams(ctx, &item)
	var n int64
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.OutboxUpsert(ctx, arg)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox upsert: %w", err)
	}
	return n, nil
}

func (o *Outbox) Get(ctx context.Context, driveID, fileID uuid.UUID) ([]OutboxRecord, error) {
	var recs []OutboxRecord
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		recs, err = q.OutboxGet(ctx, o.tenant.UUID(), driveID, fileID)
		return err
	})
	return recs, err
}

// GetForRecipient returns nil when no such item exists.
func (o *Outbox) GetForRecipient(ctx context.Context, driveID, fileID uuid.UUID, recipient string) (*OutboxRecord, error) {
	var rec *OutboxRecord
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		rec, err = q.OutboxGetForRecipient(ctx, o.tenant.UUID(), driveID, fileID, recipient)
		return err
	})
	return rec, err
}

// CheckOutItem claims the next eligible item and returns it stamped, or nil
// when nothing is ready. Lower priority values go first, then earlier run
// times.
func (o *Outbox) CheckOutItem(ctx context.Context) (*OutboxRecord, error) {
	stamp := NewStamp()
	arg := OutboxCheckOutParams{
		IdentityID: o.tenant.UUID(),
		Stamp:      stamp.Token,
		StampedAt:  stamp.IssuedAt,
		Now:        o.now().UTC(),
	}

	var rec OutboxRecord
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		rec, err = q.OutboxCheckOut(ctx, arg)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox checkout: %w", err)
	}

	outboxCheckouts.Add(ctx, 1)
	logctx.FromContext(ctx).Debug("Checked out outbox item",
		slog.String("tenant", o.tenant.String()),
		slog.Int64("rowID", rec.RowID),
		slog.String("recipient", rec.Recipient),
		slog.Int("checkOutCount", int(rec.CheckOutCount)))
	return &rec, nil
}

// NextScheduledItem returns the earliest run time among items that are not
// checked out and not blocked by a dependency, optionally limited to one
// drive. It returns nil when there are none.
func (o *Outbox) NextScheduledItem(ctx context.Context, driveID *uuid.UUID) (*time.Time, error) {
	var drive uuid.NullUUID
	if driveID != nil {
		drive = uuid.NullUUID{UUID: *driveID, Valid: true}
	}
	var next *time.Time
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		next, err = q.OutboxNextScheduled(ctx, o.tenant.UUID(), drive)
		return err
	})
	return next, err
}

// CheckInAsCancelled releases every item held under stamp, counts the
// failed attempt and reschedules the items to nextRunTime.
func (o *Outbox) CheckInAsCancelled(ctx context.Context, stamp Stamp, nextRunTime time.Time) (int64, error) {
	return o.byStamp(ctx, "check in", stamp, func(ctx context.Context, q *Queries, arg OutboxStampParams) (int64, error) {
		return q.OutboxCheckInAsCancelled(ctx, arg, nextRunTime.UTC())
	})
}

// CompleteAndRemove deletes every item held under stamp.
func (o *Outbox) CompleteAndRemove(ctx context.Context, stamp Stamp) (int64, error) {
	return o.byStamp(ctx, "complete", stamp, func(ctx context.Context, q *Queries, arg OutboxStampParams) (int64, error) {
		return q.OutboxCompleteAndRemove(ctx, arg)
	})
}

// RefreshCheckout moves the checkout time of items held under stamp to now,
// keeping a long running consumer clear of dead item recovery.
func (o *Outbox) RefreshCheckout(ctx context.Context, stamp Stamp) (int64, error) {
	return o.byStamp(ctx, "refresh", stamp, func(ctx context.Context, q *Queries, arg OutboxStampParams) (int64, error) {
		return q.OutboxRefreshCheckout(ctx, arg, o.now().UTC().Truncate(time.Microsecond))
	})
}

func (o *Outbox) byStamp(ctx context.Context, op string, stamp Stamp, fn func(ctx context.Context, q *Queries, arg OutboxStampParams) (int64, error)) (int64, error) {
	if stamp.IsZero() {
		return 0, nil
	}
	arg := OutboxStampParams{IdentityID: o.tenant.UUID(), Stamp: stamp.Token}
	var n int64
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = fn(ctx, q, arg)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox %s: %w", op, err)
	}
	return n, nil
}

// RecoverCheckedOutDeadItems releases items checked out before threshold.
// They become eligible immediately; their checkout count is bumped.
func (o *Outbox) RecoverCheckedOutDeadItems(ctx context.Context, threshold time.Time) (int64, error) {
	var n int64
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.OutboxRecoverDead(ctx, o.tenant.UUID(), threshold.UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox recover: %w", err)
	}
	if n > 0 {
		outboxRecovered.Add(ctx, n)
		logctx.FromContext(ctx).Info("Recovered abandoned outbox items",
			slog.String("tenant", o.tenant.String()),
			slog.Int64("count", n),
			slog.Time("threshold", threshold))
	}
	return n, nil
}

func (o *Outbox) OutboxStatus(ctx context.Context) (OutboxStatus, error) {
	return o.status(ctx, uuid.NullUUID{})
}

func (o *Outbox) OutboxStatusForDrive(ctx context.Context, driveID uuid.UUID) (OutboxStatus, error) {
	return o.status(ctx, uuid.NullUUID{UUID: driveID, Valid: true})
}

func (o *Outbox) status(ctx context.Context, drive uuid.NullUUID) (OutboxStatus, error) {
	var s OutboxStatus
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		s, err = q.OutboxStatus(ctx, o.tenant.UUID(), drive)
		return err
	})
	return s, err
}

func (o *Outbox) Delete(ctx context.Context, driveID, fileID uuid.UUID, recipient string) (int64, error) {
	var n int64
	err := o.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.OutboxDelete(ctx, o.tenant.UUID(), driveID, fileID, recipient)
		return err
	})
	return n, err
}
