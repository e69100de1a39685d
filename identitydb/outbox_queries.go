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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const outboxColumns = `row_id, identity_id, drive_id, file_id, recipient, type, priority,
  dependency_file_id, check_out_count, next_run_time, value, check_out_stamp,
  check_out_at, correlation_id, created, modified`

// outboxEligible restricts o to rows that are not held and whose dependency,
// if any, no longer has a row for the same recipient.
const outboxEligible = `o.check_out_stamp IS NULL
  AND (o.dependency_file_id IS NULL OR NOT EXISTS (
    SELECT 1 FROM outbox d
    WHERE d.identity_id = o.identity_id
      AND d.file_id = o.dependency_file_id
      AND d.recipient = o.recipient))`

func scanOutbox(row pgx.Row) (OutboxRecord, error) {
	var r OutboxRecord
	var identityID uuid.UUID
	err := row.Scan(
		&r.RowID,
		&identityID,
		&r.DriveID,
		&r.FileID,
		&r.Recipient,
		&r.Type,
		&r.Priority,
		&r.DependencyFileID,
		&r.CheckOutCount,
		&r.NextRunTime,
		&r.Value,
		&r.CheckOutStamp,
		&r.CheckOutAt,
		&r.CorrelationID,
		&r.Created,
		&r.Modified,
	)
	r.IdentityID = TenantID(identityID)
	return r, err
}

func collectOutbox(rows pgx.Rows, err error) ([]OutboxRecord, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxRecord, error) {
		return scanOutbox(row)
	})
}

type OutboxWriteParams struct {
	IdentityID       uuid.UUID
	DriveID          uuid.UUID
	FileID           uuid.UUID
	Recipient        string
	Type             int32
	Priority         int64
	DependencyFileID uuid.NullUUID
	NextRunTime      time.Time
	Value            []byte
	CorrelationID    string
}

const outboxInsert = `-- name: OutboxInsert :execrows
INSERT INTO outbox (identity_id, drive_id, file_id, recipient, type, priority,
  dependency_file_id, check_out_count, next_run_time, value, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
ON CONFLICT (identity_id, drive_id, file_id, recipient) DO NOTHING`

func (q *Queries) OutboxInsert(ctx context.Context, arg OutboxWriteParams) (int64, error) {
	tag, err := q.db.Exec(ctx, outboxInsert,
		arg.IdentityID,
		arg.DriveID,
		arg.FileID,
		arg.Recipient,
		arg.Type,
		arg.Priority,
		arg.DependencyFileID,
		arg.NextRunTime,
		arg.Value,
		arg.CorrelationID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const outboxUpsert = `-- name: OutboxUpsert :execrows
INSERT INTO outbox (identity_id, drive_id, file_id, recipient, type, priority,
  dependency_file_id, check_out_count, next_run_time, value, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
ON CONFLICT (identity_id, drive_id, file_id, recipient) DO UPDATE SET
  type = EXCLUDED.type,
  priority = EXCLUDED.priority,
  dependency_file_id = EXCLUDED.dependency_file_id,
  check_out_count = 0,
  next_run_time = EXCLUDED.next_run_time,
  value = EXCLUDED.value,
  check_out_stamp = NULL,
  check_out_at = NULL,
  correlation_id = EXCLUDED.correlation_id,
  modified = now()`

func (q *Queries) OutboxUpsert(ctx context.Context, arg OutboxWriteParams) (int64, error) {
	tag, err := q.db.Exec(ctx, outboxUpsert,
		arg.IdentityID,
		arg.DriveID,
		arg.FileID,
		arg.Recipient,
		arg.Type,
		arg.Priority,
		arg.DependencyFileID,
		arg.NextRunTime,
		arg.Value,
		arg.CorrelationID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type OutboxCheckOutParams struct {
	IdentityID uuid.UUID
	Stamp      uuid.UUID
	StampedAt  time.Time
	Now        time.Time
}

const outboxCheckOut = `-- name: OutboxCheckOut :one
UPDATE outbox
SET check_out_stamp = $2, check_out_at = $3, modified = now()
WHERE check_out_stamp IS NULL AND row_id = (
  SELECT o.row_id FROM outbox o
  WHERE o.identity_id = $1
    AND o.next_run_time <= $4
    AND ` + outboxEligible + `
  ORDER BY o.priority ASC, o.next_run_time ASC, o.row_id ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + outboxColumns

// OutboxCheckOut claims the next eligible row. It returns pgx.ErrNoRows
// when nothing is eligible.
func (q *Queries) OutboxCheckOut(ctx context.Context, arg OutboxCheckOutParams) (OutboxRecord, error) {
	row := q.db.QueryRow(ctx, outboxCheckOut, arg.IdentityID, arg.Stamp, arg.StampedAt, arg.Now)
	return scanOutbox(row)
}

const outboxNextScheduled = `-- name: OutboxNextScheduled :one
SELECT min(o.next_run_time)::timestamptz FROM outbox o
WHERE o.identity_id = $1
  AND ($2::uuid IS NULL OR o.drive_id = $2)
  AND ` + outboxEligible

func (q *Queries) OutboxNextScheduled(ctx context.Context, identityID uuid.UUID, driveID uuid.NullUUID) (*time.Time, error) {
	var next *time.Time
	err := q.db.QueryRow(ctx, outboxNextScheduled, identityID, driveID).Scan(&next)
	return next, err
}

type OutboxStampParams struct {
	IdentityID uuid.UUID
	Stamp      uuid.UUID
}

const outboxCheckIn = `-- name: OutboxCheckInAsCancelled :execrows
UPDATE outbox
SET check_out_stamp = NULL,
  check_out_at = NULL,
  check_out_count = check_out_count + 1,
  next_run_time = $3,
  modified = now()
WHERE identity_id = $1 AND check_out_stamp = $2`

func (q *Queries) OutboxCheckInAsCancelled(ctx context.Context, arg OutboxStampParams, nextRunTime time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, outboxCheckIn, arg.IdentityID, arg.Stamp, nextRunTime)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const outboxCompleteAndRemove = `-- name: OutboxCompleteAndRemove :execrows
DELETE FROM outbox WHERE identity_id = $1 AND check_out_stamp = $2`

func (q *Queries) OutboxCompleteAndRemove(ctx context.Context, arg OutboxStampParams) (int64, error) {
	tag, err := q.db.Exec(ctx, outboxCompleteAndRemove, arg.IdentityID, arg.Stamp)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const outboxRefreshCheckout = `-- name: OutboxRefreshCheckout :execrows
UPDATE outbox SET check_out_at = $3
WHERE identity_id = $1 AND check_out_stamp = $2`

func (q *Queries) OutboxRefreshCheckout(ctx context.Context, arg OutboxStampParams, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, outboxRefreshCheckout, arg.IdentityID, arg.Stamp, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const outboxRecoverDead = `-- name: OutboxRecoverDead :execrows
UPDATE outbox
SET check_out_stamp = NULL,
  check_out_at = NULL,
  check_out_count = check_out_count + 1,
  modified = now()
WHERE identity_id = $1
  AND check_out_stamp IS NOT NULL
  AND check_out_at < $2`

func (q *Queries) OutboxRecoverDead(ctx context.Context, identityID uuid.UUID, threshold time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, outboxRecoverDead, identityID, threshold)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const outboxStatus = `-- name: OutboxStatus :one
SELECT
  (SELECT count(*) FROM outbox
    WHERE identity_id = $1 AND ($2::uuid IS NULL OR drive_id = $2)) AS total,
  (SELECT count(*) FROM outbox
    WHERE identity_id = $1 AND ($2::uuid IS NULL OR drive_id = $2)
      AND check_out_stamp IS NOT NULL) AS checked_out,
  (SELECT min(o.next_run_time) FROM outbox o
    WHERE o.identity_id = $1 AND ($2::uuid IS NULL OR o.drive_id = $2)
      AND ` + outboxEligible + `)::timestamptz AS next_run_time`

func (q *Queries) OutboxStatus(ctx context.Context, identityID uuid.UUID, driveID uuid.NullUUID) (OutboxStatus, error) {
	var s OutboxStatus
	err := q.db.QueryRow(ctx, outboxStatus, identityID, driveID).Scan(&s.Total, &s.CheckedOut, &s.NextRunTime)
	return s, err
}

const outboxGet = `-- name: OutboxGet :many
SELECT ` + outboxColumns + ` FROM outbox
WHERE identity_id = $1 AND drive_id = $2 AND file_id = $3
ORDER BY recipient`

func (q *Queries) OutboxGet(ctx context.Context, identityID, driveID, fileID uuid.UUID) ([]OutboxRecord, error) {
	return collectOutbox(q.db.Query(ctx, outboxGet, identityID, driveID, fileID))
}

const outboxGetForRecipient = `-- name: OutboxGetForRecipient :one
SELECT ` + outboxColumns + ` FROM outbox
WHERE identity_id = $1 AND drive_id = $2 AND file_id = $3 AND recipient = $4`

func (q *Queries) OutboxGetForRecipient(ctx context.Context, identityID, driveID, fileID uuid.UUID, recipient string) (*OutboxRecord, error) {
	r, err := scanOutbox(q.db.QueryRow(ctx, outboxGetForRecipient, identityID, driveID, fileID, recipient))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const outboxDelete = `-- name: OutboxDelete :execrows
DELETE FROM outbox
WHERE identity_id = $1 AND drive_id = $2 AND file_id = $3 AND recipient = $4`

func (q *Queries) OutboxDelete(ctx context.Context, identityID, driveID, fileID uuid.UUID, recipient string) (int64, error) {
	tag, err := q.db.Exec(ctx, outboxDelete, identityID, driveID, fileID, recipient)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listQueueTenants = `-- name: ListQueueTenants :many
SELECT identity_id FROM outbox
UNION
SELECT identity_id FROM inbox
ORDER BY identity_id`

func (q *Queries) ListQueueTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, listQueueTenants)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
