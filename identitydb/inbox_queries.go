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

const inboxColumns = `row_id, identity_id, box_id, file_id, priority, timestamp, value,
  pop_stamp, popped_at, correlation_id, created, modified`

func scanInbox(row pgx.Row) (InboxRecord, error) {
	var r InboxRecord
	var identityID uuid.UUID
	err := row.Scan(
		&r.RowID,
		&identityID,
		&r.BoxID,
		&r.FileID,
		&r.Priority,
		&r.Timestamp,
		&r.Value,
		&r.PopStamp,
		&r.PoppedAt,
		&r.CorrelationID,
		&r.Created,
		&r.Modified,
	)
	r.IdentityID = TenantID(identityID)
	return r, err
}

func collectInbox(rows pgx.Rows, err error) ([]InboxRecord, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (InboxRecord, error) {
		return scanInbox(row)
	})
}

type InboxWriteParams struct {
	IdentityID    uuid.UUID
	BoxID         uuid.UUID
	FileID        uuid.UUID
	Priority      int32
	Timestamp     time.Time
	Value         []byte
	CorrelationID string
}

const inboxInsert = `-- name: InboxInsert :execrows
INSERT INTO inbox (identity_id, box_id, file_id, priority, timestamp, value, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (identity_id, file_id) DO NOTHING`

func (q *Queries) InboxInsert(ctx context.Context, arg InboxWriteParams) (int64, error) {
	tag, err := q.db.Exec(ctx, inboxInsert,
		arg.IdentityID,
		arg.BoxID,
		arg.FileID,
		arg.Priority,
		arg.Timestamp,
		arg.Value,
		arg.CorrelationID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const inboxUpsert = `-- name: InboxUpsert :execrows
INSERT INTO inbox (identity_id, box_id, file_id, priority, timestamp, value, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (identity_id, file_id) DO UPDATE SET
  box_id = EXCLUDED.box_id,
  priority = EXCLUDED.priority,
  timestamp = EXCLUDED.timestamp,
  value = EXCLUDED.value,
  pop_stamp = NULL,
  popped_at = NULL,
  correlation_id = EXCLUDED.correlation_id,
  modified = now()`

func (q *Queries) InboxUpsert(ctx context.Context, arg InboxWriteParams) (int64, error) {
	tag, err := q.db.Exec(ctx, inboxUpsert,
		arg.IdentityID,
		arg.BoxID,
		arg.FileID,
		arg.Priority,
		arg.Timestamp,
		arg.Value,
		arg.CorrelationID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type InboxPopParams struct {
	IdentityID uuid.UUID
	BoxID      uuid.UUID
	Stamp      uuid.UUID
	PoppedAt   time.Time
	Count      int32
}

const inboxPop = `-- name: InboxPop :many
UPDATE inbox
SET pop_stamp = $3, popped_at = $4, modified = now()
WHERE pop_stamp IS NULL AND row_id IN (
  SELECT i.row_id FROM inbox i
  WHERE i.identity_id = $1 AND i.box_id = $2 AND i.pop_stamp IS NULL
  ORDER BY i.row_id ASC
  LIMIT $5
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + inboxColumns

func (q *Queries) InboxPop(ctx context.Context, arg InboxPopParams) ([]InboxRecord, error) {
	return collectInbox(q.db.Query(ctx, inboxPop, arg.IdentityID, arg.BoxID, arg.Stamp, arg.PoppedAt, arg.Count))
}

const inboxPopStatus = `-- name: InboxPopStatus :one
SELECT
  count(*) AS total,
  count(pop_stamp) AS popped,
  min(popped_at)::timestamptz AS oldest_popped
FROM inbox
WHERE identity_id = $1 AND ($2::uuid IS NULL OR box_id = $2)`

func (q *Queries) InboxPopStatus(ctx context.Context, identityID uuid.UUID, boxID uuid.NullUUID) (PopStatus, error) {
	var s PopStatus
	err := q.db.QueryRow(ctx, inboxPopStatus, identityID, boxID).Scan(&s.Total, &s.Popped, &s.OldestPopped)
	return s, err
}

const inboxPopCancel = `-- name: InboxPopCancel :execrows
UPDATE inbox SET pop_stamp = NULL, popped_at = NULL, modified = now()
WHERE identity_id = $1 AND pop_stamp = $2
  AND ($3::uuid[] IS NULL OR file_id = ANY($3))`

// InboxPopCancel clears the stamp from rows held under it. A nil fileIDs
// matches every row under the stamp.
func (q *Queries) InboxPopCancel(ctx context.Context, identityID, stamp uuid.UUID, fileIDs []uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, inboxPopCancel, identityID, stamp, fileIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const inboxPopCommit = `-- name: InboxPopCommit :execrows
DELETE FROM inbox
WHERE identity_id = $1 AND pop_stamp = $2
  AND ($3::uuid[] IS NULL OR file_id = ANY($3))`

// InboxPopCommit deletes rows held under the stamp. A nil fileIDs matches
// every row under the stamp.
func (q *Queries) InboxPopCommit(ctx context.Context, identityID, stamp uuid.UUID, fileIDs []uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, inboxPopCommit, identityID, stamp, fileIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const inboxPopRecoverDead = `-- name: InboxPopRecoverDead :execrows
UPDATE inbox SET pop_stamp = NULL, popped_at = NULL, modified = now()
WHERE identity_id = $1 AND pop_stamp IS NOT NULL AND popped_at < $2`

func (q *Queries) InboxPopRecoverDead(ctx context.Context, identityID uuid.UUID, threshold time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, inboxPopRecoverDead, identityID, threshold)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const inboxGet = `-- name: InboxGet :one
SELECT ` + inboxColumns + ` FROM inbox
WHERE identity_id = $1 AND file_id = $2`

func (q *Queries) InboxGet(ctx context.Context, identityID, fileID uuid.UUID) (*InboxRecord, error) {
	r, err := scanInbox(q.db.QueryRow(ctx, inboxGet, identityID, fileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
