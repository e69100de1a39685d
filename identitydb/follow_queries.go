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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// followSQL holds the statements for one of the two follower tables, which
// share a shape.
type followSQL struct {
	insert     string
	delete     string
	deleteAll  string
	byIdentity string
	page       string
}

func newFollowSQL(table string) followSQL {
	return followSQL{
		insert: `-- name: FollowInsert :execrows
INSERT INTO ` + table + ` (identity_id, identity, drive_id)
VALUES ($1, $2, $3)
ON CONFLICT (identity_id, identity, drive_id) DO NOTHING`,
		delete: `-- name: FollowDelete :execrows
DELETE FROM ` + table + `
WHERE identity_id = $1 AND identity = $2 AND drive_id = $3`,
		deleteAll: `-- name: FollowDeleteAll :execrows
DELETE FROM ` + table + ` WHERE identity_id = $1 AND identity = $2`,
		byIdentity: `-- name: FollowByIdentity :many
SELECT identity_id, identity, drive_id, created, modified FROM ` + table + `
WHERE identity_id = $1 AND identity = $2
ORDER BY drive_id`,
		page: `-- name: FollowPage :many
SELECT DISTINCT identity FROM ` + table + `
WHERE identity_id = $1 AND identity > $2
  AND ($3::uuid IS NULL OR drive_id = $3)
ORDER BY identity
LIMIT $4`,
	}
}

var (
	followsMeSQL   = newFollowSQL("follows_me")
	imFollowingSQL = newFollowSQL("im_following")
)

func (q *Queries) FollowInsert(ctx context.Context, s followSQL, identityID uuid.UUID, identity string, driveID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, s.insert, identityID, identity, driveID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) FollowDelete(ctx context.Context, s followSQL, identityID uuid.UUID, identity string, driveID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, s.delete, identityID, identity, driveID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) FollowDeleteAll(ctx context.Context, s followSQL, identityID uuid.UUID, identity string) (int64, error) {
	tag, err := q.db.Exec(ctx, s.deleteAll, identityID, identity)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) FollowByIdentity(ctx context.Context, s followSQL, identityID uuid.UUID, identity string) ([]FollowRecord, error) {
	rows, err := q.db.Query(ctx, s.byIdentity, identityID, identity)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FollowRecord, error) {
		var r FollowRecord
		var id uuid.UUID
		err := row.Scan(&id, &r.Identity, &r.DriveID, &r.Created, &r.Modified)
		r.IdentityID = TenantID(id)
		return r, err
	})
}

func (q *Queries) FollowPage(ctx context.Context, s followSQL, identityID uuid.UUID, after string, driveID uuid.NullUUID, limit int32) ([]string, error) {
	rows, err := q.db.Query(ctx, s.page, identityID, after, driveID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
