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

// indexSQL holds the statements for one drive index table. The tag and acl
// indexes differ only in table and item column name.
type indexSQL struct {
	insert    string
	deleteAll string
	list      string
}

func newIndexSQL(table, column string) indexSQL {
	return indexSQL{
		insert: `-- name: DriveIndexInsert :exec
INSERT INTO ` + table + ` (identity_id, drive_id, file_id, ` + column + `)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`,
		deleteAll: `-- name: DriveIndexDeleteAll :execrows
DELETE FROM ` + table + `
WHERE identity_id = $1 AND drive_id = $2 AND file_id = $3`,
		list: `-- name: DriveIndexList :many
SELECT ` + column + ` FROM ` + table + `
WHERE identity_id = $1 AND drive_id = $2 AND file_id = $3
ORDER BY ` + column,
	}
}

var (
	driveTagIndexSQL = newIndexSQL("drive_tag_index", "tag_id")
	driveAclIndexSQL = newIndexSQL("drive_acl_index", "acl_member_id")
)

func (q *Queries) DriveIndexInsert(ctx context.Context, s indexSQL, identityID uuid.UUID, r DriveIndexRecord) error {
	_, err := q.db.Exec(ctx, s.insert, identityID, r.DriveID, r.FileID, r.ItemID)
	return err
}

func (q *Queries) DriveIndexDeleteAll(ctx context.Context, s indexSQL, identityID, driveID, fileID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, s.deleteAll, identityID, driveID, fileID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) DriveIndexList(ctx context.Context, s indexSQL, identityID, driveID, fileID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, s.list, identityID, driveID, fileID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
