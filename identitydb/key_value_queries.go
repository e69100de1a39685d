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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const keyValueGet = `-- name: KeyValueGet :one
SELECT data FROM key_value WHERE identity_id = $1 AND key = $2`

// KeyValueGet reports found=false when the key does not exist.
func (q *Queries) KeyValueGet(ctx context.Context, identityID uuid.UUID, key []byte) ([]byte, bool, error) {
	var data []byte
	err := q.db.QueryRow(ctx, keyValueGet, identityID, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

const keyValueInsert = `-- name: KeyValueInsert :execrows
INSERT INTO key_value (identity_id, key, data) VALUES ($1, $2, $3)
ON CONFLICT (identity_id, key) DO NOTHING`

func (q *Queries) KeyValueInsert(ctx context.Context, identityID uuid.UUID, key, data []byte) (int64, error) {
	tag, err := q.db.Exec(ctx, keyValueInsert, identityID, key, data)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const keyValueUpsert = `-- name: KeyValueUpsert :execrows
INSERT INTO key_value (identity_id, key, data) VALUES ($1, $2, $3)
ON CONFLICT (identity_id, key) DO UPDATE SET data = EXCLUDED.data`

func (q *Queries) KeyValueUpsert(ctx context.Context, identityID uuid.UUID, key, data []byte) (int64, error) {
	tag, err := q.db.Exec(ctx, keyValueUpsert, identityID, key, data)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const keyValueDelete = `-- name: KeyValueDelete :execrows
DELETE FROM key_value WHERE identity_id = $1 AND key = $2`

func (q *Queries) KeyValueDelete(ctx context.Context, identityID uuid.UUID, key []byte) (int64, error) {
	tag, err := q.db.Exec(ctx, keyValueDelete, identityID, key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
