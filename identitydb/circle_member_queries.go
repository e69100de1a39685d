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

const circleMemberColumns = `identity_id, circle_id, member_id, data, created, modified`

func scanCircleMember(row pgx.Row) (CircleMemberRecord, error) {
	var r CircleMemberRecord
	var identityID uuid.UUID
	err := row.Scan(&identityID, &r.CircleID, &r.MemberID, &r.Data, &r.Created, &r.Modified)
	r.IdentityID = TenantID(identityID)
	return r, err
}

func collectCircleMembers(rows pgx.Rows, err error) ([]CircleMemberRecord, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (CircleMemberRecord, error) {
		return scanCircleMember(row)
	})
}

const circleMemberUpsert = `-- name: CircleMemberUpsert :exec
INSERT INTO circle_member (identity_id, circle_id, member_id, data)
VALUES ($1, $2, $3, $4)
ON CONFLICT (identity_id, circle_id, member_id) DO UPDATE SET
  data = EXCLUDED.data,
  modified = now()`

func (q *Queries) CircleMemberUpsert(ctx context.Context, identityID, circleID, memberID uuid.UUID, data []byte) error {
	_, err := q.db.Exec(ctx, circleMemberUpsert, identityID, circleID, memberID, data)
	return err
}

const circleMemberDelete = `-- name: CircleMemberDelete :execrows
DELETE FROM circle_member
WHERE identity_id = $1 AND circle_id = $2 AND member_id = $3`

func (q *Queries) CircleMemberDelete(ctx context.Context, identityID, circleID, memberID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, circleMemberDelete, identityID, circleID, memberID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const circleMemberDeleteForMember = `-- name: CircleMemberDeleteForMember :execrows
DELETE FROM circle_member WHERE identity_id = $1 AND member_id = $2`

func (q *Queries) CircleMemberDeleteForMember(ctx context.Context, identityID, memberID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, circleMemberDeleteForMember, identityID, memberID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const circleMemberGet = `-- name: CircleMemberGet :one
SELECT ` + circleMemberColumns + ` FROM circle_member
WHERE identity_id = $1 AND circle_id = $2 AND member_id = $3`

func (q *Queries) CircleMemberGet(ctx context.Context, identityID, circleID, memberID uuid.UUID) (*CircleMemberRecord, error) {
	r, err := scanCircleMember(q.db.QueryRow(ctx, circleMemberGet, identityID, circleID, memberID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const circleMemberListByCircle = `-- name: CircleMemberListByCircle :many
SELECT ` + circleMemberColumns + ` FROM circle_member
WHERE identity_id = $1 AND circle_id = $2
ORDER BY member_id`

func (q *Queries) CircleMemberListByCircle(ctx context.Context, identityID, circleID uuid.UUID) ([]CircleMemberRecord, error) {
	return collectCircleMembers(q.db.Query(ctx, circleMemberListByCircle, identityID, circleID))
}

const circleMemberListByMember = `-- name: CircleMemberListByMember :many
SELECT ` + circleMemberColumns + ` FROM circle_member
WHERE identity_id = $1 AND member_id = $2
ORDER BY circle_id`

func (q *Queries) CircleMemberListByMember(ctx context.Context, identityID, memberID uuid.UUID) ([]CircleMemberRecord, error) {
	return collectCircleMembers(q.db.Query(ctx, circleMemberListByMember, identityID, memberID))
}
