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

const reactionInsert = `-- name: ReactionInsert :execrows
INSERT INTO drive_reactions (identity_id, drive_id, post_id, identity, single_reaction)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING`

func (q *Queries) ReactionInsert(ctx context.Context, identityID uuid.UUID, r DriveReactionRecord) (int64, error) {
	tag, err := q.db.Exec(ctx, reactionInsert, identityID, r.DriveID, r.PostID, r.Identity, r.SingleReaction)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const reactionDelete = `-- name: ReactionDelete :execrows
DELETE FROM drive_reactions
WHERE identity_id = $1 AND drive_id = $2 AND post_id = $3
  AND identity = $4 AND single_reaction = $5`

func (q *Queries) ReactionDelete(ctx context.Context, identityID uuid.UUID, r DriveReactionRecord) (int64, error) {
	tag, err := q.db.Exec(ctx, reactionDelete, identityID, r.DriveID, r.PostID, r.Identity, r.SingleReaction)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const reactionDeleteFrom = `-- name: ReactionDeleteFrom :execrows
DELETE FROM drive_reactions
WHERE identity_id = $1 AND drive_id = $2 AND post_id = $3 AND identity = $4`

func (q *Queries) ReactionDeleteFrom(ctx context.Context, identityID, driveID, postID uuid.UUID, identity string) (int64, error) {
	tag, err := q.db.Exec(ctx, reactionDeleteFrom, identityID, driveID, postID, identity)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const reactionSummary = `-- name: ReactionSummary :many
SELECT single_reaction, count(*) FROM drive_reactions
WHERE identity_id = $1 AND drive_id = $2 AND post_id = $3
GROUP BY single_reaction
ORDER BY single_reaction`

func (q *Queries) ReactionSummary(ctx context.Context, identityID, driveID, postID uuid.UUID) (ReactionSummary, error) {
	s := ReactionSummary{Counts: map[string]int64{}}
	rows, err := q.db.Query(ctx, reactionSummary, identityID, driveID, postID)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var reaction string
		var n int64
		if err := rows.Scan(&reaction, &n); err != nil {
			return s, err
		}
		s.Counts[reaction] = n
		s.Total += n
	}
	return s, rows.Err()
}

const reactionsByIdentity = `-- name: ReactionsByIdentity :many
SELECT single_reaction FROM drive_reactions
WHERE identity_id = $1 AND drive_id = $2 AND post_id = $3 AND identity = $4
ORDER BY single_reaction`

func (q *Queries) ReactionsByIdentity(ctx context.Context, identityID, driveID, postID uuid.UUID, identity string) ([]string, error) {
	rows, err := q.db.Query(ctx, reactionsByIdentity, identityID, driveID, postID, identity)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const reactionCountByDrive = `-- name: ReactionCountByDrive :one
SELECT count(*) FROM drive_reactions WHERE identity_id = $1 AND drive_id = $2`

func (q *Queries) ReactionCountByDrive(ctx context.Context, identityID, driveID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, reactionCountByDrive, identityID, driveID).Scan(&n)
	return n, err
}
