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
	"fmt"
	"maps"

	"github.com/google/uuid"
)

type postItem struct{ driveID, postID uuid.UUID }

type postIdentityItem struct {
	driveID, postID uuid.UUID
	identity        string
}

type driveItem struct{ driveID uuid.UUID }

func postTag(driveID, postID uuid.UUID) string {
	return "post:" + driveID.String() + "/" + postID.String()
}

func driveTag(driveID uuid.UUID) string { return "drive:" + driveID.String() }

// Reactions stores the single-emoji reactions identities leave on posts.
type Reactions struct {
	cachedTable
}

func (r *Reactions) Add(ctx context.Context, rec DriveReactionRecord) (int64, error) {
	if err := validateReaction(&rec); err != nil {
		return 0, err
	}
	var n int64
	err := r.write(ctx, []string{postTag(rec.DriveID, rec.PostID), driveTag(rec.DriveID)}, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.ReactionInsert(ctx, r.tenant.UUID(), rec)
		return err
	})
	return n, err
}

func (r *Reactions) Remove(ctx context.Context, rec DriveReactionRecord) (int64, error) {
	if err := validateReaction(&rec); err != nil {
		return 0, err
	}
	var n int64
	err := r.write(ctx, []string{postTag(rec.DriveID, rec.PostID), driveTag(rec.DriveID)}, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.ReactionDelete(ctx, r.tenant.UUID(), rec)
		return err
	})
	return n, err
}

// RemoveAllFrom removes every reaction identity left on the post.
func (r *Reactions) RemoveAllFrom(ctx context.Context, identity string, driveID, postID uuid.UUID) (int64, error) {
	var n int64
	err := r.write(ctx, []string{postTag(driveID, postID), driveTag(driveID)}, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.ReactionDeleteFrom(ctx, r.tenant.UUID(), driveID, postID, identity)
		return err
	})
	return n, err
}

func (r *Reactions) Summary(ctx context.Context, driveID, postID uuid.UUID) (ReactionSummary, error) {
	l, err := cachedOne(ctx, r.cachedTable, postItem{driveID, postID}, []string{postTag(driveID, postID)}, func(ctx context.Context, q *Queries) (*ReactionSummary, error) {
		s, err := q.ReactionSummary(ctx, r.tenant.UUID(), driveID, postID)
		return &s, err
	})
	if err != nil {
		return ReactionSummary{}, err
	}
	return ReactionSummary{Counts: maps.Clone(l.Counts), Total: l.Total}, nil
}

// ByIdentity lists the reactions identity left on the post.
func (r *Reactions) ByIdentity(ctx context.Context, identity string, driveID, postID uuid.UUID) ([]string, error) {
	return cachedList(ctx, r.cachedTable, postIdentityItem{driveID, postID, identity}, []string{postTag(driveID, postID)}, func(ctx context.Context, q *Queries) ([]string, error) {
		return q.ReactionsByIdentity(ctx, r.tenant.UUID(), driveID, postID, identity)
	})
}

func (r *Reactions) CountByDrive(ctx context.Context, driveID uuid.UUID) (int64, error) {
	l, err := cachedOne(ctx, r.cachedTable, driveItem{driveID}, []string{driveTag(driveID)}, func(ctx context.Context, q *Queries) (*int64, error) {
		n, err := q.ReactionCountByDrive(ctx, r.tenant.UUID(), driveID)
		return &n, err
	})
	if err != nil {
		return 0, err
	}
	return *l, nil
}

func validateReaction(rec *DriveReactionRecord) error {
	if rec.DriveID == uuid.Nil || rec.PostID == uuid.Nil {
		return fmt.Errorf("%w: drive and post ids are required", ErrMissingField)
	}
	if rec.Identity == "" || rec.SingleReaction == "" {
		return fmt.Errorf("%w: identity and reaction are required", ErrMissingField)
	}
	return nil
}
