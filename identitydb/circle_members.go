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

	"github.com/google/uuid"
)

type circleItem struct{ circleID uuid.UUID }

type memberItem struct{ memberID uuid.UUID }

type circleMemberItem struct{ circleID, memberID uuid.UUID }

func circleTag(id uuid.UUID) string { return "circle:" + id.String() }

func memberTag(id uuid.UUID) string { return "member:" + id.String() }

// CircleMembers is the circle to member relation of one tenant.
type CircleMembers struct {
	cachedTable
}

func (c *CircleMembers) Upsert(ctx context.Context, rec CircleMemberRecord) error {
	if err := validateCircleMember(&rec); err != nil {
		return err
	}
	return c.write(ctx, []string{circleTag(rec.CircleID), memberTag(rec.MemberID)}, func(ctx context.Context, q *Queries) error {
		return q.CircleMemberUpsert(ctx, c.tenant.UUID(), rec.CircleID, rec.MemberID, rec.Data)
	})
}

// UpsertMany writes all records or none of them.
func (c *CircleMembers) UpsertMany(ctx context.Context, recs []CircleMemberRecord) error {
	for i := range recs {
		if err := validateCircleMember(&recs[i]); err != nil {
			return err
		}
	}
	if len(recs) == 0 {
		return nil
	}
	return c.writeMany(ctx, func(ctx context.Context, q *Queries) error {
		for _, rec := range recs {
			if err := q.CircleMemberUpsert(ctx, c.tenant.UUID(), rec.CircleID, rec.MemberID, rec.Data); err != nil {
				return fmt.Errorf("upsert member %s of circle %s: %w", rec.MemberID, rec.CircleID, err)
			}
		}
		return nil
	})
}

// RemoveMembers removes memberIDs from circleID in one transaction and
// returns how many memberships existed.
func (c *CircleMembers) RemoveMembers(ctx context.Context, circleID uuid.UUID, memberIDs []uuid.UUID) (int64, error) {
	if len(memberIDs) == 0 {
		return 0, nil
	}
	var total int64
	err := c.writeMany(ctx, func(ctx context.Context, q *Queries) error {
		total = 0
		for _, memberID := range memberIDs {
			n, err := q.CircleMemberDelete(ctx, c.tenant.UUID(), circleID, memberID)
			if err != nil {
				return fmt.Errorf("remove member %s: %w", memberID, err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

// DeleteAllForMember removes memberID from every circle.
func (c *CircleMembers) DeleteAllForMember(ctx context.Context, memberID uuid.UUID) (int64, error) {
	var n int64
	err := c.writeMany(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.CircleMemberDeleteForMember(ctx, c.tenant.UUID(), memberID)
		return err
	})
	return n, err
}

func (c *CircleMembers) Get(ctx context.Context, circleID, memberID uuid.UUID) (*CircleMemberRecord, error) {
	tags := []string{circleTag(circleID), memberTag(memberID)}
	return cachedOne(ctx, c.cachedTable, circleMemberItem{circleID, memberID}, tags, func(ctx context.Context, q *Queries) (*CircleMemberRecord, error) {
		return q.CircleMemberGet(ctx, c.tenant.UUID(), circleID, memberID)
	})
}

func (c *CircleMembers) GetCircleMembers(ctx context.Context, circleID uuid.UUID) ([]CircleMemberRecord, error) {
	return cachedList(ctx, c.cachedTable, circleItem{circleID}, []string{circleTag(circleID)}, func(ctx context.Context, q *Queries) ([]CircleMemberRecord, error) {
		return q.CircleMemberListByCircle(ctx, c.tenant.UUID(), circleID)
	})
}

// GetCircleMembersUncached reads straight from the store and may be used
// inside a transaction.
func (c *CircleMembers) GetCircleMembersUncached(ctx context.Context, circleID uuid.UUID) ([]CircleMemberRecord, error) {
	var recs []CircleMemberRecord
	err := c.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		recs, err = q.CircleMemberListByCircle(ctx, c.tenant.UUID(), circleID)
		return err
	})
	return recs, err
}

func (c *CircleMembers) GetMemberCircles(ctx context.Context, memberID uuid.UUID) ([]CircleMemberRecord, error) {
	return cachedList(ctx, c.cachedTable, memberItem{memberID}, []string{memberTag(memberID)}, func(ctx context.Context, q *Queries) ([]CircleMemberRecord, error) {
		return q.CircleMemberListByMember(ctx, c.tenant.UUID(), memberID)
	})
}

func validateCircleMember(rec *CircleMemberRecord) error {
	if rec.CircleID == uuid.Nil || rec.MemberID == uuid.Nil {
		return fmt.Errorf("%w: circle and member ids are required", ErrMissingField)
	}
	return nil
}
