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
	"math"

	"github.com/google/uuid"
)

// AllDrives is the drive id recorded for a follow that covers every drive.
var AllDrives = uuid.Nil

type followItem struct{ identity string }

type followPageItem struct {
	cursor string
	drive  uuid.NullUUID
	count  int
}

// FollowPage is one page of distinct identities. Cursor is empty on the
// last page.
type FollowPage struct {
	Identities []string
	Cursor     string
}

// Followers is one of the follower graphs of a tenant: who follows me, or
// whom I follow. Every change drops the whole table from the cache since
// pages cannot be enumerated.
type Followers struct {
	cachedTable
	sql followSQL
}

// Follow records identity for each of driveIDs, or for AllDrives when none
// are given. It returns how many new rows were written.
func (f *Followers) Follow(ctx context.Context, identity string, driveIDs ...uuid.UUID) (int64, error) {
	if identity == "" {
		return 0, fmt.Errorf("%w: identity is required", ErrMissingField)
	}
	if len(driveIDs) == 0 {
		driveIDs = []uuid.UUID{AllDrives}
	}
	var total int64
	err := f.writeMany(ctx, func(ctx context.Context, q *Queries) error {
		total = 0
		for _, driveID := range driveIDs {
			n, err := q.FollowInsert(ctx, f.sql, f.tenant.UUID(), identity, driveID)
			if err != nil {
				return fmt.Errorf("follow drive %s: %w", driveID, err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (f *Followers) Unfollow(ctx context.Context, identity string, driveID uuid.UUID) (int64, error) {
	var n int64
	err := f.writeMany(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.FollowDelete(ctx, f.sql, f.tenant.UUID(), identity, driveID)
		return err
	})
	return n, err
}

func (f *Followers) DeleteAllForIdentity(ctx context.Context, identity string) (int64, error) {
	var n int64
	err := f.writeMany(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.FollowDeleteAll(ctx, f.sql, f.tenant.UUID(), identity)
		return err
	})
	return n, err
}

func (f *Followers) GetByIdentity(ctx context.Context, identity string) ([]FollowRecord, error) {
	return cachedList(ctx, f.cachedTable, followItem{identity}, nil, func(ctx context.Context, q *Queries) ([]FollowRecord, error) {
		return q.FollowByIdentity(ctx, f.sql, f.tenant.UUID(), identity)
	})
}

// Page lists up to count distinct identities after cursor.
func (f *Followers) Page(ctx context.Context, count int, cursor string) (FollowPage, error) {
	return f.page(ctx, count, cursor, uuid.NullUUID{})
}

// PageForDrive lists identities following driveID specifically.
func (f *Followers) PageForDrive(ctx context.Context, driveID uuid.UUID, count int, cursor string) (FollowPage, error) {
	return f.page(ctx, count, cursor, uuid.NullUUID{UUID: driveID, Valid: true})
}

func (f *Followers) page(ctx context.Context, count int, cursor string, drive uuid.NullUUID) (FollowPage, error) {
	if count < 1 {
		return FollowPage{}, ErrInvalidCount
	}
	limit := int32(min(count, math.MaxInt32))
	ids, err := cachedList(ctx, f.cachedTable, followPageItem{cursor, drive, count}, nil, func(ctx context.Context, q *Queries) ([]string, error) {
		return q.FollowPage(ctx, f.sql, f.tenant.UUID(), cursor, drive, limit)
	})
	if err != nil {
		return FollowPage{}, err
	}
	p := FollowPage{Identities: ids}
	if len(ids) == count {
		p.Cursor = ids[len(ids)-1]
	}
	return p, nil
}
