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
	"slices"

	"github.com/google/uuid"
)

type fileItem struct{ driveID, fileID uuid.UUID }

// DriveIndex maps a drive file to a set of ids: tags for the tag index,
// circle or identity ids for the acl index.
type DriveIndex struct {
	cachedTable
	sql indexSQL
}

// Replace makes ids the complete set for the file. The old set is deleted
// and the new one written in one transaction, so readers never see a mix.
func (d *DriveIndex) Replace(ctx context.Context, driveID, fileID uuid.UUID, ids []uuid.UUID) error {
	if driveID == uuid.Nil || fileID == uuid.Nil {
		return fmt.Errorf("%w: drive and file ids are required", ErrMissingField)
	}
	if slices.Contains(ids, uuid.Nil) {
		return fmt.Errorf("%w: index ids must not be empty", ErrMissingField)
	}
	return d.writeMany(ctx, func(ctx context.Context, q *Queries) error {
		if _, err := q.DriveIndexDeleteAll(ctx, d.sql, d.tenant.UUID(), driveID, fileID); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		for _, id := range ids {
			rec := DriveIndexRecord{DriveID: driveID, FileID: fileID, ItemID: id}
			if err := q.DriveIndexInsert(ctx, d.sql, d.tenant.UUID(), rec); err != nil {
				return fmt.Errorf("index %s: %w", id, err)
			}
		}
		return nil
	})
}

func (d *DriveIndex) Get(ctx context.Context, driveID, fileID uuid.UUID) ([]uuid.UUID, error) {
	return cachedList(ctx, d.cachedTable, fileItem{driveID, fileID}, nil, func(ctx context.Context, q *Queries) ([]uuid.UUID, error) {
		return q.DriveIndexList(ctx, d.sql, d.tenant.UUID(), driveID, fileID)
	})
}

func (d *DriveIndex) DeleteAllForFile(ctx context.Context, driveID, fileID uuid.UUID) (int64, error) {
	var n int64
	err := d.writeMany(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = q.DriveIndexDeleteAll(ctx, d.sql, d.tenant.UUID(), driveID, fileID)
		return err
	})
	return n, err
}
