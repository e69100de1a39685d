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
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/tenantdb/internal/tablecache"
	"github.com/cardinalhq/tenantdb/internal/uow/uowtest"
)

// scriptIndexList answers every drive index list query with ids.
func scriptIndexList(p *uowtest.Provider, calls *atomic.Int32, ids ...uuid.UUID) {
	p.QueryFunc = func(context.Context, string, ...any) (pgx.Rows, error) {
		calls.Add(1)
		rows := make([][]any, len(ids))
		for i, id := range ids {
			rows[i] = []any{id}
		}
		return uowtest.NewRows(rows...), nil
	}
}

func TestDriveIndex_ReplaceIsOneTransaction(t *testing.T) {
	db, p := newTestDB(t)
	var sqls []string
	p.ExecFunc = func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		sqls = append(sqls, sql)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	tags := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	err := db.DriveTagIndex.Replace(context.Background(), uuid.New(), uuid.New(), tags)
	require.NoError(t, err)

	c := p.Counts()
	assert.Equal(t, 1, c.Begun)
	assert.Equal(t, 1, c.Committed)
	assert.Zero(t, c.RolledBack)
	require.Len(t, sqls, 4)
	assert.Equal(t, driveTagIndexSQL.deleteAll, sqls[0])
	for _, sql := range sqls[1:] {
		assert.Equal(t, driveTagIndexSQL.insert, sql)
	}
}

func TestDriveIndex_ReplaceRollsBackOnRowFailure(t *testing.T) {
	db, p := newTestDB(t)
	boom := errors.New("constraint violated")
	var inserts int
	p.ExecFunc = func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		if sql == driveAclIndexSQL.insert {
			inserts++
			if inserts == 2 {
				return pgconn.CommandTag{}, boom
			}
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}

	err := db.DriveAclIndex.Replace(context.Background(), uuid.New(), uuid.New(), []uuid.UUID{uuid.New(), uuid.New(), uuid.New()})
	assert.ErrorIs(t, err, boom)

	c := p.Counts()
	assert.Zero(t, c.Committed)
	assert.Equal(t, 1, c.RolledBack)
	assert.Equal(t, 2, inserts, "the loop stops at the first failure")
}

func TestDriveIndex_ReplaceValidates(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()

	assert.ErrorIs(t, db.DriveTagIndex.Replace(ctx, uuid.Nil, uuid.New(), nil), ErrMissingField)
	assert.ErrorIs(t, db.DriveTagIndex.Replace(ctx, uuid.New(), uuid.New(), []uuid.UUID{uuid.Nil}), ErrMissingField)
	assert.Zero(t, p.Counts().Acquired)
}

func TestDriveIndex_GetIsCachedUntilReplace(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	drive, file := uuid.New(), uuid.New()
	tag := uuid.New()
	var calls atomic.Int32
	scriptIndexList(p, &calls, tag)

	for range 2 {
		got, err := db.DriveTagIndex.Get(ctx, drive, file)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{tag}, got)
	}
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, db.DriveTagIndex.Replace(ctx, drive, file, []uuid.UUID{tag}))

	_, err := db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDriveIndex_EmptyListIsCached(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	var calls atomic.Int32
	scriptIndexList(p, &calls)

	for range 3 {
		got, err := db.DriveAclIndex.Get(ctx, uuid.Nil, uuid.Nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedRead_FailsInsideTransaction(t *testing.T) {
	db, p := newTestDB(t)
	var calls atomic.Int32
	scriptIndexList(p, &calls)

	err := db.ExecTx(context.Background(), func(ctx context.Context) error {
		_, err := db.DriveTagIndex.Get(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, tablecache.ErrCacheInTransaction)

		_, err = db.CircleMembers.GetCircleMembers(ctx, uuid.New())
		assert.ErrorIs(t, err, tablecache.ErrCacheInTransaction)

		_, err = db.KeyValue.Get(ctx, []byte("k"))
		assert.ErrorIs(t, err, tablecache.ErrCacheInTransaction)
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
}

func TestWriteInsideTransaction_InvalidatesAfterCommit(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	drive, file := uuid.New(), uuid.New()
	var calls atomic.Int32
	scriptIndexList(p, &calls, uuid.New())

	_, err := db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)

	err = db.ExecTx(ctx, func(ctx context.Context) error {
		if err := db.DriveTagIndex.Replace(ctx, drive, file, []uuid.UUID{uuid.New()}); err != nil {
			return err
		}
		_, err := db.FollowsMe.Follow(ctx, "gandalf.example")
		return err
	})
	require.NoError(t, err)

	c := p.Counts()
	assert.Equal(t, 1, c.Begun, "nested writes share the outer transaction")
	assert.Equal(t, 1, c.Committed)

	_, err = db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWriteInsideTransaction_RollbackKeepsCache(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	drive, file := uuid.New(), uuid.New()
	var calls atomic.Int32
	scriptIndexList(p, &calls, uuid.New())

	_, err := db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)

	abort := errors.New("abort")
	err = db.ExecTx(ctx, func(ctx context.Context) error {
		if err := db.DriveTagIndex.Replace(ctx, drive, file, nil); err != nil {
			return err
		}
		return abort
	})
	assert.ErrorIs(t, err, abort)
	assert.Equal(t, 1, p.Counts().RolledBack)

	_, err = db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "nothing changed, so the cached value stays")
}

func TestKeyValue_NegativeCaching(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	var reads atomic.Int32
	var stored []byte
	p.QueryRowFunc = func(context.Context, string, ...any) pgx.Row {
		reads.Add(1)
		if stored == nil {
			return uowtest.Row{Err: pgx.ErrNoRows}
		}
		return uowtest.ValueRow{stored}
	}
	p.ExecFunc = func(_ context.Context, _ string, a ...any) (pgconn.CommandTag, error) {
		stored = a[2].([]byte)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}

	for range 2 {
		v, err := db.KeyValue.Get(ctx, []byte("theme"))
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Equal(t, int32(1), reads.Load())

	_, err := db.KeyValue.Upsert(ctx, []byte("theme"), []byte("dark"))
	require.NoError(t, err)

	v, err := db.KeyValue.Get(ctx, []byte("theme"))
	require.NoError(t, err)
	assert.Equal(t, []byte("dark"), v)
	assert.Equal(t, int32(2), reads.Load())
}

func TestKeyValue_RequiresKey(t *testing.T) {
	db, p := newTestDB(t)
	_, err := db.KeyValue.Get(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMissingField)
	_, err = db.KeyValue.Upsert(context.Background(), []byte{}, []byte("x"))
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Zero(t, p.Counts().Acquired)
}

func TestCircleMembers_UpsertManyValidatesFirst(t *testing.T) {
	db, p := newTestDB(t)
	recs := []CircleMemberRecord{
		{CircleID: uuid.New(), MemberID: uuid.New()},
		{CircleID: uuid.New()},
	}
	assert.ErrorIs(t, db.CircleMembers.UpsertMany(context.Background(), recs), ErrMissingField)
	assert.Zero(t, p.Counts().Acquired)
}

func TestCircleMembers_RemoveMembersCountsRows(t *testing.T) {
	db, p := newTestDB(t)
	p.ExecFunc = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("DELETE 1"), nil
	}

	n, err := db.CircleMembers.RemoveMembers(context.Background(), uuid.New(), []uuid.UUID{uuid.New(), uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, p.Counts().Committed)
}

func TestCircleMembers_TagInvalidation(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	circleA, circleB, member := uuid.New(), uuid.New(), uuid.New()
	queries := map[uuid.UUID]int{}
	p.QueryFunc = func(_ context.Context, _ string, a ...any) (pgx.Rows, error) {
		queries[a[1].(uuid.UUID)]++
		return uowtest.NewRows(), nil
	}

	for _, c := range []uuid.UUID{circleA, circleB} {
		_, err := db.CircleMembers.GetCircleMembers(ctx, c)
		require.NoError(t, err)
	}
	require.NoError(t, db.CircleMembers.Upsert(ctx, CircleMemberRecord{CircleID: circleA, MemberID: member}))
	for _, c := range []uuid.UUID{circleA, circleB} {
		_, err := db.CircleMembers.GetCircleMembers(ctx, c)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, queries[circleA], "the changed circle is reloaded")
	assert.Equal(t, 1, queries[circleB], "other circles stay cached")
}

func TestFollowers_Page(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()

	_, err := db.FollowsMe.Page(ctx, 0, "")
	assert.ErrorIs(t, err, ErrInvalidCount)
	assert.Zero(t, p.Counts().Acquired)

	p.QueryFunc = func(_ context.Context, _ string, a ...any) (pgx.Rows, error) {
		if a[1].(string) == "" {
			return uowtest.NewRows([]any{"a.example"}, []any{"b.example"}), nil
		}
		return uowtest.NewRows([]any{"c.example"}), nil
	}

	page, err := db.FollowsMe.Page(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example"}, page.Identities)
	assert.Equal(t, "b.example", page.Cursor)

	page, err = db.FollowsMe.Page(ctx, 2, page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.example"}, page.Identities)
	assert.Empty(t, page.Cursor)
}

func TestFollowers_FollowDefaultsToAllDrives(t *testing.T) {
	db, p := newTestDB(t)
	var drives []uuid.UUID
	p.ExecFunc = func(_ context.Context, _ string, a ...any) (pgconn.CommandTag, error) {
		drives = append(drives, a[2].(uuid.UUID))
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}

	n, err := db.ImFollowing.Follow(context.Background(), "bilbo.example")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []uuid.UUID{AllDrives}, drives)

	_, err = db.ImFollowing.Follow(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestReactions_SummaryCachedPerPost(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	drive, post := uuid.New(), uuid.New()
	var calls atomic.Int32
	p.QueryFunc = func(context.Context, string, ...any) (pgx.Rows, error) {
		calls.Add(1)
		return uowtest.NewRows([]any{":)", int64(2)}, []any{":(", int64(1)}), nil
	}

	s, err := db.Reactions.Summary(ctx, drive, post)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, map[string]int64{":)": 2, ":(": 1}, s.Counts)

	s.Counts[":)"] = 99
	s, err = db.Reactions.Summary(ctx, drive, post)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Counts[":)"], "callers get their own copy")
	assert.Equal(t, int32(1), calls.Load())

	_, err = db.Reactions.Add(ctx, DriveReactionRecord{DriveID: drive, PostID: post, Identity: "x.example", SingleReaction: ":)"})
	require.NoError(t, err)
	_, err = db.Reactions.Summary(ctx, drive, post)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDriveIndex_GetReturnsCopy(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	drive, file, tag := uuid.New(), uuid.New(), uuid.New()
	var calls atomic.Int32
	scriptIndexList(p, &calls, tag)

	got, err := db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)
	got[0] = uuid.Nil

	got, err = db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tag}, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCircleMembers_CachedDataIsCopied(t *testing.T) {
	db, p := newTestDB(t)
	ctx := context.Background()
	circle, member := uuid.New(), uuid.New()
	p.QueryFunc = func(context.Context, string, ...any) (pgx.Rows, error) {
		return uowtest.NewRows([]any{
			db.Tenant().UUID(), circle, member, []byte("data"), time.Time{}, time.Time{},
		}), nil
	}

	got, err := db.CircleMembers.GetCircleMembers(ctx, circle)
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].Data[0] = 'X'
	got[0].MemberID = uuid.Nil

	got, err = db.CircleMembers.GetCircleMembers(ctx, circle)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, member, got[0].MemberID)
	assert.Equal(t, []byte("data"), got[0].Data)
}
