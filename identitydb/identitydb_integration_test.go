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

//go:build integration

package identitydb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/tenantdb/identitydb"
	"github.com/cardinalhq/tenantdb/testhelpers"
)

func newItem(drive uuid.UUID, recipient string) identitydb.OutboxRecord {
	return identitydb.OutboxRecord{
		DriveID:     drive,
		FileID:      uuid.New(),
		Recipient:   recipient,
		Priority:    1,
		NextRunTime: time.Now().Add(-time.Second),
		Value:       []byte("payload"),
	}
}

func TestOutbox_DependencyOrdering(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	drive := uuid.New()

	a := newItem(drive, "frodo.example")
	b := newItem(drive, "frodo.example")
	b.DependencyFileID = uuid.NullUUID{UUID: a.FileID, Valid: true}

	_, err := db.Outbox.Insert(ctx, b)
	require.NoError(t, err)
	_, err = db.Outbox.Insert(ctx, a)
	require.NoError(t, err)

	got, err := db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.FileID, got.FileID)

	blocked, err := db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)
	assert.Nil(t, blocked, "b waits for a")

	stamp, ok := got.Stamp()
	require.True(t, ok)
	n, err := db.Outbox.CompleteAndRemove(ctx, stamp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.FileID, got.FileID)
}

func TestOutbox_DependencyIsPerRecipient(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	drive := uuid.New()

	a := newItem(drive, "sam.example")
	b := newItem(drive, "merry.example")
	b.DependencyFileID = uuid.NullUUID{UUID: a.FileID, Valid: true}
	for _, it := range []identitydb.OutboxRecord{a, b} {
		_, err := db.Outbox.Insert(ctx, it)
		require.NoError(t, err)
	}

	seen := map[uuid.UUID]bool{}
	for range 2 {
		got, err := db.Outbox.CheckOutItem(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		seen[got.FileID] = true
	}
	assert.True(t, seen[b.FileID], "a blocking row for another recipient does not count")
}

func TestOutbox_SelfDependencyNeverStored(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))

	it := newItem(uuid.New(), "x.example")
	it.DependencyFileID = uuid.NullUUID{UUID: it.FileID, Valid: true}
	_, err := db.Outbox.Upsert(ctx, it)
	assert.ErrorIs(t, err, identitydb.ErrSelfDependency)

	recs, err := db.Outbox.Get(ctx, it.DriveID, it.FileID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestOutbox_ConcurrentCheckoutsNeverShareRows(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	const items = 40
	for range items {
		_, err := db.Outbox.Insert(ctx, newItem(uuid.New(), "x.example"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[int64]int{}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := db.Outbox.CheckOutItem(ctx)
				if !assert.NoError(t, err) || got == nil {
					return
				}
				mu.Lock()
				claimed[got.RowID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, items)
	for row, n := range claimed {
		assert.Equal(t, 1, n, "row %d claimed more than once", row)
	}
}

func TestOutbox_CompleteThenCancelIsNoOp(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	_, err := db.Outbox.Insert(ctx, newItem(uuid.New(), "x.example"))
	require.NoError(t, err)

	got, err := db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	stamp, _ := got.Stamp()

	n, err := db.Outbox.CompleteAndRemove(ctx, stamp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = db.Outbox.CheckInAsCancelled(ctx, stamp, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutbox_CheckInReschedules(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	it := newItem(uuid.New(), "x.example")
	_, err := db.Outbox.Insert(ctx, it)
	require.NoError(t, err)

	got, err := db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)
	stamp, _ := got.Stamp()

	later := time.Now().Add(time.Hour)
	n, err := db.Outbox.CheckInAsCancelled(ctx, stamp, later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	none, err := db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "rescheduled into the future")

	rec, err := db.Outbox.GetForRecipient(ctx, it.DriveID, it.FileID, it.Recipient)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int32(1), rec.CheckOutCount)
	assert.False(t, rec.CheckOutStamp.Valid)

	next, err := db.Outbox.NextScheduledItem(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, later, *next, time.Millisecond)
}

func TestOutbox_RecoverDeadItems(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	_, err := db.Outbox.Insert(ctx, newItem(uuid.New(), "x.example"))
	require.NoError(t, err)

	got, err := db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	n, err := db.Outbox.RecoverCheckedOutDeadItems(ctx, got.CheckOutAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "checked out after the threshold")

	n, err = db.Outbox.RecoverCheckedOutDeadItems(ctx, got.CheckOutAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, got.RowID, again.RowID)
	assert.Equal(t, int32(1), again.CheckOutCount)
}

func TestOutbox_Status(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	drive := uuid.New()
	for range 3 {
		_, err := db.Outbox.Insert(ctx, newItem(drive, "x.example"))
		require.NoError(t, err)
	}
	_, err := db.Outbox.CheckOutItem(ctx)
	require.NoError(t, err)

	s, err := db.Outbox.OutboxStatusForDrive(ctx, drive)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(1), s.CheckedOut)
	assert.NotNil(t, s.NextRunTime)

	other, err := db.Outbox.OutboxStatusForDrive(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, other.Total)
	assert.Nil(t, other.NextRunTime)
}

func TestOutbox_TenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	db, factory := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	other := identitydb.NewOutbox(factory, identitydb.TenantID(uuid.New()))

	_, err := db.Outbox.Insert(ctx, newItem(uuid.New(), "x.example"))
	require.NoError(t, err)

	got, err := other.CheckOutItem(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	tenants, err := identitydb.ListTenants(ctx, factory)
	require.NoError(t, err)
	assert.Equal(t, []identitydb.TenantID{db.Tenant()}, tenants)
}

func TestInbox_PopTwoOfFive(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	box := uuid.New()
	var files []uuid.UUID
	for range 5 {
		f := uuid.New()
		files = append(files, f)
		_, err := db.Inbox.Insert(ctx, identitydb.InboxRecord{BoxID: box, FileID: f})
		require.NoError(t, err)
	}

	recs, stamp, err := db.Inbox.PopSpecificBox(ctx, box, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, files[:2], []uuid.UUID{recs[0].FileID, recs[1].FileID}, "insertion order")
	for _, r := range recs {
		assert.Equal(t, stamp.Token, r.PopStamp.UUID)
	}

	s, err := db.Inbox.PopStatusSpecificBox(ctx, box)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.Total)
	assert.Equal(t, int64(2), s.Popped)
	require.NotNil(t, s.OldestPopped)

	n, err := db.Inbox.PopCancelList(ctx, stamp, []uuid.UUID{recs[0].FileID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = db.Inbox.PopCommitAll(ctx, stamp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = db.Inbox.PopCommitAll(ctx, stamp)
	require.NoError(t, err)
	assert.Zero(t, n)

	s, err = db.Inbox.PopStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Total)
	assert.Zero(t, s.Popped)
}

func TestInbox_PopRecoverDead(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	box := uuid.New()
	_, err := db.Inbox.Insert(ctx, identitydb.InboxRecord{BoxID: box, FileID: uuid.New()})
	require.NoError(t, err)

	_, stamp, err := db.Inbox.PopSpecificBox(ctx, box, 10)
	require.NoError(t, err)

	n, err := db.Inbox.PopRecoverDead(ctx, stamp.IssuedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = db.Inbox.PopRecoverDead(ctx, stamp.IssuedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, _, err := db.Inbox.PopSpecificBox(ctx, box, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDriveIndex_ReplaceSwapsWholeSet(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	drive, file := uuid.New(), uuid.New()
	first := []uuid.UUID{uuid.New(), uuid.New()}
	second := []uuid.UUID{uuid.New()}

	require.NoError(t, db.DriveTagIndex.Replace(ctx, drive, file, first))
	got, err := db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)
	assert.ElementsMatch(t, first, got)

	require.NoError(t, db.DriveTagIndex.Replace(ctx, drive, file, second))
	got, err = db.DriveTagIndex.Get(ctx, drive, file)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	acl, err := db.DriveAclIndex.Get(ctx, drive, file)
	require.NoError(t, err)
	assert.Empty(t, acl)
}

func TestExecTx_RollsBackEveryTable(t *testing.T) {
	ctx := context.Background()
	db, _ := testhelpers.NewTestIdentityDatabase(t, identitydb.TenantID(uuid.New()))
	circle, member := uuid.New(), uuid.New()

	err := db.ExecTx(ctx, func(ctx context.Context) error {
		if err := db.CircleMembers.UpsertMany(ctx, []identitydb.CircleMemberRecord{{CircleID: circle, MemberID: member}}); err != nil {
			return err
		}
		if _, err := db.KeyValue.Upsert(ctx, []byte("k"), []byte("v")); err != nil {
			return err
		}
		members, err := db.CircleMembers.GetCircleMembersUncached(ctx, circle)
		if err != nil {
			return err
		}
		assert.Len(t, members, 1, "visible inside the transaction")
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	members, err := db.CircleMembers.GetCircleMembers(ctx, circle)
	require.NoError(t, err)
	assert.Empty(t, members)
	v, err := db.KeyValue.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
}
