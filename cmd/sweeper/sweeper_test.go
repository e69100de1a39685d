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

package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/tenantdb/config"
	"github.com/cardinalhq/tenantdb/identitydb"
)

type fakeQueue struct {
	mu         sync.Mutex
	recovered  int64
	err        error
	thresholds []time.Time
}

func (f *fakeQueue) recover(threshold time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds = append(f.thresholds, threshold)
	return f.recovered, f.err
}

type fakeOutbox struct{ *fakeQueue }

func (f fakeOutbox) RecoverCheckedOutDeadItems(_ context.Context, threshold time.Time) (int64, error) {
	return f.recover(threshold)
}

type fakeInbox struct{ *fakeQueue }

func (f fakeInbox) PopRecoverDead(_ context.Context, threshold time.Time) (int64, error) {
	return f.recover(threshold)
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSweeper(tenants []identitydb.TenantID, outboxes, inboxes map[identitydb.TenantID]*fakeQueue) *Sweeper {
	return &Sweeper{
		cfg: config.SweeperConfig{
			Interval:        time.Minute,
			OutboxThreshold: 5 * time.Minute,
			InboxThreshold:  10 * time.Minute,
			Concurrency:     2,
		},
		listTenants: func(context.Context) ([]identitydb.TenantID, error) {
			return tenants, nil
		},
		queues: func(tenant identitydb.TenantID) (outboxRecoverer, inboxRecoverer) {
			return fakeOutbox{outboxes[tenant]}, fakeInbox{inboxes[tenant]}
		},
		now: func() time.Time { return fixedNow },
	}
}

func TestSweepOnce_RecoversEveryTenant(t *testing.T) {
	a := identitydb.TenantID(uuid.New())
	b := identitydb.TenantID(uuid.New())
	outboxes := map[identitydb.TenantID]*fakeQueue{a: {recovered: 2}, b: {recovered: 1}}
	inboxes := map[identitydb.TenantID]*fakeQueue{a: {}, b: {recovered: 4}}

	s := newTestSweeper([]identitydb.TenantID{a, b}, outboxes, inboxes)
	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Tenants: 2, OutboxRecovered: 3, InboxRecovered: 4}, res)
	assert.Equal(t, []time.Time{fixedNow.Add(-5 * time.Minute)}, outboxes[a].thresholds)
	assert.Equal(t, []time.Time{fixedNow.Add(-10 * time.Minute)}, inboxes[b].thresholds)
}

func TestSweepOnce_TenantFailureDoesNotStopOthers(t *testing.T) {
	a := identitydb.TenantID(uuid.New())
	b := identitydb.TenantID(uuid.New())
	boom := errors.New("connection reset")
	outboxes := map[identitydb.TenantID]*fakeQueue{a: {err: boom}, b: {recovered: 1}}
	inboxes := map[identitydb.TenantID]*fakeQueue{a: {recovered: 3}, b: {}}

	s := newTestSweeper([]identitydb.TenantID{a, b}, outboxes, inboxes)
	res, err := s.SweepOnce(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), a.String())
	assert.Equal(t, int64(1), res.OutboxRecovered)
	assert.Equal(t, int64(3), res.InboxRecovered, "inbox of the failing tenant is still swept")
}

func TestSweepOnce_ListTenantsError(t *testing.T) {
	s := newTestSweeper(nil, nil, nil)
	s.listTenants = func(context.Context) ([]identitydb.TenantID, error) {
		return nil, errors.New("no database")
	}
	_, err := s.SweepOnce(context.Background())
	assert.ErrorContains(t, err, "list tenants")
}

func TestSweepOnce_NoTenants(t *testing.T) {
	s := newTestSweeper(nil, nil, nil)
	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newTestSweeper(nil, nil, nil)
	passes := make(chan error, 1)
	s.OnPass(func(_ Result, err error) { passes <- err })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-passes:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("first pass did not run")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestPeriodicLoop_RunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := periodicLoop(ctx, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("ignored")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
