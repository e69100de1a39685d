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

package tablecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/tenantdb/internal/uow"
	"github.com/cardinalhq/tenantdb/internal/uow/uowtest"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := NewBackend(WithCapacity(1000), WithDefaultTTL(time.Minute))
	t.Cleanup(b.Close)
	return b
}

func countingLoader(calls *atomic.Int32, l Lookup[string], err error) func(context.Context) (Lookup[string], error) {
	return func(context.Context) (Lookup[string], error) {
		calls.Add(1)
		return l, err
	}
}

func TestTableCache_GetOrSet(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)

	t.Run("hit after miss", func(t *testing.T) {
		var calls atomic.Int32
		for range 3 {
			got, err := c.GetOrSet(ctx, "a", countingLoader(&calls, Found("alpha"), nil))
			require.NoError(t, err)
			assert.True(t, got.Found)
			assert.Equal(t, "alpha", got.Value)
		}
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("negative result is cached", func(t *testing.T) {
		var calls atomic.Int32
		for range 2 {
			got, err := c.GetOrSet(ctx, "missing", countingLoader(&calls, Missing[string](), nil))
			require.NoError(t, err)
			assert.False(t, got.Found)
		}
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("loader errors are not cached", func(t *testing.T) {
		var calls atomic.Int32
		boom := errors.New("boom")
		for range 2 {
			_, err := c.GetOrSet(ctx, "broken", countingLoader(&calls, Lookup[string]{}, boom))
			require.ErrorIs(t, err, boom)
		}
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("invalidate forces reload", func(t *testing.T) {
		var calls atomic.Int32
		_, err := c.GetOrSet(ctx, "b", countingLoader(&calls, Found("beta"), nil))
		require.NoError(t, err)
		require.NoError(t, c.Invalidate(ctx, "b"))
		_, err = c.GetOrSet(ctx, "b", countingLoader(&calls, Found("beta"), nil))
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestTableCache_TenantsAndTablesAreSeparate(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	tenantA := uuid.New()
	tenantB := uuid.New()

	ca := NewTableCache[string, string](b, "keyvalue", tenantA, 0)
	cb := NewTableCache[string, string](b, "keyvalue", tenantB, 0)
	other := NewTableCache[string, string](b, "other", tenantA, 0)

	var calls atomic.Int32
	_, err := ca.GetOrSet(ctx, "k", countingLoader(&calls, Found("a"), nil))
	require.NoError(t, err)
	got, err := cb.GetOrSet(ctx, "k", countingLoader(&calls, Found("b"), nil))
	require.NoError(t, err)
	assert.Equal(t, "b", got.Value)
	_, err = other.GetOrSet(ctx, "k", countingLoader(&calls, Found("o"), nil))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	require.NoError(t, ca.InvalidateAll(ctx))

	_, ok := b.get(Key{Table: "keyvalue", Tenant: tenantA, Item: "k"})
	assert.False(t, ok)
	_, ok = b.get(Key{Table: "keyvalue", Tenant: tenantB, Item: "k"})
	assert.True(t, ok)
	_, ok = b.get(Key{Table: "other", Tenant: tenantA, Item: "k"})
	assert.True(t, ok)
}

func TestTaggedCache_InvalidateTags(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	tenant := uuid.New()
	c := NewTaggedCache(b, "circlemember", tenant, 0)

	load := func(v string) func(context.Context) (Lookup[string], error) {
		return func(context.Context) (Lookup[string], error) { return Found(v), nil }
	}

	_, err := GetOrSet(ctx, c, "circle-1", []string{"circle:1"}, load("c1"))
	require.NoError(t, err)
	_, err = GetOrSet(ctx, c, "member-1", []string{"member:1"}, load("m1"))
	require.NoError(t, err)
	_, err = GetOrSet(ctx, c, "both", []string{"circle:1", "member:1"}, load("both"))
	require.NoError(t, err)

	require.NoError(t, c.InvalidateTags(ctx, "circle:1"))

	_, ok := b.get(c.key("circle-1"))
	assert.False(t, ok)
	_, ok = b.get(c.key("both"))
	assert.False(t, ok)
	_, ok = b.get(c.key("member-1"))
	assert.True(t, ok)
}

func TestTaggedCache_SetOverwritesTags(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	c := NewTaggedCache(b, "reactions", uuid.New(), 0)

	require.NoError(t, Set(ctx, c, "post", "v1", "old"))
	require.NoError(t, Set(ctx, c, "post", "v2", "new"))

	require.NoError(t, c.InvalidateTags(ctx, "old"))
	e, ok := b.get(c.key("post"))
	require.True(t, ok)
	assert.Equal(t, "v2", e.value)

	require.NoError(t, c.InvalidateTags(ctx, "new"))
	_, ok = b.get(c.key("post"))
	assert.False(t, ok)
}

func TestCache_RejectsOpenTransaction(t *testing.T) {
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)
	f := uow.NewFactory(&uowtest.Provider{})

	err := f.InTx(context.Background(), func(ctx context.Context, _ uow.DBTX) error {
		_, err := c.GetOrSet(ctx, "k", func(context.Context) (Lookup[string], error) {
			t.Fatal("loader must not run inside a transaction")
			return Lookup[string]{}, nil
		})
		assert.ErrorIs(t, err, ErrCacheInTransaction)
		assert.ErrorIs(t, c.Invalidate(ctx, "k"), ErrCacheInTransaction)
		assert.ErrorIs(t, c.InvalidateAll(ctx), ErrCacheInTransaction)
		assert.ErrorIs(t, Set(ctx, c.tc, "k", "v"), ErrCacheInTransaction)
		return nil
	})
	require.NoError(t, err)

	// a bare connection scope is fine
	err = f.WithConn(context.Background(), func(ctx context.Context, _ uow.DBTX) error {
		_, err := c.GetOrSet(ctx, "k", func(context.Context) (Lookup[string], error) {
			return Found("v"), nil
		})
		return err
	})
	require.NoError(t, err)
}

func TestCache_InvalidateAfterCommit(t *testing.T) {
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)
	f := uow.NewFactory(&uowtest.Provider{})
	bg := context.Background()

	_, err := c.GetOrSet(bg, "k", func(context.Context) (Lookup[string], error) { return Found("old"), nil })
	require.NoError(t, err)

	err = f.InTx(bg, func(ctx context.Context, _ uow.DBTX) error {
		require.NoError(t, c.InvalidateAfterCommit(ctx, "k"))
		_, ok := b.get(c.tc.key("k"))
		assert.True(t, ok, "entry must survive until commit")
		return nil
	})
	require.NoError(t, err)

	_, ok := b.get(c.tc.key("k"))
	assert.False(t, ok)
}

func TestCache_InvalidateAfterCommitSkippedOnRollback(t *testing.T) {
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)
	f := uow.NewFactory(&uowtest.Provider{})
	bg := context.Background()

	_, err := c.GetOrSet(bg, "k", func(context.Context) (Lookup[string], error) { return Found("old"), nil })
	require.NoError(t, err)

	err = f.InTx(bg, func(ctx context.Context, _ uow.DBTX) error {
		require.NoError(t, c.InvalidateAllAfterCommit(ctx))
		return errors.New("abort")
	})
	require.Error(t, err)

	_, ok := b.get(c.tc.key("k"))
	assert.True(t, ok)
}

func TestCache_InvalidateAfterCommitWithoutTransaction(t *testing.T) {
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)
	bg := context.Background()

	_, err := c.GetOrSet(bg, "k", func(context.Context) (Lookup[string], error) { return Found("old"), nil })
	require.NoError(t, err)
	require.NoError(t, c.InvalidateAfterCommit(bg, "k"))

	_, ok := b.get(c.tc.key("k"))
	assert.False(t, ok)
}

func TestCache_LoadRacingInvalidationIsNotStored(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)

	got, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (Lookup[string], error) {
		// a writer commits while the read is in flight
		require.NoError(t, c.Invalidate(ctx, "k"))
		return Found("stale"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stale", got.Value)

	_, ok := b.get(c.tc.key("k"))
	assert.False(t, ok)

	var calls atomic.Int32
	got, err = c.GetOrSet(ctx, "k", countingLoader(&calls, Found("fresh"), nil))
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Value)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_ConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) (Lookup[string], error) {
		calls.Add(1)
		<-release
		return Found("v"), nil
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetOrSet(ctx, "k", loader)
			assert.NoError(t, err)
			assert.Equal(t, "v", got.Value)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestBackend_Clear(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)

	_, err := c.GetOrSet(ctx, "k", func(context.Context) (Lookup[string], error) { return Found("v"), nil })
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())

	b.Clear()
	assert.Equal(t, 0, b.Len())
}

func TestConfigOptions(t *testing.T) {
	assert.Empty(t, Config{}.Options())
	assert.Len(t, DefaultConfig().Options(), 2)

	var o backendOptions
	for _, opt := range (Config{TTL: time.Hour, Capacity: 10}).Options() {
		opt(&o)
	}
	assert.Equal(t, backendOptions{capacity: 10, ttl: time.Hour}, o)
}

func TestCache_SharedLoadSurvivesFirstCallerCancel(t *testing.T) {
	b := newTestBackend(t)
	c := NewTableCache[string, string](b, "keyvalue", uuid.New(), 0)

	started := make(chan struct{})
	release := make(chan struct{})
	var loaderErr atomic.Value
	loader := func(ctx context.Context) (Lookup[string], error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loaderErr.Store(err)
		}
		return Found("v"), nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrSet(firstCtx, "k", loader)
		firstErr <- err
	}()
	<-started

	second := make(chan Lookup[string], 1)
	go func() {
		got, err := c.GetOrSet(context.Background(), "k", func(context.Context) (Lookup[string], error) {
			return Missing[string](), errors.New("joined callers must not load")
		})
		assert.NoError(t, err)
		second <- got
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	got := <-second
	assert.True(t, got.Found)
	assert.Equal(t, "v", got.Value)
	assert.Nil(t, loaderErr.Load(), "shared load saw the first caller's cancellation")
}
