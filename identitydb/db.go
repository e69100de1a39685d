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
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardinalhq/tenantdb/internal/tablecache"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries holds the statements for every tenant table. It runs against
// whatever connection or transaction it was created with.
type Queries struct {
	db DBTX
}

// tenantTable is the part every tenant scoped table shares: where to get a
// connection and which tenant to write.
type tenantTable struct {
	factory *uow.Factory
	tenant  TenantID
}

func (t tenantTable) run(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	return t.factory.WithConn(ctx, func(ctx context.Context, db uow.DBTX) error {
		return fn(ctx, New(db))
	})
}

// runTx runs fn in one stacked transaction.
func (t tenantTable) runTx(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	return t.factory.InTx(ctx, func(ctx context.Context, db uow.DBTX) error {
		return fn(ctx, New(db))
	})
}

// cachedTable is a tenantTable whose reads go through the tagged cache.
// Cached reads fail inside an open transaction; writes register their
// invalidation to run after the commit.
type cachedTable struct {
	tenantTable
	cache *tablecache.TaggedCache
}

func newCachedTable(factory *uow.Factory, backend *tablecache.Backend, table string, tenant TenantID, ttl time.Duration) cachedTable {
	return cachedTable{
		tenantTable: tenantTable{factory: factory, tenant: tenant},
		cache:       tablecache.NewTaggedCache(backend, table, tenant.UUID(), ttl),
	}
}

// cloner is implemented by records holding slices, so cached values can be
// handed out without sharing their backing arrays.
type cloner[V any] interface {
	clone() V
}

func cloneValue[V any](v V) V {
	if c, ok := any(v).(cloner[V]); ok {
		return c.clone()
	}
	return v
}

// cachedList caches the possibly empty result of load under item. Callers
// get their own copy of the cached slice.
func cachedList[V any](ctx context.Context, t cachedTable, item any, tags []string, load func(ctx context.Context, q *Queries) ([]V, error)) ([]V, error) {
	l, err := tablecache.GetOrSet(ctx, t.cache, item, tags, func(ctx context.Context) (tablecache.Lookup[[]V], error) {
		var v []V
		if err := t.run(ctx, func(ctx context.Context, q *Queries) error {
			var err error
			v, err = load(ctx, q)
			return err
		}); err != nil {
			return tablecache.Lookup[[]V]{}, err
		}
		return tablecache.Found(v), nil
	})
	if err != nil || l.Value == nil {
		return nil, err
	}
	out := slices.Clone(l.Value)
	for i := range out {
		out[i] = cloneValue(out[i])
	}
	return out, nil
}

// cachedOne caches a point lookup, remembering when load found nothing.
func cachedOne[V any](ctx context.Context, t cachedTable, item any, tags []string, load func(ctx context.Context, q *Queries) (*V, error)) (*V, error) {
	l, err := tablecache.GetOrSet(ctx, t.cache, item, tags, func(ctx context.Context) (tablecache.Lookup[V], error) {
		var v *V
		if err := t.run(ctx, func(ctx context.Context, q *Queries) error {
			var err error
			v, err = load(ctx, q)
			return err
		}); err != nil {
			return tablecache.Lookup[V]{}, err
		}
		if v == nil {
			return tablecache.Missing[V](), nil
		}
		return tablecache.Found(*v), nil
	})
	if err != nil || !l.Found {
		return nil, err
	}
	v := cloneValue(l.Value)
	return &v, nil
}

// write runs fn on one connection and then drops the cache entries named
// by tags, after the commit when a transaction is open.
func (t cachedTable) write(ctx context.Context, tags []string, fn func(ctx context.Context, q *Queries) error) error {
	if err := t.run(ctx, fn); err != nil {
		return err
	}
	return t.cache.InvalidateTagsAfterCommit(ctx, tags...)
}

// writeMany runs fn in one transaction and then drops every cache entry
// of the table once it commits.
func (t cachedTable) writeMany(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	if err := t.runTx(ctx, fn); err != nil {
		return err
	}
	return t.cache.InvalidateAllAfterCommit(ctx)
}
