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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/tenantdb/internal/uow"
)

// Lookup is a cached result. Found is false for a cached miss.
type Lookup[V any] struct {
	Value V
	Found bool
}

func Found[V any](v V) Lookup[V] {
	return Lookup[V]{Value: v, Found: true}
}

func Missing[V any]() Lookup[V] {
	return Lookup[V]{}
}

// TaggedCache is the view of the backend for one table of one tenant.
// Every entry it stores also carries the table tag, so InvalidateAll only
// touches this table.
type TaggedCache struct {
	b      *Backend
	table  string
	tenant uuid.UUID
	ttl    time.Duration
	attrs  metric.MeasurementOption
}

// NewTaggedCache binds the backend to table and tenant. A zero ttl uses the
// backend default.
func NewTaggedCache(b *Backend, table string, tenant uuid.UUID, ttl time.Duration) *TaggedCache {
	return &TaggedCache{
		b:      b,
		table:  table,
		tenant: tenant,
		ttl:    ttl,
		attrs:  metric.WithAttributes(attribute.String("table", table)),
	}
}

func (c *TaggedCache) Table() string {
	return c.table
}

func (c *TaggedCache) key(item any) Key {
	return Key{Table: c.table, Tenant: c.tenant, Item: item}
}

func (c *TaggedCache) tableTag() Tag {
	return Tag{Tenant: c.tenant, Name: "table:" + c.table}
}

func (c *TaggedCache) tags(names []string) []Tag {
	tags := make([]Tag, 0, len(names)+1)
	tags = append(tags, c.tableTag())
	for _, n := range names {
		tags = append(tags, Tag{Tenant: c.tenant, Name: n})
	}
	return tags
}

// GetOrSet returns the cached lookup for item, running loader on a miss.
// tags are extra group names the stored entry can be invalidated by.
func GetOrSet[V any](ctx context.Context, c *TaggedCache, item any, tags []string, loader func(ctx context.Context) (Lookup[V], error)) (Lookup[V], error) {
	if err := noTransactionCheck(ctx); err != nil {
		return Lookup[V]{}, err
	}

	key := c.key(item)
	if e, ok := c.b.get(key); ok {
		cacheHits.Add(ctx, 1, c.attrs)
		return toLookup[V](e.value, e.found), nil
	}
	cacheMisses.Add(ctx, 1, c.attrs)

	value, found, err := c.b.load(ctx, key, c.ttl, c.tags(tags), func(ctx context.Context) (any, bool, error) {
		l, err := loader(ctx)
		if err != nil {
			return nil, false, err
		}
		return l.Value, l.Found, nil
	})
	if err != nil {
		return Lookup[V]{}, err
	}
	return toLookup[V](value, found), nil
}

func toLookup[V any](value any, found bool) Lookup[V] {
	if !found {
		return Lookup[V]{}
	}
	v, _ := value.(V)
	return Lookup[V]{Value: v, Found: true}
}

// Set stores a found value for item.
func Set[V any](ctx context.Context, c *TaggedCache, item any, value V, tags ...string) error {
	if err := noTransactionCheck(ctx); err != nil {
		return err
	}
	c.b.set(c.key(item), value, true, c.ttl, c.tags(tags))
	return nil
}

// Invalidate removes the entries for items.
func (c *TaggedCache) Invalidate(ctx context.Context, items ...any) error {
	if err := noTransactionCheck(ctx); err != nil {
		return err
	}
	c.invalidate(ctx, items)
	return nil
}

// InvalidateTags removes every entry of this tenant carrying one of names.
func (c *TaggedCache) InvalidateTags(ctx context.Context, names ...string) error {
	if err := noTransactionCheck(ctx); err != nil {
		return err
	}
	c.invalidateTags(ctx, names)
	return nil
}

// InvalidateAll removes every entry of this table for this tenant.
func (c *TaggedCache) InvalidateAll(ctx context.Context) error {
	if err := noTransactionCheck(ctx); err != nil {
		return err
	}
	c.invalidateAll(ctx)
	return nil
}

// InvalidateAfterCommit removes the entries for items once the transaction
// carried by ctx commits, or right away when there is none.
func (c *TaggedCache) InvalidateAfterCommit(ctx context.Context, items ...any) error {
	return afterCommit(ctx, func() { c.invalidate(context.WithoutCancel(ctx), items) })
}

func (c *TaggedCache) InvalidateTagsAfterCommit(ctx context.Context, names ...string) error {
	return afterCommit(ctx, func() { c.invalidateTags(context.WithoutCancel(ctx), names) })
}

func (c *TaggedCache) InvalidateAllAfterCommit(ctx context.Context) error {
	return afterCommit(ctx, func() { c.invalidateAll(context.WithoutCancel(ctx)) })
}

func afterCommit(ctx context.Context, fn func()) error {
	if uow.HasTransaction(ctx) {
		return uow.AddPostCommitAction(ctx, fn)
	}
	fn()
	return nil
}

func (c *TaggedCache) invalidate(ctx context.Context, items []any) {
	keys := make([]Key, 0, len(items))
	for _, item := range items {
		keys = append(keys, c.key(item))
	}
	c.b.remove(keys...)
	cacheInvalidations.Add(ctx, 1, c.attrs)
}

func (c *TaggedCache) invalidateTags(ctx context.Context, names []string) {
	tags := make([]Tag, 0, len(names))
	for _, n := range names {
		tags = append(tags, Tag{Tenant: c.tenant, Name: n})
	}
	c.b.removeByTag(tags...)
	cacheInvalidations.Add(ctx, 1, c.attrs)
}

func (c *TaggedCache) invalidateAll(ctx context.Context) {
	c.b.removeByTag(c.tableTag())
	cacheInvalidations.Add(ctx, 1, c.attrs)
}
