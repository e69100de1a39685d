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
)

// TableCache is a typed point-lookup cache for one table of one tenant.
type TableCache[K comparable, V any] struct {
	tc *TaggedCache
}

func NewTableCache[K comparable, V any](b *Backend, table string, tenant uuid.UUID, ttl time.Duration) *TableCache[K, V] {
	return &TableCache[K, V]{tc: NewTaggedCache(b, table, tenant, ttl)}
}

// GetOrSet returns the cached lookup for key, running loader on a miss. A
// Missing result is cached like any other.
func (c *TableCache[K, V]) GetOrSet(ctx context.Context, key K, loader func(ctx context.Context) (Lookup[V], error)) (Lookup[V], error) {
	return GetOrSet(ctx, c.tc, key, nil, loader)
}

func (c *TableCache[K, V]) Invalidate(ctx context.Context, keys ...K) error {
	return c.tc.Invalidate(ctx, toItems(keys)...)
}

func (c *TableCache[K, V]) InvalidateAll(ctx context.Context) error {
	return c.tc.InvalidateAll(ctx)
}

func (c *TableCache[K, V]) InvalidateAfterCommit(ctx context.Context, keys ...K) error {
	return c.tc.InvalidateAfterCommit(ctx, toItems(keys)...)
}

func (c *TableCache[K, V]) InvalidateAllAfterCommit(ctx context.Context) error {
	return c.tc.InvalidateAllAfterCommit(ctx)
}

func toItems[K comparable](keys []K) []any {
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i] = k
	}
	return items
}
