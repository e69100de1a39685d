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
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cardinalhq/tenantdb/internal/tablecache"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

// KeyValue is a tenant scoped byte key to byte value store. Point reads are
// cached, including misses.
type KeyValue struct {
	tenantTable
	cache *tablecache.TableCache[string, []byte]
}

func NewKeyValue(factory *uow.Factory, backend *tablecache.Backend, tenant TenantID, ttl time.Duration) *KeyValue {
	return &KeyValue{
		tenantTable: tenantTable{factory: factory, tenant: tenant},
		cache:       tablecache.NewTableCache[string, []byte](backend, "key_value", tenant.UUID(), ttl),
	}
}

// Get returns nil when key has no value. The returned slice is a copy.
func (kv *KeyValue) Get(ctx context.Context, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: key is required", ErrMissingField)
	}
	l, err := kv.cache.GetOrSet(ctx, string(key), func(ctx context.Context) (tablecache.Lookup[[]byte], error) {
		data, found, err := kv.get(ctx, key)
		if err != nil || !found {
			return tablecache.Missing[[]byte](), err
		}
		return tablecache.Found(data), nil
	})
	if err != nil || !l.Found {
		return nil, err
	}
	return bytes.Clone(l.Value), nil
}

// GetUncached reads straight from the store and may be used inside a
// transaction.
func (kv *KeyValue) GetUncached(ctx context.Context, key []byte) ([]byte, error) {
	data, _, err := kv.get(ctx, key)
	return data, err
}

func (kv *KeyValue) get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := kv.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		data, found, err = q.KeyValueGet(ctx, kv.tenant.UUID(), key)
		return err
	})
	return data, found, err
}

// Insert stores data only when key is new and returns 0 otherwise.
func (kv *KeyValue) Insert(ctx context.Context, key, data []byte) (int64, error) {
	return kv.write(ctx, key, func(ctx context.Context, q *Queries) (int64, error) {
		return q.KeyValueInsert(ctx, kv.tenant.UUID(), key, data)
	})
}

func (kv *KeyValue) Upsert(ctx context.Context, key, data []byte) (int64, error) {
	return kv.write(ctx, key, func(ctx context.Context, q *Queries) (int64, error) {
		return q.KeyValueUpsert(ctx, kv.tenant.UUID(), key, data)
	})
}

func (kv *KeyValue) Delete(ctx context.Context, key []byte) (int64, error) {
	return kv.write(ctx, key, func(ctx context.Context, q *Queries) (int64, error) {
		return q.KeyValueDelete(ctx, kv.tenant.UUID(), key)
	})
}

func (kv *KeyValue) write(ctx context.Context, key []byte, fn func(ctx context.Context, q *Queries) (int64, error)) (int64, error) {
	if len(key) == 0 {
		return 0, fmt.Errorf("%w: key is required", ErrMissingField)
	}
	var n int64
	if err := kv.run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		n, err = fn(ctx, q)
		return err
	}); err != nil {
		return 0, err
	}
	return n, kv.cache.InvalidateAfterCommit(ctx, string(key))
}
