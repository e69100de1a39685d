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

// Package tablecache is the read cache that sits in front of the tenant
// tables. Entries are keyed by table, tenant and item, can carry tags for
// group invalidation, and are never read or written while the caller's
// context holds an open transaction.
package tablecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/cardinalhq/tenantdb/internal/uow"
)

// ErrCacheInTransaction is returned when the cache is used with a context
// that carries an open transaction. Reads inside a transaction may see
// uncommitted rows and must go to the store directly.
var ErrCacheInTransaction = errors.New("tablecache: cache used inside an open transaction")

const (
	defaultCapacity = 100_000
	defaultTTL      = 5 * time.Minute
)

// Key identifies one cached result. Item must be a comparable value.
type Key struct {
	Table  string
	Tenant uuid.UUID
	Item   any
}

// Tag groups keys of one tenant for invalidation.
type Tag struct {
	Tenant uuid.UUID
	Name   string
}

type entry struct {
	value any
	found bool
	gen   uint64
}

type indexEntry struct {
	gen  uint64
	tags []Tag
}

// Backend is the process-wide cache store shared by every table.
type Backend struct {
	cache *ttlcache.Cache[Key, entry]
	group singleflight.Group

	idxMu   sync.Mutex
	byTag   map[Tag]mapset.Set[Key]
	keyTags map[Key]indexEntry

	gen atomic.Uint64

	// invMu orders invalidations against stores of loaded values. epoch is
	// bumped by every invalidation.
	invMu sync.RWMutex
	epoch uint64

	unsubscribe func()
	stopOnce    sync.Once
}

type Option func(*backendOptions)

type backendOptions struct {
	capacity uint64
	ttl      time.Duration
}

// WithCapacity bounds the number of entries; the least recently used entry
// is evicted first.
func WithCapacity(n uint64) Option {
	return func(o *backendOptions) {
		o.capacity = n
	}
}

// WithDefaultTTL sets the lifetime used when a table does not give one.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *backendOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// Config is the file and environment form of the backend options.
type Config struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity uint64        `mapstructure:"capacity"`
}

func DefaultConfig() Config {
	return Config{TTL: defaultTTL, Capacity: defaultCapacity}
}

// Options converts c, skipping zero values.
func (c Config) Options() []Option {
	var opts []Option
	if c.Capacity > 0 {
		opts = append(opts, WithCapacity(c.Capacity))
	}
	if c.TTL > 0 {
		opts = append(opts, WithDefaultTTL(c.TTL))
	}
	return opts
}

// NewBackend creates a backend and starts its expiry loop. Call Close to
// stop it.
func NewBackend(opts ...Option) *Backend {
	o := backendOptions{
		capacity: defaultCapacity,
		ttl:      defaultTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Backend{
		cache: ttlcache.New(
			ttlcache.WithTTL[Key, entry](o.ttl),
			ttlcache.WithDisableTouchOnHit[Key, entry](),
			ttlcache.WithCapacity[Key, entry](o.capacity),
		),
		byTag:   make(map[Tag]mapset.Set[Key]),
		keyTags: make(map[Key]indexEntry),
	}
	b.unsubscribe = b.cache.OnEviction(b.onEviction)
	go b.cache.Start()
	return b
}

func (b *Backend) Close() {
	b.stopOnce.Do(func() {
		b.cache.Stop()
		b.unsubscribe()
	})
}

// Len returns the number of live entries.
func (b *Backend) Len() int {
	return b.cache.Len()
}

// onEviction runs asynchronously, so the key may have been set again by the
// time it runs; the generation check keeps the newer index entry.
func (b *Backend) onEviction(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[Key, entry]) {
	key := item.Key()
	gen := item.Value().gen

	b.idxMu.Lock()
	defer b.idxMu.Unlock()

	ie, ok := b.keyTags[key]
	if !ok || ie.gen != gen {
		return
	}
	b.unindexLocked(key, ie)
}

func (b *Backend) unindexLocked(key Key, ie indexEntry) {
	for _, tag := range ie.tags {
		if set, ok := b.byTag[tag]; ok {
			set.Remove(key)
			if set.Cardinality() == 0 {
				delete(b.byTag, tag)
			}
		}
	}
	delete(b.keyTags, key)
}

// noTransactionCheck fails when ctx carries an open transaction.
func noTransactionCheck(ctx context.Context) error {
	if uow.HasTransaction(ctx) {
		return ErrCacheInTransaction
	}
	return nil
}

// get returns the entry for key, if present.
func (b *Backend) get(key Key) (entry, bool) {
	item := b.cache.Get(key)
	if item == nil {
		return entry{}, false
	}
	return item.Value(), true
}

func (b *Backend) set(key Key, value any, found bool, ttl time.Duration, tags []Tag) {
	gen := b.gen.Add(1)

	b.idxMu.Lock()
	if old, ok := b.keyTags[key]; ok {
		b.unindexLocked(key, old)
	}
	if len(tags) > 0 {
		for _, tag := range tags {
			set, ok := b.byTag[tag]
			if !ok {
				set = mapset.NewThreadUnsafeSet[Key]()
				b.byTag[tag] = set
			}
			set.Add(key)
		}
		b.keyTags[key] = indexEntry{gen: gen, tags: tags}
	}
	b.idxMu.Unlock()

	b.cache.Set(key, entry{value: value, found: found, gen: gen}, ttl)
}

func (b *Backend) remove(keys ...Key) {
	b.invMu.Lock()
	defer b.invMu.Unlock()
	b.epoch++
	for _, key := range keys {
		b.cache.Delete(key)
	}
}

func (b *Backend) removeByTag(tags ...Tag) int {
	b.invMu.Lock()
	defer b.invMu.Unlock()
	b.epoch++

	b.idxMu.Lock()
	var keys []Key
	for _, tag := range tags {
		set, ok := b.byTag[tag]
		if !ok {
			continue
		}
		keys = append(keys, set.ToSlice()...)
	}
	for _, key := range keys {
		if ie, ok := b.keyTags[key]; ok {
			b.unindexLocked(key, ie)
		}
	}
	b.idxMu.Unlock()

	for _, key := range keys {
		b.cache.Delete(key)
	}
	return len(keys)
}

// Clear drops every entry for every tenant.
func (b *Backend) Clear() {
	b.invMu.Lock()
	defer b.invMu.Unlock()
	b.epoch++
	b.idxMu.Lock()
	b.byTag = make(map[Tag]mapset.Set[Key])
	b.keyTags = make(map[Key]indexEntry)
	b.idxMu.Unlock()
	b.cache.DeleteAll()
}

// load runs loader once per key across concurrent callers and stores the
// result unless an invalidation happened while it ran. Loader errors are
// returned and never stored. The shared load ignores the cancellation of
// whichever caller started it; each caller stops waiting when its own ctx
// ends.
func (b *Backend) load(ctx context.Context, key Key, ttl time.Duration, tags []Tag, loader func(ctx context.Context) (any, bool, error)) (any, bool, error) {
	type result struct {
		value any
		found bool
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := b.group.DoChan(flightKey(key), func() (any, error) {
		b.invMu.RLock()
		epoch := b.epoch
		b.invMu.RUnlock()

		value, found, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}

		b.invMu.RLock()
		if b.epoch == epoch {
			b.set(key, value, found, ttl, tags)
		}
		b.invMu.RUnlock()
		return result{value: value, found: found}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(result)
		return r.value, r.found, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func flightKey(key Key) string {
	return fmt.Sprintf("%s\x00%s\x00%T\x00%v", key.Table, key.Tenant, key.Item, key.Item)
}
