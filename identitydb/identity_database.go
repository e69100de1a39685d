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
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/tenantdb/internal/tablecache"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

// IdentityDatabase groups every table of one tenant. All tables share the
// unit of work factory, so ExecTx spans any of them.
type IdentityDatabase struct {
	factory *uow.Factory
	tenant  TenantID

	Outbox        *Outbox
	Inbox         *Inbox
	KeyValue      *KeyValue
	CircleMembers *CircleMembers
	FollowsMe     *Followers
	ImFollowing   *Followers
	Reactions     *Reactions
	DriveTagIndex *DriveIndex
	DriveAclIndex *DriveIndex
}

type Options interface {
	apply(o *dbOptions)
}

type dbOptions struct {
	cacheTTL time.Duration
}

type cacheTTLOption struct {
	d time.Duration
}

func (c *cacheTTLOption) apply(o *dbOptions) {
	o.cacheTTL = c.d
}

// WithCacheTTL sets how long cached reads live. Without this option the
// cache backend default is used.
func WithCacheTTL(d time.Duration) Options {
	return &cacheTTLOption{d: d}
}

func NewIdentityDatabase(factory *uow.Factory, cache *tablecache.Backend, tenant TenantID, opts ...Options) *IdentityDatabase {
	var o dbOptions
	for _, opt := range opts {
		opt.apply(&o)
	}
	cached := func(table string) cachedTable {
		return newCachedTable(factory, cache, table, tenant, o.cacheTTL)
	}
	return &IdentityDatabase{
		factory:       factory,
		tenant:        tenant,
		Outbox:        NewOutbox(factory, tenant),
		Inbox:         NewInbox(factory, tenant),
		KeyValue:      NewKeyValue(factory, cache, tenant, o.cacheTTL),
		CircleMembers: &CircleMembers{cachedTable: cached("circle_member")},
		FollowsMe:     &Followers{cachedTable: cached("follows_me"), sql: followsMeSQL},
		ImFollowing:   &Followers{cachedTable: cached("im_following"), sql: imFollowingSQL},
		Reactions:     &Reactions{cachedTable: cached("drive_reactions")},
		DriveTagIndex: &DriveIndex{cachedTable: cached("drive_tag_index"), sql: driveTagIndexSQL},
		DriveAclIndex: &DriveIndex{cachedTable: cached("drive_acl_index"), sql: driveAclIndexSQL},
	}
}

func (db *IdentityDatabase) Tenant() TenantID {
	return db.tenant
}

// ExecTx runs fn inside one transaction shared by every table call made
// with the context it receives. Nested calls join the outer transaction.
// Cached reads fail inside fn; use the uncached variants.
func (db *IdentityDatabase) ExecTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.factory.InTx(ctx, func(ctx context.Context, _ uow.DBTX) error {
		return fn(ctx)
	})
}

// ListTenants returns every tenant with rows in the outbox or inbox.
func ListTenants(ctx context.Context, factory *uow.Factory) ([]TenantID, error) {
	var ids []uuid.UUID
	err := factory.WithConn(ctx, func(ctx context.Context, db uow.DBTX) error {
		var err error
		ids, err = New(db).ListQueueTenants(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	tenants := make([]TenantID, len(ids))
	for i, id := range ids {
		tenants[i] = TenantID(id)
	}
	return tenants, nil
}
