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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/cardinalhq/tenantdb/config"
	"github.com/cardinalhq/tenantdb/identitydb"
	"github.com/cardinalhq/tenantdb/internal/dbopen"
	"github.com/cardinalhq/tenantdb/internal/tablecache"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

func init() {
	var tenant string

	kv := &cobra.Command{
		Use:   "kv",
		Short: "Read and write a tenant's key-value table",
	}
	kv.PersistentFlags().StringVar(&tenant, "tenant", "", "Tenant id (required)")

	kv.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withTenantDB(c.Context(), tenant, func(ctx context.Context, db *identitydb.IdentityDatabase) error {
				v, err := db.KeyValue.Get(ctx, []byte(args[0]))
				if err != nil {
					return err
				}
				if v == nil {
					return fmt.Errorf("key %q not found", args[0])
				}
				_, err = c.OutOrStdout().Write(append(v, '\n'))
				return err
			})
		},
	})

	kv.AddCommand(&cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Store VALUE under KEY, replacing any existing value",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return withTenantDB(c.Context(), tenant, func(ctx context.Context, db *identitydb.IdentityDatabase) error {
				_, err := db.KeyValue.Upsert(ctx, []byte(args[0]), []byte(args[1]))
				return err
			})
		},
	})

	kv.AddCommand(&cobra.Command{
		Use:   "delete KEY",
		Short: "Remove KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withTenantDB(c.Context(), tenant, func(ctx context.Context, db *identitydb.IdentityDatabase) error {
				n, err := db.KeyValue.Delete(ctx, []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "deleted %d\n", n)
				return nil
			})
		},
	})

	rootCmd.AddCommand(kv)
}

var errTenantRequired = errors.New("--tenant is required")

func parseTenant(s string) (identitydb.TenantID, error) {
	if s == "" {
		return identitydb.TenantID{}, errTenantRequired
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return identitydb.TenantID{}, fmt.Errorf("invalid tenant %q: %w", s, err)
	}
	return identitydb.TenantID(id), nil
}

// withTenantDB opens the database for one tenant with a cache sized from
// the loaded config and runs fn against it.
func withTenantDB(ctx context.Context, tenant string, fn func(ctx context.Context, db *identitydb.IdentityDatabase) error) error {
	id, err := parseTenant(tenant)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	pool, err := connectOperational(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	backend := tablecache.NewBackend(cfg.Cache.Options()...)
	defer backend.Close()

	db := identitydb.NewIdentityDatabase(uow.NewFactory(uow.NewPoolProvider(pool)), backend, id)
	return fn(ctx, db)
}

// connectOperational opens a pool for short-lived commands. Schema
// mismatches are logged rather than fatal.
func connectOperational(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	opts := dbopen.WarnOnMigrationMismatch()
	opts.MaxConns = cfg.Database.MaxConns
	return dbopen.ConnectToTenantDB(ctx, opts)
}
