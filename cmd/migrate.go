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
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/cardinalhq/tenantdb/identitydb/migrations"
	"github.com/cardinalhq/tenantdb/internal/dbopen"
)

const migrateTimeout = 5 * time.Minute

func init() {
	MigrateCmd.AddCommand(migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(MigrateCmd)
}

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Apply all pending tenantdb schema migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withMigrationPool(func(ctx context.Context, pool *pgxpool.Pool) error {
			slog.Info("Running tenantdb migrations")
			if err := migrations.RunMigrationsUp(ctx, pool); err != nil {
				return fmt.Errorf("failed to migrate tenantdb: %w", err)
			}
			slog.Info("tenantdb migrations completed successfully")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert all tenantdb schema migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withMigrationPool(func(ctx context.Context, pool *pgxpool.Pool) error {
			slog.Warn("Reverting tenantdb migrations")
			return migrations.RunMigrationsDown(ctx, pool)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied and latest schema versions",
	RunE: func(c *cobra.Command, _ []string) error {
		return withMigrationPool(func(_ context.Context, pool *pgxpool.Pool) error {
			latest, err := migrations.LatestVersion()
			if err != nil {
				return err
			}
			current, dirty, err := migrations.CurrentVersion(pool)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.OutOrStdout(), "current=%d latest=%d dirty=%t\n", current, latest, dirty)
			return err
		})
	},
}

func withMigrationPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	pool, err := dbopen.ConnectToTenantDB(ctx, dbopen.SkipMigrationCheck())
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}
