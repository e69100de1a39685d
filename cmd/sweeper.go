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

	"github.com/spf13/cobra"

	"github.com/cardinalhq/tenantdb/cmd/sweeper"
	"github.com/cardinalhq/tenantdb/config"
	"github.com/cardinalhq/tenantdb/internal/dbopen"
	"github.com/cardinalhq/tenantdb/internal/healthcheck"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

func init() {
	var once bool

	cmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Return abandoned outbox checkouts and inbox pops to their queues",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWithTelemetry("tenantdb-sweeper", func(ctx context.Context) error {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}

				if once {
					return sweepOnce(ctx, cfg)
				}

				health := healthcheck.NewServer(cfg.Health.Port)
				go func() {
					if err := health.Start(ctx); err != nil {
						slog.Error("Health check server shutdown failed", slog.Any("error", err))
					}
				}()

				opts := dbopen.WaitForMigrations()
				opts.MaxConns = cfg.Database.MaxConns
				pool, err := dbopen.ConnectToTenantDB(ctx, opts)
				if err != nil {
					return err
				}
				defer pool.Close()
				health.SetStatus(healthcheck.StatusHealthy)
				health.SetReadyCondition("database", true)

				s := sweeper.New(uow.NewFactory(uow.NewPoolProvider(pool)), cfg.Sweeper)
				s.OnPass(func(_ sweeper.Result, err error) {
					health.SetReadyCondition("sweep", err == nil)
				})
				return s.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Sweep every tenant once and exit")

	rootCmd.AddCommand(cmd)
}

func sweepOnce(ctx context.Context, cfg *config.Config) error {
	pool, err := connectOperational(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	res, err := sweeper.New(uow.NewFactory(uow.NewPoolProvider(pool)), cfg.Sweeper).SweepOnce(ctx)
	slog.Info("Sweep finished",
		slog.Int("tenants", res.Tenants),
		slog.Int64("outboxRecovered", res.OutboxRecovered),
		slog.Int64("inboxRecovered", res.InboxRecovered))
	return err
}
