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

package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/tenantdb/internal/helpers"
	"github.com/cardinalhq/tenantdb/migrations"
)

const dbName = "tenantdb"

// CheckVersion verifies that the database is at the migration version
// embedded in this binary.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, options ...migrations.CheckOption) error {
	if !helpers.GetBoolEnv("TENANTDB_MIGRATION_CHECK_ENABLED", true) {
		slog.Debug("Migration version checking disabled for tenantdb")
		return nil
	}

	opts := migrations.DefaultCheckOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.Mode == migrations.CheckModeSkip {
		slog.Debug("Migration version checking skipped for tenantdb")
		return nil
	}
	applyEnvironmentOverrides(&opts)
	if opts.Mode == migrations.CheckModeSkip {
		slog.Debug("Migration version checking skipped for tenantdb by MIGRATION_CHECK_MODE")
		return nil
	}

	expected, err := LatestVersion()
	if err != nil {
		return fmt.Errorf("failed to extract expected migration version for %s: %w", dbName, err)
	}
	return waitForVersion(ctx, expected, opts, func() (uint, bool, error) {
		return CurrentVersion(pool)
	})
}

func applyEnvironmentOverrides(opts *migrations.CheckOptions) {
	if s := helpers.GetEnv("MIGRATION_CHECK_MODE", ""); s != "" {
		mode, err := migrations.ParseCheckMode(s)
		if err != nil {
			slog.Warn("Ignoring MIGRATION_CHECK_MODE",
				slog.String("mode", opts.Mode.String()), slog.Any("error", err))
		} else {
			opts.Mode = mode
		}
	}
	opts.Timeout = helpers.GetDurationEnv("MIGRATION_CHECK_TIMEOUT", opts.Timeout)
	opts.RetryInterval = helpers.GetDurationEnv("MIGRATION_CHECK_RETRY_INTERVAL", opts.RetryInterval)
	opts.AllowDirty = helpers.GetBoolEnv("MIGRATION_CHECK_ALLOW_DIRTY", opts.AllowDirty)
}

// LatestVersion returns the highest migration version embedded in the binary.
func LatestVersion() (uint, error) {
	return latestVersion(migrationFiles)
}

func latestVersion(files fs.ReadDirFS) (uint, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		// "1760000000_initial.up.sql"
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		maxVersion = max(maxVersion, uint(version))
	}

	if maxVersion == 0 {
		return 0, errors.New("no valid migration files found")
	}
	return maxVersion, nil
}

// CurrentVersion reports the applied migration version and whether the
// last migration left the schema dirty. An empty database is version 0.
func CurrentVersion(pool *pgxpool.Pool) (uint, bool, error) {
	var version uint
	var dirty bool
	err := withMigrate(pool, func(m *migrate.Migrate) error {
		var err error
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			version, dirty, err = 0, false, nil
		}
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, dirty, nil
}

func waitForVersion(ctx context.Context, expected uint, opts migrations.CheckOptions, current func() (uint, bool, error)) error {
	version, dirty, err := current()
	if err != nil {
		return fmt.Errorf("failed to get current migration version for %s: %w", dbName, err)
	}

	if dirty && !opts.AllowDirty {
		if opts.Mode != migrations.CheckModeWarn {
			return fmt.Errorf("database %s migration is in dirty state, please fix before proceeding", dbName)
		}
		slog.Warn("Database migration is in dirty state, but continuing anyway", slog.String("database", dbName))
	}

	if version == expected {
		return nil
	}

	slog.Info("Checking migration version",
		slog.String("database", dbName),
		slog.String("mode", opts.Mode.String()),
		slog.Uint64("current_version", uint64(version)),
		slog.Uint64("expected_version", uint64(expected)))

	if version > expected {
		if opts.Mode == migrations.CheckModeWarn {
			slog.Warn("Database version is newer than expected, but continuing anyway",
				slog.Uint64("current_version", uint64(version)),
				slog.Uint64("expected_version", uint64(expected)))
			return nil
		}
		return fmt.Errorf("database %s version %d is newer than expected version %d - you may need to update the application",
			dbName, version, expected)
	}

	if opts.Mode == migrations.CheckModeWarn {
		slog.Warn("Database version is older than expected, but continuing anyway",
			slog.Uint64("current_version", uint64(version)),
			slog.Uint64("expected_version", uint64(expected)))
		return nil
	}

	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for %s migrations", dbName)
		case <-ticker.C:
		}

		version, _, err = current()
		if err != nil {
			return fmt.Errorf("failed to get current migration version for %s: %w", dbName, err)
		}
		if version == expected {
			slog.Info("Migration version check passed",
				slog.String("database", dbName),
				slog.Uint64("version", uint64(version)))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s migrations: at version %d, want %d", dbName, version, expected)
		}

		slog.Info("Waiting for migrations to complete",
			slog.String("database", dbName),
			slog.Uint64("current_version", uint64(version)),
			slog.Uint64("expected_version", uint64(expected)),
			slog.Duration("remaining_timeout", time.Until(deadline)))
	}
}
