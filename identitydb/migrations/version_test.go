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
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/tenantdb/migrations"
)

func TestLatestVersion(t *testing.T) {
	got, err := LatestVersion()
	require.NoError(t, err)
	assert.Greater(t, got, uint(0))
}

func TestLatestVersion_PicksHighest(t *testing.T) {
	files := fstest.MapFS{
		"100_a.up.sql":     {},
		"100_a.down.sql":   {},
		"300_c.up.sql":     {},
		"200_b.up.sql":     {},
		"junk_d.up.sql":    {},
		"999_e.down.sql":   {},
		"README.md":        {},
		"400_dir/x.up.sql": {},
	}
	got, err := latestVersion(files)
	require.NoError(t, err)
	assert.Equal(t, uint(300), got)
}

func TestLatestVersion_NoFiles(t *testing.T) {
	_, err := latestVersion(fstest.MapFS{"README.md": {}})
	assert.Error(t, err)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := migrationFiles.ReadDir(".")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case len(name) > 7 && name[len(name)-7:] == ".up.sql":
			ups[name[:len(name)-7]] = true
		case len(name) > 9 && name[len(name)-9:] == ".down.sql":
			downs[name[:len(name)-9]] = true
		}
	}
	assert.Equal(t, ups, downs)
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("MIGRATION_CHECK_TIMEOUT", "30s")
	t.Setenv("MIGRATION_CHECK_RETRY_INTERVAL", "2s")
	t.Setenv("MIGRATION_CHECK_ALLOW_DIRTY", "true")

	opts := migrations.DefaultCheckOptions()
	applyEnvironmentOverrides(&opts)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 2*time.Second, opts.RetryInterval)
	assert.True(t, opts.AllowDirty)
}

func TestApplyEnvironmentOverrides_Mode(t *testing.T) {
	t.Setenv("MIGRATION_CHECK_MODE", "warn")
	opts := migrations.DefaultCheckOptions()
	applyEnvironmentOverrides(&opts)
	assert.Equal(t, migrations.CheckModeWarn, opts.Mode)

	t.Setenv("MIGRATION_CHECK_MODE", "sometimes")
	opts = migrations.DefaultCheckOptions()
	applyEnvironmentOverrides(&opts)
	assert.Equal(t, migrations.CheckModeWait, opts.Mode, "unknown modes are ignored")
}

func versions(vs ...uint) func() (uint, bool, error) {
	i := 0
	return func() (uint, bool, error) {
		v := vs[min(i, len(vs)-1)]
		i++
		return v, false, nil
	}
}

func fastOptions(mode migrations.CheckMode) migrations.CheckOptions {
	opts := migrations.DefaultCheckOptions()
	opts.Mode = mode
	opts.RetryInterval = time.Millisecond
	opts.Timeout = 200 * time.Millisecond
	return opts
}

func TestWaitForVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("matching", func(t *testing.T) {
		assert.NoError(t, waitForVersion(ctx, 5, fastOptions(migrations.CheckModeWait), versions(5)))
	})

	t.Run("newer fails in wait mode", func(t *testing.T) {
		assert.Error(t, waitForVersion(ctx, 5, fastOptions(migrations.CheckModeWait), versions(6)))
	})

	t.Run("newer warns in warn mode", func(t *testing.T) {
		assert.NoError(t, waitForVersion(ctx, 5, fastOptions(migrations.CheckModeWarn), versions(6)))
	})

	t.Run("older waits for migration", func(t *testing.T) {
		assert.NoError(t, waitForVersion(ctx, 5, fastOptions(migrations.CheckModeWait), versions(4, 4, 5)))
	})

	t.Run("older times out", func(t *testing.T) {
		assert.Error(t, waitForVersion(ctx, 5, fastOptions(migrations.CheckModeWait), versions(4)))
	})

	t.Run("dirty fails unless allowed", func(t *testing.T) {
		dirty := func() (uint, bool, error) { return 5, true, nil }
		assert.Error(t, waitForVersion(ctx, 5, fastOptions(migrations.CheckModeWait), dirty))

		opts := fastOptions(migrations.CheckModeWait)
		opts.AllowDirty = true
		assert.NoError(t, waitForVersion(ctx, 5, opts, dirty))
	})

	t.Run("lookup error", func(t *testing.T) {
		boom := errors.New("boom")
		err := waitForVersion(ctx, 5, fastOptions(migrations.CheckModeWait), func() (uint, bool, error) { return 0, false, boom })
		assert.ErrorIs(t, err, boom)
	})
}
