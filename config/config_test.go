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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TENANTDB_SWEEPER_INTERVAL", "30s")
	t.Setenv("TENANTDB_SWEEPER_OUTBOX_THRESHOLD", "2m")
	t.Setenv("TENANTDB_SWEEPER_CONCURRENCY", "8")
	t.Setenv("TENANTDB_CACHE_TTL", "1h")
	t.Setenv("TENANTDB_CACHE_CAPACITY", "500")
	t.Setenv("TENANTDB_DATABASE_MAX_CONNS", "16")
	t.Setenv("TENANTDB_OUTBOX_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("TENANTDB_HEALTH_PORT", "9191")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	require.Equal(t, 2*time.Minute, cfg.Sweeper.OutboxThreshold)
	require.Equal(t, 10*time.Minute, cfg.Sweeper.InboxThreshold)
	require.Equal(t, 8, cfg.Sweeper.Concurrency)
	require.Equal(t, time.Hour, cfg.Cache.TTL)
	require.Equal(t, uint64(500), cfg.Cache.Capacity)
	require.Equal(t, int32(16), cfg.Database.MaxConns)
	require.Equal(t, 15*time.Second, cfg.Outbox.HeartbeatInterval)
	require.Equal(t, 9191, cfg.Health.Port)
}
