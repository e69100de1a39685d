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

// Package testhelpers builds throwaway tenantdb databases for integration
// tests.
package testhelpers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/postgres"

	"github.com/cardinalhq/tenantdb/identitydb"
	"github.com/cardinalhq/tenantdb/identitydb/migrations"
	"github.com/cardinalhq/tenantdb/internal/helpers"
	"github.com/cardinalhq/tenantdb/internal/tablecache"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

type server struct {
	host     string
	port     string
	user     string
	password string
	baseDB   string
}

func (s server) url(db string) string {
	u := url.URL{
		Scheme:   "postgresql",
		Host:     s.host + ":" + s.port,
		Path:     "/" + db,
		RawQuery: "sslmode=disable",
	}
	if s.password != "" {
		u.User = url.UserPassword(s.user, s.password)
	} else {
		u.User = url.User(s.user)
	}
	return u.String()
}

var (
	containerOnce sync.Once
	containerSrv  server
	containerErr  error
)

// startContainer runs one Postgres container per test binary.
func startContainer() (server, error) {
	containerOnce.Do(func() {
		p := postgres.Preset(
			postgres.WithUser("tenantdb", "tenantdb"),
			postgres.WithDatabase("testing_tenantdb"),
			postgres.WithVersion("16"),
		)
		container, err := gnomock.Start(p, gnomock.WithTimeout(2*time.Minute))
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		containerSrv = server{
			host:     container.Host,
			port:     fmt.Sprint(container.DefaultPort()),
			user:     "tenantdb",
			password: "tenantdb",
			baseDB:   "testing_tenantdb",
		}
	})
	return containerSrv, containerErr
}

func serverFromEnv() server {
	return server{
		host:     helpers.GetEnv("TENANTDB_HOST", "localhost"),
		port:     helpers.GetEnv("TENANTDB_PORT", "5432"),
		user:     helpers.GetEnv("TENANTDB_USER", os.Getenv("USER")),
		password: os.Getenv("TENANTDB_PASSWORD"),
		baseDB:   helpers.GetEnv("TENANTDB_DBNAME", "testing_tenantdb"),
	}
}

// SetupTestTenantDB creates a clean database with migrations applied and
// drops it when the test ends. The server comes from TENANTDB_HOST and
// friends, or from a throwaway container when TENANTDB_TEST_GNOMOCK is set.
func SetupTestTenantDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()
	srv := serverFromEnv()
	if helpers.GetBoolEnv("TENANTDB_TEST_GNOMOCK", false) {
		var err error
		if srv, err = startContainer(); err != nil {
			t.Fatalf("%v", err)
		}
	}

	dbName := fmt.Sprintf("test_tenantdb_%d_%d", time.Now().Unix(), rand.IntN(10000))

	basePool, err := pgxpool.New(ctx, srv.url(srv.baseDB))
	if err != nil {
		t.Fatalf("Failed to connect to base database: %v", err)
	}
	if _, err := basePool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		basePool.Close()
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}

	testPool, err := pgxpool.New(ctx, srv.url(dbName))
	if err != nil {
		basePool.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	t.Cleanup(func() {
		testPool.Close()
		_, err := basePool.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbName))
		if err != nil {
			slog.Error("Failed to drop test database", slog.String("dbName", dbName), slog.Any("error", err))
		}
		basePool.Close()
	})

	if err := migrations.RunMigrationsUp(ctx, testPool); err != nil {
		t.Fatalf("Failed to run tenantdb migrations: %v", err)
	}
	return testPool
}

// NewTestIdentityDatabase returns an IdentityDatabase for tenant backed by
// a fresh test database and its own cache.
func NewTestIdentityDatabase(t *testing.T, tenant identitydb.TenantID) (*identitydb.IdentityDatabase, *uow.Factory) {
	t.Helper()
	pool := SetupTestTenantDB(t)
	factory := uow.NewFactory(uow.NewPoolProvider(pool))
	backend := tablecache.NewBackend()
	t.Cleanup(backend.Close)
	return identitydb.NewIdentityDatabase(factory, backend, tenant), factory
}
