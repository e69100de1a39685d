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
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/tenantdb/internal/tablecache"
	"github.com/cardinalhq/tenantdb/internal/uow"
	"github.com/cardinalhq/tenantdb/internal/uow/uowtest"
)

var fixedNow = time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestDB(t *testing.T) (*IdentityDatabase, *uowtest.Provider) {
	t.Helper()
	p := &uowtest.Provider{}
	backend := tablecache.NewBackend(tablecache.WithCapacity(1000), tablecache.WithDefaultTTL(time.Minute))
	t.Cleanup(backend.Close)

	db := NewIdentityDatabase(uow.NewFactory(p), backend, TenantID(uuid.New()))
	db.Outbox.now = func() time.Time { return fixedNow }
	db.Inbox.now = func() time.Time { return fixedNow }
	return db, p
}
