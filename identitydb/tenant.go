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
	"fmt"

	"github.com/google/uuid"
)

// TenantID identifies the identity that owns a set of rows. Tables are
// bound to one TenantID at construction and write it into every row.
type TenantID uuid.UUID

func (t TenantID) UUID() uuid.UUID {
	return uuid.UUID(t)
}

func (t TenantID) String() string {
	return uuid.UUID(t).String()
}

func (t TenantID) IsZero() bool {
	return uuid.UUID(t) == uuid.Nil
}

// ParseTenantID parses the canonical text form of a tenant id.
func ParseTenantID(s string) (TenantID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TenantID{}, fmt.Errorf("invalid tenant id %q: %w", s, err)
	}
	return TenantID(id), nil
}
