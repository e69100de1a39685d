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

import "errors"

var (
	// ErrSelfDependency is returned when an outbox item names its own file
	// as its dependency; it could never become eligible.
	ErrSelfDependency = errors.New("identitydb: item cannot depend on itself")

	// ErrInvalidCount is returned for a page or pop size below 1.
	ErrInvalidCount = errors.New("identitydb: count must be at least 1")

	// ErrMissingField is returned when a required record field is empty.
	ErrMissingField = errors.New("identitydb: required field is empty")
)
