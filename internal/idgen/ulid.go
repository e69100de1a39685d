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

package idgen

import (
	crand "crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	correlationMu      sync.Mutex
	correlationEntropy = ulid.Monotonic(crand.Reader, 0)
)

// NewCorrelationID returns a lexically sortable id used to tie queue
// records back to the request that produced them.
func NewCorrelationID() string {
	return NewCorrelationIDAt(time.Now())
}

func NewCorrelationIDAt(t time.Time) string {
	correlationMu.Lock()
	defer correlationMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), correlationEntropy).String()
}
