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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCheckMode(t *testing.T) {
	for _, mode := range []CheckMode{CheckModeWait, CheckModeWarn, CheckModeSkip} {
		got, err := ParseCheckMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}

	got, err := ParseCheckMode(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, CheckModeWarn, got)

	_, err = ParseCheckMode("later")
	assert.Error(t, err)
}

func TestCheckOptions(t *testing.T) {
	opts := DefaultCheckOptions()
	assert.Equal(t, CheckModeWait, opts.Mode)
	assert.Equal(t, 120*time.Second, opts.Timeout)

	for _, o := range []CheckOption{
		WithCheckMode(CheckModeSkip),
		WithTimeout(time.Second),
		WithRetryInterval(10 * time.Millisecond),
		WithAllowDirty(true),
	} {
		o(&opts)
	}
	assert.Equal(t, CheckOptions{
		Mode:          CheckModeSkip,
		Timeout:       time.Second,
		RetryInterval: 10 * time.Millisecond,
		AllowDirty:    true,
	}, opts)
}
