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
	"fmt"
	"log/slog"

	"github.com/KimMachineGun/automemlimit/memlimit"
	gomaxecs "github.com/rdforte/gomaxecs/maxprocs"
	"go.uber.org/automaxprocs/maxprocs"
)

// tuneRuntime sizes GOMAXPROCS and GOMEMLIMIT to the container the command
// runs in. Failures are logged and otherwise ignored.
func tuneRuntime() {
	logf := func(msg string, args ...any) {
		slog.Debug(fmt.Sprintf(msg, args...))
	}

	var err error
	if gomaxecs.IsECS() {
		_, err = gomaxecs.Set(gomaxecs.WithLogger(logf))
	} else {
		_, err = maxprocs.Set(maxprocs.Logger(logf))
	}
	if err != nil {
		slog.Warn("Unable to size GOMAXPROCS", slog.Any("error", err))
	}

	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		slog.Warn("Unable to set GOMEMLIMIT", slog.Any("error", err))
		return
	}
	slog.Debug("Set GOMEMLIMIT", slog.Int64("bytes", limit))
}
