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

package lockmgr

import (
	"log/slog"
	"time"
)

// MinHeartbeatInterval is the smallest interval accepted by WithHeartbeatInterval.
const MinHeartbeatInterval = 10 * time.Second

// Config is the file and environment form of the manager options.
type Config struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Options converts c, skipping zero values.
func (c Config) Options() []Options {
	if c.HeartbeatInterval <= 0 {
		return nil
	}
	return []Options{WithHeartbeatInterval(c.HeartbeatInterval)}
}

type Options interface {
	apply(m *obManager)
}

type heartbeatIntervalOption struct {
	d time.Duration
}

func (h *heartbeatIntervalOption) apply(m *obManager) {
	m.heartbeatInterval = max(h.d, MinHeartbeatInterval)
}

// WithHeartbeatInterval sets how often held checkouts are refreshed.
// Without this option, the default is 1 minute.
// Intervals below MinHeartbeatInterval are raised to it.
func WithHeartbeatInterval(d time.Duration) Options {
	return &heartbeatIntervalOption{d: d}
}

type loggerOption struct {
	ll *slog.Logger
}

func (o *loggerOption) apply(m *obManager) {
	if o.ll != nil {
		m.ll = o.ll
	}
}

// WithLogger sets the logger used for lost checkout warnings.
func WithLogger(ll *slog.Logger) Options {
	return &loggerOption{ll: ll}
}
