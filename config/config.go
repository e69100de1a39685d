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
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/tenantdb/internal/tablecache"
	"github.com/cardinalhq/tenantdb/lockmgr"
)

// Config aggregates configuration for the tenantdb tools.
// Some fields are owned by their respective packages.
type Config struct {
	Database DatabaseConfig    `mapstructure:"database"`
	Cache    tablecache.Config `mapstructure:"cache"`
	Sweeper  SweeperConfig     `mapstructure:"sweeper"`
	// Outbox configures lockmgr for programs that embed tenantdb and run
	// outbox workers; no tenantdb command consumes it.
	Outbox   lockmgr.Config    `mapstructure:"outbox"`
	Health   HealthConfig      `mapstructure:"health"`
}

type DatabaseConfig struct {
	// MaxConns caps the connection pool. Zero keeps the pgxpool default.
	MaxConns int32 `mapstructure:"max_conns"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// OutboxThreshold is how long an outbox checkout may go unrefreshed
	// before the sweeper returns the row to the queue.
	OutboxThreshold time.Duration `mapstructure:"outbox_threshold"`
	InboxThreshold  time.Duration `mapstructure:"inbox_threshold"`
	Concurrency     int           `mapstructure:"concurrency"`
}

type HealthConfig struct {
	Port int `mapstructure:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Cache: tablecache.DefaultConfig(),
		Sweeper: SweeperConfig{
			Interval:        time.Minute,
			OutboxThreshold: 10 * time.Minute,
			InboxThreshold:  10 * time.Minute,
			Concurrency:     4,
		},
		Outbox: lockmgr.Config{
			HeartbeatInterval: time.Minute,
		},
		Health: HealthConfig{
			Port: 8090,
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "TENANTDB" and the dot character
// in keys is replaced by an underscore. For example, "sweeper.interval"
// becomes "TENANTDB_SWEEPER_INTERVAL".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("tenantdb")
	v.AddConfigPath(".")
	v.SetEnvPrefix("TENANTDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
