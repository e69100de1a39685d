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

package helpers

import (
	"os"
	"strings"
	"time"
)

// GetBoolEnv reads envVar as a switch. "true", "1", "yes", "on", "enable"
// and "enabled" turn it on; "false", "0", "no", "off", "disable" and
// "disabled" turn it off. Anything else, including unset, yields defaultValue.
func GetBoolEnv(envVar string, defaultValue bool) bool {
	switch strings.ToLower(GetEnv(envVar, "")) {
	case "true", "1", "yes", "on", "enable", "enabled":
		return true
	case "false", "0", "no", "off", "disable", "disabled":
		return false
	default:
		return defaultValue
	}
}

// GetEnv returns the trimmed value of envVar, or defaultValue when unset.
func GetEnv(envVar string, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	return defaultValue
}

// GetDurationEnv parses envVar as a time.Duration. Unset or unparsable
// values yield defaultValue.
func GetDurationEnv(envVar string, defaultValue time.Duration) time.Duration {
	v := GetEnv(envVar, "")
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
