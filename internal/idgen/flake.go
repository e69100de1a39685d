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
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

var flakeEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

var instanceID = sync.OnceValue(func() int64 {
	return newFlake(nil).next()
})

// InstanceID identifies this process in logs and metrics. It is stable for
// the life of the process.
func InstanceID() int64 {
	return instanceID()
}

type flake struct {
	sf *sonyflake.Sonyflake
}

// newFlake builds a generator. Hosts without a private address get a random
// machine id instead of failing.
func newFlake(machineID func() (uint16, error)) *flake {
	sf, err := sonyflake.New(sonyflake.Settings{StartTime: flakeEpoch, MachineID: machineID})
	if err != nil || sf == nil {
		sf, _ = sonyflake.New(sonyflake.Settings{
			StartTime: flakeEpoch,
			MachineID: func() (uint16, error) { return uint16(rand.UintN(1 << 16)), nil },
		})
	}
	return &flake{sf: sf}
}

func (f *flake) next() int64 {
	if f.sf == nil {
		return rand.Int64()
	}
	v, err := f.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}
