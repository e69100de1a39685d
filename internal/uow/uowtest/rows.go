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

package uowtest

import (
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Rows is a scripted pgx.Rows. Each entry of Data is one row; Scan copies
// the values into the destinations, which must have matching types.
type Rows struct {
	Data [][]any
	Tag  pgconn.CommandTag

	pos    int
	err    error
	closed bool
}

var _ pgx.Rows = (*Rows)(nil)

func NewRows(data ...[]any) *Rows {
	return &Rows{Data: data}
}

func (r *Rows) Close() {
	r.closed = true
}

func (r *Rows) Err() error {
	return r.err
}

func (r *Rows) CommandTag() pgconn.CommandTag {
	return r.Tag
}

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	return nil
}

func (r *Rows) Next() bool {
	if r.closed || r.err != nil || r.pos >= len(r.Data) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *Rows) current() []any {
	return r.Data[r.pos-1]
}

func (r *Rows) Scan(dest ...any) error {
	row := r.current()
	if len(dest) != len(row) {
		r.err = fmt.Errorf("uowtest: scan into %d destinations, row has %d values", len(dest), len(row))
		return r.err
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			r.err = fmt.Errorf("uowtest: destination %d is not a pointer", i)
			return r.err
		}
		target := dv.Elem()
		if row[i] == nil {
			target.SetZero()
			continue
		}
		v := reflect.ValueOf(row[i])
		if !v.Type().AssignableTo(target.Type()) {
			r.err = fmt.Errorf("uowtest: cannot scan %T into %s", row[i], target.Type())
			return r.err
		}
		target.Set(v)
	}
	return nil
}

func (r *Rows) Values() ([]any, error) {
	return r.current(), nil
}

func (r *Rows) RawValues() [][]byte {
	return nil
}

func (r *Rows) Conn() *pgx.Conn {
	return nil
}

// ValueRow is a pgx.Row over fixed values.
type ValueRow []any

func (v ValueRow) Scan(dest ...any) error {
	r := NewRows([]any(v))
	r.Next()
	return r.Scan(dest...)
}
