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

// Package uow provides a tenant database unit of work: a reference counted
// connection scope carried in a context, with stacked transactions where
// only the outermost level commits or rolls back.
package uow

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrParallelUse is returned when two goroutines issue statements on the
	// same scope at the same time.
	ErrParallelUse = errors.New("uow: scope used from more than one goroutine at once")

	// ErrNoTransaction is returned when registering a transaction action on a
	// context with no open transaction.
	ErrNoTransaction = errors.New("uow: no transaction is open")

	// ErrScopeClosed is returned when a context outlives the scope it carries.
	ErrScopeClosed = errors.New("uow: scope has been released")
)

// DBTX is the statement surface shared by connections and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Tx interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Conn interface {
	DBTX
	Begin(ctx context.Context) (Tx, error)
	Release()
}

// Provider hands out physical connections.
type Provider interface {
	Acquire(ctx context.Context) (Conn, error)
}
