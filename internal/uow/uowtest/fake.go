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

// Package uowtest provides an in-memory uow.Provider that records what the
// unit of work does with its connections.
package uowtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardinalhq/tenantdb/internal/uow"
)

var ErrNotScripted = errors.New("uowtest: statement not scripted")

type Counts struct {
	Acquired   int
	Released   int
	Begun      int
	Committed  int
	RolledBack int
	Statements int
}

// Provider is a fake connection source. Hooks may be set before use; nil
// hooks succeed with an empty result.
type Provider struct {
	AcquireErr  error
	BeginErr    error
	CommitErr   error
	RollbackErr error

	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row

	mu     sync.Mutex
	counts Counts
	sqls   []string
}

var _ uow.Provider = (*Provider)(nil)

func (p *Provider) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// Statements returns the SQL text of every statement issued, in order.
func (p *Provider) Statements() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sqls...)
}

func (p *Provider) bump(f func(c *Counts)) {
	p.mu.Lock()
	f(&p.counts)
	p.mu.Unlock()
}

func (p *Provider) record(sql string) {
	p.mu.Lock()
	p.counts.Statements++
	p.sqls = append(p.sqls, sql)
	p.mu.Unlock()
}

func (p *Provider) Acquire(_ context.Context) (uow.Conn, error) {
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	p.bump(func(c *Counts) { c.Acquired++ })
	return &conn{p: p}, nil
}

type conn struct {
	p *Provider
}

func (c *conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.p.exec(ctx, sql, args...)
}

func (c *conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.p.query(ctx, sql, args...)
}

func (c *conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.p.queryRow(ctx, sql, args...)
}

func (c *conn) Begin(_ context.Context) (uow.Tx, error) {
	if c.p.BeginErr != nil {
		return nil, c.p.BeginErr
	}
	c.p.bump(func(c *Counts) { c.Begun++ })
	return &tx{conn: c}, nil
}

func (c *conn) Release() {
	c.p.bump(func(c *Counts) { c.Released++ })
}

type tx struct {
	*conn
}

func (t *tx) Commit(_ context.Context) error {
	if t.p.CommitErr != nil {
		return t.p.CommitErr
	}
	t.p.bump(func(c *Counts) { c.Committed++ })
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.p.RollbackErr != nil {
		return t.p.RollbackErr
	}
	t.p.bump(func(c *Counts) { c.RolledBack++ })
	return nil
}

func (p *Provider) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.record(sql)
	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (p *Provider) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.record(sql)
	if p.QueryFunc != nil {
		return p.QueryFunc(ctx, sql, args...)
	}
	return nil, ErrNotScripted
}

func (p *Provider) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.record(sql)
	if p.QueryRowFunc != nil {
		return p.QueryRowFunc(ctx, sql, args...)
	}
	return Row{Err: pgx.ErrNoRows}
}

// Row is a pgx.Row that returns Err from Scan.
type Row struct {
	Err error
}

func (r Row) Scan(...any) error {
	return r.Err
}
