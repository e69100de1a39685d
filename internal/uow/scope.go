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

package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const finishTimeout = 10 * time.Second

type scopeKey struct{}

// Factory opens scopes against one database.
type Factory struct {
	provider Provider
}

func NewFactory(provider Provider) *Factory {
	return &Factory{provider: provider}
}

// scope is one physical connection shared by every lease acquired through
// the same context chain.
type scope struct {
	factory *Factory
	parent  *scope

	mu       sync.Mutex
	conn     Conn
	connRefs int

	tx           Tx
	txRefs       int
	commit       bool
	postCommit   []func()
	postRollback []func()

	busy atomic.Bool
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func (f *Factory) scopeFor(ctx context.Context) *scope {
	for s := scopeFrom(ctx); s != nil; s = s.parent {
		if s.factory == f {
			return s
		}
	}
	return nil
}

// Acquire returns a lease on the connection scope for this factory carried
// by ctx, opening a new scope when there is none. The returned context must
// be used for all work done under the lease.
func (f *Factory) Acquire(ctx context.Context) (context.Context, *Lease, error) {
	if s := f.scopeFor(ctx); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.connRefs == 0 {
			return ctx, nil, ErrScopeClosed
		}
		s.connRefs++
		return ctx, &Lease{s: s}, nil
	}

	conn, err := f.provider.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire connection: %w", err)
	}
	s := &scope{
		factory:  f,
		parent:   scopeFrom(ctx),
		conn:     conn,
		connRefs: 1,
	}
	return context.WithValue(ctx, scopeKey{}, s), &Lease{s: s}, nil
}

// WithConn runs fn with the scope's current statement target: the open
// transaction if there is one, otherwise the bare connection.
func (f *Factory) WithConn(ctx context.Context, fn func(ctx context.Context, db DBTX) error) (err error) {
	ctx, lease, err := f.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, lease.Release())
	}()
	return fn(ctx, lease.DB())
}

// InTx runs fn inside a stacked transaction. If ctx already carries an open
// transaction for this factory, fn joins it and the outermost caller decides
// the outcome.
func (f *Factory) InTx(ctx context.Context, fn func(ctx context.Context, db DBTX) error) (err error) {
	ctx, lease, err := f.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, lease.Release())
	}()

	txn, err := lease.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, txn.Release())
	}()

	if err = fn(ctx, txn.DB()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Lease is one reference on a scope's connection.
type Lease struct {
	s        *scope
	released bool
}

// DB returns the statement target for the lease.
func (l *Lease) DB() DBTX {
	return &guardedDB{s: l.s}
}

// Begin opens a transaction, or joins the one already open on the scope.
func (l *Lease) Begin(ctx context.Context) (*Txn, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connRefs == 0 {
		return nil, ErrScopeClosed
	}
	if s.tx != nil {
		s.txRefs++
		return &Txn{s: s}, nil
	}

	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrParallelUse
	}
	tx, err := s.conn.Begin(ctx)
	s.busy.Store(false)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	s.txRefs = 1
	s.commit = false
	return &Txn{s: s, outer: true}, nil
}

// Release drops the reference. The last release returns the connection,
// rolling back any transaction still open.
func (l *Lease) Release() error {
	if l.released {
		return nil
	}
	l.released = true

	s := l.s
	s.mu.Lock()
	s.connRefs--
	if s.connRefs > 0 {
		s.mu.Unlock()
		return nil
	}
	var err error
	var actions []func()
	if s.tx != nil {
		actions, err = s.finishLocked(false)
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	runActions(actions)
	conn.Release()
	return err
}

// Txn is one level of a stacked transaction.
type Txn struct {
	s        *scope
	outer    bool
	released bool
}

func (t *Txn) DB() DBTX {
	return &guardedDB{s: t.s}
}

// Commit marks the transaction for commit. It only has an effect on the
// outermost level; the commit happens when that level is released.
func (t *Txn) Commit() {
	if !t.outer || t.released {
		return
	}
	t.s.mu.Lock()
	t.s.commit = true
	t.s.mu.Unlock()
}

// Release ends this level. Releasing the outermost level commits if Commit
// was called and rolls back otherwise, then runs the matching actions.
func (t *Txn) Release() error {
	if t.released {
		return nil
	}
	t.released = true

	s := t.s
	s.mu.Lock()
	s.txRefs--
	if !t.outer || s.tx == nil {
		s.mu.Unlock()
		return nil
	}
	actions, err := s.finishLocked(s.commit)
	s.mu.Unlock()

	runActions(actions)
	return err
}

// finishLocked ends the open transaction and returns the actions to run once
// the lock is dropped.
func (s *scope) finishLocked(commit bool) ([]func(), error) {
	tx := s.tx
	postCommit := s.postCommit
	postRollback := s.postRollback
	s.tx = nil
	s.txRefs = 0
	s.commit = false
	s.postCommit = nil
	s.postRollback = nil

	// Never use the caller ctx for cleanup as it may be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if commit {
		if err := tx.Commit(ctx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			}
			return postRollback, fmt.Errorf("commit failed: %w", err)
		}
		return postCommit, nil
	}

	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return postRollback, fmt.Errorf("rollback failed: %w", err)
	}
	return postRollback, nil
}

func runActions(actions []func()) {
	for _, fn := range actions {
		fn()
	}
}

func openTx(ctx context.Context) *scope {
	for s := scopeFrom(ctx); s != nil; s = s.parent {
		s.mu.Lock()
		open := s.tx != nil
		s.mu.Unlock()
		if open {
			return s
		}
	}
	return nil
}

// HasTransaction reports whether ctx carries an open transaction on any
// scope.
func HasTransaction(ctx context.Context) bool {
	return openTx(ctx) != nil
}

// AddPostCommitAction registers fn to run after the outermost transaction
// carried by ctx commits.
func AddPostCommitAction(ctx context.Context, fn func()) error {
	s := openTx(ctx)
	if s == nil {
		return ErrNoTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	s.postCommit = append(s.postCommit, fn)
	return nil
}

// AddPostRollbackAction registers fn to run after the outermost transaction
// carried by ctx rolls back.
func AddPostRollbackAction(ctx context.Context, fn func()) error {
	s := openTx(ctx)
	if s == nil {
		return ErrNoTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	s.postRollback = append(s.postRollback, fn)
	return nil
}

// guardedDB routes statements to the scope's transaction or connection and
// rejects concurrent use.
type guardedDB struct {
	s *scope
}

func (g *guardedDB) target() (DBTX, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if g.s.tx != nil {
		return g.s.tx, nil
	}
	if g.s.conn == nil {
		return nil, ErrScopeClosed
	}
	return g.s.conn, nil
}

func (g *guardedDB) enter() (DBTX, error) {
	if !g.s.busy.CompareAndSwap(false, true) {
		return nil, ErrParallelUse
	}
	db, err := g.target()
	if err != nil {
		g.s.busy.Store(false)
		return nil, err
	}
	return db, nil
}

func (g *guardedDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db, err := g.enter()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer g.s.busy.Store(false)
	return db.Exec(ctx, sql, args...)
}

// Query holds the scope busy until the returned rows are closed.
func (g *guardedDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db, err := g.enter()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		g.s.busy.Store(false)
		return nil, err
	}
	return &guardedRows{Rows: rows, s: g.s}, nil
}

func (g *guardedDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db, err := g.enter()
	if err != nil {
		return errRow{err: err}
	}
	return &guardedRow{row: db.QueryRow(ctx, sql, args...), s: g.s}
}

type guardedRows struct {
	pgx.Rows
	s    *scope
	once sync.Once
}

func (r *guardedRows) Close() {
	r.Rows.Close()
	r.once.Do(func() { r.s.busy.Store(false) })
}

func (r *guardedRows) Next() bool {
	if r.Rows.Next() {
		return true
	}
	r.once.Do(func() { r.s.busy.Store(false) })
	return false
}

type guardedRow struct {
	row pgx.Row
	s   *scope
}

func (r *guardedRow) Scan(dest ...any) error {
	defer r.s.busy.Store(false)
	return r.row.Scan(dest...)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}
