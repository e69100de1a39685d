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
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/tenantdb/identitydb"
)

var (
	// ErrShutdown is returned when the manager's run loop has exited.
	ErrShutdown = errors.New("outbox manager is shut down")
	// ErrCheckoutLost is returned when a work item's stamp no longer holds its row,
	// usually because the sweeper recovered it.
	ErrCheckoutLost = errors.New("outbox item is no longer checked out by this worker")
)

// OutboxDB defines the outbox operations needed by the manager.
type OutboxDB interface {
	CheckOutItem(ctx context.Context) (*identitydb.OutboxRecord, error)
	CompleteAndRemove(ctx context.Context, stamp identitydb.Stamp) (int64, error)
	CheckInAsCancelled(ctx context.Context, stamp identitydb.Stamp, nextRunTime time.Time) (int64, error)
	RefreshCheckout(ctx context.Context, stamp identitydb.Stamp) (int64, error)
}

var _ OutboxDB = (*identitydb.Outbox)(nil)

type OutboxManager interface {
	// Run starts the background goroutine that processes work requests.
	Run(ctx context.Context)
	// RequestWork checks out the next eligible outbox item, returning nil if none is available.
	// Returns an error if the context is cancelled or the manager is shutting down.
	RequestWork(ctx context.Context) (*WorkItem, error)
	// WaitForOutstandingWork waits for all handed out work items to be completed or failed.
	WaitForOutstandingWork(ctx context.Context) error
}

// obManager drives checkouts from one tenant's outbox and keeps held stamps fresh.
type obManager struct {
	db OutboxDB

	heartbeatInterval time.Duration
	ll                *slog.Logger

	// stamps of items handed out and not yet finished, keyed by token
	held map[uuid.UUID]identitydb.Stamp

	outstandingWork sync.WaitGroup
	shutdownOnce    sync.Once
	done            chan struct{}

	getWork    chan *workRequest
	finishWork chan *workFinishRequest
}

var _ OutboxManager = (*obManager)(nil)

// NewOutboxManager constructs a manager that hands out checked out outbox items.
// Items are refreshed periodically so the sweeper does not reclaim them while in use.
func NewOutboxManager(db OutboxDB, opts ...Options) OutboxManager {
	m := &obManager{
		db:                db,
		heartbeatInterval: time.Minute,
		ll:                slog.Default(),
		held:              map[uuid.UUID]identitydb.Stamp{},
		done:              make(chan struct{}),
		getWork:           make(chan *workRequest, 5),
		finishWork:        make(chan *workFinishRequest, 5),
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	return m
}

// Run starts a background goroutine that serves work requests and periodically
// refreshes all held stamps. When ctx is canceled, the loop exits.
func (m *obManager) Run(ctx context.Context) {
	go m.runLoop(ctx)
}

func (m *obManager) runLoop(ctx context.Context) {
	defer m.shutdownOnce.Do(func() {
		close(m.done)
	})

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-m.getWork:
			work, err := m.checkOut(ctx)
			if work != nil && req.ctx.Err() != nil {
				// nobody will take the item; hand the row back now
				m.release(ctx, work)
				work, err = nil, req.ctx.Err()
			}
			req.resp <- &workRequestResponse{
				work: work,
				err:  err,
			}

		case req := <-m.finishWork:
			req.resp <- m.finish(ctx, req)

		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

func (m *obManager) checkOut(ctx context.Context) (*WorkItem, error) {
	rec, err := m.db.CheckOutItem(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	stamp, ok := rec.Stamp()
	if !ok {
		return nil, errors.New("checked out outbox item carries no stamp")
	}
	m.held[stamp.Token] = stamp
	return &WorkItem{record: *rec, stamp: stamp, mgr: m}, nil
}

// release checks a row back in that was checked out for a requester who
// gave up waiting.
func (m *obManager) release(ctx context.Context, work *WorkItem) {
	delete(m.held, work.stamp.Token)
	if _, err := m.db.CheckInAsCancelled(ctx, work.stamp, time.Now()); err != nil {
		m.ll.Error("failed to release unclaimed outbox item, leaving it to the sweeper",
			slog.String("stamp", work.stamp.Token.String()), slog.Any("error", err))
	}
}

func (m *obManager) finish(ctx context.Context, req *workFinishRequest) error {
	stamp := req.WorkItem.stamp
	delete(m.held, stamp.Token)

	var (
		n   int64
		err error
	)
	if req.complete {
		n, err = m.db.CompleteAndRemove(ctx, stamp)
	} else {
		n, err = m.db.CheckInAsCancelled(ctx, stamp, req.nextRunTime)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCheckoutLost
	}
	return nil
}

func (m *obManager) heartbeat(ctx context.Context) {
	for token, stamp := range m.held {
		n, err := m.db.RefreshCheckout(ctx, stamp)
		if err != nil {
			m.ll.Error("failed to refresh outbox checkout (continuing)",
				slog.String("stamp", token.String()), slog.Any("error", err))
			continue
		}
		if n == 0 {
			m.ll.Warn("outbox checkout lost before completion", slog.String("stamp", token.String()))
			delete(m.held, token)
		}
	}
}

type workRequest struct {
	ctx  context.Context
	resp chan *workRequestResponse
}

type workRequestResponse struct {
	work *WorkItem
	err  error
}

type workFinishRequest struct {
	WorkItem    *WorkItem
	complete    bool
	nextRunTime time.Time
	resp        chan error
}

// RequestWork checks out the next eligible item, returning nil if no work is available.
// Returns an error if the context is cancelled or the manager is shutting down.
func (m *obManager) RequestWork(ctx context.Context) (*WorkItem, error) {
	select {
	case <-m.done:
		return nil, ErrShutdown
	default:
	}

	req := &workRequest{
		ctx:  ctx,
		resp: make(chan *workRequestResponse, 1),
	}

	select {
	case m.getWork <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrShutdown
	}

	select {
	case work := <-req.resp:
		if work.work != nil {
			m.outstandingWork.Add(1)
		}
		return work.work, work.err
	case <-ctx.Done():
		go m.abandon(req)
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrShutdown
	}
}

// abandon waits for the answer to a request whose caller went away and
// checks any item it carries back in.
func (m *obManager) abandon(req *workRequest) {
	select {
	case resp := <-req.resp:
		if resp.work == nil {
			return
		}
		m.outstandingWork.Add(1)
		if err := resp.work.Fail(time.Now()); err != nil {
			m.ll.Warn("failed to release abandoned outbox item",
				slog.String("stamp", resp.work.stamp.Token.String()), slog.Any("error", err))
		}
	case <-m.done:
	}
}

// WaitForOutstandingWork waits for all outstanding work items to finish.
// Returns when all work is done or the context is cancelled.
func (m *obManager) WaitForOutstandingWork(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.outstandingWork.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
