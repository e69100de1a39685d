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

package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/tenantdb/config"
	"github.com/cardinalhq/tenantdb/identitydb"
	"github.com/cardinalhq/tenantdb/internal/logctx"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

var tracer = otel.Tracer("github.com/cardinalhq/tenantdb/cmd/sweeper")

var (
	sweepRunCounter   metric.Int64Counter
	sweepErrorCounter metric.Int64Counter
	sweepDuration     metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/tenantdb/cmd/sweeper")

	var err error
	sweepRunCounter, err = meter.Int64Counter(
		"tenantdb.sweeper.runs_total",
		metric.WithDescription("Count of sweeper passes over all tenants"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runs_total counter: %w", err))
	}

	sweepErrorCounter, err = meter.Int64Counter(
		"tenantdb.sweeper.tenant_errors_total",
		metric.WithDescription("Count of tenants whose queues could not be swept"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create tenant_errors_total counter: %w", err))
	}

	sweepDuration, err = meter.Float64Histogram(
		"tenantdb.sweeper.duration_seconds",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of one sweeper pass in seconds"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create duration_seconds histogram: %w", err))
	}
}

type outboxRecoverer interface {
	RecoverCheckedOutDeadItems(ctx context.Context, threshold time.Time) (int64, error)
}

type inboxRecoverer interface {
	PopRecoverDead(ctx context.Context, threshold time.Time) (int64, error)
}

// queuesFunc returns the recoverable queues of one tenant.
type queuesFunc func(tenant identitydb.TenantID) (outboxRecoverer, inboxRecoverer)

// Sweeper returns abandoned outbox checkouts and inbox pops to their queues.
type Sweeper struct {
	cfg         config.SweeperConfig
	listTenants func(ctx context.Context) ([]identitydb.TenantID, error)
	queues      queuesFunc
	now         func() time.Time
	onPass      func(Result, error)
}

// New builds a sweeper over every tenant found in the queue tables reachable
// through factory.
func New(factory *uow.Factory, cfg config.SweeperConfig) *Sweeper {
	return &Sweeper{
		cfg: cfg,
		listTenants: func(ctx context.Context) ([]identitydb.TenantID, error) {
			return identitydb.ListTenants(ctx, factory)
		},
		queues: func(tenant identitydb.TenantID) (outboxRecoverer, inboxRecoverer) {
			return identitydb.NewOutbox(factory, tenant), identitydb.NewInbox(factory, tenant)
		},
		now: time.Now,
	}
}

// Run sweeps immediately and then every configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("Starting sweeper",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("outboxThreshold", s.cfg.OutboxThreshold),
		slog.Duration("inboxThreshold", s.cfg.InboxThreshold))

	err := periodicLoop(ctx, s.cfg.Interval, func(c context.Context) error {
		res, err := s.SweepOnce(c)
		if s.onPass != nil {
			s.onPass(res, err)
		}
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// OnPass registers fn to be called after every pass made by Run.
func (s *Sweeper) OnPass(fn func(Result, error)) {
	s.onPass = fn
}

// Result counts the rows one pass returned to their queues.
type Result struct {
	Tenants         int
	OutboxRecovered int64
	InboxRecovered  int64
}

// SweepOnce recovers dead checkouts and pops of every tenant. A failing
// tenant does not stop the others; all failures are returned together.
func (s *Sweeper) SweepOnce(ctx context.Context) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "sweeper.pass")
	defer func() {
		span.SetAttributes(
			attribute.Int("tenants", res.Tenants),
			attribute.Int64("outbox.recovered", res.OutboxRecovered),
			attribute.Int64("inbox.recovered", res.InboxRecovered))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sweep failed")
		}
		span.End()
	}()

	start := s.now()
	defer func() {
		sweepRunCounter.Add(ctx, 1)
		sweepDuration.Record(ctx, time.Since(start).Seconds())
	}()

	tenants, err := s.listTenants(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list tenants: %w", err)
	}

	res.Tenants = len(tenants)
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, tenant := range tenants {
		g.Go(func() error {
			outbox, inbox, err := s.sweepTenant(gctx, tenant, start)
			mu.Lock()
			defer mu.Unlock()
			res.OutboxRecovered += outbox
			res.InboxRecovered += inbox
			if err != nil {
				sweepErrorCounter.Add(gctx, 1, metric.WithAttributes(attribute.String("tenant", tenant.String())))
				errs = multierror.Append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if res.OutboxRecovered > 0 || res.InboxRecovered > 0 {
		logctx.FromContext(ctx).Info("Recovered abandoned queue rows",
			slog.Int("tenants", res.Tenants),
			slog.Int64("outbox", res.OutboxRecovered),
			slog.Int64("inbox", res.InboxRecovered))
	}
	return res, errs.ErrorOrNil()
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenant identitydb.TenantID, now time.Time) (int64, int64, error) {
	ctx, span := tracer.Start(ctx, "sweeper.tenant", trace.WithAttributes(attribute.String("tenant", tenant.String())))
	defer span.End()

	outbox, inbox := s.queues(tenant)

	var errs *multierror.Error
	nOut, err := outbox.RecoverCheckedOutDeadItems(ctx, now.Add(-s.cfg.OutboxThreshold))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("outbox: %w", err))
	}
	nIn, err := inbox.PopRecoverDead(ctx, now.Add(-s.cfg.InboxThreshold))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("inbox: %w", err))
	}
	if err := errs.ErrorOrNil(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tenant sweep failed")
		return nOut, nIn, err
	}
	return nOut, nIn, nil
}

// Runs f immediately, then on a ticker every period. Never more than once per period.
func periodicLoop(ctx context.Context, period time.Duration, f func(context.Context) error) error {
	if err := f(ctx); err != nil {
		slog.Error("periodic task error", slog.Any("error", err))
	}

	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := f(ctx); err != nil {
				slog.Error("periodic task error", slog.Any("error", err))
			}
		}
	}
}
