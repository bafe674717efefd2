/*
scheduler.go - Automated commission release job

PURPOSE:
  Periodically releases the most recently completed billing period for every
  agent, so wallets are credited without a manual trigger.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Target period is PeriodFor(today).Previous() in billing months
  - CatchUp > 0 also re-runs that many earlier periods, oldest first; an
    already released rollup short-circuits, so re-runs are cheap
  - A panic in one run is logged and the loop keeps going

CONFIGURATION:
  - CheckInterval: How often to run (default: 24 hours)
  - Enabled: Whether the job is active (default: true)

USAGE:
  job := NewReleaseScheduler(eng.Release, eng.Clock, logger)
  job.Start(ctx)
  // ... later
  job.Stop()

SEE ALSO:
  - handlers.go: TriggerRelease endpoint (manual release)
  - release/scheduler.go: Per-agent release
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/release"
)

// PeriodReleaser releases a range of billing periods in order.
type PeriodReleaser interface {
	RunPeriods(ctx context.Context, from, to generic.BillingPeriod) ([]release.Report, error)
}

// ReleaseScheduler runs the release job on a ticker.
type ReleaseScheduler struct {
	Releaser      PeriodReleaser
	Clock         func() generic.TimePoint
	Periods       generic.PeriodConfig
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool
	CatchUp       int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReleaseScheduler creates a job with default settings.
func NewReleaseScheduler(releaser PeriodReleaser, clock func() generic.TimePoint, logger *slog.Logger) *ReleaseScheduler {
	if clock == nil {
		clock = generic.Today
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReleaseScheduler{
		Releaser:      releaser,
		Clock:         clock,
		Periods:       generic.BillingMonths,
		Logger:        logger,
		CheckInterval: 24 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the job. It stops when ctx is done or Stop is called.
func (rs *ReleaseScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("release job disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(ctx, rs.ticker, rs.stop)

	rs.Logger.Info("release job started", "interval", rs.CheckInterval.String())
}

// Stop stops the job and waits for an in-flight run to finish.
func (rs *ReleaseScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("release job stopped")
	}
}

func (rs *ReleaseScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.safeRun(ctx)

	for {
		select {
		case <-ticker.C:
			rs.safeRun(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (rs *ReleaseScheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			rs.Logger.Error("panic in release job", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := rs.RunNow(ctx); err != nil {
		rs.Logger.Warn("release run failed", "error", err)
	}
}

// TargetPeriods returns the periods the next run will release.
func (rs *ReleaseScheduler) TargetPeriods() (from, to generic.BillingPeriod) {
	to = rs.Periods.PeriodFor(rs.Clock()).Previous()
	from = to
	for range max(0, rs.CatchUp) {
		from = from.Previous()
	}
	return from, to
}

// RunNow releases the target periods immediately (for testing/admin).
func (rs *ReleaseScheduler) RunNow(ctx context.Context) ([]release.Report, error) {
	from, to := rs.TargetPeriods()
	rs.Logger.Info("release job running", "from", from.String(), "to", to.String())
	return rs.Releaser.RunPeriods(ctx, from, to)
}

// NextRunTime returns when the next scheduled run will occur.
func (rs *ReleaseScheduler) NextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
