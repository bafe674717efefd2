package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/internal/logging"
	"github.com/warp/collections-engine/release"
)

type fakeReleaser struct {
	mu    sync.Mutex
	calls [][2]generic.BillingPeriod
	err   error
	panic bool
}

func (f *fakeReleaser) RunPeriods(ctx context.Context, from, to generic.BillingPeriod) ([]release.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, [2]generic.BillingPeriod{from, to})
	f.mu.Unlock()
	if f.panic {
		panic("boom")
	}
	return []release.Report{{Period: to}}, f.err
}

func (f *fakeReleaser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fixedClock(y int, m time.Month, d int) func() generic.TimePoint {
	return func() generic.TimePoint { return generic.NewTimePoint(y, m, d) }
}

func TestReleaseScheduler_TargetPeriods(t *testing.T) {
	tests := []struct {
		name    string
		today   generic.TimePoint
		catchUp int
		from    string
		to      string
	}{
		// Apr 15 is in billing April, so March is the last complete period
		{"mid month", generic.NewTimePoint(2025, time.April, 15), 0, "2025-03", "2025-03"},
		// Apr 6 still belongs to billing March
		{"before boundary", generic.NewTimePoint(2025, time.April, 6), 0, "2025-02", "2025-02"},
		{"on boundary", generic.NewTimePoint(2025, time.April, 7), 0, "2025-03", "2025-03"},
		{"year rollover", generic.NewTimePoint(2025, time.January, 3), 0, "2024-11", "2024-11"},
		{"catch up", generic.NewTimePoint(2025, time.April, 15), 2, "2025-01", "2025-03"},
		{"negative catch up", generic.NewTimePoint(2025, time.April, 15), -1, "2025-03", "2025-03"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			today := tt.today
			rs := NewReleaseScheduler(&fakeReleaser{}, func() generic.TimePoint { return today }, logging.Discard())
			rs.CatchUp = tt.catchUp

			from, to := rs.TargetPeriods()
			assert.Equal(t, tt.from, from.String())
			assert.Equal(t, tt.to, to.String())
		})
	}
}

func TestReleaseScheduler_RunNow(t *testing.T) {
	// GIVEN: a job on 2025-04-15 catching up one extra period
	fake := &fakeReleaser{}
	rs := NewReleaseScheduler(fake, fixedClock(2025, time.April, 15), logging.Discard())
	rs.CatchUp = 1

	// WHEN: it runs
	reports, err := rs.RunNow(context.Background())

	// THEN: February through March are released
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "2025-02", fake.calls[0][0].String())
	assert.Equal(t, "2025-03", fake.calls[0][1].String())
}

func TestReleaseScheduler_StartStop(t *testing.T) {
	fake := &fakeReleaser{}
	rs := NewReleaseScheduler(fake, fixedClock(2025, time.April, 15), logging.Discard())
	rs.CheckInterval = 10 * time.Millisecond

	rs.Start(context.Background())
	rs.Start(context.Background()) // second start is a no-op

	assert.Eventually(t, func() bool { return fake.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	rs.Stop()

	n := fake.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, fake.callCount(), "no runs after Stop")

	rs.Stop() // idempotent
}

func TestReleaseScheduler_Disabled(t *testing.T) {
	fake := &fakeReleaser{}
	rs := NewReleaseScheduler(fake, fixedClock(2025, time.April, 15), logging.Discard())
	rs.Enabled = false

	rs.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	rs.Stop()

	assert.Zero(t, fake.callCount())
}

func TestReleaseScheduler_SurvivesPanicAndErrors(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeReleaser
	}{
		{"panic", &fakeReleaser{panic: true}},
		{"error", &fakeReleaser{err: errors.New("store down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := NewReleaseScheduler(tt.fake, fixedClock(2025, time.April, 15), logging.Discard())
			rs.CheckInterval = 10 * time.Millisecond

			rs.Start(context.Background())
			// The loop keeps ticking after a failed run
			assert.Eventually(t, func() bool { return tt.fake.callCount() >= 2 }, time.Second, 5*time.Millisecond)
			rs.Stop()
		})
	}
}

func TestReleaseScheduler_StopsOnContextCancel(t *testing.T) {
	fake := &fakeReleaser{}
	rs := NewReleaseScheduler(fake, fixedClock(2025, time.April, 15), logging.Discard())
	rs.CheckInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	rs.Start(ctx)
	assert.Eventually(t, func() bool { return fake.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	rs.Stop()
}

func TestReleaseScheduler_DrivesRealRelease(t *testing.T) {
	// GIVEN: the mix-rule scenario loaded
	s := newTestServer(t)
	require.Equal(t, 200, s.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "agr-mix-release"}).Code)

	// WHEN: the job runs with the engine clock (2025-04-15)
	rs := NewReleaseScheduler(s.engine.Release, s.engine.Clock, logging.Discard())
	reports, err := rs.RunNow(context.Background())

	// THEN: March is released into the wallet
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "2025-03", reports[0].Period.String())
	assert.Equal(t, 1, reports[0].Counts[release.OutcomeReleased])
	wallet, err := s.store.GetWallet(context.Background(), "agent-cara")
	require.NoError(t, err)
	assert.Equal(t, "450.00", wallet.Balance.StringFixed(2))
}
