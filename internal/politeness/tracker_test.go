package politeness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/econ-graph/crawler-telemetry/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, defaults Limits, overrides map[string]Limits) (*Tracker, *metrics.Registry, *fakeClock) {
	t.Helper()
	reg := metrics.NewRegistry()
	clk := newFakeClock()
	tracker := NewTracker(Config{
		CrawlerType: metrics.CrawlerTypeEconomicData,
		Defaults:    defaults,
		Overrides:   overrides,
	}, reg, clk, zap.NewNop())
	return tracker, reg, clk
}

func TestPermitDenyScenario(t *testing.T) {
	tracker, _, clk := newTestTracker(t, Limits{MinDelay: time.Second, MaxConcurrent: 2}, nil)

	first := tracker.BeforeRequest("FRED")
	require.True(t, first.Allowed)
	second := tracker.BeforeRequest("FRED")
	require.True(t, second.Allowed)

	third := tracker.BeforeRequest("FRED")
	require.False(t, third.Allowed, "at the concurrency cap")
	require.Greater(t, third.RetryAfter, time.Duration(0))

	tracker.AfterRequest("FRED", true, true)
	tracker.AfterRequest("FRED", true, true)

	state, ok := tracker.State("FRED")
	require.True(t, ok)
	require.Equal(t, uint32(0), state.InFlight)

	clk.Advance(1100 * time.Millisecond)
	fourth := tracker.BeforeRequest("FRED")
	require.True(t, fourth.Allowed)
}

func TestDenyUntilMinDelayElapses(t *testing.T) {
	tracker, _, clk := newTestTracker(t, Limits{MinDelay: time.Second, MaxConcurrent: 4}, nil)

	require.True(t, tracker.BeforeRequest("BLS").Allowed)
	tracker.AfterRequest("BLS", true, true)

	clk.Advance(400 * time.Millisecond)
	decision := tracker.BeforeRequest("BLS")
	require.False(t, decision.Allowed)
	require.Equal(t, 600*time.Millisecond, decision.RetryAfter)

	clk.Advance(600 * time.Millisecond)
	require.True(t, tracker.BeforeRequest("BLS").Allowed)
}

func TestStrictViolationCounting(t *testing.T) {
	tracker, _, clk := newTestTracker(t, Limits{MinDelay: time.Second, MaxConcurrent: 8}, nil)

	// Caller ignores the decision entirely; violations count on actual
	// elapsed time, not on whether permission was sought.
	tracker.AfterRequest("FRED", true, true)
	clk.Advance(200 * time.Millisecond)
	tracker.AfterRequest("FRED", true, true)
	clk.Advance(2 * time.Second)
	tracker.AfterRequest("FRED", true, true)
	clk.Advance(100 * time.Millisecond)
	tracker.AfterRequest("FRED", true, true)

	state, ok := tracker.State("FRED")
	require.True(t, ok)
	require.Equal(t, uint64(2), state.DelayViolations)
}

func TestAfterRequestWithoutBeforeClampsAtZero(t *testing.T) {
	tracker, _, _ := newTestTracker(t, Limits{MinDelay: 0, MaxConcurrent: 2}, nil)

	tracker.AfterRequest("SEC", true, true)
	state, ok := tracker.State("SEC")
	require.True(t, ok)
	require.Equal(t, metrics.CrawlerTypeEconomicData, state.CrawlerType)
	require.Equal(t, uint32(0), state.InFlight)
	require.False(t, state.LastRequestAt.IsZero())
}

func TestUnknownSourceState(t *testing.T) {
	tracker, _, _ := newTestTracker(t, Limits{MinDelay: time.Second, MaxConcurrent: 1}, nil)
	_, ok := tracker.State("never-seen")
	require.False(t, ok)
}

func TestPerSourceOverrides(t *testing.T) {
	tracker, _, _ := newTestTracker(t,
		Limits{MinDelay: time.Second, MaxConcurrent: 1},
		map[string]Limits{"SEC": {MinDelay: 5 * time.Second, MaxConcurrent: 3}},
	)

	require.True(t, tracker.BeforeRequest("SEC").Allowed)
	require.True(t, tracker.BeforeRequest("SEC").Allowed)
	require.True(t, tracker.BeforeRequest("SEC").Allowed)
	require.False(t, tracker.BeforeRequest("SEC").Allowed)

	state, ok := tracker.State("SEC")
	require.True(t, ok)
	require.Equal(t, 5*time.Second, state.MinDelay)
	require.Equal(t, uint32(3), state.MaxConcurrent)
}

func TestSourcesDoNotSerializeEachOther(t *testing.T) {
	tracker, _, _ := newTestTracker(t, Limits{MinDelay: time.Second, MaxConcurrent: 1}, nil)

	require.True(t, tracker.BeforeRequest("FRED").Allowed)
	// FRED is now at its cap; BLS must be unaffected.
	require.False(t, tracker.BeforeRequest("FRED").Allowed)
	require.True(t, tracker.BeforeRequest("BLS").Allowed)
}

func TestDerivedSeriesPublished(t *testing.T) {
	tracker, reg, clk := newTestTracker(t, Limits{MinDelay: time.Second, MaxConcurrent: 2}, nil)

	require.True(t, tracker.BeforeRequest("FRED").Allowed)
	tracker.AfterRequest("FRED", true, true)
	clk.Advance(500 * time.Millisecond)
	require.False(t, tracker.BeforeRequest("FRED").Allowed)

	// Caller ignores the denial; the completion lands 500ms after the
	// previous one: one violation, robots non-compliant this time.
	tracker.AfterRequest("FRED", false, false)

	byName := map[string]metrics.Value{}
	for _, sample := range reg.Snapshot() {
		if sample.Key.Labels == nil {
			byName[sample.Key.Name] = sample.Value
		}
	}

	require.Equal(t, metrics.GaugeValue{Current: 0}, byName[MetricInFlight])
	require.Equal(t, metrics.CounterValue{Total: 1}, byName[MetricViolationsTotal])
	require.Equal(t, metrics.GaugeValue{Current: 0}, byName[MetricRobotsCompliant])

	hist, ok := byName[MetricRequestDelay].(metrics.HistogramValue)
	require.True(t, ok)
	require.Equal(t, uint64(1), hist.Count)
	require.InDelta(t, 0.5, hist.Sum, 1e-9)

	var statuses []string
	for _, sample := range reg.Snapshot() {
		if sample.Key.Name == MetricRequestsTotal {
			statuses = append(statuses, sample.Key.Labels["status"])
		}
	}
	require.ElementsMatch(t, []string{"success", "error"}, statuses)
}

func TestConcurrentTrafficSingleSource(t *testing.T) {
	tracker, _, _ := newTestTracker(t, Limits{MinDelay: 0, MaxConcurrent: 4}, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if tracker.BeforeRequest("FRED").Allowed {
					tracker.AfterRequest("FRED", true, true)
				}
			}
		}()
	}
	wg.Wait()

	state, ok := tracker.State("FRED")
	require.True(t, ok)
	require.Equal(t, uint32(0), state.InFlight)
}
