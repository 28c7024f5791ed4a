// Package politeness tracks per-source crawl compliance: minimum
// inter-request delay, concurrent request caps, and robots.txt outcomes. It
// decides and measures; the caller owns all scheduling, so nothing here
// blocks or sleeps.
package politeness

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/econ-graph/crawler-telemetry/internal/metrics"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Derived series published into the metrics registry on every AfterRequest.
const (
	MetricInFlight        = "crawler_requests_in_flight"
	MetricViolationsTotal = "crawler_delay_violations_total"
	MetricRobotsCompliant = "crawler_robots_compliant"
	MetricRequestsTotal   = "crawler_requests_total"
	MetricRequestDelay    = "crawler_request_delay_seconds"
)

// requestDelayBuckets spans sub-delay bursts through well-spaced requests.
var requestDelayBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60}

// Limits is the politeness policy applied to one source.
type Limits struct {
	MinDelay      time.Duration
	MaxConcurrent uint32
}

// Config wires a Tracker. Defaults apply to sources seen for the first
// time; Overrides replace them for specific sources. All values come from
// external configuration, never from this package.
type Config struct {
	CrawlerType metrics.CrawlerType
	Defaults    Limits
	Overrides   map[string]Limits
}

// Decision is the outcome of BeforeRequest. When Allowed is false,
// RetryAfter is the caller's suggested wait; honoring it is the caller's
// scheduling responsibility.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// ComplianceState is a read-only copy of one source's tracked state.
type ComplianceState struct {
	CrawlerType     metrics.CrawlerType
	Source          string
	LastRequestAt   time.Time
	MinDelay        time.Duration
	DelayViolations uint64
	RobotsCheckedAt time.Time
	RobotsAllowed   bool
	InFlight        uint32
	MaxConcurrent   uint32
}

// Tracker maintains one independently locked state cell per source so heavy
// traffic to one source never serializes requests to another.
type Tracker struct {
	cfg     Config
	clock   Clock
	reg     *metrics.Registry
	logger  *zap.Logger
	sources sync.Map // source -> *sourceState
}

type sourceState struct {
	mu              sync.Mutex
	limits          Limits
	lastRequestAt   time.Time
	delayViolations uint64
	robotsCheckedAt time.Time
	robotsAllowed   bool
	inFlight        uint32
}

// NewTracker builds a Tracker publishing derived series into reg.
func NewTracker(cfg Config, reg *metrics.Registry, clock Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{cfg: cfg, clock: clock, reg: reg, logger: logger}
}

// BeforeRequest decides whether the caller may start a request to source
// right now. Permits increment the in-flight count; denials carry the
// remaining wait. It never blocks.
func (t *Tracker) BeforeRequest(source string) Decision {
	state := t.state(source)
	now := t.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.limits.MaxConcurrent > 0 && state.inFlight >= state.limits.MaxConcurrent {
		// No completion to predict from; suggest the configured delay.
		retry := state.limits.MinDelay
		if remaining := state.remainingDelay(now); remaining > retry {
			retry = remaining
		}
		return Decision{RetryAfter: retry}
	}
	if remaining := state.remainingDelay(now); remaining > 0 {
		return Decision{RetryAfter: remaining}
	}
	state.inFlight++
	return Decision{Allowed: true}
}

// AfterRequest records the completion of a request to source. It tolerates
// completions never announced via BeforeRequest: the in-flight count clamps
// at zero instead of underflowing. A completion arriving sooner than the
// configured minimum delay after the previous one counts as a violation
// regardless of what BeforeRequest answered.
func (t *Tracker) AfterRequest(source string, succeeded, robotsAllowed bool) {
	state := t.state(source)
	now := t.clock.Now()

	state.mu.Lock()
	if state.inFlight > 0 {
		state.inFlight--
	}
	var violated bool
	var elapsed time.Duration
	hadPrevious := !state.lastRequestAt.IsZero()
	if hadPrevious {
		elapsed = now.Sub(state.lastRequestAt)
		if elapsed < state.limits.MinDelay {
			state.delayViolations++
			violated = true
		}
	}
	state.lastRequestAt = now
	state.robotsAllowed = robotsAllowed
	state.robotsCheckedAt = now
	inFlight := state.inFlight
	state.mu.Unlock()

	t.publish(source, succeeded, robotsAllowed, violated, hadPrevious, elapsed, inFlight)
}

// State returns a copy of the tracked state for source, or false when the
// source has never been seen. Unknown sources are an expected condition,
// not an error.
func (t *Tracker) State(source string) (ComplianceState, bool) {
	v, ok := t.sources.Load(source)
	if !ok {
		return ComplianceState{}, false
	}
	state := v.(*sourceState)
	state.mu.Lock()
	defer state.mu.Unlock()
	return ComplianceState{
		CrawlerType:     t.cfg.CrawlerType,
		Source:          source,
		LastRequestAt:   state.lastRequestAt,
		MinDelay:        state.limits.MinDelay,
		DelayViolations: state.delayViolations,
		RobotsCheckedAt: state.robotsCheckedAt,
		RobotsAllowed:   state.robotsAllowed,
		InFlight:        state.inFlight,
		MaxConcurrent:   state.limits.MaxConcurrent,
	}, true
}

// Sources lists every source seen so far, for diagnostics handlers.
func (t *Tracker) Sources() []string {
	var out []string
	t.sources.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}

func (t *Tracker) state(source string) *sourceState {
	if v, ok := t.sources.Load(source); ok {
		return v.(*sourceState)
	}
	limits := t.cfg.Defaults
	if override, ok := t.cfg.Overrides[source]; ok {
		limits = override
	}
	v, _ := t.sources.LoadOrStore(source, &sourceState{limits: limits})
	return v.(*sourceState)
}

func (s *sourceState) remainingDelay(now time.Time) time.Duration {
	if s.lastRequestAt.IsZero() || s.limits.MinDelay <= 0 {
		return 0
	}
	elapsed := now.Sub(s.lastRequestAt)
	if elapsed >= s.limits.MinDelay {
		return 0
	}
	return s.limits.MinDelay - elapsed
}

// publish pushes the derived series outside the per-source lock. Registry
// rejections are logged and dropped; instrumentation must never fail a
// crawl.
func (t *Tracker) publish(source string, succeeded, robotsAllowed, violated, hadPrevious bool, elapsed time.Duration, inFlight uint32) {
	key := func(name string, labels map[string]string) metrics.Key {
		return metrics.Key{
			CrawlerType: t.cfg.CrawlerType,
			Source:      source,
			Name:        name,
			Labels:      labels,
		}
	}

	status := "error"
	if succeeded {
		status = "success"
	}
	var violationDelta uint64
	if violated {
		violationDelta = 1
	}
	robots := 0.0
	if robotsAllowed {
		robots = 1.0
	}

	t.record(func() error {
		return t.reg.RecordCounter(key(MetricRequestsTotal, map[string]string{"status": status}), 1)
	})
	t.record(func() error {
		return t.reg.RecordCounter(key(MetricViolationsTotal, nil), violationDelta)
	})
	t.record(func() error {
		return t.reg.SetGauge(key(MetricInFlight, nil), float64(inFlight))
	})
	t.record(func() error {
		return t.reg.SetGauge(key(MetricRobotsCompliant, nil), robots)
	})
	if hadPrevious {
		t.record(func() error {
			delayKey := key(MetricRequestDelay, nil)
			if err := t.reg.RegisterHistogram(delayKey, requestDelayBuckets); err != nil {
				return err
			}
			return t.reg.ObserveHistogram(delayKey, elapsed.Seconds())
		})
	}
}

func (t *Tracker) record(fn func() error) {
	if err := fn(); err != nil {
		t.logger.Warn("dropping compliance metric update", zap.Error(err))
	}
}
