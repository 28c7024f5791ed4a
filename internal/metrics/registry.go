package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrTypeMismatch is returned when a write treats an existing series as a
// different kind than the one it was registered with. The offending write is
// rejected and prior state is untouched.
var ErrTypeMismatch = errors.New("metric type mismatch")

// DefBuckets are the histogram boundaries used when a histogram series is
// created implicitly by ObserveHistogram. They cover the sub-second API hits
// through the multi-minute SEC filing downloads seen in practice.
var DefBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Registry is the thread-safe single source of truth for all crawler time
// series. Create one per process and hand the same instance to every crawler
// and to the exporter; there is no package-level default.
type Registry struct {
	mu     sync.RWMutex
	series map[string]*series
}

type series struct {
	key  Key
	kind Kind

	total   uint64  // counter
	current float64 // gauge

	bounds []float64 // histogram, sorted ascending
	counts []uint64  // cumulative, parallel to bounds
	sum    float64
	count  uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

// RecordCounter adds delta to the counter series identified by key, creating
// it on first use. A zero delta is a no-op that still validates the series
// kind.
func (r *Registry) RecordCounter(key Key, delta uint64) error {
	s, err := r.lookupOrCreate(key, KindCounter, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	s.total += delta
	r.mu.Unlock()
	return nil
}

// SetGauge creates or overwrites the gauge series identified by key.
func (r *Registry) SetGauge(key Key, value float64) error {
	s, err := r.lookupOrCreate(key, KindGauge, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	s.current = value
	r.mu.Unlock()
	return nil
}

// RegisterHistogram creates a histogram series with explicit bucket
// boundaries. Boundaries are fixed for the life of the series; registering
// an existing histogram again with the same boundaries is a no-op, differing
// boundaries are rejected, and any other existing kind is a mismatch. Bounds
// must be non-empty and strictly increasing.
func (r *Registry) RegisterHistogram(key Key, bounds []float64) error {
	if len(bounds) == 0 {
		return fmt.Errorf("register histogram %q: at least one bucket boundary is required", key.Name)
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return fmt.Errorf("register histogram %q: boundaries must be strictly increasing", key.Name)
		}
	}
	s, err := r.lookupOrCreate(key, KindHistogram, bounds)
	if err != nil {
		return err
	}
	// s.bounds never changes after creation, so no lock is needed here.
	if !equalBounds(s.bounds, bounds) {
		return fmt.Errorf("series %s/%s/%s: boundaries %v disagree with registered %v",
			key.CrawlerType, key.Source, key.Name, bounds, s.bounds)
	}
	return nil
}

func equalBounds(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ObserveHistogram records one observation into the histogram series
// identified by key, creating it with DefBuckets on first use. Every bucket
// whose upper bound is >= value is incremented, per the cumulative
// convention.
func (r *Registry) ObserveHistogram(key Key, value float64) error {
	s, err := r.lookupOrCreate(key, KindHistogram, DefBuckets)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for i, bound := range s.bounds {
		if value <= bound {
			s.counts[i]++
		}
	}
	s.sum += value
	s.count++
	r.mu.Unlock()
	return nil
}

// Snapshot returns a consistent point-in-time copy of every series, ordered
// by (crawler type, source, metric name). The copy shares no memory with the
// live map, so callers may hold it for as long as rendering takes without
// blocking writers.
func (r *Registry) Snapshot() []Sample {
	r.mu.RLock()
	samples := make([]Sample, 0, len(r.series))
	for _, s := range r.series {
		samples = append(samples, Sample{Key: s.copyKey(), Value: s.copyValue()})
	}
	r.mu.RUnlock()

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Key.less(samples[j].Key)
	})
	return samples
}

// Len reports the number of registered series.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.series)
}

// lookupOrCreate resolves the series for key, creating it with the given
// kind on first use. An existing series with a different kind yields a
// wrapped ErrTypeMismatch.
func (r *Registry) lookupOrCreate(key Key, kind Kind, bounds []float64) (*series, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	fp := key.fingerprint()

	r.mu.RLock()
	s, ok := r.series[fp]
	r.mu.RUnlock()
	if ok {
		if s.kind != kind {
			return nil, mismatch(key, s.kind, kind)
		}
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[fp]; ok {
		if s.kind != kind {
			return nil, mismatch(key, s.kind, kind)
		}
		return s, nil
	}
	s = &series{
		key: Key{
			CrawlerType: key.CrawlerType,
			Source:      key.Source,
			Name:        key.Name,
			Labels:      cloneLabels(key.Labels),
		},
		kind: kind,
	}
	if kind == KindHistogram {
		s.bounds = append([]float64(nil), bounds...)
		s.counts = make([]uint64, len(s.bounds))
	}
	r.series[fp] = s
	return s, nil
}

func mismatch(key Key, registered, requested Kind) error {
	return fmt.Errorf("series %s/%s/%s: %w: registered as %s, written as %s",
		key.CrawlerType, key.Source, key.Name, ErrTypeMismatch, registered, requested)
}

func (s *series) copyKey() Key {
	return Key{
		CrawlerType: s.key.CrawlerType,
		Source:      s.key.Source,
		Name:        s.key.Name,
		Labels:      cloneLabels(s.key.Labels),
	}
}

// copyValue materializes the read-side value. Callers must hold at least a
// read lock on the registry.
func (s *series) copyValue() Value {
	switch s.kind {
	case KindCounter:
		return CounterValue{Total: s.total}
	case KindGauge:
		return GaugeValue{Current: s.current}
	case KindHistogram:
		buckets := make([]Bucket, len(s.bounds))
		for i, bound := range s.bounds {
			buckets[i] = Bucket{UpperBound: bound, Count: s.counts[i]}
		}
		return HistogramValue{Buckets: buckets, Sum: s.sum, Count: s.count}
	default:
		return GaugeValue{Current: math.NaN()}
	}
}
