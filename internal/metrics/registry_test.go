package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func counterKey(source, name string) Key {
	return Key{CrawlerType: CrawlerTypeEconomicData, Source: source, Name: name}
}

func TestRecordCounterAccumulates(t *testing.T) {
	reg := NewRegistry()
	key := Key{CrawlerType: CrawlerTypeSecEdgar, Source: "SEC", Name: "filings_downloaded_total"}

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.RecordCounter(key, 1))
	}

	samples := reg.Snapshot()
	require.Len(t, samples, 1)
	require.Equal(t, CounterValue{Total: 5}, samples[0].Value)
}

func TestRecordCounterZeroDeltaValidatesType(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "series_discovered_total")
	require.NoError(t, reg.RecordCounter(key, 0))

	samples := reg.Snapshot()
	require.Len(t, samples, 1)
	require.Equal(t, CounterValue{Total: 0}, samples[0].Value)

	err := reg.SetGauge(key, 1.0)
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestTypeMismatchLeavesValueUntouched(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "requests_total")
	require.NoError(t, reg.RecordCounter(key, 7))

	require.ErrorIs(t, reg.SetGauge(key, 99), ErrTypeMismatch)
	require.ErrorIs(t, reg.ObserveHistogram(key, 99), ErrTypeMismatch)

	samples := reg.Snapshot()
	require.Len(t, samples, 1)
	require.Equal(t, CounterValue{Total: 7}, samples[0].Value)
}

func TestSetGaugeOverwrites(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "api_quota_usage")
	require.NoError(t, reg.SetGauge(key, 10))
	require.NoError(t, reg.SetGauge(key, 3.5))

	samples := reg.Snapshot()
	require.Len(t, samples, 1)
	require.Equal(t, GaugeValue{Current: 3.5}, samples[0].Value)
}

func TestObserveHistogramCumulativeBuckets(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "request_duration")
	require.NoError(t, reg.RegisterHistogram(key, []float64{100, 200, 500}))
	require.NoError(t, reg.ObserveHistogram(key, 150))

	samples := reg.Snapshot()
	require.Len(t, samples, 1)
	hist, ok := samples[0].Value.(HistogramValue)
	require.True(t, ok)
	require.Equal(t, []Bucket{
		{UpperBound: 100, Count: 0},
		{UpperBound: 200, Count: 1},
		{UpperBound: 500, Count: 1},
	}, hist.Buckets)
	require.InDelta(t, 150.0, hist.Sum, 1e-9)
	require.Equal(t, uint64(1), hist.Count)
}

func TestObserveHistogramSumAndCount(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "request_duration_seconds")

	values := []float64{0.05, 0.3, 1.2, 4.4, 70}
	var want float64
	for _, v := range values {
		require.NoError(t, reg.ObserveHistogram(key, v))
		want += v
	}

	samples := reg.Snapshot()
	hist := samples[0].Value.(HistogramValue)
	require.Equal(t, uint64(len(values)), hist.Count)
	require.InDelta(t, want, hist.Sum, 1e-9)
	// Implicit creation uses the default boundaries.
	require.Len(t, hist.Buckets, len(DefBuckets))
}

func TestRegisterHistogramValidatesBounds(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "bad_hist")
	require.Error(t, reg.RegisterHistogram(key, nil))
	require.Error(t, reg.RegisterHistogram(key, []float64{1, 1}))
	require.Error(t, reg.RegisterHistogram(key, []float64{2, 1}))
	require.NoError(t, reg.RegisterHistogram(key, []float64{1, 2}))
	// Re-registering with the same boundaries is tolerated.
	require.NoError(t, reg.RegisterHistogram(key, []float64{1, 2}))
}

func TestRegisterHistogramRejectsChangedBounds(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "request_duration")
	require.NoError(t, reg.RegisterHistogram(key, []float64{1, 2, 5}))
	require.NoError(t, reg.ObserveHistogram(key, 1.5))

	require.Error(t, reg.RegisterHistogram(key, []float64{1, 2}))
	require.Error(t, reg.RegisterHistogram(key, []float64{1, 2, 10}))

	// The rejected re-registration left the original buckets intact.
	samples := reg.Snapshot()
	require.Len(t, samples, 1)
	hist := samples[0].Value.(HistogramValue)
	require.Len(t, hist.Buckets, 3)
	require.Equal(t, 5.0, hist.Buckets[2].UpperBound)
	require.Equal(t, uint64(1), hist.Count)
}

func TestSnapshotOrdering(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RecordCounter(Key{CrawlerType: CrawlerTypeQueue, Source: "jobs", Name: "b_total"}, 1))
	require.NoError(t, reg.RecordCounter(Key{CrawlerType: CrawlerTypeEconomicData, Source: "FRED", Name: "b_total"}, 1))
	require.NoError(t, reg.RecordCounter(Key{CrawlerType: CrawlerTypeEconomicData, Source: "FRED", Name: "a_total"}, 1))
	require.NoError(t, reg.RecordCounter(Key{CrawlerType: CrawlerTypeEconomicData, Source: "BLS", Name: "b_total"}, 1))

	samples := reg.Snapshot()
	require.Len(t, samples, 4)
	require.Equal(t, "BLS", samples[0].Key.Source)
	require.Equal(t, "a_total", samples[1].Key.Name)
	require.Equal(t, "b_total", samples[2].Key.Name)
	require.Equal(t, CrawlerTypeQueue, samples[3].Key.CrawlerType)
}

func TestSnapshotIndependentOfLiveMap(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "requests_total")
	require.NoError(t, reg.RecordCounter(key, 1))

	before := reg.Snapshot()
	require.NoError(t, reg.RecordCounter(key, 41))

	require.Equal(t, CounterValue{Total: 1}, before[0].Value)
	require.Equal(t, CounterValue{Total: 42}, reg.Snapshot()[0].Value)
}

func TestSnapshotLabelAliasing(t *testing.T) {
	reg := NewRegistry()
	labels := map[string]string{"status": "success"}
	key := Key{CrawlerType: CrawlerTypeEconomicData, Source: "FRED", Name: "requests_total", Labels: labels}
	require.NoError(t, reg.RecordCounter(key, 1))

	// Mutating the caller's map after the write must not alias registry
	// state or the snapshot copy.
	labels["status"] = "mutated"
	samples := reg.Snapshot()
	require.Equal(t, "success", samples[0].Key.Labels["status"])
}

func TestConcurrentWritersAndSnapshots(t *testing.T) {
	reg := NewRegistry()
	key := counterKey("FRED", "requests_total")
	histKey := counterKey("FRED", "duration_seconds")

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				require.NoError(t, reg.RecordCounter(key, 1))
				require.NoError(t, reg.ObserveHistogram(histKey, 0.2))
			}
		}()
	}
	// Concurrent snapshots must always observe fully applied writes: a
	// histogram's count can never trail its bucket counts.
	stop := make(chan struct{})
	var snapWG sync.WaitGroup
	snapWG.Add(1)
	go func() {
		defer snapWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, sample := range reg.Snapshot() {
				if hist, ok := sample.Value.(HistogramValue); ok {
					for _, b := range hist.Buckets {
						require.LessOrEqual(t, b.Count, hist.Count)
					}
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	snapWG.Wait()

	samples := reg.Snapshot()
	require.Len(t, samples, 2)
	hist := samples[0].Value.(HistogramValue)
	require.Equal(t, uint64(workers*perWorker), hist.Count)
	require.Equal(t, CounterValue{Total: workers * perWorker}, samples[1].Value)
}
