package metrics

// Kind discriminates the value variants a series can hold. A series' kind is
// fixed by the first write and never coerced afterwards.
type Kind uint8

// Supported series kinds.
const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
)

// String names the kind for error messages and exposition TYPE lines.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Value is the read-side union of series values. Implementations are the
// immutable copies returned by Registry.Snapshot.
type Value interface {
	Kind() Kind
}

// CounterValue is a monotonically increasing total.
type CounterValue struct {
	Total uint64
}

// Kind implements Value.
func (CounterValue) Kind() Kind { return KindCounter }

// GaugeValue is a point-in-time level that may move either direction.
type GaugeValue struct {
	Current float64
}

// Kind implements Value.
func (GaugeValue) Kind() Kind { return KindGauge }

// Bucket is one cumulative histogram bucket: Count includes every
// observation less than or equal to UpperBound.
type Bucket struct {
	UpperBound float64
	Count      uint64
}

// HistogramValue holds fixed-boundary cumulative buckets plus the running
// sum and count of observations.
type HistogramValue struct {
	Buckets []Bucket
	Sum     float64
	Count   uint64
}

// Kind implements Value.
func (HistogramValue) Kind() Kind { return KindHistogram }

// Sample pairs a key with a copied value inside a snapshot.
type Sample struct {
	Key   Key
	Value Value
}
