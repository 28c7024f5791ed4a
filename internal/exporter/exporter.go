// Package exporter renders registry snapshots into the Prometheus text
// exposition format.
package exporter

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/econ-graph/crawler-telemetry/internal/metrics"
)

// ErrExport reports an internal invariant that prevented rendering, such as
// a histogram without buckets or one metric name carrying two kinds. The
// registry itself is unaffected; only the current render fails.
var ErrExport = errors.New("export failed")

// Exporter serializes a Registry on demand. Rendering works on an
// independent snapshot, so it may take arbitrary time without blocking
// writers.
type Exporter struct {
	registry  *metrics.Registry
	namespace string
}

// New builds an Exporter over reg. A non-empty namespace is prefixed onto
// every metric name with an underscore, matching the collector bridge.
func New(reg *metrics.Registry, namespace string) *Exporter {
	return &Exporter{registry: reg, namespace: namespace}
}

// Render returns the text exposition body for the current snapshot. Output
// is all-or-nothing: any unrenderable series fails the whole render rather
// than producing malformed output.
func (e *Exporter) Render() (string, error) {
	families, order, err := e.families(e.registry.Snapshot())
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, name := range order {
		if _, err := expfmt.MetricFamilyToText(&buf, families[name]); err != nil {
			return "", fmt.Errorf("%w: encode family %s: %v", ErrExport, name, err)
		}
	}
	return buf.String(), nil
}

// families groups snapshot samples into metric families, preserving the
// snapshot's deterministic order for family emission.
func (e *Exporter) families(samples []metrics.Sample) (map[string]*dto.MetricFamily, []string, error) {
	families := make(map[string]*dto.MetricFamily)
	var order []string
	for _, sample := range samples {
		name := sample.Key.Name
		if e.namespace != "" {
			name = e.namespace + "_" + name
		}
		kind, err := familyType(sample.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: series %s: %v", ErrExport, name, err)
		}
		family, ok := families[name]
		if !ok {
			family = &dto.MetricFamily{
				Name: proto.String(name),
				Type: kind.Enum(),
			}
			families[name] = family
			order = append(order, name)
		} else if family.GetType() != kind {
			return nil, nil, fmt.Errorf("%w: metric %s holds both %s and %s series",
				ErrExport, name, family.GetType(), kind)
		}
		metric, err := convert(sample)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: series %s: %v", ErrExport, name, err)
		}
		family.Metric = append(family.Metric, metric)
	}
	return families, order, nil
}

func familyType(value metrics.Value) (dto.MetricType, error) {
	switch value.Kind() {
	case metrics.KindCounter:
		return dto.MetricType_COUNTER, nil
	case metrics.KindGauge:
		return dto.MetricType_GAUGE, nil
	case metrics.KindHistogram:
		return dto.MetricType_HISTOGRAM, nil
	default:
		return 0, fmt.Errorf("unrenderable value kind %d", value.Kind())
	}
}

func convert(sample metrics.Sample) (*dto.Metric, error) {
	metric := &dto.Metric{Label: labelPairs(sample.Key)}
	switch v := sample.Value.(type) {
	case metrics.CounterValue:
		metric.Counter = &dto.Counter{Value: proto.Float64(float64(v.Total))}
	case metrics.GaugeValue:
		metric.Gauge = &dto.Gauge{Value: proto.Float64(v.Current)}
	case metrics.HistogramValue:
		if len(v.Buckets) == 0 {
			return nil, errors.New("histogram has no buckets")
		}
		hist := &dto.Histogram{
			SampleCount: proto.Uint64(v.Count),
			SampleSum:   proto.Float64(v.Sum),
		}
		for _, b := range v.Buckets {
			hist.Bucket = append(hist.Bucket, &dto.Bucket{
				UpperBound:      proto.Float64(b.UpperBound),
				CumulativeCount: proto.Uint64(b.Count),
			})
		}
		metric.Histogram = hist
	default:
		return nil, fmt.Errorf("unrenderable value %T", sample.Value)
	}
	return metric, nil
}

// labelPairs renders the identity labels plus user labels, sorted
// lexicographically by name for deterministic output.
func labelPairs(key metrics.Key) []*dto.LabelPair {
	labels := map[string]string{
		"crawler_type": key.CrawlerType.String(),
		"source":       key.Source,
	}
	for name, value := range key.Labels {
		labels[name] = value
	}
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]*dto.LabelPair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(name),
			Value: proto.String(labels[name]),
		})
	}
	return pairs
}
