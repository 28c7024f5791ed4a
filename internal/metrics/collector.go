package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// reserved label names attached to every exported series.
const (
	labelCrawlerType = "crawler_type"
	labelSource      = "source"
)

const collectorHelp = "Unified crawler telemetry series."

// Collector adapts a Registry to the prometheus.Collector interface so the
// stock promhttp handler can scrape it alongside any other collectors.
type Collector struct {
	registry  *Registry
	namespace string
}

// NewCollector wraps reg. The namespace, when non-empty, is prefixed onto
// every metric name with an underscore.
func NewCollector(reg *Registry, namespace string) *Collector {
	return &Collector{registry: reg, namespace: namespace}
}

// Describe implements prometheus.Collector. It sends nothing, marking the
// collector unchecked: the series set is dynamic and only known at scrape
// time.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector by converting the current
// snapshot into const metrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, sample := range c.registry.Snapshot() {
		metric, err := c.constMetric(sample)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(
				prometheus.NewInvalidDesc(err), err)
			continue
		}
		ch <- metric
	}
}

func (c *Collector) constMetric(sample Sample) (prometheus.Metric, error) {
	key := sample.Key
	labels := prometheus.Labels{
		labelCrawlerType: key.CrawlerType.String(),
		labelSource:      key.Source,
	}
	for name, value := range key.Labels {
		labels[name] = value
	}
	name := key.Name
	if c.namespace != "" {
		name = c.namespace + "_" + name
	}
	desc := prometheus.NewDesc(name, collectorHelp, nil, labels)

	switch v := sample.Value.(type) {
	case CounterValue:
		return prometheus.NewConstMetric(desc, prometheus.CounterValue, float64(v.Total))
	case GaugeValue:
		return prometheus.NewConstMetric(desc, prometheus.GaugeValue, v.Current)
	case HistogramValue:
		buckets := make(map[float64]uint64, len(v.Buckets))
		for _, b := range v.Buckets {
			buckets[b.UpperBound] = b.Count
		}
		return prometheus.NewConstHistogram(desc, v.Count, v.Sum, buckets)
	default:
		return prometheus.NewConstMetric(desc, prometheus.UntypedValue, 0)
	}
}
