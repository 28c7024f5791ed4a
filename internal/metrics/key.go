// Package metrics implements the in-process time series registry shared by
// all crawler types. Crawlers record counters, gauges, and histograms keyed
// by (crawler type, source, metric name, labels); the exporter reads a
// consistent snapshot for exposition.
package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// CrawlerType is the closed set of data-fetching client categories.
type CrawlerType uint8

// Supported crawler types.
const (
	CrawlerTypeEconomicData CrawlerType = iota
	CrawlerTypeSecEdgar
	CrawlerTypeQueue
)

// String returns the label value used in exposition output.
func (t CrawlerType) String() string {
	switch t {
	case CrawlerTypeEconomicData:
		return "economic_data"
	case CrawlerTypeSecEdgar:
		return "sec_edgar"
	case CrawlerTypeQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// Key identifies one time series. Two keys are equal when every field
// matches; Labels compare as a set of pairs regardless of insertion order.
type Key struct {
	CrawlerType CrawlerType
	Source      string
	Name        string
	Labels      map[string]string
}

// Validate rejects keys that cannot form a series identity.
func (k Key) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("metric key: name is required")
	}
	if k.Source == "" {
		return fmt.Errorf("metric key %q: source is required", k.Name)
	}
	for name := range k.Labels {
		if name == "" {
			return fmt.Errorf("metric key %q: empty label name", k.Name)
		}
	}
	return nil
}

// fingerprint builds a canonical identity string. Label pairs are sorted by
// name so insertion order never produces a distinct series.
func (k Key) fingerprint() string {
	var b strings.Builder
	b.WriteString(k.CrawlerType.String())
	b.WriteByte(0)
	b.WriteString(k.Source)
	b.WriteByte(0)
	b.WriteString(k.Name)
	for _, name := range k.sortedLabelNames() {
		b.WriteByte(0)
		b.WriteString(name)
		b.WriteByte(1)
		b.WriteString(k.Labels[name])
	}
	return b.String()
}

func (k Key) sortedLabelNames() []string {
	if len(k.Labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(k.Labels))
	for name := range k.Labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cloneLabels copies the label map so a caller mutating its own map after a
// write cannot alias registry state.
func cloneLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for name, value := range labels {
		out[name] = value
	}
	return out
}

// less orders keys by (crawler type, source, name) and breaks ties on the
// canonical label fingerprint so snapshots are deterministic.
func (k Key) less(other Key) bool {
	if k.CrawlerType != other.CrawlerType {
		return k.CrawlerType < other.CrawlerType
	}
	if k.Source != other.Source {
		return k.Source < other.Source
	}
	if k.Name != other.Name {
		return k.Name < other.Name
	}
	return k.fingerprint() < other.fingerprint()
}
