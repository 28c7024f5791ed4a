// Package system provides the wall clock backing politeness tracking in
// production; tests substitute their own politeness.Clock.
package system

import (
	"time"

	"github.com/econ-graph/crawler-telemetry/internal/politeness"
)

// Clock reads time.Now in UTC.
type Clock struct{}

var _ politeness.Clock = New()

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
