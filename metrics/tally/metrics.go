// Package tally adapts uber-go/tally counters to the sqlbus Counter
// contract.
package tally

import (
	tally "github.com/uber-go/tally/v4"

	"github.com/gobus/sqlbus"
)

type Counter struct {
	Counter tally.Counter
}

var _ sqlbus.Counter = (*Counter)(nil)

// NewCounter builds a Counter reporting to the given scope under name.
func NewCounter(scope tally.Scope, name string) *Counter {
	return &Counter{Counter: scope.Counter(name)}
}

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}
