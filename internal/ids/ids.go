// Package ids hands out record identifiers derived from the wall clock.
package ids

import (
	"strconv"
	"sync"
	"time"
)

// Generator returns millisecond timestamps that never repeat, even when two
// callers ask within the same millisecond.
type Generator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewGenerator creates a generator reading the given clock.
// A nil clock means time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Next returns the next id as a decimal string.
func (g *Generator) Next() string {
	return strconv.FormatInt(g.NextMillis(), 10)
}

// NextMillis returns the next id as a millisecond count.
func (g *Generator) NextMillis() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return ms
}
