package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing event counter. The zero value is
// ready to use. Counters are cheap enough to bump on the hot path.
type Counter struct {
	n atomic.Int64
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) { c.n.Add(delta) }

// Inc increments the counter by one.
func (c *Counter) Inc() { c.n.Add(1) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.n.Load() }

var (
	countersMu sync.Mutex
	counters   = map[string]*Counter{}
)

// GetCounter returns the process-wide counter registered under name,
// creating it on first use. Names are dot-separated, lowest level last,
// e.g. "actuator.move.errors".
func GetCounter(name string) *Counter {
	countersMu.Lock()
	defer countersMu.Unlock()
	c, ok := counters[name]
	if !ok {
		c = &Counter{}
		counters[name] = c
	}
	return c
}

// Snapshot returns the current value of every registered counter, with
// names sorted for stable output. Used by the status API.
func Snapshot() map[string]int64 {
	countersMu.Lock()
	defer countersMu.Unlock()
	out := make(map[string]int64, len(counters))
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out[name] = counters[name].Value()
	}
	return out
}
