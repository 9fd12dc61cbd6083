// Package clock implements the logical clock each engine uses to timestamp
// and order what it records. It is independent of wall-clock time.
package clock

// Mode selects which counter a tick advances.
type Mode uint8

const (
	// Event ticks happen at kernel, alloc, free, copy and set boundaries.
	Event Mode = iota
	// Access ticks happen once per memory access observed during analysis.
	Access
)

// Clock is a monotonic counter made of two parts. The zero value is ready to
// use. It never resets and is not safe for concurrent use.
type Clock struct {
	events   uint64
	accesses uint64
}

func New() *Clock {
	return &Clock{}
}

// Tick advances the clock by one in the given mode and returns the new value.
func (c *Clock) Tick(m Mode) uint64 {
	if m == Access {
		c.accesses++
	} else {
		c.events++
	}
	return c.Get()
}

// Get returns the sum of both counters.
func (c *Clock) Get() uint64 {
	return c.events + c.accesses
}

func (c *Clock) Events() uint64 {
	return c.events
}

func (c *Clock) Accesses() uint64 {
	return c.accesses
}
