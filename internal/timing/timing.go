// Package timing accumulates wall-clock durations for the benchmark's
// fixed set of measured regions.
package timing

import (
	"fmt"
	"time"
)

// Slot names one measured region.
type Slot int

const (
	WriteChunk Slot = iota
	WriteAllChunks
	ReadChunk
	ReadAllChunks
	WriteFlush
	ReadFlush

	NumSlots
)

var slotTags = [NumSlots]string{
	WriteChunk:     "write_chunk",
	WriteAllChunks: "write_all_chunks",
	ReadChunk:      "read_chunk",
	ReadAllChunks:  "read_all_chunks",
	WriteFlush:     "write_flush",
	ReadFlush:      "read_flush",
}

// String returns the slot's report tag.
func (s Slot) String() string {
	if s < 0 || s >= NumSlots {
		return fmt.Sprintf("slot(%d)", int(s))
	}
	return slotTags[s]
}

// Slots returns every slot in report order.
func Slots() []Slot {
	out := make([]Slot, NumSlots)
	for i := range out {
		out[i] = Slot(i)
	}
	return out
}

type slotState struct {
	total   time.Duration
	calls   int
	started time.Time
	running bool
}

// Context holds one accumulator per slot. It is owned by a single
// goroutine; a zero Context is not usable, call New.
type Context struct {
	now   func() time.Time
	slots [NumSlots]slotState
}

// New returns a Context that reads the monotonic wall clock.
func New() *Context {
	return NewWithClock(time.Now)
}

// NewWithClock returns a Context that reads time from now.
func NewWithClock(now func() time.Time) *Context {
	return &Context{now: now}
}

// Start records the start timestamp for slot.
func (c *Context) Start(slot Slot) {
	s := &c.slots[slot]
	s.started = c.now()
	s.running = true
}

// Stop adds the time since the matching Start to the slot's total.
// A Stop without a Start is ignored.
func (c *Context) Stop(slot Slot) {
	s := &c.slots[slot]
	if !s.running {
		return
	}
	s.total += c.now().Sub(s.started)
	s.calls++
	s.running = false
}

// Elapsed returns the accumulated total for slot.
func (c *Context) Elapsed(slot Slot) time.Duration {
	return c.slots[slot].total
}

// Calls returns how many Start/Stop pairs completed for slot.
func (c *Context) Calls(slot Slot) int {
	return c.slots[slot].calls
}

// Reset zeroes every slot.
func (c *Context) Reset() {
	c.slots = [NumSlots]slotState{}
}

// Result is a drained slot value.
type Result struct {
	Slot    Slot
	Elapsed time.Duration
	Calls   int
}

// Snapshot returns every slot's accumulated value in report order.
func (c *Context) Snapshot() []Result {
	out := make([]Result, 0, NumSlots)
	for _, slot := range Slots() {
		out = append(out, Result{Slot: slot, Elapsed: c.slots[slot].total, Calls: c.slots[slot].calls})
	}
	return out
}
