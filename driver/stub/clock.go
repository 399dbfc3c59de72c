package stub

import (
	"sync"
	"time"

	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

// Clock implements transport.Timer over the host's monotonic clock, scaled
// to 32768 Hz ticks. Alarm callbacks run on their own goroutine, like an
// interrupt handler would.
type Clock struct {
	start  time.Time
	offset proto.Tick

	mu        sync.Mutex
	timers    map[transport.AlarmID]*time.Timer
	gens      map[transport.AlarmID]uint64
	callbacks map[transport.AlarmID]func()
}

// NewClock returns a clock that reads offset at creation. Devices sharing a
// Medium may use different offsets; only their own readings matter to them.
func NewClock(offset proto.Tick) *Clock {
	return &Clock{
		start:     time.Now(),
		offset:    offset,
		timers:    make(map[transport.AlarmID]*time.Timer),
		gens:      make(map[transport.AlarmID]uint64),
		callbacks: make(map[transport.AlarmID]func()),
	}
}

func (c *Clock) Now() proto.Tick {
	return c.offset + proto.TicksFromDuration(time.Since(c.start))
}

func (c *Clock) RegisterCallback(id transport.AlarmID, cb func()) {
	c.mu.Lock()
	c.callbacks[id] = cb
	c.mu.Unlock()
}

// SetAlarm replaces any pending schedule of id. A period of zero makes the
// alarm one-shot; otherwise it recurs at at+k*period without drift.
func (c *Clock) SetAlarm(id transport.AlarmID, at, period proto.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(id)
	c.scheduleLocked(id, at, period, c.gens[id])
}

func (c *Clock) UnsetAlarm(id transport.AlarmID) {
	c.mu.Lock()
	c.stopLocked(id)
	c.mu.Unlock()
}

// Close cancels every alarm.
func (c *Clock) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.timers {
		c.stopLocked(id)
	}
}

func (c *Clock) stopLocked(id transport.AlarmID) {
	// A callback already past its timer checks the generation and gives up.
	c.gens[id]++
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Clock) scheduleLocked(id transport.AlarmID, at, period proto.Tick, gen uint64) {
	d := (at - c.Now()).Duration()
	if d < 0 {
		d = 0
	}
	c.timers[id] = time.AfterFunc(d, func() { c.fire(id, at, period, gen) })
}

func (c *Clock) fire(id transport.AlarmID, at, period proto.Tick, gen uint64) {
	c.mu.Lock()
	if c.gens[id] != gen {
		c.mu.Unlock()
		return
	}
	if period > 0 {
		c.scheduleLocked(id, at+period, period, gen)
	} else {
		delete(c.timers, id)
	}
	cb := c.callbacks[id]
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}
