package channel

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RCPass/internal/debug"
	"github.com/cjeanneret/RCPass/internal/logic/shaping"
	"github.com/cjeanneret/RCPass/internal/logic/timing"
)

// Emitter is the actuator side of a channel. *servo.Output implements it.
type Emitter interface {
	Write(width int) error
	Disable() error
}

// Observer is told about every pulse that reached the actuator.
type Observer func(role timing.Role, raw, shaped int)

// Stats is a point-in-time view of one channel.
type Stats struct {
	Role        timing.Role  `json:"role"`
	Policy      shaping.Kind `json:"policy"`
	Pulses      uint64       `json:"pulses"`
	Discarded   uint64       `json:"discarded_falling"`
	Overwritten uint64       `json:"overwritten_rising"`
	Dropped     uint64       `json:"dropped_after_close"`
	WriteErrors uint64       `json:"write_errors"`
	LastRaw     int          `json:"last_raw_us"`
	LastOut     int          `json:"last_out_us"`
	Closed      bool         `json:"closed"`
}

// Controller owns one channel end to end: edge timer, shaping policy and
// output. All of its state is guarded by one mutex, so edges of the same
// channel are processed one at a time even if the driver delivers them
// concurrently. Controllers never share state with each other.
type Controller struct {
	role    timing.Role
	observe Observer

	mu     sync.Mutex
	timer  *timing.Timer
	policy shaping.Policy
	out    Emitter
	closed bool

	pulses      uint64
	dropped     uint64
	writeErrors uint64
	lastRaw     int
	lastOut     int
}

// New wires a controller. policy must be a fresh instance owned by this
// controller alone. observe may be nil.
func New(role timing.Role, modulus uint64, policy shaping.Policy, out Emitter, observe Observer) *Controller {
	return &Controller{
		role:    role,
		observe: observe,
		timer:   timing.NewTimer(role, modulus),
		policy:  policy,
		out:     out,
	}
}

// Role returns the channel role.
func (c *Controller) Role() timing.Role { return c.role }

// Handle processes one edge: a completed pulse is shaped and written to the
// output, anything else only updates the timer. Events for another channel
// and events after Close are dropped.
func (c *Controller) Handle(ev timing.Event) {
	c.mu.Lock()
	if c.closed {
		c.dropped++
		c.mu.Unlock()
		debug.Live("%s: %s edge dropped, channel closed", c.role, ev.Edge)
		return
	}
	if ev.Channel != c.role {
		c.mu.Unlock()
		return
	}

	m, ok := c.timer.OnEdge(ev)
	if !ok {
		c.mu.Unlock()
		return
	}

	shaped := c.policy.Shape(m.Width)
	if err := c.out.Write(shaped); err != nil {
		c.writeErrors++
		c.mu.Unlock()
		debug.Error(fmt.Errorf("%s: write %dµs: %w", c.role, shaped, err))
		return
	}
	c.pulses++
	c.lastRaw = m.Width
	c.lastOut = shaped
	c.mu.Unlock()

	debug.Pulse(string(c.role), m.Width, shaped)
	if c.observe != nil {
		c.observe(c.role, m.Width, shaped)
	}
}

// Reset clears the pending edge and the policy state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer.Reset()
	c.policy.Reset()
}

// Close stops the channel and switches its output off. Only the first call
// touches the output; an edge already waiting on the lock is dropped.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.timer.Reset()
	if err := c.out.Disable(); err != nil {
		return fmt.Errorf("%s: disable output: %w", c.role, err)
	}
	return nil
}

// Stats returns the channel counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Role:        c.role,
		Policy:      c.policy.Kind(),
		Pulses:      c.pulses,
		Discarded:   c.timer.Discarded(),
		Overwritten: c.timer.Overwritten(),
		Dropped:     c.dropped,
		WriteErrors: c.writeErrors,
		LastRaw:     c.lastRaw,
		LastOut:     c.lastOut,
		Closed:      c.closed,
	}
}
