package timing

import "fmt"

// Role names the logical signal path a channel carries.
type Role string

const (
	Throttle Role = "throttle"
	Steering Role = "steering"
)

// Edge is the direction of an input transition.
type Edge int

const (
	Rising Edge = iota
	Falling
)

func (e Edge) String() string {
	switch e {
	case Rising:
		return "rising"
	case Falling:
		return "falling"
	default:
		return fmt.Sprintf("edge(%d)", int(e))
	}
}

// ParseEdge accepts "rising"/"falling" (or "1"/"0", the level the line went to).
func ParseEdge(s string) (Edge, error) {
	switch s {
	case "rising", "1":
		return Rising, nil
	case "falling", "0":
		return Falling, nil
	default:
		return 0, fmt.Errorf("unknown edge %q", s)
	}
}

// DefaultModulus is the wrap point of the 32-bit microsecond tick.
const DefaultModulus = uint64(1) << 32

// Event is one timestamped edge notification.
type Event struct {
	Channel Role
	Edge    Edge
	Tick    uint64
}

// Measurement is a completed pulse, width in microseconds.
type Measurement struct {
	Channel Role
	Width   int
}

// Diff returns end-start on a counter that wraps at modulus.
// A zero modulus means DefaultModulus.
func Diff(start, end, modulus uint64) uint64 {
	if modulus == 0 {
		modulus = DefaultModulus
	}
	start %= modulus
	end %= modulus
	if end >= start {
		return end - start
	}
	return modulus - start + end
}

// Timer turns rising/falling pairs of one channel into pulse widths.
// It is not safe for concurrent use; the channel controller serializes it.
type Timer struct {
	channel Role
	modulus uint64

	pending    uint64
	hasPending bool

	overwritten uint64
	discarded   uint64
}

// NewTimer returns a timer for one channel. A zero modulus means DefaultModulus.
func NewTimer(channel Role, modulus uint64) *Timer {
	if modulus == 0 {
		modulus = DefaultModulus
	}
	return &Timer{channel: channel, modulus: modulus}
}

// OnEdge consumes one edge. It returns a measurement only when a falling edge
// closes a pending rising edge. A second rising edge replaces the pending one;
// a falling edge with nothing pending is dropped.
func (t *Timer) OnEdge(ev Event) (Measurement, bool) {
	switch ev.Edge {
	case Rising:
		if t.hasPending {
			t.overwritten++
		}
		t.pending = ev.Tick
		t.hasPending = true
		return Measurement{}, false
	case Falling:
		if !t.hasPending {
			t.discarded++
			return Measurement{}, false
		}
		width := Diff(t.pending, ev.Tick, t.modulus)
		t.hasPending = false
		return Measurement{Channel: t.channel, Width: int(width)}, true
	default:
		return Measurement{}, false
	}
}

// Pending reports whether a rising edge is waiting for its falling edge.
func (t *Timer) Pending() bool {
	return t.hasPending
}

// Reset drops any pending rising edge.
func (t *Timer) Reset() {
	t.hasPending = false
	t.pending = 0
}

// Overwritten counts rising edges that replaced an unmatched pending one.
func (t *Timer) Overwritten() uint64 { return t.overwritten }

// Discarded counts falling edges that arrived with nothing pending.
func (t *Timer) Discarded() uint64 { return t.discarded }
