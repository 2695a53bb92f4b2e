package gpio

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/RCPass/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates whether a GPIO is input, plain output or a PWM output.
type PinMode int

const (
	Input PinMode = iota
	Output
	PWMOutput
)

// TickModulus is the wrap point of the 32-bit microsecond tick every driver reports.
const TickModulus = uint64(1) << 32

// ErrClosed is returned by operations on a closed driver.
var ErrClosed = errors.New("gpio: driver closed")

// EdgeHandler receives a level transition on a watched pin. A transition to
// High is a rising edge, to Low a falling edge. tick is a free-running
// microsecond counter that wraps at TickModulus.
type EdgeHandler func(pin int, level Level, tick uint32)

// Watch is an active edge subscription.
type Watch interface {
	Cancel() error
}

// Driver defines the abstract interface for the GPIO side of the daemon.
// Implementations must be safe for concurrent use: edge callbacks of both
// channels may write pulse widths at the same time.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	// WatchEdges delivers every level change of pin to h until the watch is cancelled.
	WatchEdges(pin int, h EdgeHandler) (Watch, error)
	// SetPulseWidth drives a servo-style pulse of us microseconds on pin.
	// Zero switches the output off.
	SetPulseWidth(pin int, us int) error
	Close() error
}

// Options selects and parameterizes a driver backend.
type Options struct {
	Type         string        // "mock", "rpio" or "pigpiod"
	Address      string        // pigpiod host:port
	ServoHz      int           // rpio PWM frame rate
	PollInterval time.Duration // rpio edge sampling period
	DialTimeout  time.Duration // pigpiod connect timeout
}

// NewDriver creates a GPIO driver based on the chosen backend.
func NewDriver(opts Options) (Driver, error) {
	switch opts.Type {
	case "mock":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case "rpio":
		return NewRPiRealDriver(opts.ServoHz, opts.PollInterval)
	case "pigpiod":
		return DialPigpiod(opts.Address, opts.DialTimeout)
	default:
		return nil, fmt.Errorf("unknown gpio driver type: %q", opts.Type)
	}
}
