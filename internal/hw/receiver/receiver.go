package receiver

import (
	"errors"
	"sync"

	"github.com/cjeanneret/RCPass/internal/debug"
	"github.com/cjeanneret/RCPass/internal/hw/gpio"
	"github.com/cjeanneret/RCPass/internal/logic/timing"
)

// ErrSubscribed is returned when Subscribe is called on an active input.
var ErrSubscribed = errors.New("receiver: input already subscribed")

// Handler receives one edge of the input signal with its raw tick.
type Handler func(edge timing.Edge, tick uint32)

// Input is one PWM signal line coming from the RC receiver.
type Input struct {
	gpio gpio.Driver
	pin  int

	mu    sync.Mutex
	watch gpio.Watch
}

// NewInput binds an input pin. Nothing is configured until Subscribe.
func NewInput(g gpio.Driver, pin int) *Input {
	return &Input{gpio: g, pin: pin}
}

// Pin returns the input pin.
func (in *Input) Pin() int { return in.pin }

// Subscribe configures the pin as input and starts delivering edges to h.
func (in *Input) Subscribe(h Handler) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.watch != nil {
		return ErrSubscribed
	}

	if err := in.gpio.SetupPin(in.pin, gpio.Input); err != nil {
		return err
	}
	w, err := in.gpio.WatchEdges(in.pin, func(pin int, level gpio.Level, tick uint32) {
		debug.Edge(pin, bool(level), tick)
		edge := timing.Falling
		if level == gpio.High {
			edge = timing.Rising
		}
		h(edge, tick)
	})
	if err != nil {
		return err
	}
	in.watch = w
	return nil
}

// Cancel stops edge delivery. Safe to call more than once.
func (in *Input) Cancel() error {
	in.mu.Lock()
	w := in.watch
	in.watch = nil
	in.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Cancel()
}

// Subscribed reports whether edges are currently delivered.
func (in *Input) Subscribed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.watch != nil
}
