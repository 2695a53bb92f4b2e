package servo

import (
	"sync"

	"github.com/cjeanneret/RCPass/internal/debug"
	"github.com/cjeanneret/RCPass/internal/hw/gpio"
	"github.com/cjeanneret/RCPass/internal/logic/shaping"
)

// Config holds the hardware configuration for one pulse output.
type Config struct {
	Pin   int           // BCM pin driving the ESC or servo signal line
	Range shaping.Range // safe pulse window; zero value means 1000-2000µs
}

// Output drives an ESC or steering servo with servo-style pulses.
type Output struct {
	gpio gpio.Driver
	cfg  Config

	mu   sync.Mutex
	last int // last commanded width, 0 = off
}

// NewOutput configures pin as a PWM output. The line is left switched off
// until the first Write.
func NewOutput(g gpio.Driver, cfg Config) (*Output, error) {
	if cfg.Range == (shaping.Range{}) {
		cfg.Range = shaping.DefaultRange
	}
	if err := g.SetupPin(cfg.Pin, gpio.PWMOutput); err != nil {
		return nil, err
	}
	return &Output{gpio: g, cfg: cfg}, nil
}

// Pin returns the output pin.
func (o *Output) Pin() int { return o.cfg.Pin }

// Write commands a pulse of width microseconds, clamped to the safe range.
func (o *Output) Write(width int) error {
	width = o.cfg.Range.Clamp(width)
	if err := o.gpio.SetPulseWidth(o.cfg.Pin, width); err != nil {
		return err
	}
	o.mu.Lock()
	o.last = width
	o.mu.Unlock()
	return nil
}

// Disable stops the pulse train. ESCs and servos treat a missing signal as
// their own fail-safe, so this is what the line must be left in on exit.
func (o *Output) Disable() error {
	debug.Verbose("Servo: disabling output on pin %d", o.cfg.Pin)
	if err := o.gpio.SetPulseWidth(o.cfg.Pin, 0); err != nil {
		return err
	}
	o.mu.Lock()
	o.last = 0
	o.mu.Unlock()
	return nil
}

// Last returns the last commanded width, 0 when disabled or never written.
func (o *Output) Last() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}
