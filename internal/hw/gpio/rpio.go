package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/RCPass/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// Hardware PWM capable BCM pins on the 40-pin header and the peripheral
// channel each one drives. Pins on the same channel share one duty register.
var hardwarePWM = map[int]int{12: 0, 18: 0, 13: 1, 19: 1}

// PWMChannel returns the hardware PWM channel behind pin.
func PWMChannel(pin int) (int, bool) {
	ch, ok := hardwarePWM[pin]
	return ch, ok
}

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Pulses use the hardware PWM peripheral with a 1µs clock, so a duty length
// equals the pulse width in microseconds. Edges are sampled by one goroutine
// per watched pin; resolution is bounded by the sampling period, which makes
// pigpiod the better choice when timing matters.
type RPiDriver struct {
	mu      sync.Mutex
	pins    map[int]rpio.Pin
	modes   map[int]PinMode
	owners  map[int]int // PWM channel -> pin driving it
	watches map[int]*rpioWatch
	hz      int    // PWM frame rate
	cycle   uint32 // PWM cycle length in µs
	poll    time.Duration
	epoch   time.Time
	closed  bool
}

type rpioWatch struct {
	r    *RPiDriver
	pin  int
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires root: hardware PWM needs /dev/mem, /dev/gpiomem is not enough.
func NewRPiRealDriver(servoHz int, poll time.Duration) (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if servoHz <= 0 {
		servoHz = 50
	}
	if poll <= 0 {
		poll = 10 * time.Microsecond
	}

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins:    make(map[int]rpio.Pin),
		modes:   make(map[int]PinMode),
		owners:  make(map[int]int),
		watches: make(map[int]*rpioWatch),
		hz:      servoHz,
		cycle:   uint32(1_000_000 / servoHz),
		poll:    poll,
		epoch:   time.Now(),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	p := rpio.Pin(pin)

	switch mode {
	case Input:
		r.releasePWMLocked(pin)
		p.Input()
	case Output:
		r.releasePWMLocked(pin)
		p.Output()
	case PWMOutput:
		if err := r.claimPWMLocked(pin); err != nil {
			return err
		}
		p.Mode(rpio.Pwm)
		p.Freq(r.hz * int(r.cycle))
		p.DutyCycle(0, r.cycle)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	r.pins[pin] = p
	r.modes[pin] = mode
	return nil
}

// claimPWMLocked reserves the PWM channel of pin. Two outputs on one
// channel would overwrite each other's duty cycle.
func (r *RPiDriver) claimPWMLocked(pin int) error {
	ch, ok := hardwarePWM[pin]
	if !ok {
		return fmt.Errorf("pin %d has no hardware PWM (use 12, 13, 18 or 19)", pin)
	}
	if owner, busy := r.owners[ch]; busy && owner != pin {
		return fmt.Errorf("pin %d shares PWM channel %d with pin %d", pin, ch, owner)
	}
	r.owners[ch] = pin
	return nil
}

func (r *RPiDriver) releasePWMLocked(pin int) {
	if ch, ok := hardwarePWM[pin]; ok && r.owners[ch] == pin {
		delete(r.owners, ch)
	}
}

func (r *RPiDriver) SetPulseWidth(pin int, us int) error {
	debug.GPIO("SetPulseWidth", pin, us)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if us < 0 || uint32(us) > r.cycle {
		return fmt.Errorf("pulse width %dµs outside 0-%dµs", us, r.cycle)
	}

	if mode, ok := r.modes[pin]; !ok || mode != PWMOutput {
		// Pin not setup yet, setup as PWM output
		if err := r.setupLocked(pin, PWMOutput); err != nil {
			return err
		}
	}
	r.pins[pin].DutyCycle(uint32(us), r.cycle)
	return nil
}

func (r *RPiDriver) WatchEdges(pin int, h EdgeHandler) (Watch, error) {
	debug.GPIO("WatchEdges", pin, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, busy := r.watches[pin]; busy {
		return nil, fmt.Errorf("pin %d already watched", pin)
	}
	if mode, ok := r.modes[pin]; !ok || mode != Input {
		if err := r.setupLocked(pin, Input); err != nil {
			return nil, err
		}
	}

	w := &rpioWatch{
		r:    r,
		pin:  pin,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.watches[pin] = w
	go r.sample(r.pins[pin], w, h)
	return w, nil
}

// sample polls one input pin and reports every level change.
func (r *RPiDriver) sample(p rpio.Pin, w *rpioWatch, h EdgeHandler) {
	defer close(w.done)

	last := p.Read()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		s := p.Read()
		if s == last {
			continue
		}
		last = s
		h(w.pin, Level(s == rpio.High), r.tick())
	}
}

func (r *RPiDriver) tick() uint32 {
	return uint32(time.Since(r.epoch) / time.Microsecond)
}

func (w *rpioWatch) Cancel() error {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
		w.r.mu.Lock()
		delete(w.r.watches, w.pin)
		w.r.mu.Unlock()
	})
	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	watches := make([]*rpioWatch, 0, len(r.watches))
	for _, w := range r.watches {
		watches = append(watches, w)
	}
	r.mu.Unlock()

	for _, w := range watches {
		_ = w.Cancel()
	}

	r.mu.Lock()
	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		if r.modes[pin] == PWMOutput {
			p.DutyCycle(0, r.cycle)
		}
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}
	r.mu.Unlock()

	return rpio.Close()
}
