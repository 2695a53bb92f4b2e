package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RCPass/internal/debug"
)

// PulseCommand is one SetPulseWidth call recorded by the MockDriver.
type PulseCommand struct {
	Pin   int
	Width int
}

// MockDriver is an in-memory driver used for development on PC, tests and
// replays. It records every pulse command and lets the caller inject edges
// on watched pins with Emit.
type MockDriver struct {
	mu       sync.Mutex
	modes    map[int]PinMode
	watches  map[int]*mockWatch
	commands []PulseCommand
	closed   bool
}

type mockWatch struct {
	d   *MockDriver
	pin int
	h   EdgeHandler
}

// NewMockDriver returns an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:   make(map[int]PinMode),
		watches: make(map[int]*mockWatch),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WatchEdges(pin int, h EdgeHandler) (Watch, error) {
	debug.GPIO("WatchEdges", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, busy := m.watches[pin]; busy {
		return nil, fmt.Errorf("pin %d already watched", pin)
	}
	w := &mockWatch{d: m, pin: pin, h: h}
	m.watches[pin] = w
	return w, nil
}

func (w *mockWatch) Cancel() error {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	if w.d.watches[w.pin] == w {
		delete(w.d.watches, w.pin)
	}
	return nil
}

func (m *MockDriver) SetPulseWidth(pin int, us int) error {
	debug.GPIO("SetPulseWidth", pin, us)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.commands = append(m.commands, PulseCommand{Pin: pin, Width: us})
	return nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.watches = make(map[int]*mockWatch)
	return nil
}

// Emit delivers an edge to the handler watching pin, if any, on the calling
// goroutine. It reports whether a handler received it.
func (m *MockDriver) Emit(pin int, level Level, tick uint32) bool {
	m.mu.Lock()
	w, ok := m.watches[pin]
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.h(pin, level, tick)
	return true
}

// Pulse emits a rising edge at start and a falling edge width microseconds later.
func (m *MockDriver) Pulse(pin int, start uint32, width uint32) bool {
	if !m.Emit(pin, High, start) {
		return false
	}
	return m.Emit(pin, Low, start+width)
}

// Commands returns a copy of all recorded pulse commands.
func (m *MockDriver) Commands() []PulseCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PulseCommand(nil), m.commands...)
}

// CommandsForPin returns the widths commanded on one pin, in order.
func (m *MockDriver) CommandsForPin(pin int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var widths []int
	for _, c := range m.commands {
		if c.Pin == pin {
			widths = append(widths, c.Width)
		}
	}
	return widths
}

// Mode returns the mode a pin was set up with.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

// Watched reports whether pin has an active edge watch.
func (m *MockDriver) Watched(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[pin]
	return ok
}
