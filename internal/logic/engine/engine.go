package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/RCPass/internal/debug"
	"github.com/cjeanneret/RCPass/internal/hw/gpio"
	"github.com/cjeanneret/RCPass/internal/hw/receiver"
	"github.com/cjeanneret/RCPass/internal/hw/servo"
	"github.com/cjeanneret/RCPass/internal/logic/channel"
	"github.com/cjeanneret/RCPass/internal/logic/shaping"
	"github.com/cjeanneret/RCPass/internal/logic/timing"
)

var (
	ErrUnknownChannel = errors.New("engine: unknown channel")
	ErrNotRunning     = errors.New("engine: not running")
	ErrAlreadyStarted = errors.New("engine: already started")
)

// State is the lifecycle phase of the engine.
type State int32

const (
	Starting State = iota
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChannelConfig describes one signal path from receiver pin to actuator pin.
type ChannelConfig struct {
	Role      timing.Role
	InputPin  int
	OutputPin int
	Policy    shaping.Config
}

// Config holds everything the engine needs besides the driver.
type Config struct {
	Channels []ChannelConfig
	Range    shaping.Range // zero value means 1000-2000µs
	Modulus  uint64        // tick wrap; zero means gpio.TickModulus, the only accepted value
	Observer channel.Observer
}

// Validate checks the channel layout: one throttle and one steering channel
// with four distinct pins and buildable policies. The tick modulus must be
// the driver's 32-bit wrap.
func (c Config) Validate() error {
	if c.Modulus != 0 && c.Modulus != gpio.TickModulus {
		return fmt.Errorf("tick modulus must be %d, got %d", gpio.TickModulus, c.Modulus)
	}
	if len(c.Channels) != 2 {
		return fmt.Errorf("expected 2 channels (throttle, steering), got %d", len(c.Channels))
	}
	roles := make(map[timing.Role]bool)
	pins := make(map[int]string)
	for _, ch := range c.Channels {
		if ch.Role != timing.Throttle && ch.Role != timing.Steering {
			return fmt.Errorf("unknown channel role %q", ch.Role)
		}
		if roles[ch.Role] {
			return fmt.Errorf("channel %q configured twice", ch.Role)
		}
		roles[ch.Role] = true

		for _, p := range []struct {
			pin  int
			name string
		}{
			{ch.InputPin, string(ch.Role) + " input"},
			{ch.OutputPin, string(ch.Role) + " output"},
		} {
			if p.pin < 0 {
				return fmt.Errorf("%s pin %d is negative", p.name, p.pin)
			}
			if other, dup := pins[p.pin]; dup {
				return fmt.Errorf("pin %d used by both %s and %s", p.pin, other, p.name)
			}
			pins[p.pin] = p.name
		}

		pc := ch.Policy
		pc.Range = c.Range
		if _, err := shaping.New(pc); err != nil {
			return fmt.Errorf("%s policy: %w", ch.Role, err)
		}
	}
	return nil
}

type binding struct {
	cfg  ChannelConfig
	ctrl *channel.Controller
	in   *receiver.Input
}

func (b *binding) onEdge(edge timing.Edge, tick uint32) {
	b.ctrl.Handle(timing.Event{Channel: b.cfg.Role, Edge: edge, Tick: uint64(tick)})
}

// Engine runs the throttle and steering channels between Start and Shutdown.
type Engine struct {
	id   uuid.UUID
	gpio gpio.Driver
	cfg  Config

	state atomic.Int32

	mu       sync.Mutex
	policies []shaping.Policy
	channels []*binding
	byRole   map[timing.Role]*binding
	started  time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg and prepares one policy instance per channel. No GPIO
// is touched until Start.
func New(g gpio.Driver, cfg Config) (*Engine, error) {
	if g == nil {
		return nil, errors.New("engine: nil gpio driver")
	}
	if cfg.Range == (shaping.Range{}) {
		cfg.Range = shaping.DefaultRange
	}
	if cfg.Modulus == 0 {
		cfg.Modulus = gpio.TickModulus
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policies := make([]shaping.Policy, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		pc := ch.Policy
		pc.Range = cfg.Range
		p, err := shaping.New(pc)
		if err != nil {
			return nil, fmt.Errorf("%s policy: %w", ch.Role, err)
		}
		policies[i] = p
	}

	return &Engine{
		id:       uuid.New(),
		gpio:     g,
		cfg:      cfg,
		policies: policies,
		byRole:   make(map[timing.Role]*binding),
	}, nil
}

// ID identifies this engine run in logs and telemetry.
func (e *Engine) ID() uuid.UUID { return e.id }

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Start sets up both outputs and subscribes both inputs. On any failure the
// work already done is undone (subscriptions cancelled, outputs disabled),
// the engine moves to Stopped and the error is returned.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != Starting || len(e.channels) > 0 {
		return ErrAlreadyStarted
	}

	debug.Section("Starting engine")
	debug.Value("Run ID", e.id)

	for i, ch := range e.cfg.Channels {
		debug.Step(i+1, fmt.Sprintf("Wiring %s channel", ch.Role))

		out, err := servo.NewOutput(e.gpio, servo.Config{Pin: ch.OutputPin, Range: e.cfg.Range})
		if err != nil {
			e.rollbackLocked()
			return fmt.Errorf("%s: set up output pin %d: %w", ch.Role, ch.OutputPin, err)
		}

		b := &binding{
			cfg:  ch,
			ctrl: channel.New(ch.Role, e.cfg.Modulus, e.policies[i], out, e.cfg.Observer),
			in:   receiver.NewInput(e.gpio, ch.InputPin),
		}
		e.channels = append(e.channels, b)

		if err := b.in.Subscribe(b.onEdge); err != nil {
			e.rollbackLocked()
			return fmt.Errorf("%s: subscribe input pin %d: %w", ch.Role, ch.InputPin, err)
		}
		e.byRole[ch.Role] = b

		pc := ch.Policy
		pc.Range = e.cfg.Range
		debug.Channel(string(ch.Role), ch.InputPin, ch.OutputPin, shaping.Describe(pc))
	}

	e.started = time.Now()
	e.state.Store(int32(Running))
	return nil
}

func (e *Engine) rollbackLocked() {
	for _, b := range e.channels {
		if err := b.in.Cancel(); err != nil {
			debug.Error(fmt.Errorf("%s: cancel input: %w", b.cfg.Role, err))
		}
		if err := b.ctrl.Close(); err != nil {
			debug.Error(err)
		}
	}
	e.byRole = make(map[timing.Role]*binding)
	e.state.Store(int32(Stopped))
}

// Run starts the engine if needed, idles until ctx is done and then shuts
// down. It returns the startup error or the shutdown error.
func (e *Engine) Run(ctx context.Context) error {
	if e.State() == Starting {
		if err := e.Start(); err != nil {
			return err
		}
	}
	if e.State() != Running {
		return ErrNotRunning
	}

	debug.Info("Engine %s running", e.id)
	<-ctx.Done()
	debug.Info("Termination requested: %v", context.Cause(ctx))
	return e.Shutdown()
}

// Shutdown cancels every input subscription and then switches every output
// off, one channel after the other. It always visits every channel, runs
// once, and returns the joined errors of that single run on every call.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		e.state.Store(int32(ShuttingDown))
		debug.Section("Shutting down")

		var errs []error
		for _, b := range e.channels {
			if err := b.in.Cancel(); err != nil {
				errs = append(errs, fmt.Errorf("%s: cancel input: %w", b.cfg.Role, err))
			}
			if err := b.ctrl.Close(); err != nil {
				errs = append(errs, err)
			}
			debug.Info("%s output disabled", b.cfg.Role)
		}

		e.state.Store(int32(Stopped))
		e.shutdownErr = errors.Join(errs...)
	})
	return e.shutdownErr
}

// Inject feeds one edge to the channel with the given role, as if it came
// from the receiver. Unknown roles are rejected and logged.
func (e *Engine) Inject(role timing.Role, edge timing.Edge, tick uint64) error {
	if e.State() == Starting {
		return ErrNotRunning
	}
	e.mu.Lock()
	b, ok := e.byRole[role]
	e.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownChannel, role)
		debug.Warn("%v", err)
		return err
	}
	b.ctrl.Handle(timing.Event{Channel: role, Edge: edge, Tick: tick})
	return nil
}

// Status is a snapshot for telemetry.
type Status struct {
	RunID    string          `json:"run_id"`
	State    State           `json:"state"`
	Uptime   string          `json:"uptime,omitempty"`
	Range    shaping.Range   `json:"range"`
	Channels []channel.Stats `json:"channels"`
}

// Snapshot returns the current state and per-channel counters.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	channels := append([]*binding(nil), e.channels...)
	started := e.started
	e.mu.Unlock()

	st := Status{
		RunID: e.id.String(),
		State: e.State(),
		Range: e.cfg.Range,
	}
	if !started.IsZero() && st.State == Running {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	for _, b := range channels {
		st.Channels = append(st.Channels, b.ctrl.Stats())
	}
	return st
}
