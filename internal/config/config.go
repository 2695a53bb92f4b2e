package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/RCPass/internal/hw/gpio"
	"github.com/cjeanneret/RCPass/internal/logic/shaping"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Highest BCM GPIO number exposed on the Raspberry Pi header.
const maxBCMPin = 27

// DriverConfig selects the GPIO backend.
type DriverConfig struct {
	Type           string `yaml:"type"`             // "pigpiod", "rpio" or "mock"
	Address        string `yaml:"address"`          // pigpiod: host:port (default localhost:8888)
	ServoHz        int    `yaml:"servo_hz"`         // rpio: PWM frame rate (default 50)
	PollIntervalUs int    `yaml:"poll_interval_us"` // rpio: input sampling period (default 50)
}

// PulseConfig holds the pulse window shared by both channels.
type PulseConfig struct {
	MinUs       int    `yaml:"min_us"`       // default 1000
	MaxUs       int    `yaml:"max_us"`       // default 2000
	NeutralUs   int    `yaml:"neutral_us"`   // default 1500, used by linear policies without their own
	TickModulus uint64 `yaml:"tick_modulus"` // must match the driver tick wrap, 2^32
}

// PolicyConfig selects how a channel reshapes its pulses.
type PolicyConfig struct {
	Type    string   `yaml:"type"`    // "identity" (default), "linear" or "exponential"
	Factor  *float64 `yaml:"factor"` // linear, required: 1 = passthrough, 0 = pinned at neutral
	Neutral int      `yaml:"neutral"` // linear: µs, 0 = pulse.neutral_us
	Alpha   float64  `yaml:"alpha"`   // exponential: weight of the newest sample, (0, 1]
}

// ChannelConfig wires one receiver channel to one actuator.
type ChannelConfig struct {
	InputPin  int          `yaml:"input_pin"`  // BCM pin reading the receiver
	OutputPin int          `yaml:"output_pin"` // BCM pin driving the ESC/servo
	Policy    PolicyConfig `yaml:"policy"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// WebConfig enables the read-only telemetry server.
type WebConfig struct {
	Port int `yaml:"port"` // 0 = disabled
}

// Config aggregates all application configuration.
type Config struct {
	Driver   DriverConfig   `yaml:"driver"`
	Pulse    PulseConfig    `yaml:"pulse"`
	Throttle ChannelConfig  `yaml:"throttle"`
	Steering ChannelConfig  `yaml:"steering"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Web      WebConfig      `yaml:"web"`
}

// ValidateConfigPath accepts only .yaml files located directly in a
// "configs" directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q escapes its directory", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Driver.Type == "" {
		c.Driver.Type = "pigpiod"
	}
	if c.Driver.Address == "" {
		c.Driver.Address = "localhost:8888"
	}
	if c.Driver.ServoHz <= 0 {
		c.Driver.ServoHz = 50
	}
	if c.Driver.PollIntervalUs <= 0 {
		c.Driver.PollIntervalUs = 50
	}

	if c.Pulse.MinUs == 0 {
		c.Pulse.MinUs = shaping.DefaultMin
	}
	if c.Pulse.MaxUs == 0 {
		c.Pulse.MaxUs = shaping.DefaultMax
	}
	if c.Pulse.NeutralUs == 0 {
		c.Pulse.NeutralUs = shaping.DefaultNeutral
	}
	if c.Pulse.TickModulus == 0 {
		c.Pulse.TickModulus = gpio.TickModulus
	}

	for _, ch := range []*ChannelConfig{&c.Throttle, &c.Steering} {
		if ch.Policy.Type == "" {
			ch.Policy.Type = string(shaping.KindIdentity)
		}
		if ch.Policy.Type == string(shaping.KindLinear) && ch.Policy.Neutral == 0 {
			ch.Policy.Neutral = c.Pulse.NeutralUs
		}
	}
}

// Validate checks ranges and pin assignments. Defaults must already be applied.
func (c *Config) Validate() error {
	switch c.Driver.Type {
	case "pigpiod", "rpio", "mock":
	default:
		return fmt.Errorf("driver.type must be pigpiod, rpio or mock, got %q", c.Driver.Type)
	}
	if c.Driver.ServoHz > 400 {
		return fmt.Errorf("driver.servo_hz must be <= 400, got %d", c.Driver.ServoHz)
	}

	if err := c.Range().Validate(); err != nil {
		return fmt.Errorf("pulse: %w", err)
	}
	if c.Pulse.NeutralUs < c.Pulse.MinUs || c.Pulse.NeutralUs > c.Pulse.MaxUs {
		return fmt.Errorf("pulse.neutral_us %d outside %d-%d", c.Pulse.NeutralUs, c.Pulse.MinUs, c.Pulse.MaxUs)
	}
	// Drivers only report 32-bit ticks.
	if c.Pulse.TickModulus != gpio.TickModulus {
		return fmt.Errorf("pulse.tick_modulus must be %d (32-bit driver ticks), got %d", gpio.TickModulus, c.Pulse.TickModulus)
	}

	pins := make(map[int]string)
	for _, p := range []struct {
		name string
		pin  int
	}{
		{"throttle.input_pin", c.Throttle.InputPin},
		{"throttle.output_pin", c.Throttle.OutputPin},
		{"steering.input_pin", c.Steering.InputPin},
		{"steering.output_pin", c.Steering.OutputPin},
	} {
		if p.pin < 0 || p.pin > maxBCMPin {
			return fmt.Errorf("%s must be a BCM pin between 0 and %d, got %d", p.name, maxBCMPin, p.pin)
		}
		if other, dup := pins[p.pin]; dup {
			return fmt.Errorf("%s and %s both use pin %d", other, p.name, p.pin)
		}
		pins[p.pin] = p.name
	}
	if c.Driver.Type == "rpio" {
		if err := c.validatePWMOutputs(); err != nil {
			return err
		}
	}

	if err := c.validatePolicy(c.Throttle.Policy); err != nil {
		return fmt.Errorf("throttle.policy: %w", err)
	}
	if err := c.validatePolicy(c.Steering.Policy); err != nil {
		return fmt.Errorf("steering.policy: %w", err)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 0-65535, got %d", c.Web.Port)
	}
	return nil
}

// validatePWMOutputs checks that each output sits on its own hardware PWM
// channel. BCM 12/18 share PWM0 and 13/19 share PWM1.
func (c *Config) validatePWMOutputs() error {
	used := make(map[int]string)
	for _, o := range []struct {
		name string
		pin  int
	}{
		{"throttle.output_pin", c.Throttle.OutputPin},
		{"steering.output_pin", c.Steering.OutputPin},
	} {
		ch, ok := gpio.PWMChannel(o.pin)
		if !ok {
			return fmt.Errorf("%s %d has no hardware PWM with driver rpio (use 12, 13, 18 or 19)", o.name, o.pin)
		}
		if other, dup := used[ch]; dup {
			return fmt.Errorf("%s and %s share PWM channel %d with driver rpio", other, o.name, ch)
		}
		used[ch] = o.name
	}
	return nil
}

// validatePolicy requires an explicit factor for linear policies, since a
// missing one would pin the channel at neutral.
func (c *Config) validatePolicy(p PolicyConfig) error {
	if p.Type == string(shaping.KindLinear) && p.Factor == nil {
		return errors.New("factor is required for a linear policy")
	}
	_, err := shaping.New(c.ShapingConfig(p))
	return err
}

// Range returns the configured pulse window.
func (c *Config) Range() shaping.Range {
	return shaping.Range{Min: c.Pulse.MinUs, Max: c.Pulse.MaxUs}
}

// ShapingConfig converts a policy section into a shaping.Config.
func (c *Config) ShapingConfig(p PolicyConfig) shaping.Config {
	var factor float64
	if p.Factor != nil {
		factor = *p.Factor
	}
	return shaping.Config{
		Kind:    shaping.Kind(p.Type),
		Factor:  factor,
		Neutral: p.Neutral,
		Alpha:   p.Alpha,
		Range:   c.Range(),
	}
}

// PollInterval returns the rpio input sampling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Driver.PollIntervalUs) * time.Microsecond
}
