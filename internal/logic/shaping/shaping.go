package shaping

import (
	"fmt"
	"math"
)

// Default actuator limits in microseconds.
const (
	DefaultMin     = 1000
	DefaultMax     = 2000
	DefaultNeutral = 1500
)

// Range is the safe pulse window of an actuator.
type Range struct {
	Min int `json:"min_us"`
	Max int `json:"max_us"`
}

// DefaultRange is the standard 1000-2000µs servo/ESC window.
var DefaultRange = Range{Min: DefaultMin, Max: DefaultMax}

// Clamp constrains us to the range.
func (r Range) Clamp(us int) int {
	if us < r.Min {
		return r.Min
	}
	if us > r.Max {
		return r.Max
	}
	return us
}

func (r Range) clampFloat(us float64) int {
	return r.Clamp(int(math.Round(us)))
}

// Validate checks that the range is usable.
func (r Range) Validate() error {
	if r.Min <= 0 || r.Max <= r.Min {
		return fmt.Errorf("invalid pulse range %d-%dµs", r.Min, r.Max)
	}
	return nil
}

// Kind identifies a policy variant.
type Kind string

const (
	KindIdentity    Kind = "identity"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
)

// Policy maps a measured pulse width to the width sent to the actuator.
// Implementations may keep state between calls and must not be shared
// between channels.
type Policy interface {
	Shape(raw int) int
	Reset()
	Kind() Kind
}

// Config selects and parameterizes a policy.
type Config struct {
	Kind    Kind
	Factor  float64 // linear: 1 = passthrough, 0 = pinned at Neutral
	Neutral int     // linear: centre of attenuation, µs
	Alpha   float64 // exponential: weight of the newest sample
	Range   Range
}

// New builds a fresh policy instance from cfg.
func New(cfg Config) (Policy, error) {
	r := cfg.Range
	if r == (Range{}) {
		r = DefaultRange
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindIdentity, "":
		return NewIdentity(r), nil
	case KindLinear:
		neutral := cfg.Neutral
		if neutral == 0 {
			neutral = (r.Min + r.Max) / 2
		}
		return NewLinearAttenuation(r, cfg.Factor, neutral)
	case KindExponential:
		return NewExponentialSmoothing(r, cfg.Alpha)
	default:
		return nil, fmt.Errorf("unknown shaping policy %q", cfg.Kind)
	}
}

// Identity passes the clamped width through.
type Identity struct {
	r Range
}

func NewIdentity(r Range) *Identity {
	return &Identity{r: r}
}

func (p *Identity) Shape(raw int) int { return p.r.Clamp(raw) }
func (p *Identity) Reset()            {}
func (p *Identity) Kind() Kind        { return KindIdentity }

// LinearAttenuation scales deviations from a neutral width. The raw width is
// clamped before scaling.
type LinearAttenuation struct {
	r       Range
	factor  float64
	neutral int
}

func NewLinearAttenuation(r Range, factor float64, neutral int) (*LinearAttenuation, error) {
	if math.IsNaN(factor) || factor < 0 || factor > 1 {
		return nil, fmt.Errorf("linear factor must be between 0 and 1, got %g", factor)
	}
	if neutral < r.Min || neutral > r.Max {
		return nil, fmt.Errorf("neutral %dµs outside range %d-%dµs", neutral, r.Min, r.Max)
	}
	return &LinearAttenuation{r: r, factor: factor, neutral: neutral}, nil
}

func (p *LinearAttenuation) Shape(raw int) int {
	in := p.r.Clamp(raw)
	return p.r.clampFloat(float64(p.neutral) + p.factor*float64(in-p.neutral))
}

func (p *LinearAttenuation) Reset()     {}
func (p *LinearAttenuation) Kind() Kind { return KindLinear }

// ExponentialSmoothing is a first-order low-pass filter
// s = alpha*x + (1-alpha)*s. The first sample seeds s.
type ExponentialSmoothing struct {
	r     Range
	alpha float64

	smoothed    float64
	hasSmoothed bool
}

func NewExponentialSmoothing(r Range, alpha float64) (*ExponentialSmoothing, error) {
	if math.IsNaN(alpha) || alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1], got %g", alpha)
	}
	return &ExponentialSmoothing{r: r, alpha: alpha}, nil
}

func (p *ExponentialSmoothing) Shape(raw int) int {
	x := float64(p.r.Clamp(raw))
	if !p.hasSmoothed {
		p.smoothed = x
		p.hasSmoothed = true
	} else {
		p.smoothed = p.alpha*x + (1-p.alpha)*p.smoothed
	}
	return p.r.clampFloat(p.smoothed)
}

// Smoothed returns the filter state and whether a sample has been seen.
func (p *ExponentialSmoothing) Smoothed() (float64, bool) {
	return p.smoothed, p.hasSmoothed
}

func (p *ExponentialSmoothing) Reset() {
	p.smoothed = 0
	p.hasSmoothed = false
}

func (p *ExponentialSmoothing) Kind() Kind { return KindExponential }

// Describe renders a policy config for logs.
func Describe(cfg Config) string {
	switch cfg.Kind {
	case KindLinear:
		return fmt.Sprintf("linear(factor=%g, neutral=%dµs)", cfg.Factor, cfg.Neutral)
	case KindExponential:
		return fmt.Sprintf("exponential(alpha=%g)", cfg.Alpha)
	default:
		return string(KindIdentity)
	}
}
