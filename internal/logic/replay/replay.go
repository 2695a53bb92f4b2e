package replay

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/RCPass/internal/debug"
	"github.com/cjeanneret/RCPass/internal/hw/gpio"
	"github.com/cjeanneret/RCPass/internal/logic/engine"
	"github.com/cjeanneret/RCPass/internal/logic/timing"
)

// MaxFileBytes bounds the size of a replay file.
const MaxFileBytes = 4 << 20

// record is one line of a replay file.
type record struct {
	Channel string `yaml:"channel"`
	Edge    string `yaml:"edge"`
	Tick    uint64 `yaml:"tick"`
}

type file struct {
	Events []record `yaml:"events"`
}

// Load reads a recorded edge list from a YAML file.
func Load(path string) ([]timing.Event, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat replay file: %w", err)
	}
	if info.Size() > MaxFileBytes {
		return nil, fmt.Errorf("replay file is %d bytes, limit is %d", info.Size(), MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a replay document:
//
//	events:
//	  - {channel: steering, edge: rising, tick: 0}
//	  - {channel: steering, edge: falling, tick: 1800}
func Parse(data []byte) ([]timing.Event, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if len(f.Events) == 0 {
		return nil, errors.New("replay contains no events")
	}

	events := make([]timing.Event, 0, len(f.Events))
	for i, r := range f.Events {
		role := timing.Role(r.Channel)
		if role != timing.Throttle && role != timing.Steering {
			return nil, fmt.Errorf("event %d: unknown channel %q", i, r.Channel)
		}
		edge, err := timing.ParseEdge(r.Edge)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, timing.Event{Channel: role, Edge: edge, Tick: r.Tick})
	}
	return events, nil
}

// Run feeds events, in order, through an engine built from cfg on a mock
// driver and returns every pulse command it issued, shutdown included.
func Run(ctx context.Context, cfg engine.Config, events []timing.Event) ([]gpio.PulseCommand, error) {
	drv := gpio.NewMockDriver()
	defer drv.Close()

	e, err := engine.New(drv, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		return nil, err
	}

	debug.Info("Replaying %d edges", len(events))
	var runErr error
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("replay interrupted at event %d: %w", i, err)
			break
		}
		if err := e.Inject(ev.Channel, ev.Edge, ev.Tick); err != nil {
			runErr = fmt.Errorf("event %d: %w", i, err)
			break
		}
	}

	if err := e.Shutdown(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return drv.Commands(), runErr
}
