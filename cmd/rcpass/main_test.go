package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RCPass/internal/config"
	"github.com/cjeanneret/RCPass/internal/logic/shaping"
	"github.com/cjeanneret/RCPass/internal/logic/timing"
)

const testYAML = `
driver:
  type: "mock"
throttle:
  input_pin: 23
  output_pin: 13
  policy:
    type: "linear"
    factor: 0.5
steering:
  input_pin: 24
  output_pin: 19
  policy:
    type: "exponential"
    alpha: 0.2
defaults:
  debug_level: 0
`

// writeFile creates dir/configs/name with content and returns its path.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "configs")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides_Unset(t *testing.T) {
	if err := validateCLIOverrides("", -1); err != nil {
		t.Errorf("unset flags should be valid (use config values), got: %v", err)
	}
}

func TestValidateCLIOverrides_Valid(t *testing.T) {
	cases := []struct {
		name   string
		driver string
		level  int
	}{
		{"mock", "mock", -1},
		{"rpio", "rpio", 0},
		{"pigpiod_trace", "pigpiod", 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.driver, tc.level); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateCLIOverrides_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		driver string
		level  int
	}{
		{"unknown_driver", "sysfs", -1},
		{"level_too_high", "", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.driver, tc.level); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
	if w.Type() != "port" {
		t.Errorf("Type() = %q, want \"port\"", w.Type())
	}
}

func TestWebFlag_NoValueUsesDefault(t *testing.T) {
	root := newRootCmd()
	if err := root.ParseFlags([]string{"--web"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if got := root.Flags().Lookup("web").Value.String(); got != "8080" {
		t.Errorf("--web = %q, want 8080", got)
	}
}

// ---------- applyOverrides / engineConfig ----------

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeFile(t, "test.yaml", testYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestApplyOverrides_Set(t *testing.T) {
	cfg := newTestConfig(t)
	opts := &options{driver: "rpio", debugLevel: 3, web: webPortFlag{val: 9000}}
	applyOverrides(cfg, opts)

	if cfg.Driver.Type != "rpio" {
		t.Errorf("driver.type = %q, want rpio", cfg.Driver.Type)
	}
	if cfg.Defaults.DebugLevel != 3 {
		t.Errorf("debug_level = %d, want 3", cfg.Defaults.DebugLevel)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("web.port = %d, want 9000", cfg.Web.Port)
	}
}

func TestApplyOverrides_UnsetLeavesUnchanged(t *testing.T) {
	cfg := newTestConfig(t)
	applyOverrides(cfg, &options{debugLevel: -1})

	if cfg.Driver.Type != "mock" {
		t.Errorf("driver.type = %q, want mock", cfg.Driver.Type)
	}
	if cfg.Defaults.DebugLevel != 0 {
		t.Errorf("debug_level = %d, want 0", cfg.Defaults.DebugLevel)
	}
	if cfg.Web.Port != 0 {
		t.Errorf("web.port = %d, want 0", cfg.Web.Port)
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := newTestConfig(t)
	ec := engineConfig(cfg, nil)

	if err := ec.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(ec.Channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(ec.Channels))
	}
	th, st := ec.Channels[0], ec.Channels[1]
	if th.Role != timing.Throttle || th.InputPin != 23 || th.OutputPin != 13 {
		t.Errorf("throttle = %+v", th)
	}
	if th.Policy.Kind != shaping.KindLinear || th.Policy.Factor != 0.5 || th.Policy.Neutral != 1500 {
		t.Errorf("throttle policy = %+v", th.Policy)
	}
	if st.Role != timing.Steering || st.Policy.Kind != shaping.KindExponential || st.Policy.Alpha != 0.2 {
		t.Errorf("steering = %+v", st)
	}
	if ec.Modulus != 1<<32 {
		t.Errorf("modulus = %d, want 2^32", ec.Modulus)
	}
}

// ---------- commands ----------

func TestCheckCommand(t *testing.T) {
	path := writeFile(t, "test.yaml", testYAML)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"check", "--config", path})

	if err := root.Execute(); err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{
		"driver:   mock",
		"throttle: BCM23 -> BCM13  linear(factor=0.5, neutral=1500µs)",
		"steering: BCM24 -> BCM19  exponential(alpha=0.2)",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCheckCommand_BadPath(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"check", "--config", "/tmp/elsewhere.yaml"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for config outside configs/, got nil")
	}
}

func TestCheckCommand_DriverOverrideRevalidates(t *testing.T) {
	// 13 and 19 are both PWM1 on the Pi; fine for pigpiod and mock, not for rpio.
	path := writeFile(t, "test.yaml", testYAML)
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"check", "--config", path, "--driver", "rpio"})

	err := root.Execute()
	if err == nil {
		t.Fatal("expected error for outputs sharing a PWM channel under rpio, got nil")
	}
	if !strings.Contains(err.Error(), "PWM channel") {
		t.Errorf("error %q should mention the PWM channel", err)
	}
}

func TestReplayCommand(t *testing.T) {
	cfgPath := writeFile(t, "test.yaml", testYAML)
	events := filepath.Join(t.TempDir(), "edges.yaml")
	doc := `
events:
  - {channel: steering, edge: rising, tick: 0}
  - {channel: steering, edge: falling, tick: 1800}
  - {channel: steering, edge: rising, tick: 20000}
  - {channel: steering, edge: falling, tick: 21600}
`
	if err := os.WriteFile(events, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"replay", "--config", cfgPath, events})
	if err := root.Execute(); err != nil {
		t.Fatalf("replay: %v", err)
	}

	want := "BCM19 1800µs\nBCM19 1760µs\nBCM13    0µs\nBCM19    0µs\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestReplayCommand_MissingArg(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"replay"})
	if err := root.Execute(); err == nil {
		t.Error("expected error without FILE, got nil")
	}
}

func TestRootCommand_RunsUntilCancelled(t *testing.T) {
	path := writeFile(t, "test.yaml", testYAML)
	root := newRootCmd()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetArgs([]string{"--config", path, "--driver", "mock"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), banner) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("banner not printed; output:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("root command did not stop after cancel")
	}
}

func TestRootCommand_StartupFailure(t *testing.T) {
	bad := strings.Replace(testYAML, `type: "mock"`, `type: "pigpiod"
  address: "127.0.0.1:1"`, 1)
	path := writeFile(t, "test.yaml", bad)
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path})

	err := root.Execute()
	if err == nil {
		t.Fatal("expected error when the GPIO daemon is unreachable, got nil")
	}
	if !strings.Contains(err.Error(), "init GPIO") {
		t.Errorf("error %q should mention GPIO init", err)
	}
}
