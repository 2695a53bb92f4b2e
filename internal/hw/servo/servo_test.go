package servo

import (
	"errors"
	"testing"

	"github.com/cjeanneret/RCPass/internal/hw/gpio"
	"github.com/cjeanneret/RCPass/internal/logic/shaping"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls    []gpioCall
	failNext error
}

type gpioCall struct {
	op    string // "setup", "pulse"
	pin   int
	mode  gpio.PinMode
	width int
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin, mode: mode})
	return nil
}

func (d *recordingDriver) WatchEdges(pin int, h gpio.EdgeHandler) (gpio.Watch, error) {
	return nil, errors.New("not supported")
}

func (d *recordingDriver) SetPulseWidth(pin int, us int) error {
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}
	d.calls = append(d.calls, gpioCall{op: "pulse", pin: pin, width: us})
	return nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) pulses() []int {
	var result []int
	for _, c := range d.calls {
		if c.op == "pulse" {
			result = append(result, c.width)
		}
	}
	return result
}

func TestNewOutput_SetsUpPWMPin(t *testing.T) {
	drv := &recordingDriver{}
	if _, err := NewOutput(drv, Config{Pin: 13}); err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	if len(drv.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(drv.calls))
	}
	c := drv.calls[0]
	if c.op != "setup" || c.pin != 13 || c.mode != gpio.PWMOutput {
		t.Errorf("setup call = %+v, want PWM setup of pin 13", c)
	}
	if len(drv.pulses()) != 0 {
		t.Error("construction must not emit a pulse")
	}
}

func TestOutput_WriteClamps(t *testing.T) {
	drv := &recordingDriver{}
	out, _ := NewOutput(drv, Config{Pin: 19})

	for _, w := range []int{1500, 2500, 700, 1999} {
		if err := out.Write(w); err != nil {
			t.Fatalf("Write(%d): %v", w, err)
		}
	}

	want := []int{1500, 2000, 1000, 1999}
	got := drv.pulses()
	if len(got) != len(want) {
		t.Fatalf("pulses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pulse %d = %d, want %d", i, got[i], want[i])
		}
	}
	if out.Last() != 1999 {
		t.Errorf("Last() = %d, want 1999", out.Last())
	}
}

func TestOutput_CustomRange(t *testing.T) {
	drv := &recordingDriver{}
	out, _ := NewOutput(drv, Config{Pin: 13, Range: shaping.Range{Min: 1100, Max: 1900}})
	out.Write(1000)
	out.Write(2000)
	got := drv.pulses()
	if len(got) != 2 || got[0] != 1100 || got[1] != 1900 {
		t.Errorf("pulses = %v, want [1100 1900]", got)
	}
}

func TestOutput_DisableWritesZero(t *testing.T) {
	drv := &recordingDriver{}
	out, _ := NewOutput(drv, Config{Pin: 13})
	out.Write(1600)

	if err := out.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	got := drv.pulses()
	if got[len(got)-1] != 0 {
		t.Errorf("last pulse = %d, want 0 (off)", got[len(got)-1])
	}
	if out.Last() != 0 {
		t.Errorf("Last() after Disable = %d, want 0", out.Last())
	}
}

func TestOutput_WriteErrorKeepsLast(t *testing.T) {
	drv := &recordingDriver{}
	out, _ := NewOutput(drv, Config{Pin: 13})
	out.Write(1400)

	drv.failNext = errors.New("bus error")
	if err := out.Write(1800); err == nil {
		t.Fatal("expected write error")
	}
	if out.Last() != 1400 {
		t.Errorf("Last() = %d, want 1400 after failed write", out.Last())
	}
}
