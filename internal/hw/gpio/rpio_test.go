package gpio

import (
	"strings"
	"testing"
)

func TestPWMChannel(t *testing.T) {
	cases := []struct {
		pin  int
		ch   int
		isHW bool
	}{
		{12, 0, true},
		{18, 0, true},
		{13, 1, true},
		{19, 1, true},
		{23, 0, false},
	}
	for _, tc := range cases {
		ch, ok := PWMChannel(tc.pin)
		if ok != tc.isHW || (ok && ch != tc.ch) {
			t.Errorf("PWMChannel(%d) = %d, %v; want %d, %v", tc.pin, ch, ok, tc.ch, tc.isHW)
		}
	}
}

func TestRPiDriver_SharedPWMChannelRejected(t *testing.T) {
	r := &RPiDriver{owners: make(map[int]int)}

	if err := r.claimPWMLocked(12); err != nil {
		t.Fatalf("claim 12: %v", err)
	}
	err := r.claimPWMLocked(18)
	if err == nil {
		t.Fatal("pin 18 should be rejected while 12 drives PWM channel 0")
	}
	if !strings.Contains(err.Error(), "pin 12") {
		t.Errorf("error %q should name the owning pin", err)
	}

	// Other channel and re-claiming the same pin are fine.
	if err := r.claimPWMLocked(13); err != nil {
		t.Errorf("claim 13: %v", err)
	}
	if err := r.claimPWMLocked(12); err != nil {
		t.Errorf("re-claim 12: %v", err)
	}
	if err := r.claimPWMLocked(19); err == nil {
		t.Error("pin 19 should be rejected while 13 drives PWM channel 1")
	}
}

func TestRPiDriver_ReleaseFreesPWMChannel(t *testing.T) {
	r := &RPiDriver{owners: make(map[int]int)}
	if err := r.claimPWMLocked(12); err != nil {
		t.Fatal(err)
	}
	r.releasePWMLocked(18) // not the owner, no effect
	if err := r.claimPWMLocked(18); err == nil {
		t.Fatal("release by a non-owner must keep the channel reserved")
	}
	r.releasePWMLocked(12)
	if err := r.claimPWMLocked(18); err != nil {
		t.Errorf("claim 18 after release: %v", err)
	}
}

func TestRPiDriver_NonPWMPinRejected(t *testing.T) {
	r := &RPiDriver{owners: make(map[int]int)}
	if err := r.claimPWMLocked(23); err == nil {
		t.Error("pin 23 has no hardware PWM and should be rejected")
	}
}
