package gpio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cjeanneret/RCPass/internal/debug"
)

// pigpio socket command numbers.
const (
	pigCmdModes = 0
	pigCmdServo = 8
	pigCmdBR1   = 10
	pigCmdNB    = 19
	pigCmdNC    = 21
	pigCmdNOIB  = 99
)

const (
	pigModeInput  = 0
	pigModeOutput = 1

	pigMinServo = 500
	pigMaxServo = 2500

	pigMaxUserGPIO = 31

	pigReportSize = 12
)

// DefaultPigpiodAddress is where pigpiod listens unless started with -p.
const DefaultPigpiodAddress = "localhost:8888"

// PigpioError is a negative status returned by the daemon.
type PigpioError struct {
	Cmd  uint32
	Code int32
}

func (e *PigpioError) Error() string {
	return fmt.Sprintf("pigpio: command %d failed with status %d", e.Cmd, e.Code)
}

// PigpiodDriver talks to a running pigpio daemon over its socket interface.
// Commands go over one connection; level change reports stream over a second
// connection opened as an in-band notification handle. Ticks come from the
// daemon and wrap at 2^32 µs.
type PigpiodDriver struct {
	cmdMu sync.Mutex
	cmd   net.Conn

	notify net.Conn
	handle uint32

	mu        sync.Mutex
	watches   map[int]*pigpiodWatch
	bits      uint32
	lastLevel uint32
	closed    bool

	done chan struct{}
}

type pigpiodWatch struct {
	d   *PigpiodDriver
	pin int
	h   EdgeHandler
}

// DialPigpiod connects to the daemon, opens a notification handle and starts
// the report reader. An unreachable daemon is reported as an error.
func DialPigpiod(addr string, timeout time.Duration) (*PigpiodDriver, error) {
	if addr == "" {
		addr = DefaultPigpiodAddress
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	debug.Info("Connecting to pigpio daemon at %s", addr)

	cmd, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect to pigpio daemon at %s: %w", addr, err)
	}
	notify, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		cmd.Close()
		return nil, fmt.Errorf("could not open notification socket at %s: %w", addr, err)
	}

	d := &PigpiodDriver{
		cmd:     cmd,
		notify:  notify,
		watches: make(map[int]*pigpiodWatch),
		done:    make(chan struct{}),
	}

	handle, err := exchange(notify, pigCmdNOIB, 0, 0)
	if err == nil {
		err = checkStatus(pigCmdNOIB, handle)
	}
	if err != nil {
		cmd.Close()
		notify.Close()
		return nil, fmt.Errorf("open notification handle: %w", err)
	}
	d.handle = handle

	levels, err := d.command(pigCmdBR1, 0, 0)
	if err != nil {
		cmd.Close()
		notify.Close()
		return nil, fmt.Errorf("read gpio levels: %w", err)
	}
	d.lastLevel = levels

	debug.Verbose("pigpiod notification handle %d, levels %#08x", handle, levels)

	go d.readReports()
	return d, nil
}

// exchange sends one 16-byte command and returns the raw result field.
func exchange(c net.Conn, cmd, p1, p2 uint32) (uint32, error) {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], cmd)
	binary.LittleEndian.PutUint32(buf[4:], p1)
	binary.LittleEndian.PutUint32(buf[8:], p2)
	if _, err := c.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("send command %d: %w", cmd, err)
	}
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return 0, fmt.Errorf("read reply to command %d: %w", cmd, err)
	}
	return binary.LittleEndian.Uint32(buf[12:]), nil
}

func checkStatus(cmd, res uint32) error {
	if code := int32(res); code < 0 {
		return &PigpioError{Cmd: cmd, Code: code}
	}
	return nil
}

// command runs a command on the command socket. BR1 returns a bit mask, so
// its result is never interpreted as a status.
func (d *PigpiodDriver) command(cmd, p1, p2 uint32) (uint32, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	res, err := exchange(d.cmd, cmd, p1, p2)
	if err != nil {
		return 0, err
	}
	if cmd != pigCmdBR1 {
		if err := checkStatus(cmd, res); err != nil {
			return 0, err
		}
	}
	return res, nil
}

func validUserPin(pin int) error {
	if pin < 0 || pin > pigMaxUserGPIO {
		return fmt.Errorf("pin %d outside bank 1 (0-%d)", pin, pigMaxUserGPIO)
	}
	return nil
}

func (d *PigpiodDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if err := validUserPin(pin); err != nil {
		return err
	}
	if d.isClosed() {
		return ErrClosed
	}

	var m uint32
	switch mode {
	case Input:
		m = pigModeInput
	case Output, PWMOutput:
		m = pigModeOutput
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	_, err := d.command(pigCmdModes, uint32(pin), m)
	return err
}

func (d *PigpiodDriver) SetPulseWidth(pin int, us int) error {
	debug.GPIO("SetPulseWidth", pin, us)
	if err := validUserPin(pin); err != nil {
		return err
	}
	if us != 0 && (us < pigMinServo || us > pigMaxServo) {
		return fmt.Errorf("pulse width %dµs outside %d-%dµs", us, pigMinServo, pigMaxServo)
	}
	if d.isClosed() {
		return ErrClosed
	}
	_, err := d.command(pigCmdServo, uint32(pin), uint32(us))
	return err
}

func (d *PigpiodDriver) WatchEdges(pin int, h EdgeHandler) (Watch, error) {
	debug.GPIO("WatchEdges", pin, nil)
	if err := validUserPin(pin); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if _, busy := d.watches[pin]; busy {
		return nil, fmt.Errorf("pin %d already watched", pin)
	}

	bits := d.bits | 1<<uint(pin)
	if _, err := d.command(pigCmdNB, d.handle, bits); err != nil {
		return nil, fmt.Errorf("start notifications for pin %d: %w", pin, err)
	}
	w := &pigpiodWatch{d: d, pin: pin, h: h}
	d.watches[pin] = w
	d.bits = bits
	return w, nil
}

func (w *pigpiodWatch) Cancel() error {
	d := w.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.watches[w.pin] != w {
		return nil
	}
	delete(d.watches, w.pin)
	d.bits &^= 1 << uint(w.pin)
	if _, err := d.command(pigCmdNB, d.handle, d.bits); err != nil {
		return fmt.Errorf("update notifications for pin %d: %w", w.pin, err)
	}
	return nil
}

// readReports decodes the notification stream until the socket closes.
func (d *PigpiodDriver) readReports() {
	defer close(d.done)

	var buf [pigReportSize]byte
	for {
		if _, err := io.ReadFull(d.notify, buf[:]); err != nil {
			if !d.isClosed() && !errors.Is(err, net.ErrClosed) {
				debug.Error(fmt.Errorf("pigpiod notification stream: %w", err))
			}
			return
		}
		flags := binary.LittleEndian.Uint16(buf[2:])
		tick := binary.LittleEndian.Uint32(buf[4:])
		level := binary.LittleEndian.Uint32(buf[8:])
		if flags != 0 {
			// watchdog, keep-alive and event reports carry no level change
			continue
		}
		d.dispatch(level, tick)
	}
}

func (d *PigpiodDriver) dispatch(level, tick uint32) {
	type firing struct {
		pin int
		h   EdgeHandler
	}

	d.mu.Lock()
	changed := (level ^ d.lastLevel) & d.bits
	d.lastLevel = level
	var fire []firing
	if changed != 0 {
		for pin, w := range d.watches {
			if changed&(1<<uint(pin)) != 0 {
				fire = append(fire, firing{pin: pin, h: w.h})
			}
		}
	}
	d.mu.Unlock()

	for _, f := range fire {
		f.h(f.pin, Level(level&(1<<uint(f.pin)) != 0), tick)
	}
}

func (d *PigpiodDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close releases the notification handle and both sockets.
func (d *PigpiodDriver) Close() error {
	debug.Trace("GPIO Close (pigpiod)")

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.watches = make(map[int]*pigpiodWatch)
	d.bits = 0
	d.mu.Unlock()

	_, ncErr := d.command(pigCmdNC, d.handle, 0)
	err := errors.Join(ncErr, d.notify.Close(), d.cmd.Close())
	<-d.done
	return err
}
