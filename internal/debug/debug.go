package debug

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (startup, channel layout, shutdown)
	LevelLive    = 2 // Live info (every shaped pulse)
	LevelVerbose = 3 // Verbose (policy details, setup steps)
	LevelTrace   = 4 // Trace (raw edges, GPIO commands)
)

var (
	level  atomic.Int32
	logger atomic.Pointer[zap.SugaredLogger]

	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (startup, channel layout, shutdown)
// 2 = live info (every pulse emitted to an actuator)
// 3 = verbose (policy parameters, setup steps)
// 4 = trace (edges and GPIO commands, very noisy at 50Hz per channel)
func Init(debugLevel int) {
	level.Store(int32(debugLevel))
	outMu.Lock()
	w := out
	outMu.Unlock()
	if debugLevel > LevelOff {
		logger.Store(newLogger(w))
	} else {
		logger.Store(nil)
	}
}

// SetOutput redirects debug output (e.g. to stdout and the telemetry stream).
func SetOutput(w io.Writer) {
	outMu.Lock()
	out = w
	outMu.Unlock()
	if Level() > LevelOff {
		logger.Store(newLogger(w))
	}
}

// Sync flushes buffered log entries.
func Sync() {
	if l := logger.Load(); l != nil {
		_ = l.Sync()
	}
}

func newLogger(w io.Writer) *zap.SugaredLogger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = "t"
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core).Named("RCPass").Sugar()
}

// Level returns the current debug level.
func Level() int {
	return int(level.Load())
}

func at(minLevel int) *zap.SugaredLogger {
	if Level() < minLevel {
		return nil
	}
	return logger.Load()
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l := at(LevelInfo); l != nil {
		l.Infof(format, args...)
	}
}

// Summary prints an important banner (level 1).
func Summary(title string) {
	if l := at(LevelInfo); l != nil {
		l.Info("═══════════════════════════════════════")
		l.Infof("  %s", title)
		l.Info("═══════════════════════════════════════")
	}
}

// Channel prints the wiring of one channel (level 1).
func Channel(role string, inputPin, outputPin int, policy string) {
	if l := at(LevelInfo); l != nil {
		l.Infow("channel", "role", role, "in", inputPin, "out", outputPin, "policy", policy)
	}
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	if l := at(LevelInfo); l != nil {
		l.Infof("  %s = %v", name, value)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l := at(LevelLive); l != nil {
		l.Infof(format, args...)
	}
}

// Pulse prints a shaped pulse on its way to an actuator (level 2).
func Pulse(role string, raw, shaped int) {
	if l := at(LevelLive); l != nil {
		l.Infow("pulse", "channel", role, "raw_us", raw, "out_us", shaped)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l := at(LevelVerbose); l != nil {
		l.Debugf(format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l := at(LevelVerbose); l != nil {
		l.Debugf("%s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l := at(LevelVerbose); l != nil {
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Debugf("  %s", name)
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l := at(LevelVerbose); l != nil {
		l.Debugf("Step %d: %s", num, description)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	if l := at(LevelTrace); l != nil {
		l.Debugf(format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l := at(LevelTrace); l != nil {
		l.Debugw("gpio", "op", operation, "pin", pin, "value", value)
	}
}

// Edge prints a raw edge notification (level 4).
func Edge(pin int, rising bool, tick uint32) {
	if l := at(LevelTrace); l != nil {
		l.Debugw("edge", "pin", pin, "rising", rising, "tick", tick)
	}
}

// --- General functions ---

// Warn prints a warning (level 1+).
func Warn(format string, args ...interface{}) {
	if l := at(LevelInfo); l != nil {
		l.Warnf(format, args...)
	}
}

// Error prints a debug error (level 1+).
func Error(err error) {
	if l := at(LevelInfo); l != nil {
		l.Error(err)
	}
}
