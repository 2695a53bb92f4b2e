package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/RCPass/internal/logic/channel"
	"github.com/cjeanneret/RCPass/internal/logic/timing"
)

// Event kinds carried on the status stream.
const (
	KindLog   = "log"
	KindPulse = "pulse"
)

// DefaultPulseInterval is the minimum spacing of pulse events per channel.
// Receivers send 50 frames a second; clients only need a readable trace.
const DefaultPulseInterval = 100 * time.Millisecond

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time    string `json:"t"`
	Kind    string `json:"k"`
	Level   string `json:"l,omitempty"`
	Msg     string `json:"msg,omitempty"`
	Channel string `json:"ch,omitempty"`
	Raw     int    `json:"raw,omitempty"`
	Out     int    `json:"out,omitempty"`
}

// StatusBroadcaster distributes log lines and output pulses to SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}

	pulseMu       sync.Mutex
	pulseInterval time.Duration
	lastPulse     map[timing.Role]time.Time
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients:       make(map[chan string]struct{}),
		pulseInterval: DefaultPulseInterval,
		lastPulse:     make(map[timing.Role]time.Time),
	}
}

// SetPulseInterval changes the per-channel pulse sampling. 0 forwards every pulse.
func (b *StatusBroadcaster) SetPulseInterval(d time.Duration) {
	b.pulseMu.Lock()
	b.pulseInterval = d
	b.pulseMu.Unlock()
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of connected subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339Nano)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// slow client, drop
		}
	}
}

// Broadcast sends a log line to all subscribed clients.
// Messages are sent as JSON: {"t":"...","k":"log","l":"info","msg":"..."}
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Kind: KindLog, Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastPulse sends one output pulse, subject to the per-channel interval.
// It reports whether the pulse was forwarded.
func (b *StatusBroadcaster) BroadcastPulse(role timing.Role, raw, out int) bool {
	now := time.Now()
	b.pulseMu.Lock()
	if last, ok := b.lastPulse[role]; ok && now.Sub(last) < b.pulseInterval {
		b.pulseMu.Unlock()
		return false
	}
	b.lastPulse[role] = now
	b.pulseMu.Unlock()

	b.publish(StatusEvent{Kind: KindPulse, Channel: string(role), Raw: raw, Out: out})
	return true
}

// Observer adapts the broadcaster to the engine's pulse hook.
func (b *StatusBroadcaster) Observer() channel.Observer {
	return func(role timing.Role, raw, shaped int) {
		b.BroadcastPulse(role, raw, shaped)
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.BroadcastMsg(msg)
		}
	}
	return len(p), nil
}
