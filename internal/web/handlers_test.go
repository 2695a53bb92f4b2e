package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/RCPass/internal/logic/channel"
	"github.com/cjeanneret/RCPass/internal/logic/engine"
	"github.com/cjeanneret/RCPass/internal/logic/shaping"
	"github.com/cjeanneret/RCPass/internal/logic/timing"
)

// ---------- Handler helpers ----------

func testSnapshot() engine.Status {
	return engine.Status{
		RunID: "3f0c2a52-8f1e-4c55-9d0e-1a2b3c4d5e6f",
		State: engine.Running,
		Range: shaping.DefaultRange,
		Channels: []channel.Stats{
			{Role: timing.Throttle, Policy: shaping.KindIdentity, Pulses: 12, LastRaw: 1500, LastOut: 1500},
			{Role: timing.Steering, Policy: shaping.KindExponential, Pulses: 12, LastRaw: 1600, LastOut: 1760},
		},
	}
}

func newTestHandlers(snapshot SnapshotFunc) *Handlers {
	return NewHandlers(NewStatusBroadcaster(), snapshot)
}

// ---------- HandleStatus ----------

func TestHandleStatus(t *testing.T) {
	h := newTestHandlers(testSnapshot)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		RunID    string `json:"run_id"`
		State    string `json:"state"`
		Channels []struct {
			Role    string `json:"role"`
			Policy  string `json:"policy"`
			LastOut int    `json:"last_out_us"`
		} `json:"channels"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "running" {
		t.Errorf("state = %q, want \"running\"", body.State)
	}
	if len(body.Channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(body.Channels))
	}
	if body.Channels[1].Role != "steering" || body.Channels[1].Policy != "exponential" || body.Channels[1].LastOut != 1760 {
		t.Errorf("steering = %+v", body.Channels[1])
	}
}

func TestHandleStatus_NoEngine(t *testing.T) {
	h := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- Routes ----------

func TestMux_Routes(t *testing.T) {
	srv := NewServer(":0", NewStatusBroadcaster(), testSnapshot)
	mux := srv.Mux()

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodPost, "/status", http.StatusMethodNotAllowed},
		{http.MethodPost, "/run", http.StatusNotFound},
		{http.MethodGet, "/", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

// ---------- HandleStatusStream ----------

func TestHandleStatusStream(t *testing.T) {
	b := NewStatusBroadcaster()
	b.SetPulseInterval(0)
	h := NewHandlers(b, testSnapshot)
	ts := httptest.NewServer(http.HandlerFunc(h.HandleStatusStream))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q, %v; want the connected comment", line, err)
	}

	// the subscription is registered before the comment is flushed
	b.BroadcastPulse(timing.Steering, 1600, 1760)

	for {
		line, err = r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var evt StatusEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if evt.Kind != KindPulse || evt.Out != 1760 {
		t.Errorf("event = %+v, want steering pulse 1760", evt)
	}
}

// ---------- Server ----------

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), NewStatusBroadcaster(), testSnapshot)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RunBadAddress(t *testing.T) {
	srv := NewServer("256.0.0.1:bad", NewStatusBroadcaster(), nil)
	if err := srv.Run(context.Background()); err == nil {
		t.Error("expected listen error, got nil")
	}
}
