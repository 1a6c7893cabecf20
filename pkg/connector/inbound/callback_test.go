// Copyright 2024-2026 Aiku AI

package inbound

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// eventRecorder collects events delivered by a channel.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Handle(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Event, len(r.events))
	copy(cp, r.events)
	return cp
}

func startCallbackServer(t *testing.T, cfg CallbackConfig, handler Handler) *CallbackServer {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	s := NewCallbackServer(cfg, handler, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(data))
}

// TestCallbackServerDeliversEvent verifies a POSTed JSON object becomes one
// event and the vendor gets an empty object back.
func TestCallbackServerDeliversEvent(t *testing.T) {
	t.Parallel()
	rec := &eventRecorder{}
	s := startCallbackServer(t, CallbackConfig{Path: "events"}, rec.Handle)

	status, body := post(t, "http://"+s.Addr()+"/events", `{"messageType":"RECOGNIZE","data":{"ldid":"D1"}}`)
	if status != http.StatusOK {
		t.Fatalf("status: got %d, want 200", status)
	}
	if body != "{}" {
		t.Errorf("body: got %q, want {}", body)
	}

	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Payload["messageType"] != "RECOGNIZE" {
		t.Errorf("unexpected payload: %v", events[0].Payload)
	}
	if events[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
}

// TestCallbackServerRejectsOtherMethods verifies non-POST requests get an
// error body and no event is emitted.
func TestCallbackServerRejectsOtherMethods(t *testing.T) {
	t.Parallel()
	rec := &eventRecorder{}
	s := startCallbackServer(t, CallbackConfig{Path: "/events"}, rec.Handle)

	resp, err := http.Get("http://" + s.Addr() + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
	if !strings.Contains(string(body), "Method not allowed!") {
		t.Errorf("body: got %q", body)
	}
	if len(rec.Events()) != 0 {
		t.Error("GET should not emit an event")
	}
}

func TestCallbackServerRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	rec := &eventRecorder{}
	s := startCallbackServer(t, CallbackConfig{Path: "/events"}, rec.Handle)

	for _, body := range []string{"not json", "[1,2]", "null"} {
		status, _ := post(t, "http://"+s.Addr()+"/events", body)
		if status != http.StatusBadRequest {
			t.Errorf("body %q: status %d, want 400", body, status)
		}
	}
	if len(rec.Events()) != 0 {
		t.Error("invalid bodies should not emit events")
	}
}

func TestCallbackServerBodyTooLarge(t *testing.T) {
	t.Parallel()
	rec := &eventRecorder{}
	s := startCallbackServer(t, CallbackConfig{Path: "/events", MaxBodyBytes: 16}, rec.Handle)

	status, _ := post(t, "http://"+s.Addr()+"/events", `{"data":"`+strings.Repeat("x", 64)+`"}`)
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", status)
	}
}

// TestCallbackServerBindConflict verifies a taken address surfaces as a
// ChannelError.
func TestCallbackServerBindConflict(t *testing.T) {
	t.Parallel()
	first := startCallbackServer(t, CallbackConfig{Path: "/events"}, func(Event) {})
	second := NewCallbackServer(CallbackConfig{Host: "127.0.0.1", Port: portOf(t, first.Addr())}, func(Event) {}, zerolog.Nop())
	err := second.Start(context.Background())
	if err == nil {
		second.Stop()
		t.Fatal("expected bind error")
	}
	var chErr *ChannelError
	if !errors.As(err, &chErr) {
		t.Fatalf("expected *ChannelError, got %T: %v", err, err)
	}
	if chErr.Channel != "callback" {
		t.Errorf("channel: got %q", chErr.Channel)
	}
}

// TestCallbackServerRebindAfterStop verifies Stop releases the address so a
// reconnect can bind it again.
func TestCallbackServerRebindAfterStop(t *testing.T) {
	t.Parallel()
	s := NewCallbackServer(CallbackConfig{Host: "127.0.0.1", Path: "/events"}, func(Event) {}, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	port := portOf(t, s.Addr())
	s.Stop()
	s.Stop()
	if s.Addr() != "" {
		t.Error("Addr should be empty after Stop")
	}

	again := NewCallbackServer(CallbackConfig{Host: "127.0.0.1", Port: port, Path: "/events"}, func(Event) {}, zerolog.Nop())
	if err := again.Start(context.Background()); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}
	again.Stop()
}

// TestCallbackServerBoundedConcurrency verifies no more than MaxConcurrent
// callbacks are handled at the same time.
func TestCallbackServerBoundedConcurrency(t *testing.T) {
	t.Parallel()
	var active, peak atomic.Int32
	release := make(chan struct{})
	handler := func(Event) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
	}
	s := startCallbackServer(t, CallbackConfig{Path: "/events", MaxConcurrent: 2}, handler)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post("http://"+s.Addr()+"/events", "application/json", strings.NewReader(`{}`))
			if err == nil {
				resp.Body.Close()
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for active.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := active.Load(); got != 2 {
		t.Errorf("active handlers: got %d, want 2", got)
	}
	close(release)
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", got)
	}
}

func TestCallbackConfigRoute(t *testing.T) {
	t.Parallel()
	cases := map[string]string{"": "/", "events": "/events", "/events": "/events"}
	for in, want := range cases {
		if got := (CallbackConfig{Path: in}).route(); got != want {
			t.Errorf("route(%q): got %q, want %q", in, got, want)
		}
	}
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad addr %q: %v", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("bad port %q: %v", port, err)
	}
	return n
}
