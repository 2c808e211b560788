package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/marketstream/internal/api"
)

// newGateway serves the quota endpoints. failQuota makes the quota
// endpoint return 500.
func newGateway(t *testing.T, failQuota *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws/auth/quota", func(w http.ResponseWriter, r *http.Request) {
		if failQuota != nil && failQuota.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"detail": "boom"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"user_id":     r.URL.Query().Get("user_id"),
			"tier":        "pro",
			"connections": map[string]int{"current": 1, "max": 5},
		})
	})
	mux.HandleFunc("/api/ws/auth/connections", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"user_id":           r.URL.Query().Get("user_id"),
			"total_connections": 1,
			"max_connections":   5,
			"connections": []map[string]any{
				{"connection_id": "c-1", "subscriptions": []string{"AAPL:price"}},
			},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestPoller_Poll(t *testing.T) {
	server := newGateway(t, nil)
	client := api.NewClient(server.URL, "", api.WithRetries(0, 0))

	var handled atomic.Int32
	handler := SnapshotHandlerFunc(func(s Snapshot) {
		handled.Add(1)
	})

	p := New(Config{Interval: time.Hour, Timeout: 5 * time.Second}, client, "user-1", handler, nil)

	if _, ok := p.Latest(); ok {
		t.Fatal("Latest reported a snapshot before any poll")
	}

	p.poll(context.Background())

	snap, ok := p.Latest()
	if !ok {
		t.Fatalf("Latest after poll = not ok, last error %q", snap.LastError)
	}
	if snap.Quota == nil || snap.Quota.Tier != "pro" || snap.Quota.Connections.Max != 5 {
		t.Errorf("Quota = %+v, want tier pro with max 5", snap.Quota)
	}
	if snap.Connections == nil || snap.Connections.TotalConnections != 1 {
		t.Errorf("Connections = %+v, want 1 connection", snap.Connections)
	}
	if snap.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", snap.UserID, "user-1")
	}
	if snap.Polls != 1 || snap.Errors != 0 {
		t.Errorf("Polls/Errors = %d/%d, want 1/0", snap.Polls, snap.Errors)
	}
	if snap.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
	if got := handled.Load(); got != 1 {
		t.Errorf("handler called %d times, want 1", got)
	}
}

func TestPoller_FailureKeepsPrevious(t *testing.T) {
	var fail atomic.Bool
	server := newGateway(t, &fail)
	client := api.NewClient(server.URL, "", api.WithRetries(0, 0))

	p := New(Config{Interval: time.Hour, Timeout: 5 * time.Second}, client, "user-1", nil, nil)

	p.poll(context.Background())
	first, _ := p.Latest()

	fail.Store(true)
	p.poll(context.Background())

	snap, ok := p.Latest()
	if !ok {
		t.Fatal("Latest = not ok after an earlier success")
	}
	if snap.Errors != 1 || snap.Polls != 2 {
		t.Errorf("Polls/Errors = %d/%d, want 2/1", snap.Polls, snap.Errors)
	}
	if snap.LastError == "" {
		t.Error("LastError empty after a failed poll")
	}
	if snap.Quota == nil || snap.Quota.Tier != "pro" {
		t.Errorf("Quota = %+v, want previous value kept", snap.Quota)
	}
	if !snap.FetchedAt.Equal(first.FetchedAt) {
		t.Errorf("FetchedAt = %v, want unchanged %v", snap.FetchedAt, first.FetchedAt)
	}
}

func TestPoller_StartStop(t *testing.T) {
	server := newGateway(t, nil)
	client := api.NewClient(server.URL, "")

	var called atomic.Bool
	handler := SnapshotHandlerFunc(func(Snapshot) {
		called.Store(true)
	})

	p := New(Config{Interval: 100 * time.Millisecond, Timeout: 5 * time.Second}, client, "user-1", handler, nil)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for at least one poll.
	deadline := time.Now().Add(2 * time.Second)
	for !called.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if !called.Load() {
		t.Error("handler was never called")
	}
}

func TestPoller_StartRequiresUser(t *testing.T) {
	p := New(DefaultConfig(), nil, "", nil, nil)
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start with empty user id should fail")
	}
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{}, nil, "u", nil, nil)
	if p.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want %+v", p.cfg, DefaultConfig())
	}
}
