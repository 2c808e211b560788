package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/realtime"
)

type fakeConn struct {
	mu           sync.Mutex
	connectErr   error
	subscribeErr error
	token        string
	subscribed   []realtime.SubscriptionRequest
	disconnects  int
	connection   map[uuid.UUID]func(realtime.ConnectionEvent)
	data         map[uuid.UUID]func(realtime.Message)
	other        map[uuid.UUID]func(realtime.Message)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		connection: make(map[uuid.UUID]func(realtime.ConnectionEvent)),
		data:       make(map[uuid.UUID]func(realtime.Message)),
		other:      make(map[uuid.UUID]func(realtime.Message)),
	}
}

func (f *fakeConn) Connect(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	return f.connectErr
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeConn) Subscribe(_ context.Context, req realtime.SubscriptionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, req)
	return f.subscribeErr
}

func (f *fakeConn) OnConnection(fn func(realtime.ConnectionEvent)) realtime.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.connection[id] = fn
	return realtime.Listener{Kind: realtime.EventConnection, ID: id}
}

func (f *fakeConn) OnData(fn func(realtime.Message)) realtime.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.data[id] = fn
	return realtime.Listener{Kind: realtime.EventData, ID: id}
}

func (f *fakeConn) OnSubscription(fn func(realtime.Message)) realtime.Listener {
	return f.addOther(realtime.EventSubscription, fn)
}

func (f *fakeConn) OnError(fn func(realtime.Message)) realtime.Listener {
	return f.addOther(realtime.EventError, fn)
}

func (f *fakeConn) addOther(kind realtime.EventKind, fn func(realtime.Message)) realtime.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.other[id] = fn
	return realtime.Listener{Kind: kind, ID: id}
}

func (f *fakeConn) Off(l realtime.Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, a := f.connection[l.ID]
	_, b := f.data[l.ID]
	_, c := f.other[l.ID]
	delete(f.connection, l.ID)
	delete(f.data, l.ID)
	delete(f.other, l.ID)
	return a || b || c
}

func (f *fakeConn) Stats() realtime.Stats {
	return realtime.Stats{}
}

func (f *fakeConn) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connection) + len(f.data) + len(f.other)
}

func (f *fakeConn) emitData(msg realtime.Message) {
	f.mu.Lock()
	var fns []func(realtime.Message)
	for _, fn := range f.data {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (f *fakeConn) emitConnection(ev realtime.ConnectionEvent) {
	f.mu.Lock()
	var fns []func(realtime.ConnectionEvent)
	for _, fn := range f.connection {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeConn) lastSubscribe() (realtime.SubscriptionRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribed) == 0 {
		return realtime.SubscriptionRequest{}, false
	}
	return f.subscribed[len(f.subscribed)-1], true
}

func (f *fakeConn) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeQuota struct {
	denied   map[string]bool
	failing  map[string]bool
	channels []string
	quotaErr error
}

func (f *fakeQuota) GetUserQuota(_ context.Context, userID string) (*api.UserQuotaResponse, error) {
	if f.quotaErr != nil {
		return nil, f.quotaErr
	}
	return &api.UserQuotaResponse{UserID: userID, Tier: "free"}, nil
}

func (f *fakeQuota) PreCheckSubscription(_ context.Context, symbol, channel string) (*api.PreCheckResponse, error) {
	f.channels = append(f.channels, channel)
	if f.failing[symbol] {
		return nil, &api.APIError{StatusCode: 503, Message: "unavailable"}
	}
	return &api.PreCheckResponse{Allowed: !f.denied[symbol], Symbol: symbol}, nil
}

// syncBuffer lets the test read output while the printer writes it.
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

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_StreamsUntilCancelled(t *testing.T) {
	conn := newFakeConn()
	out := &syncBuffer{}
	s := newSession(conn, &fakeQuota{}, auth.Credentials{Token: "tok"}, nil, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.run(ctx, sessionOptions{Symbols: []string{"AAPL", "MSFT"}, Types: []string{"price"}})
	}()

	waitFor(t, func() bool { _, ok := conn.lastSubscribe(); return ok })

	req, _ := conn.lastSubscribe()
	assert.Equal(t, []string{"AAPL", "MSFT"}, req.Symbols)
	assert.Equal(t, []string{"price"}, req.DataTypes)

	conn.emitData(realtime.Message{
		Type:     realtime.TypeDataUpdate,
		Symbol:   "AAPL",
		DataType: "price",
		Data:     json.RawMessage(`{"price": 190}`),
	})
	waitFor(t, func() bool { return strings.Contains(out.String(), "AAPL") })

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	assert.Contains(t, out.String(), "190.00")
	assert.Equal(t, "tok", conn.token)
	assert.Equal(t, 1, conn.disconnectCount())
	assert.Zero(t, conn.listeners(), "listeners are removed when run returns")
}

func TestSession_ExhaustedEndsRun(t *testing.T) {
	conn := newFakeConn()
	s := newSession(conn, &fakeQuota{}, auth.Credentials{}, nil, &syncBuffer{})

	done := make(chan error, 1)
	go func() {
		done <- s.run(context.Background(), sessionOptions{Symbols: []string{"AAPL"}, Types: []string{"price"}})
	}()

	waitFor(t, func() bool { _, ok := conn.lastSubscribe(); return ok })

	// A recoverable error does not end the session.
	conn.emitConnection(realtime.ConnectionEvent{State: realtime.StateError, Err: errors.New("dial refused")})
	conn.emitConnection(realtime.ConnectionEvent{State: realtime.StateError, Err: realtime.ErrReconnectExhausted})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, realtime.ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after exhaustion")
	}
}

func TestSession_ConnectError(t *testing.T) {
	conn := newFakeConn()
	conn.connectErr = realtime.ErrConnectTimeout
	s := newSession(conn, &fakeQuota{}, auth.Credentials{}, nil, &syncBuffer{})

	err := s.run(context.Background(), sessionOptions{Symbols: []string{"AAPL"}, Types: []string{"price"}})
	assert.ErrorIs(t, err, realtime.ErrConnectTimeout)

	_, subscribed := conn.lastSubscribe()
	assert.False(t, subscribed)
}

func TestSession_SubscribeError(t *testing.T) {
	conn := newFakeConn()
	conn.subscribeErr = realtime.ErrNotConnected
	s := newSession(conn, &fakeQuota{}, auth.Credentials{}, nil, &syncBuffer{})

	err := s.run(context.Background(), sessionOptions{Symbols: []string{"AAPL"}, Types: []string{"price"}})
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.Equal(t, 1, conn.disconnectCount())
}

func TestSession_Precheck(t *testing.T) {
	quota := &fakeQuota{
		denied:  map[string]bool{"MSFT": true},
		failing: map[string]bool{"NVDA": true},
	}
	s := newSession(newFakeConn(), quota, auth.Credentials{}, nil, &syncBuffer{})

	got := s.precheck(context.Background(), []string{"AAPL", "MSFT", "NVDA"}, []string{"trades", "price"})

	assert.Equal(t, []string{"AAPL", "NVDA"}, got, "denied symbols are dropped, failed checks are kept")
	assert.Equal(t, []string{"trades", "trades", "trades"}, quota.channels)
}

func TestSession_PrecheckDeniesAll(t *testing.T) {
	conn := newFakeConn()
	quota := &fakeQuota{denied: map[string]bool{"AAPL": true}}
	s := newSession(conn, quota, auth.Credentials{}, nil, &syncBuffer{})

	err := s.run(context.Background(), sessionOptions{Symbols: []string{"AAPL"}, Types: []string{"price"}, Precheck: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no symbols")

	_, subscribed := conn.lastSubscribe()
	assert.False(t, subscribed)
	assert.Equal(t, 1, conn.disconnectCount())
}

func TestSession_QuotaLookupFailureIsNotFatal(t *testing.T) {
	conn := newFakeConn()
	quota := &fakeQuota{quotaErr: errors.New("boom")}
	s := newSession(conn, quota, auth.Credentials{UserID: "u-1"}, nil, &syncBuffer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.run(ctx, sessionOptions{Symbols: []string{"AAPL"}, Types: []string{"price"}})
	}()

	waitFor(t, func() bool { _, ok := conn.lastSubscribe(); return ok })
	cancel()
	require.NoError(t, <-done)
}
