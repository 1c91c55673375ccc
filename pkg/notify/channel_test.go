package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu          sync.Mutex
	fresh       int
	forced      int
	token       string
	rejectFresh bool
}

func (f *fakeTokens) FreshToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fresh++
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	f.token = "forced-" + f.token
	return f.token, nil
}

func (f *fakeTokens) counts() (fresh, forced int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fresh, f.forced
}

type fakeSnapshots struct {
	mu      sync.Mutex
	calls   int
	records []Notification
}

func (f *fakeSnapshots) RecentNotifications(_ context.Context, take int) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if take < len(f.records) {
		return f.records[:take], nil
	}
	return f.records, nil
}

// pushServer upgrades each request and feeds envelopes through a per-conn
// channel, recording bearer tokens seen at the handshake.
type pushServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	tokens []string
	conns  []*websocket.Conn
}

func (p *pushServer) handler(reject401First *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reject401First != nil && reject401First.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		p.mu.Lock()
		p.tokens = append(p.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		p.mu.Unlock()

		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()

		// Keep the connection open; ignore client traffic (joins, pings).
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (p *pushServer) push(i int, n Notification) {
	p.mu.Lock()
	conn := p.conns[i]
	p.mu.Unlock()

	data, err := json.Marshal(n)
	require.NoError(p.t, err)
	require.NoError(p.t, conn.WriteJSON(envelope{Event: EventNotification, Data: data}))
}

func (p *pushServer) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestChannelDeliversPushedNotifications(t *testing.T) {
	t.Parallel()

	push := &pushServer{t: t}
	srv := httptest.NewServer(push.handler(nil))
	defer srv.Close()

	store := NewStore(nil)
	tokens := &fakeTokens{token: "tok"}
	snapshots := &fakeSnapshots{records: []Notification{record(1, time.Now().Add(-time.Hour))}}

	client := NewChannelClient(wsURL(srv), tokens, snapshots, store, nil)
	var toasts atomic.Int32
	client.OnToast = func(Notification) { toasts.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	// Snapshot seeds the store on open.
	waitUntil(t, func() bool { return len(store.State().Items) == 1 })

	push.push(0, record(2, time.Now()))
	waitUntil(t, func() bool { return len(store.State().Items) == 2 })

	require.Equal(t, []int64{2, 1}, storeIDs(store))
	require.EqualValues(t, 1, toasts.Load())

	// The handshake carried the bearer token.
	require.Equal(t, []string{"tok"}, push.tokens)
}

func TestChannelReconnectsAndReseedsAfterDrop(t *testing.T) {
	t.Parallel()

	push := &pushServer{t: t}
	srv := httptest.NewServer(push.handler(nil))
	defer srv.Close()

	store := NewStore(nil)
	tokens := &fakeTokens{token: "tok"}
	snapshots := &fakeSnapshots{}

	client := NewChannelClient(wsURL(srv), tokens, snapshots, store, nil)
	client.Schedule = []time.Duration{0, 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	waitUntil(t, func() bool { return push.connCount() == 1 })

	// Unexpected server-side close.
	push.mu.Lock()
	push.conns[0].Close()
	push.mu.Unlock()

	waitUntil(t, func() bool { return push.connCount() == 2 })

	// Every attempt asked for a verified-fresh token and re-requested the
	// snapshot: the store self-heals against events missed while down.
	fresh, _ := tokens.counts()
	require.GreaterOrEqual(t, fresh, 2)

	snapshots.mu.Lock()
	calls := snapshots.calls
	snapshots.mu.Unlock()
	require.GreaterOrEqual(t, calls, 2)
}

func TestChannelAuthFailureForcesRefreshBeforeRetry(t *testing.T) {
	t.Parallel()

	var reject atomic.Bool
	reject.Store(true)

	push := &pushServer{t: t}
	srv := httptest.NewServer(push.handler(&reject))
	defer srv.Close()

	store := NewStore(nil)
	tokens := &fakeTokens{token: "stale"}
	client := NewChannelClient(wsURL(srv), tokens, &fakeSnapshots{}, store, nil)
	// A prohibitive backoff: the retry only lands in time if it goes out
	// immediately after the forced refresh.
	client.Schedule = []time.Duration{0, time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	waitUntil(t, func() bool { return push.connCount() == 1 })

	_, forced := tokens.counts()
	require.Equal(t, 1, forced)

	// The retry presented the refreshed token, not the stale one.
	push.mu.Lock()
	presented := push.tokens[0]
	push.mu.Unlock()
	require.Equal(t, "forced-stale", presented)
}

func TestChannelBackoffSchedule(t *testing.T) {
	t.Parallel()

	client := NewChannelClient("ws://unused", &fakeTokens{}, &fakeSnapshots{}, NewStore(nil), nil)

	var got []time.Duration
	for attempt := 0; attempt < 6; attempt++ {
		got = append(got, client.delay(attempt))
	}

	// Bounded and non-increasing after the cap.
	require.Equal(t, []time.Duration{
		0,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, got)
}

func TestChannelCloseStopsRun(t *testing.T) {
	t.Parallel()

	// Nothing listens here; the client would otherwise retry forever.
	client := NewChannelClient("ws://127.0.0.1:1", &fakeTokens{}, &fakeSnapshots{}, NewStore(nil), nil)
	client.Schedule = []time.Duration{0, time.Hour}

	done := make(chan struct{})
	go func() {
		client.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}
