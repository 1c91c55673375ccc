package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names on the push channel. The server delivers every notification
// under the single "notification" event; "join" subscribes the connection to
// listing-scoped chat rooms, which share this connection's lifecycle.
const (
	EventNotification = "notification"
	EventJoin         = "join"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096

	// Reconnect attempts below this count are a routine network blip and
	// logged at debug only.
	warnAfterAttempts = 3
)

// DefaultSchedule is the reconnect backoff: immediate, 2s, 5s, then 10s
// repeating. The cap is fixed rather than growing because the expected
// failure mode is a transient blip, not server overload.
var DefaultSchedule = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// DefaultSnapshotSize bounds the recent-notification snapshot requested on
// every (re)connect.
const DefaultSnapshotSize = 50

// TokenSource supplies the channel with credentials. FreshToken must return a
// verified-fresh access token: a reconnect can happen long after the last
// REST call refreshed it, so a cached token cannot be trusted at dial time.
type TokenSource interface {
	FreshToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// SnapshotFetcher loads the bounded REST snapshot used to seed and repair the
// store after every connect.
type SnapshotFetcher interface {
	RecentNotifications(ctx context.Context, take int) ([]Notification, error)
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	ListingIDs []int64 `json:"listingIds"`
}

// ChannelClient maintains the persistent push connection. Per connection
// attempt it moves Connecting -> Open, and on unexpected close it reconnects
// on the bounded Schedule until Close or context cancellation.
type ChannelClient struct {
	url       string
	tokens    TokenSource
	snapshots SnapshotFetcher
	store     *Store
	log       *slog.Logger

	// Schedule overrides DefaultSchedule; the last entry repeats.
	Schedule []time.Duration

	// SnapshotSize overrides DefaultSnapshotSize.
	SnapshotSize int

	// OnToast, when set, is invoked for every pushed notification so the UI
	// can surface a transient toast. Reconnects never go through OnToast.
	OnToast func(Notification)

	// Rooms, when set, supplies the listing IDs whose chat rooms are joined
	// after every connect.
	Rooms func() []int64

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelClient wires a channel client against the given websocket URL.
// A nil logger falls back to slog.Default.
func NewChannelClient(url string, tokens TokenSource, snapshots SnapshotFetcher, store *Store, log *slog.Logger) *ChannelClient {
	if log == nil {
		log = slog.Default()
	}
	return &ChannelClient{
		url:       url,
		tokens:    tokens,
		snapshots: snapshots,
		store:     store,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Run connects and keeps the channel alive until ctx is cancelled or Close is
// called. It is intended to be run on its own goroutine.
func (c *ChannelClient) Run(ctx context.Context) {
	attempt := 0
	refreshed := false
	for {
		delay := c.delay(attempt)
		if refreshed {
			// The refreshed token deserves its retry now, not after the
			// generic backoff a transient network blip would get.
			delay = 0
			refreshed = false
		}
		if !c.wait(ctx, delay) {
			return
		}

		conn, authFailed, err := c.dial(ctx)
		if err != nil {
			// A stale token deterministically fails every attempt, so an
			// auth failure on the first attempt forces a refresh now
			// instead of burning through the generic backoff.
			if authFailed && attempt == 0 {
				if _, rerr := c.tokens.ForceRefresh(ctx); rerr != nil {
					c.log.Debug("forced token refresh failed", "error", rerr)
				} else {
					refreshed = true
				}
			}
			attempt++
			if attempt >= warnAfterAttempts {
				c.log.Warn("notification channel connect failed", "attempt", attempt, "error", err)
			} else {
				c.log.Debug("notification channel connect failed", "attempt", attempt, "error", err)
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		c.log.Debug("notification channel open", "url", c.url)

		c.seed(ctx)
		err = c.serve(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		c.log.Debug("notification channel dropped, reconnecting", "error", err)
	}
}

// Close tears down the connection and any pending reconnect wait. Idempotent.
func (c *ChannelClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// delay returns the backoff before the given attempt; the schedule's last
// entry repeats for every attempt past its end.
func (c *ChannelClient) delay(attempt int) time.Duration {
	schedule := c.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	return schedule[attempt]
}

// wait sleeps for d, returning false if the client shut down first.
func (c *ChannelClient) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

// dial authenticates and opens one connection attempt. authFailed reports
// whether the server rejected the credentials specifically.
func (c *ChannelClient) dial(ctx context.Context) (conn *websocket.Conn, authFailed bool, err error) {
	token, err := c.tokens.FreshToken(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire token: %w", err)
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, true, fmt.Errorf("channel auth rejected: %w", err)
		}
		return nil, false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, false, nil
}

func (c *ChannelClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// seed repairs the store from the REST snapshot and joins the chat rooms.
// Missing the snapshot is non-fatal; the next reconnect heals it.
func (c *ChannelClient) seed(ctx context.Context) {
	take := c.SnapshotSize
	if take <= 0 {
		take = DefaultSnapshotSize
	}

	records, err := c.snapshots.RecentNotifications(ctx, take)
	if err != nil {
		c.log.Debug("notification snapshot failed", "error", err)
	} else {
		c.store.ReplaceAll(records)
	}

	if c.Rooms != nil {
		if ids := c.Rooms(); len(ids) > 0 {
			if err := c.writeEvent(EventJoin, joinPayload{ListingIDs: ids}); err != nil {
				c.log.Debug("chat room join failed", "rooms", len(ids), "error", err)
			}
		}
	}
}

// serve reads pushed events until the connection drops, keeping it alive
// with client pings.
func (c *ChannelClient) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		c.handleEvent(env)
	}
}

func (c *ChannelClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-c.done:
			return
		}
	}
}

func (c *ChannelClient) handleEvent(env envelope) {
	switch env.Event {
	case EventNotification:
		var n Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			c.log.Debug("malformed notification event", "error", err)
			return
		}
		c.store.Add(n)
		if c.OnToast != nil {
			c.OnToast(n)
		}
	default:
		// Unknown events (chat traffic etc.) are not ours to handle.
	}
}

func (c *ChannelClient) writeEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(envelope{Event: event, Data: data})
}
