package pantmig

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Rosenorn-Solutions/pantmig-go/pkg/broadcast"
	"github.com/Rosenorn-Solutions/pantmig-go/pkg/credstore"
)

// peerRefreshWindow is how recently another context must have announced
// RefreshStarted for us to wait on its result instead of racing it.
const peerRefreshWindow = 10 * time.Second

// peerWaitTimeout bounds how long we wait for that result before refreshing
// ourselves anyway.
const peerWaitTimeout = 5 * time.Second

// Refresher performs the refresh-token exchange. At most one network refresh
// is in flight per process: concurrent callers coalesce onto the same
// outcome. Failures never escape as panics; callers get an error and decide
// locally whether it is fatal.
type Refresher struct {
	api   *Client
	store credstore.Store
	bus   broadcast.Broadcaster
	log   *slog.Logger

	group      singleflight.Group
	generation atomic.Int64

	// onTokens is the local session manager's listener, invoked after a
	// successful refresh has been persisted.
	onTokens func(*AuthResponse)

	mu              sync.Mutex
	remoteRefreshAt time.Time

	unsubscribe func()
}

// NewRefresher wires a refresher against the API, the shared credential
// store and the cross-context broadcaster.
func NewRefresher(api *Client, store credstore.Store, bus broadcast.Broadcaster, log *slog.Logger) *Refresher {
	if log == nil {
		log = slog.Default()
	}

	r := &Refresher{
		api:   api,
		store: store,
		bus:   bus,
		log:   log,
	}

	r.unsubscribe = bus.Subscribe(func(msg broadcast.Message) {
		if msg.Origin == bus.Origin() {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		switch msg.Kind {
		case broadcast.KindRefreshStarted:
			r.remoteRefreshAt = time.Now()
		case broadcast.KindTokensUpdated, broadcast.KindLogout:
			r.remoteRefreshAt = time.Time{}
		}
	})

	return r
}

// Refresh exchanges the persisted refresh token for a new token pair. All
// concurrent callers receive the same result. On failure the persisted
// tokens are cleared and an error returned; the caller owns any logout
// decision.
func (r *Refresher) Refresh(ctx context.Context) (*AuthResponse, error) {
	gen := r.generation.Load()

	// singleflight releases the in-flight marker whatever happens inside,
	// so a failed exchange can never wedge future attempts.
	v, err, _ := r.group.Do("refresh", func() (any, error) {
		return r.refresh(ctx, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuthResponse), nil
}

func (r *Refresher) refresh(ctx context.Context, gen int64) (*AuthResponse, error) {
	tokens, err := r.store.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if tokens.RefreshToken == "" {
		return nil, ErrNotAuthenticated
	}

	// If another context just announced a refresh, wait briefly for its
	// result rather than racing it with a second exchange.
	if r.peerRefreshing() {
		if msg := broadcast.WaitFor(ctx, r.bus, broadcast.KindTokensUpdated, peerWaitTimeout); msg != nil && msg.Tokens != nil {
			r.log.Debug("adopted token refresh from peer context", "origin", msg.Origin)
			return &AuthResponse{
				AccessToken:           msg.Tokens.AccessToken,
				RefreshToken:          msg.Tokens.RefreshToken,
				AccessTokenExpiration: msg.Tokens.ExpiresAt,
			}, nil
		}
	}

	r.bus.Publish(broadcast.Message{Kind: broadcast.KindRefreshStarted})

	auth, err := r.api.RefreshTokens(ctx, tokens.AccessToken, tokens.RefreshToken)
	if err != nil {
		// A dead refresh token is not coming back; clear the persisted
		// pair so no context keeps retrying with it. Skipped when a
		// logout already cleared the store out from under us.
		if r.generation.Load() == gen {
			if clearErr := r.store.SetTokens(ctx, credstore.Tokens{}); clearErr != nil {
				r.log.Debug("failed to clear credentials after refresh failure", "error", clearErr)
			}
		}
		return nil, fmt.Errorf("token refresh: %w", err)
	}

	// A logout that raced the exchange wins: its store clear must not be
	// overwritten by this late result.
	if r.generation.Load() != gen {
		return nil, ErrRefreshSuperseded
	}

	expiry := tokenExpiry(auth)
	auth.AccessTokenExpiration = expiry

	if err := r.store.SetTokens(ctx, credstore.Tokens{
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
		ExpiresAt:    expiry,
	}); err != nil {
		return nil, fmt.Errorf("persist refreshed credentials: %w", err)
	}

	if r.onTokens != nil {
		r.onTokens(auth)
	}

	r.bus.Publish(broadcast.Message{
		Kind: broadcast.KindTokensUpdated,
		Tokens: &broadcast.TokenPayload{
			AccessToken:  auth.AccessToken,
			RefreshToken: auth.RefreshToken,
			ExpiresAt:    expiry,
		},
	})

	return auth, nil
}

// Invalidate marks the current session generation dead. A refresh resolving
// after this point is discarded instead of repopulating the store.
func (r *Refresher) Invalidate() {
	r.generation.Add(1)
}

// Close detaches the refresher from the broadcaster.
func (r *Refresher) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

func (r *Refresher) peerRefreshing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.remoteRefreshAt.IsZero() && time.Since(r.remoteRefreshAt) < peerRefreshWindow
}
