package pantmig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Rosenorn-Solutions/pantmig-go/pkg/broadcast"
	"github.com/Rosenorn-Solutions/pantmig-go/pkg/credstore"
)

// DefaultScheduleLead is how long before expiry the proactive refresh timer
// fires.
const DefaultScheduleLead = 60 * time.Second

// DefaultConnectLead is the freshness margin FreshToken requires before
// handing a token to the push channel.
const DefaultConnectLead = 30 * time.Second

// SessionManager owns the in-memory session state: user identity, token
// pair and expiry. It schedules proactive refresh, reacts to cross-context
// events and mirrors every mutation into the credential store.
type SessionManager struct {
	base  *Client
	api   *Client
	store credstore.Store
	bus   broadcast.Broadcaster
	log   *slog.Logger

	refresher *Refresher

	// RefreshLead overrides DefaultScheduleLead for the proactive timer.
	RefreshLead time.Duration

	// ConnectLead overrides DefaultConnectLead.
	ConnectLead time.Duration

	// OnSessionExpired, when set, is invoked once with a user-presentable
	// reason when the refresh token itself has died and the session is
	// being torn down.
	OnSessionExpired func(reason string)

	mu      sync.RWMutex
	session Session
	timer   *time.Timer

	unsubscribe func()
}

// NewSessionManager wires a session manager and its refresher against the
// API base URL, the shared credential store and the broadcaster.
func NewSessionManager(baseURL string, store credstore.Store, bus broadcast.Broadcaster, log *slog.Logger) *SessionManager {
	if log == nil {
		log = slog.Default()
	}

	base := NewClient(baseURL)
	refresher := NewRefresher(base, store, bus, log)

	m := &SessionManager{
		base:      base,
		api:       NewAuthenticatedClient(baseURL, &AuthTransport{Store: store, Refresher: refresher}),
		store:     store,
		bus:       bus,
		log:       log,
		refresher: refresher,
	}
	refresher.onTokens = m.onRefreshed
	m.unsubscribe = bus.Subscribe(m.handleBroadcast)

	return m
}

// API returns the authenticated client for general marketplace calls.
func (m *SessionManager) API() *Client { return m.api }

// Refresher exposes the token refresher for collaborators that trigger
// refresh directly.
func (m *SessionManager) Refresher() *Refresher { return m.refresher }

// Session returns a copy of the current session state.
func (m *SessionManager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Close detaches the manager from the broadcaster and cancels the proactive
// timer. It does not log out.
func (m *SessionManager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.refresher.Close()

	m.mu.Lock()
	m.stopTimerLocked()
	m.mu.Unlock()
}

// ============================================================================
// Login / Logout
// ============================================================================

// Login authenticates against the marketplace. An expected rejection comes
// back inside the result with a nil error so the caller can present
// ErrorMessage; a result carrying tokens has already been committed.
func (m *SessionManager) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	result, err := m.base.Login(ctx, LoginRequest{
		EmailOrUsername: identifier,
		Password:        password,
	})
	if err != nil {
		return nil, err
	}

	if result.AuthResponse != nil && result.AuthResponse.AccessToken != "" {
		if err := m.CommitAuth(ctx, result.AuthResponse); err != nil {
			return nil, err
		}
		m.log.Info("logged in", "user", result.AuthResponse.UserID)
	}

	return result, nil
}

// Logout tears the session down: the in-flight generation is invalidated so
// a late refresh cannot resurrect it, the timer is cancelled, the store is
// cleared and other contexts are told.
func (m *SessionManager) Logout(ctx context.Context) error {
	return m.logout(ctx, "", true)
}

func (m *SessionManager) logout(ctx context.Context, reason string, publish bool) error {
	m.refresher.Invalidate()

	m.mu.Lock()
	m.stopTimerLocked()
	m.session = Session{}
	m.mu.Unlock()

	err := m.store.Clear(ctx)

	if publish {
		m.bus.Publish(broadcast.Message{Kind: broadcast.KindLogout, Reason: reason})
	}
	m.log.Info("logged out", "reason", reason)

	return err
}

// ============================================================================
// Commit / Rehydrate
// ============================================================================

// CommitAuth persists a server auth payload and makes it the current
// session: role derived from the user-type code, birth date reduced to its
// date-only form, tokens and profile written to the store as a unit, and the
// proactive refresh timer re-armed against the new expiry.
func (m *SessionManager) CommitAuth(ctx context.Context, auth *AuthResponse) error {
	expiry := tokenExpiry(auth)

	profile := Profile{
		UserID:    auth.UserID,
		Email:     auth.Email,
		FirstName: auth.FirstName,
		LastName:  auth.LastName,
		Role:      roleFromUserType(auth.UserType),
		CityName:  auth.CityName,
		Gender:    auth.Gender,
		BirthDate: normalizeBirthDate(auth.BirthDate),
	}

	if err := m.store.SetTokens(ctx, credstore.Tokens{
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
		ExpiresAt:    expiry,
	}); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	if err := m.store.Set(ctx, credstore.KeyUser, profile.encode()); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}

	m.mu.Lock()
	m.session = Session{
		UserID:            profile.UserID,
		Email:             profile.Email,
		DisplayName:       profile.displayName(),
		Role:              profile.Role,
		AccessToken:       auth.AccessToken,
		RefreshToken:      auth.RefreshToken,
		AccessTokenExpiry: expiry,
	}
	m.scheduleRefreshLocked(expiry)
	m.mu.Unlock()

	return nil
}

// Rehydrate restores the session from the credential store at process start.
// A persisted token with no cached profile costs one /auth/me round trip;
// if that identity cannot be read the session is treated as invalid and torn
// down. A session that cannot name its user must never present as signed in.
func (m *SessionManager) Rehydrate(ctx context.Context) error {
	tokens, err := m.store.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return nil // signed out
	}

	raw, err := m.store.Get(ctx, credstore.KeyUser)
	if err == nil {
		if profile, decodeErr := decodeProfile(raw); decodeErr == nil {
			m.adopt(profile, tokens)
			m.log.Debug("session rehydrated from cache", "user", profile.UserID)
			return nil
		}
	} else if !errors.Is(err, credstore.ErrNotFound) {
		return fmt.Errorf("read profile: %w", err)
	}

	me, err := m.api.Me(ctx)
	if err != nil {
		_ = m.logout(ctx, "session could not be restored", true)
		return fmt.Errorf("identity rehydration: %w", err)
	}

	profile := Profile{
		UserID:    me.ID,
		Email:     me.Email,
		FirstName: me.FirstName,
		LastName:  me.LastName,
		CityName:  me.CityName,
		Gender:    me.Gender,
		BirthDate: normalizeBirthDate(me.BirthDate),
	}
	if err := m.store.Set(ctx, credstore.KeyUser, profile.encode()); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}

	// /auth/me may have gone through a reactive refresh; re-read the unit.
	if fresh, err := m.store.Tokens(ctx); err == nil {
		tokens = fresh
	}

	m.adopt(profile, tokens)
	m.log.Debug("session rehydrated from /auth/me", "user", profile.UserID)
	return nil
}

// adopt installs a profile+token pair as the current session and re-arms the
// proactive timer.
func (m *SessionManager) adopt(profile Profile, tokens credstore.Tokens) {
	m.mu.Lock()
	m.session = Session{
		UserID:            profile.UserID,
		Email:             profile.Email,
		DisplayName:       profile.displayName(),
		Role:              profile.Role,
		AccessToken:       tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		AccessTokenExpiry: tokens.ExpiresAt,
	}
	m.scheduleRefreshLocked(tokens.ExpiresAt)
	m.mu.Unlock()
}

// ============================================================================
// Proactive refresh
// ============================================================================

// scheduleRefreshLocked arms the single proactive timer for expiry minus the
// lead. An already-due expiry refreshes immediately. Any previously armed
// timer is cancelled first: there is never more than one live timer.
func (m *SessionManager) scheduleRefreshLocked(expiry *time.Time) {
	m.stopTimerLocked()

	if expiry == nil {
		return
	}

	lead := m.RefreshLead
	if lead <= 0 {
		lead = DefaultScheduleLead
	}

	delay := time.Until(expiry.Add(-lead))
	if delay <= 0 {
		go m.proactiveRefresh()
		return
	}
	m.timer = time.AfterFunc(delay, m.proactiveRefresh)
}

func (m *SessionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *SessionManager) proactiveRefresh() {
	ctx := context.Background()

	if _, err := m.refresher.Refresh(ctx); err != nil {
		if errors.Is(err, ErrRefreshSuperseded) || errors.Is(err, ErrNotAuthenticated) {
			return
		}
		m.sessionExpired(ctx, err)
	}
}

// sessionExpired is the one fatal auth path: the refresh token itself is
// dead. The user gets a single notice and the session is torn down.
func (m *SessionManager) sessionExpired(ctx context.Context, cause error) {
	m.log.Warn("session expired", "error", cause)
	if m.OnSessionExpired != nil {
		m.OnSessionExpired("Your session has expired, please log in again.")
	}
	_ = m.logout(ctx, "session expired", true)
}

// onRefreshed is the refresher's local listener: the store is already
// updated, so only the in-memory mirror and the timer need to move.
func (m *SessionManager) onRefreshed(auth *AuthResponse) {
	m.mu.Lock()
	m.session.AccessToken = auth.AccessToken
	m.session.RefreshToken = auth.RefreshToken
	m.session.AccessTokenExpiry = auth.AccessTokenExpiration
	m.scheduleRefreshLocked(auth.AccessTokenExpiration)
	m.mu.Unlock()
}

// ============================================================================
// Cross-context events
// ============================================================================

func (m *SessionManager) handleBroadcast(msg broadcast.Message) {
	if msg.Origin == m.bus.Origin() {
		// Our own publishes were already applied locally.
		return
	}

	switch msg.Kind {
	case broadcast.KindTokensUpdated:
		if msg.Tokens == nil {
			return
		}
		m.mu.Lock()
		if m.session.UserID == "" {
			// No local session to update. Adopting tokens here would mint a
			// session with credentials but no identity; a signed-out context
			// stays signed out until its own Login or Rehydrate.
			m.mu.Unlock()
			return
		}
		m.session.AccessToken = msg.Tokens.AccessToken
		m.session.RefreshToken = msg.Tokens.RefreshToken
		m.session.AccessTokenExpiry = msg.Tokens.ExpiresAt
		m.scheduleRefreshLocked(msg.Tokens.ExpiresAt)
		m.mu.Unlock()
		m.log.Debug("tokens adopted from peer context", "origin", msg.Origin)

	case broadcast.KindLogout:
		// Clear local state only. Re-publishing here would echo the
		// logout back and forth between contexts forever.
		m.refresher.Invalidate()
		m.mu.Lock()
		m.stopTimerLocked()
		m.session = Session{}
		m.mu.Unlock()
		m.log.Info("logged out by peer context", "origin", msg.Origin)

	case broadcast.KindRefreshStarted:
		// The refresher tracks these for single-flight-across-contexts.
	}
}

// ============================================================================
// Token supply for the push channel
// ============================================================================

// FreshToken returns an access token verified to be fresh enough for a new
// channel connection, refreshing first when the persisted expiry is near. A
// reconnect can happen long after the last REST call, so the in-memory copy
// is not trusted over the store.
func (m *SessionManager) FreshToken(ctx context.Context) (string, error) {
	tokens, err := m.store.Tokens(ctx)
	if err != nil {
		return "", err
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return "", ErrNotAuthenticated
	}

	lead := m.ConnectLead
	if lead <= 0 {
		lead = DefaultConnectLead
	}

	if tokens.AccessToken != "" &&
		(tokens.ExpiresAt == nil || time.Until(*tokens.ExpiresAt) > lead) {
		return tokens.AccessToken, nil
	}

	return m.ForceRefresh(ctx)
}

// ForceRefresh refreshes unconditionally and returns the new access token.
func (m *SessionManager) ForceRefresh(ctx context.Context) (string, error) {
	auth, err := m.refresher.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return auth.AccessToken, nil
}
