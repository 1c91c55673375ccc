package pantmig

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Rosenorn-Solutions/pantmig-go/pkg/broadcast"
	"github.com/Rosenorn-Solutions/pantmig-go/pkg/credstore"
)

func seedTokens(t *testing.T, store credstore.Store, access, refresh string, expiresIn time.Duration) {
	t.Helper()
	exp := time.Now().Add(expiresIn)
	require.NoError(t, store.SetTokens(context.Background(), credstore.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    &exp,
	}))
}

func writeAuthResponse(t *testing.T, w http.ResponseWriter, access, refresh string, expiresIn time.Duration) {
	t.Helper()
	exp := time.Now().Add(expiresIn).UTC()
	require.NoError(t, json.NewEncoder(w).Encode(AuthResponse{
		AccessToken:           access,
		RefreshToken:          refresh,
		AccessTokenExpiration: &exp,
		UserID:                "user-1",
		Email:                 "donor@example.com",
	}))
}

func TestRefresherSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathRefresh, r.URL.Path)
		refreshCalls.Add(1)
		time.Sleep(50 * time.Millisecond) // hold callers in flight
		writeAuthResponse(t, w, "new-access", "new-refresh", time.Hour)
	}))
	defer srv.Close()

	store := credstore.NewMemory()
	seedTokens(t, store, "old-access", "old-refresh", time.Minute)

	r := NewRefresher(NewClient(srv.URL), store, broadcast.NewLocal(), nil)
	defer r.Close()

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			auth, err := r.Refresh(ctx)
			if err == nil {
				results[i] = auth.AccessToken
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	// Exactly one network exchange served every caller the same outcome.
	require.EqualValues(t, 1, refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "new-access", results[i])
	}

	// The unit was persisted.
	tokens, err := store.Tokens(ctx)
	require.NoError(t, err)
	require.Equal(t, "new-access", tokens.AccessToken)
	require.Equal(t, "new-refresh", tokens.RefreshToken)
	require.NotNil(t, tokens.ExpiresAt)
}

func TestRefresherFailureClearsTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errorMessage":"refresh token expired"}`))
	}))
	defer srv.Close()

	store := credstore.NewMemory()
	seedTokens(t, store, "old-access", "dead-refresh", -time.Minute)

	r := NewRefresher(NewClient(srv.URL), store, broadcast.NewLocal(), nil)
	defer r.Close()

	_, err := r.Refresh(ctx)
	require.Error(t, err)

	tokens, terr := store.Tokens(ctx)
	require.NoError(t, terr)
	require.Empty(t, tokens.AccessToken)
	require.Empty(t, tokens.RefreshToken)
}

func TestRefresherWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	r := NewRefresher(NewClient("http://unused"), credstore.NewMemory(), broadcast.NewLocal(), nil)
	defer r.Close()

	_, err := r.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRefresherPublishesTokensUpdated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAuthResponse(t, w, "new-access", "new-refresh", time.Hour)
	}))
	defer srv.Close()

	store := credstore.NewMemory()
	seedTokens(t, store, "old-access", "old-refresh", time.Minute)

	bus := broadcast.NewLocal()
	var kinds []broadcast.Kind
	bus.Subscribe(func(msg broadcast.Message) { kinds = append(kinds, msg.Kind) })

	r := NewRefresher(NewClient(srv.URL), store, bus, nil)
	defer r.Close()

	_, err := r.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, []broadcast.Kind{broadcast.KindRefreshStarted, broadcast.KindTokensUpdated}, kinds)
}

func TestRefresherLogoutDiscardsLateResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeAuthResponse(t, w, "late-access", "late-refresh", time.Hour)
	}))
	defer srv.Close()

	store := credstore.NewMemory()
	seedTokens(t, store, "old-access", "old-refresh", time.Minute)

	r := NewRefresher(NewClient(srv.URL), store, broadcast.NewLocal(), nil)
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx)
		done <- err
	}()

	// Logout while the exchange is in flight: generation bumped, store
	// cleared.
	time.Sleep(20 * time.Millisecond)
	r.Invalidate()
	require.NoError(t, store.Clear(ctx))
	close(release)

	require.ErrorIs(t, <-done, ErrRefreshSuperseded)

	// The late result did not repopulate the store.
	tokens, err := store.Tokens(ctx)
	require.NoError(t, err)
	require.Empty(t, tokens.AccessToken)
	require.Empty(t, tokens.RefreshToken)
}

func TestRefresherAdoptsPeerResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeAuthResponse(t, w, "own-access", "own-refresh", time.Hour)
	}))
	defer srv.Close()

	store := credstore.NewMemory()
	seedTokens(t, store, "old-access", "old-refresh", time.Minute)

	bus := broadcast.NewLocal()
	r := NewRefresher(NewClient(srv.URL), store, bus, nil)
	defer r.Close()

	// A peer context announces its refresh.
	bus.Publish(broadcast.Message{Kind: broadcast.KindRefreshStarted, Origin: "peer-context"})

	done := make(chan *AuthResponse, 1)
	go func() {
		auth, err := r.Refresh(ctx)
		require.NoError(t, err)
		done <- auth
	}()

	// ... and shortly after, its result.
	time.Sleep(30 * time.Millisecond)
	exp := time.Now().Add(time.Hour)
	bus.Publish(broadcast.Message{
		Kind:   broadcast.KindTokensUpdated,
		Origin: "peer-context",
		Tokens: &broadcast.TokenPayload{
			AccessToken:  "peer-access",
			RefreshToken: "peer-refresh",
			ExpiresAt:    &exp,
		},
	})

	auth := <-done
	require.Equal(t, "peer-access", auth.AccessToken)

	// No exchange of our own was needed.
	require.Zero(t, refreshCalls.Load())
}
