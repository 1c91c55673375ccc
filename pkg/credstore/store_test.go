package credstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "creds.db")
	sq, err := NewSQLite(dbFile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestStoreGetSetRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, KeyUser)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, KeyUser, `{"id":"u1"}`))

			got, err := store.Get(ctx, KeyUser)
			require.NoError(t, err)
			require.Equal(t, `{"id":"u1"}`, got)

			// Overwrite
			require.NoError(t, store.Set(ctx, KeyUser, `{"id":"u2"}`))
			got, err = store.Get(ctx, KeyUser)
			require.NoError(t, err)
			require.Equal(t, `{"id":"u2"}`, got)

			require.NoError(t, store.Remove(ctx, KeyUser))
			_, err = store.Get(ctx, KeyUser)
			require.ErrorIs(t, err, ErrNotFound)

			// Removing an absent key is not an error
			require.NoError(t, store.Remove(ctx, KeyUser))
		})
	}
}

func TestStoreTokenUnit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			// Empty store yields a zero unit, not an error
			got, err := store.Tokens(ctx)
			require.NoError(t, err)
			require.Empty(t, got.AccessToken)
			require.Nil(t, got.ExpiresAt)

			exp := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Millisecond)
			require.NoError(t, store.SetTokens(ctx, Tokens{
				AccessToken:  "access-1",
				RefreshToken: "refresh-1",
				ExpiresAt:    &exp,
			}))

			got, err = store.Tokens(ctx)
			require.NoError(t, err)
			require.Equal(t, "access-1", got.AccessToken)
			require.Equal(t, "refresh-1", got.RefreshToken)
			require.NotNil(t, got.ExpiresAt)
			require.True(t, got.ExpiresAt.Equal(exp))

			// The unit is also visible through the individual keys
			raw, err := store.Get(ctx, KeyToken)
			require.NoError(t, err)
			require.Equal(t, "access-1", raw)

			// Clearing tokens writes empty values, not partial state
			require.NoError(t, store.SetTokens(ctx, Tokens{}))
			got, err = store.Tokens(ctx)
			require.NoError(t, err)
			require.Empty(t, got.AccessToken)
			require.Empty(t, got.RefreshToken)
			require.Nil(t, got.ExpiresAt)
		})
	}
}

func TestStoreClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			exp := time.Now().Add(time.Hour)
			require.NoError(t, store.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "r", ExpiresAt: &exp}))
			require.NoError(t, store.Set(ctx, KeyUser, "profile"))

			require.NoError(t, store.Clear(ctx))

			_, err := store.Get(ctx, KeyUser)
			require.ErrorIs(t, err, ErrNotFound)

			got, err := store.Tokens(ctx)
			require.NoError(t, err)
			require.Empty(t, got.AccessToken)
		})
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dbFile := filepath.Join(t.TempDir(), "creds.db")

	first, err := NewSQLite(dbFile)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, KeyRefreshToken, "survives"))
	require.NoError(t, first.Close())

	second, err := NewSQLite(dbFile)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, KeyRefreshToken)
	require.NoError(t, err)
	require.Equal(t, "survives", got)
}
