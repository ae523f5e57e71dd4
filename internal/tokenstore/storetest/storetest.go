// Package storetest holds the behavioural suite every tokenstore backend must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/authclient/internal/tokenstore"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) tokenstore.Backend

// Run exercises the Backend contract directly and through a tokenstore.Store.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("load missing keys", func(t *testing.T) {
		b := newBackend(t)
		got, err := b.Load(context.Background(), tokenstore.KeyAccessToken, tokenstore.KeyUser)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("store load remove", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		err := b.Store(ctx, map[string]string{
			tokenstore.KeyAccessToken:  "A1",
			tokenstore.KeyRefreshToken: "R1",
		}, time.Now().Add(time.Hour))
		require.NoError(t, err)

		got, err := b.Load(ctx, tokenstore.KeyAccessToken, tokenstore.KeyRefreshToken, tokenstore.KeyExpiresAt)
		require.NoError(t, err)
		require.Equal(t, map[string]string{
			tokenstore.KeyAccessToken:  "A1",
			tokenstore.KeyRefreshToken: "R1",
		}, got)

		// Empty value deletes, others overwrite
		err = b.Store(ctx, map[string]string{
			tokenstore.KeyAccessToken:  "A2",
			tokenstore.KeyRefreshToken: "",
		}, time.Now().Add(time.Hour))
		require.NoError(t, err)

		got, err = b.Load(ctx, tokenstore.KeyAccessToken, tokenstore.KeyRefreshToken)
		require.NoError(t, err)
		require.Equal(t, map[string]string{tokenstore.KeyAccessToken: "A2"}, got)

		require.NoError(t, b.Remove(ctx, tokenstore.KeyAccessToken, tokenstore.KeyUser))
		got, err = b.Load(ctx, tokenstore.KeyAccessToken)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("write read round trip", func(t *testing.T) {
		ctx := context.Background()
		s := tokenstore.New(newBackend(t), tokenstore.Options{})

		before := time.Now()
		written, err := s.Write(ctx, "T1", "R1", 90*time.Second)
		require.NoError(t, err)

		rec := s.Read(ctx)
		require.Equal(t, "T1", rec.AccessToken)
		require.Equal(t, "R1", rec.RefreshToken)
		require.Equal(t, written.ExpiresAt, rec.ExpiresAt)
		require.WithinDuration(t, before.Add(90*time.Second), rec.ExpiresAt, 2*time.Second)
	})

	t.Run("write without refresh token", func(t *testing.T) {
		ctx := context.Background()
		s := tokenstore.New(newBackend(t), tokenstore.Options{DefaultLifetime: 10 * time.Minute})

		_, err := s.Write(ctx, "T1", "R1", 0)
		require.NoError(t, err)
		_, err = s.Write(ctx, "T2", "", 0)
		require.NoError(t, err)

		rec := s.Read(ctx)
		require.Equal(t, "T2", rec.AccessToken)
		require.False(t, rec.HasRefreshToken())
		require.WithinDuration(t, time.Now().Add(10*time.Minute), rec.ExpiresAt, 2*time.Second)
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := tokenstore.New(newBackend(t), tokenstore.Options{PersistIdentity: true})

		_, err := s.Write(ctx, "T1", "R1", time.Hour)
		require.NoError(t, err)
		require.NoError(t, s.WriteIdentity(ctx, []byte(`{"id":"1"}`)))

		for range 3 {
			require.NoError(t, s.Clear(ctx))
			require.Equal(t, tokenstore.Record{}, s.Read(ctx))
			_, ok := s.ReadIdentity(ctx)
			require.False(t, ok)
		}
	})
}
