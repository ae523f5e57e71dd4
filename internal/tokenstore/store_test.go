package tokenstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/authclient/internal/tokenstore"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/memory"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
	"github.com/stretchr/testify/require"
)

type failingBackend struct{ err error }

func (f failingBackend) Load(context.Context, ...string) (map[string]string, error) {
	return nil, f.err
}

func (f failingBackend) Store(context.Context, map[string]string, time.Time) error { return f.err }
func (f failingBackend) Remove(context.Context, ...string) error                   { return f.err }
func (f failingBackend) Close() error                                              { return nil }

func TestWriteUsesInjectedClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := tokenstore.New(memory.New(), tokenstore.Options{
		Now:    func() time.Time { return now },
		Logger: slogx.Discard(),
	})

	rec, err := s.Write(context.Background(), "T1", "R1", 3600*time.Second)
	require.NoError(t, err)
	require.True(t, rec.ExpiresAt.Equal(now.Add(time.Hour)))

	// Default lifetime applies when none is given
	rec, err = s.Write(context.Background(), "T2", "", 0)
	require.NoError(t, err)
	require.True(t, rec.ExpiresAt.Equal(now.Add(tokenstore.DefaultLifetime)))
}

func TestExpiryPersistedAsEpochMillis(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_123)
	b := memory.New()
	s := tokenstore.New(b, tokenstore.Options{Now: func() time.Time { return now }})

	_, err := s.Write(context.Background(), "T1", "R1", time.Second)
	require.NoError(t, err)

	require.Equal(t, "1700000001123", b.Snapshot()[tokenstore.KeyExpiresAt])
}

func TestReadNeverFails(t *testing.T) {
	t.Parallel()

	s := tokenstore.New(failingBackend{err: errors.New("disk on fire")}, tokenstore.Options{Logger: slogx.Discard()})
	require.Equal(t, tokenstore.Record{}, s.Read(context.Background()))

	_, ok := s.ReadIdentity(context.Background())
	require.False(t, ok)

	_, err := s.Write(context.Background(), "T1", "", 0)
	require.Error(t, err)
}

func TestMalformedExpiryIsAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.Store(ctx, map[string]string{
		tokenstore.KeyAccessToken: "T1",
		tokenstore.KeyExpiresAt:   "soon",
	}, time.Time{}))

	rec := tokenstore.New(b, tokenstore.Options{Logger: slogx.Discard()}).Read(ctx)
	require.Equal(t, "T1", rec.AccessToken)
	require.False(t, rec.HasExpiry())
}

func TestSealedValuesAtRest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sealer, err := cryptox.NewSealer("a sufficiently long secret")
	require.NoError(t, err)

	b := memory.New()
	s := tokenstore.New(b, tokenstore.Options{Sealer: sealer, PersistIdentity: true})

	_, err = s.Write(ctx, "plain-access-token", "plain-refresh-token", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.WriteIdentity(ctx, []byte(`{"id":"1"}`)))

	for k, v := range b.Snapshot() {
		require.NotContains(t, v, "plain-access-token", k)
		require.NotContains(t, v, "plain-refresh-token", k)
		require.False(t, strings.Contains(v, `{"id"`), k)
	}

	rec := s.Read(ctx)
	require.Equal(t, "plain-access-token", rec.AccessToken)
	require.Equal(t, "plain-refresh-token", rec.RefreshToken)

	blob, ok := s.ReadIdentity(ctx)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"1"}`, string(blob))

	// A store with a different secret cannot read the values
	other, err := cryptox.NewSealer("another long secret value")
	require.NoError(t, err)
	rec = tokenstore.New(b, tokenstore.Options{Sealer: other, Logger: slogx.Discard()}).Read(ctx)
	require.Equal(t, tokenstore.Record{}, rec)
}

func TestIdentityDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New()
	s := tokenstore.New(b, tokenstore.Options{})

	require.NoError(t, s.WriteIdentity(ctx, []byte(`{"id":"1"}`)))
	_, ok := s.ReadIdentity(ctx)
	require.False(t, ok)
	require.NotContains(t, b.Snapshot(), tokenstore.KeyUser)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := tokenstore.New(memory.New(), tokenstore.Options{})
	_, err := s.Write(ctx, "T1", "R1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.Equal(t, tokenstore.Record{}, s.Read(ctx))
	_, err = s.Write(ctx, "T2", "", 0)
	require.ErrorIs(t, err, tokenstore.ErrClosed)
	require.NoError(t, s.Clear(ctx))
}
