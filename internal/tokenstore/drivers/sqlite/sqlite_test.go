package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/authclient/internal/tokenstore"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/sqlite"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/storetest"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, path string) *sqlite.Backend {
	t.Helper()
	b, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tokenstore.Backend {
		return open(t, filepath.Join(t.TempDir(), "tokens.db"))
	})
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	b, err := sqlite.Open(path)
	require.NoError(t, err)
	_, err = tokenstore.New(b, tokenstore.Options{}).Write(ctx, "T1", "R1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// Reopening re-runs migrations as a no-op and sees the same rows
	reopened := open(t, path)
	require.NoError(t, reopened.Ping(ctx))

	rec := tokenstore.New(reopened, tokenstore.Options{}).Read(ctx)
	require.Equal(t, "T1", rec.AccessToken)
	require.Equal(t, "R1", rec.RefreshToken)
}

func TestInMemoryDSN(t *testing.T) {
	b := open(t, ":memory:")
	require.NoError(t, b.Store(context.Background(), map[string]string{"k": "v"}, time.Time{}))

	got, err := b.Load(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "v", got["k"])
}
