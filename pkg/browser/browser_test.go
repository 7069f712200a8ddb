package browser

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/storage"
)

func newUnlaunched(t *testing.T) (*Browser, *storage.CookieStore) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cookies := storage.NewCookieStore(filepath.Join(cfg.Storage.DataDir, "cookies.json"))
	return New(Options{Config: cfg, Cookies: cookies}), cookies
}

func TestCloseIsIdempotent(t *testing.T) {
	b, cookies := newUnlaunched(t)
	require.NoError(t, cookies.Save([]storage.Cookie{{Name: "auth_token", Value: "keep"}}))

	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())

	saved := cookies.Load()
	require.Len(t, saved, 1, "closing an unlaunched browser leaves stored cookies alone")
	assert.Equal(t, "keep", saved[0].Value)
}

func TestOperationsBeforeLaunch(t *testing.T) {
	b, _ := newUnlaunched(t)
	ctx := context.Background()

	assert.ErrorIs(t, b.Navigate(ctx, "https://x.com/home"), ErrNotLaunched)
	assert.ErrorIs(t, b.RestoreCookies(nil), ErrNotLaunched)
	assert.ErrorIs(t, b.InTab(ctx, func(context.Context) error { return nil }), ErrNotLaunched)

	_, err := b.CaptureDiagnostics("test")
	assert.ErrorIs(t, err, ErrNotLaunched)

	assert.False(t, b.Exists("body"))
	assert.Empty(t, b.CurrentURL())
}
