package prefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "prefs.json"))

	p, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), p)
}

func TestStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.json")
	s := NewStore(path)

	_, err := s.SetCurrency("eur")
	require.NoError(t, err)
	_, err = s.ToggleWatch("bitcoin")
	require.NoError(t, err)
	_, err = s.SetRefreshInterval(time.Minute)
	require.NoError(t, err)
	_, err = s.SetTheme(ThemeDark)
	require.NoError(t, err)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not be left behind")

	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "EUR", reloaded.Currency)
	assert.Equal(t, ThemeDark, reloaded.Theme)
	assert.Equal(t, []string{"bitcoin"}, reloaded.Watchlist)
	assert.Equal(t, time.Minute, reloaded.RefreshInterval)
	assert.True(t, reloaded.InWatchlist("bitcoin"))
}

func TestStore_ToggleWatch(t *testing.T) {
	s := NewStore("")

	p, err := s.ToggleWatch("bitcoin")
	require.NoError(t, err)
	p, err = s.ToggleWatch("ethereum")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"bitcoin": true, "ethereum": true}, p.WatchSet())

	p, err = s.ToggleWatch("bitcoin")
	require.NoError(t, err)
	assert.Equal(t, []string{"ethereum"}, p.Watchlist)
	assert.False(t, p.InWatchlist("bitcoin"))

	_, err = s.ToggleWatch(" ")
	assert.Error(t, err)
}

func TestStore_Validation(t *testing.T) {
	s := NewStore("")

	_, err := s.SetRefreshInterval(time.Second)
	assert.Error(t, err)

	_, err = s.SetTheme("solarized")
	assert.Error(t, err)

	p, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultRefreshInterval, p.RefreshInterval)
	assert.Equal(t, ThemeAuto, p.Theme)
}

func TestStore_NormalizesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"currency":" gbp ","theme":"neon","refresh_interval":1}`), 0o644))

	p, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "GBP", p.Currency)
	assert.Equal(t, ThemeAuto, p.Theme)
	assert.Equal(t, DefaultRefreshInterval, p.RefreshInterval)
	assert.Equal(t, []string{}, p.Watchlist)
}

func TestStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := NewStore(path).Load()
	assert.Error(t, err)
}

func TestStore_TwoProcessesShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	a, b := NewStore(path), NewStore(path)

	_, err := a.Load()
	require.NoError(t, err)
	_, err = b.Load()
	require.NoError(t, err)

	_, err = a.ToggleWatch("bitcoin")
	require.NoError(t, err)
	p, err := b.ToggleWatch("ethereum")
	require.NoError(t, err)

	assert.Equal(t, []string{"bitcoin", "ethereum"}, p.Watchlist, "update re-reads the file under the lock")
}

func TestStore_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	watched := NewStore(path)
	other := NewStore(path)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Prefs, 16)
	done := make(chan error, 1)
	go func() {
		done <- watched.Watch(ctx, func(p Prefs) { changes <- p })
	}()

	require.Eventually(t, func() bool {
		_, err := other.SetCurrency("jpy")
		require.NoError(t, err)
		select {
		case p := <-changes:
			return p.Currency == "JPY"
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	current, err := watched.Load()
	require.NoError(t, err)
	assert.Equal(t, "JPY", current.Currency)

	cancel()
	require.NoError(t, <-done)
}
