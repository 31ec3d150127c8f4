// Package prefs persists the dashboard preferences in a local JSON file.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

const (
	DefaultCurrency        = "USD"
	DefaultTheme           = ThemeAuto
	DefaultRefreshInterval = 30 * time.Second

	// MinRefreshInterval keeps the poller from hammering the public API.
	MinRefreshInterval = 5 * time.Second
)

// Theme values. Auto follows the terminal.
const (
	ThemeAuto  = "auto"
	ThemeDark  = "dark"
	ThemeLight = "light"
)

// Prefs is the persisted preference set.
type Prefs struct {
	Currency        string        `json:"currency"`
	Theme           string        `json:"theme"`
	Watchlist       []string      `json:"watchlist"`
	RefreshInterval time.Duration `json:"refresh_interval"`
}

// Defaults returns a fresh preference set.
func Defaults() Prefs {
	return Prefs{
		Currency:        DefaultCurrency,
		Theme:           DefaultTheme,
		Watchlist:       []string{},
		RefreshInterval: DefaultRefreshInterval,
	}
}

// InWatchlist reports whether id is watched.
func (p Prefs) InWatchlist(id string) bool {
	return slices.Contains(p.Watchlist, id)
}

// WatchSet returns the watchlist as a set.
func (p Prefs) WatchSet() map[string]bool {
	set := make(map[string]bool, len(p.Watchlist))
	for _, id := range p.Watchlist {
		set[id] = true
	}
	return set
}

// normalize fills missing or invalid fields with defaults.
func (p Prefs) normalize() Prefs {
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}
	switch p.Theme {
	case ThemeAuto, ThemeDark, ThemeLight:
	default:
		p.Theme = DefaultTheme
	}
	if p.RefreshInterval < MinRefreshInterval {
		p.RefreshInterval = DefaultRefreshInterval
	}
	if p.Watchlist == nil {
		p.Watchlist = []string{}
	}
	return p
}

// Store reads and writes preferences at a file path. An empty path keeps
// preferences in memory only.
type Store struct {
	mu       sync.Mutex
	filePath string
	current  Prefs
	loaded   bool
}

func NewStore(filePath string) *Store {
	return &Store{filePath: filePath}
}

// Load returns the stored preferences, or defaults when no file exists yet.
func (s *Store) Load() (Prefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Prefs, error) {
	if s.loaded {
		return s.current, nil
	}
	return s.readLocked()
}

// readLocked reads the file, bypassing the in-memory copy.
func (s *Store) readLocked() (Prefs, error) {
	p := Defaults()
	if s.filePath != "" {
		data, err := os.ReadFile(s.filePath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Prefs{}, fmt.Errorf("failed to read preferences: %w", err)
		default:
			if err := json.Unmarshal(data, &p); err != nil {
				return Prefs{}, fmt.Errorf("failed to parse preferences: %w", err)
			}
		}
	}

	s.current = p.normalize()
	s.loaded = true
	return s.current, nil
}

// Save replaces the stored preferences.
func (s *Store) Save(p Prefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(p.normalize())
}

func (s *Store) saveLocked(p Prefs) error {
	if s.filePath != "" {
		if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
			return fmt.Errorf("failed to create preferences directory: %w", err)
		}

		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal preferences: %w", err)
		}

		// Write atomically using temp file + rename
		tmpFile := s.filePath + ".tmp"
		if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write preferences: %w", err)
		}
		if err := os.Rename(tmpFile, s.filePath); err != nil {
			os.Remove(tmpFile)
			return fmt.Errorf("failed to rename preferences file: %w", err)
		}
	}

	s.current = p
	s.loaded = true
	return nil
}

// update applies fn to the on-disk preferences under an exclusive file lock,
// so concurrent dashboards do not lose each other's changes.
func (s *Store) update(fn func(*Prefs)) (Prefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath != "" {
		if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
			return Prefs{}, fmt.Errorf("failed to create preferences directory: %w", err)
		}
		lock := flock.New(s.filePath + ".lock")
		if err := lock.Lock(); err != nil {
			return Prefs{}, fmt.Errorf("failed to lock preferences: %w", err)
		}
		defer func() {
			_ = lock.Unlock()
		}()
		s.loaded = false
	}

	p, err := s.loadLocked()
	if err != nil {
		return Prefs{}, err
	}
	p.Watchlist = slices.Clone(p.Watchlist)
	fn(&p)
	p = p.normalize()
	if err := s.saveLocked(p); err != nil {
		return Prefs{}, err
	}
	return p, nil
}

// Watch calls onChange with the reloaded preferences whenever the file is
// replaced by another process. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(Prefs)) error {
	if s.filePath == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch preferences: %w", err)
	}
	defer watcher.Close()

	// Saves replace the file by rename, so watch the directory.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.filePath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			s.mu.Lock()
			p, err := s.readLocked()
			s.mu.Unlock()
			if err != nil {
				// Likely a partial write by a non-atomic editor; the next event retries.
				continue
			}
			onChange(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("preferences watcher: %w", err)
		}
	}
}

// SetCurrency persists the quote currency.
func (s *Store) SetCurrency(currency string) (Prefs, error) {
	return s.update(func(p *Prefs) { p.Currency = currency })
}

// SetTheme persists the theme. Unknown themes are rejected.
func (s *Store) SetTheme(theme string) (Prefs, error) {
	switch theme {
	case ThemeAuto, ThemeDark, ThemeLight:
	default:
		return Prefs{}, fmt.Errorf("unknown theme %q", theme)
	}
	return s.update(func(p *Prefs) { p.Theme = theme })
}

// SetRefreshInterval persists the poll interval.
func (s *Store) SetRefreshInterval(d time.Duration) (Prefs, error) {
	if d < MinRefreshInterval {
		return Prefs{}, fmt.Errorf("refresh interval must be at least %s", MinRefreshInterval)
	}
	return s.update(func(p *Prefs) { p.RefreshInterval = d })
}

// ToggleWatch adds id to the watchlist, or removes it when already present.
func (s *Store) ToggleWatch(id string) (Prefs, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Prefs{}, fmt.Errorf("item id is required")
	}
	return s.update(func(p *Prefs) {
		if i := slices.Index(p.Watchlist, id); i >= 0 {
			p.Watchlist = slices.Delete(p.Watchlist, i, i+1)
			return
		}
		p.Watchlist = append(p.Watchlist, id)
	})
}
