package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/colloquyhq/colloquy/internal/persona"
)

// PersonaWatcher monitors a persona YAML file for changes and calls a
// callback when the roster is modified. It uses polling (not fsnotify) to
// keep dependencies minimal.
type PersonaWatcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *persona.Settings)

	mu       sync.Mutex
	current  *persona.Settings
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [PersonaWatcher].
type WatcherOption func(*PersonaWatcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *PersonaWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewPersonaWatcher creates a persona file watcher. It loads the initial
// roster immediately and starts polling in a background goroutine.
func NewPersonaWatcher(path string, onChange func(old, new *persona.Settings), opts ...WatcherOption) (*PersonaWatcher, error) {
	w := &PersonaWatcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	settings, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: persona watcher initial load: %w", err)
	}
	w.current = settings
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid roster.
func (w *PersonaWatcher) Current() *persona.Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *PersonaWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the persona file
// periodically.
func (w *PersonaWatcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the persona file and, if it has changed and is valid, calls
// onChange and updates the current roster.
func (w *PersonaWatcher) check() {
	// Quick mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("persona watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	// Mtime changed — read and hash.
	settings, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("persona watcher: failed to load file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()

	if hash == w.lastHash {
		// File was touched but content is identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = settings
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("persona watcher: roster reloaded", "path", w.path, "personas", len(settings.Personas))

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, settings)
	}
}

// loadAndHash reads the persona file, parses it, and returns the settings
// alongside the file's SHA-256 hash and modification time. If the file is
// invalid, it returns an error (the caller should keep the old roster).
func (w *PersonaWatcher) loadAndHash() (*persona.Settings, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	hash := sha256.Sum256(data)

	settings, err := persona.Parse(data)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	return settings, hash, info.ModTime(), nil
}
