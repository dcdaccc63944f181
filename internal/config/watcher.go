package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrUnchanged is returned by [Watcher.Reload] when the file content is the
// same as the current config's.
var ErrUnchanged = errors.New("config: unchanged")

// Watcher keeps the relay config in sync with its file. It polls the file's
// modification time and can be asked to reload explicitly (SIGHUP). Valid
// changes are passed to the apply callback; invalid edits are logged and the
// last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)

	// reload serialises Reload calls so apply sees changes in order.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fileVersion

	stop     chan struct{}
	stopOnce sync.Once
}

// fileVersion identifies a file revision.
type fileVersion struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Zero disables polling, leaving
// only explicit reloads. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. apply may be nil.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		apply:    apply,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, v, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, v

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Reload reads the file now and applies it when its content changed. It
// returns [ErrUnchanged] when there was nothing to apply and the load or
// validation error when the file is not a valid config.
func (w *Watcher) Reload() error {
	w.reload.Lock()
	defer w.reload.Unlock()

	cfg, v, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if v.sum == w.seen.sum {
		w.seen.mtime = v.mtime
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.current
	w.current, w.seen = cfg, v
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"tuning_changed", d.TuningChanged,
		"defaults_changed", d.DefaultsChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("reloaded sections need a restart to apply", "sections", d.RestartRequired)
	}
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return nil
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if !w.modified() {
				continue
			}
			if err := w.Reload(); err != nil && !errors.Is(err, ErrUnchanged) {
				slog.Warn("config reload failed; keeping current config", "path", w.path, "err", err)
			}
		}
	}
}

// modified reports whether the file's mtime moved since the last check. A
// broken edit is reported once, not on every tick.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.seen.mtime) {
		return false
	}
	w.seen.mtime = info.ModTime()
	return true
}

// read loads and validates the file and returns its version.
func (w *Watcher) read() (*Config, fileVersion, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileVersion{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileVersion{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fileVersion{}, err
	}
	return cfg, fileVersion{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
