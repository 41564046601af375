package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	// ReloadStateIdle indicates the reloader is idle
	ReloadStateIdle ReloadState = "idle"
	// ReloadStateReloading indicates a reload is in progress
	ReloadStateReloading ReloadState = "reloading"
	// ReloadStateStopped indicates the reloader is stopped
	ReloadStateStopped ReloadState = "stopped"
)

// reloadTimeout bounds a single reload including callbacks
const reloadTimeout = 30 * time.Second

// watchDebounce coalesces the burst of events editors produce on save
const watchDebounce = 100 * time.Millisecond

// ReloadCallback is a function that is called when configuration is reloaded
// The new config is passed as an argument, allowing the caller to apply it
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader re-reads the configuration on SIGHUP and, when watching is
// enabled, whenever the config file changes on disk.
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	state         ReloadState
	signalChan    chan os.Signal
	reloadCtx     context.Context
	reloadCancel  context.CancelFunc
	started       bool
	watch         bool
	watcher       *fsnotify.Watcher
	callbacks     []ReloadCallback
	logger        *slog.Logger
	wg            sync.WaitGroup
}

// NewReloader creates a new config reloader. A nil logger falls back to
// slog.Default().
func NewReloader(configPath string, initialConfig *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
		reloadCtx:     ctx,
		reloadCancel:  cancel,
		callbacks:     make([]ReloadCallback, 0),
		logger:        log.With("component", "config_reloader"),
	}
}

// WatchFile enables reloading on file changes. It must be called before Start.
func (r *Reloader) WatchFile(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watch = enabled
}

// Start begins listening for SIGHUP signals (and file events, if enabled)
func (r *Reloader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	// Reset context and state if restarting
	if r.state == ReloadStateStopped {
		ctx, cancel := context.WithCancel(context.Background())
		r.reloadCtx = ctx
		r.reloadCancel = cancel
		r.state = ReloadStateIdle
	}

	if r.watch && r.configPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory: editors often replace the file rather than
		// writing it in place, which drops a watch on the file itself.
		if err := w.Add(filepath.Dir(r.configPath)); err != nil {
			w.Close()
			return fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = w
		r.wg.Add(1)
		go r.handleFileEvents(r.reloadCtx, w)
	}

	signal.Notify(r.signalChan, syscall.SIGHUP)

	r.started = true
	r.logger.Info("Config reloader started", "config_path", r.configPath, "watch", r.watch)

	r.wg.Add(1)
	go r.handleSignals(r.reloadCtx)
	return nil
}

// Stop stops signal handling and file watching and waits for both to exit
func (r *Reloader) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}

	signal.Stop(r.signalChan)
	r.reloadCancel()
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
	r.started = false
	r.state = ReloadStateStopped
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Config reloader stopped")
}

// Reload reloads the configuration from the file
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()

	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.logger.Debug("Reload already in progress, skipping")
		return nil
	}

	r.state = ReloadStateReloading
	r.logger.Info("Configuration reload initiated", "config_path", r.configPath)
	r.mu.Unlock()

	// Same path as the initial load so environment overrides still apply.
	newConfig, err := Load(r.configPath)
	if err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := r.executeCallbacks(ctx, newConfig); err != nil {
		r.logger.Error("Reload callbacks failed", "error", err)
		r.setState(ReloadStateIdle)
		return fmt.Errorf("reload callbacks failed: %w", err)
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	if r.state == ReloadStateReloading {
		r.state = ReloadStateIdle
	}
	r.mu.Unlock()

	r.logger.Info("Configuration reloaded successfully")

	return nil
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callbacks = append(r.callbacks, callback)
	r.logger.Debug("Reload callback registered", "total_callbacks", len(r.callbacks))
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// IsReloading returns true if a reload is in progress
func (r *Reloader) IsReloading() bool {
	return r.State() == ReloadStateReloading
}

func (r *Reloader) handleSignals(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case sig := <-r.signalChan:
			r.logger.Info("Reload signal received", "signal", sig.String())
			r.triggerReload()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) handleFileEvents(ctx context.Context, w *fsnotify.Watcher) {
	defer r.wg.Done()

	target := filepath.Clean(r.configPath)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			r.logger.Debug("Config file changed", "op", ev.Op.String())
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, r.triggerReload)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Config watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// triggerReload runs a reload off the caller's goroutine
func (r *Reloader) triggerReload() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := r.Reload(ctx); err != nil {
			r.logger.Error("Configuration reload failed", "error", err)
		}
	}()
}

// executeCallbacks executes all registered reload callbacks
func (r *Reloader) executeCallbacks(ctx context.Context, newConfig *Config) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			r.logger.Error("Reload callback failed", "callback", i, "error", err)
			return err
		}
	}

	return nil
}

// setState sets the reload state
func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ReloadStateStopped {
		return
	}
	r.state = state
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
