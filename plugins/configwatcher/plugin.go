// Package configwatcher makes a command server drain when its environment
// goes stale. It watches the listening socket path and the settings files
// the server was started with, and requests a shutdown when the socket is
// removed or replaced by another server, or when a settings file changes.
// A client then finds no server and starts a fresh one with the new
// settings.
package configwatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/cmdserver/pkg/cmdserver"
	"github.com/bft-labs/cmdserver/pkg/log"
)

// Plugin implements socket and settings file watching.
type Plugin struct {
	mu sync.Mutex

	debounceDelay time.Duration
	checkInterval time.Duration

	socket   string
	socketFI os.FileInfo
	files    map[string]bool
	logger   log.Logger
	request  func(reason string)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
}

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// DebounceDelay is how long a settings file must stay quiet after a
	// change before the shutdown is requested.
	// Default: 100 milliseconds
	DebounceDelay time.Duration

	// CheckInterval is how often the socket path is compared with the
	// socket that was bound, in case a replacement raced the watch.
	// Default: 5 seconds
	CheckInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 100 * time.Millisecond,
		CheckInterval: 5 * time.Second,
	}
}

// New creates a new config watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Plugin{
		debounceDelay: cfg.DebounceDelay,
		checkInterval: cfg.CheckInterval,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Initialize records the bound socket and starts watching.
func (p *Plugin) Initialize(ctx context.Context, cfg cmdserver.PluginConfig) error {
	logger := log.OrNoop(cfg.Logger)
	if cfg.RequestShutdown == nil {
		return fmt.Errorf("configwatcher: no shutdown hook")
	}

	fi, err := os.Lstat(cfg.Address)
	if err != nil {
		return fmt.Errorf("configwatcher: stat socket: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configwatcher: create watcher: %w", err)
	}

	files := make(map[string]bool)
	dirs := map[string]bool{filepath.Dir(cfg.Address): true}
	for _, f := range cfg.SettingsFiles {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		// editors replace files by rename, so watch directories
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("configwatcher: watch %s: %w", dir, err)
		}
	}

	p.mu.Lock()
	p.socket = cfg.Address
	p.socketFI = fi
	p.files = files
	p.logger = logger
	p.request = cfg.RequestShutdown
	p.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)

	logger.Info("config watcher started",
		log.String("socket", cfg.Address),
		log.Int("settings_files", len(files)),
		log.Duration("debounce", p.debounceDelay))
	return nil
}

// Shutdown stops the watcher.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()
	return nil
}

func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			p.handleEvent(event)

		case <-ticker.C:
			p.checkSocket()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", log.Err(err))
		}
	}
}

func (p *Plugin) handleEvent(event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	switch {
	case name == filepath.Clean(p.socket):
		p.checkSocket()
	case p.files[name]:
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
			return
		}
		p.debounceRequest("settings file changed: " + name)
	}
}

// checkSocket requests a shutdown if the socket path no longer names the
// socket the server bound.
func (p *Plugin) checkSocket() {
	fi, err := os.Lstat(p.socket)
	switch {
	case os.IsNotExist(err):
		p.requestShutdown("socket removed")
	case err != nil:
		p.logger.Warn("config watcher: stat socket", log.Err(err))
	case !os.SameFile(fi, p.socketFI):
		p.requestShutdown("socket replaced")
	}
}

func (p *Plugin) debounceRequest(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(p.debounceDelay, func() {
		p.requestShutdown(reason)
	})
}

func (p *Plugin) requestShutdown(reason string) {
	p.logger.Info("config watcher requesting shutdown", log.Reason(reason))
	p.request(reason)
}

// Ensure Plugin implements cmdserver.Plugin.
var _ cmdserver.Plugin = (*Plugin)(nil)
