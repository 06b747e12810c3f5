package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConnectivityConfig holds configuration for the connectivity detector.
type ConnectivityConfig struct {
	// HealthURL is probed with GET; any 2xx means the remote is reachable.
	// Empty disables probing (reachability is assumed).
	HealthURL string

	// FlagPath is the manual offline flag file. While it exists the
	// detector reports offline regardless of probes. Empty disables it.
	FlagPath string

	// ProbeInterval is how often HealthURL is probed (default 15s)
	ProbeInterval time.Duration

	// ProbeTimeout bounds one probe (default 3s)
	ProbeTimeout time.Duration

	// HTTPClient used for probes (default: a client with ProbeTimeout)
	HTTPClient *http.Client

	// Logger (defaults to stderr with "[connectivity] " prefix)
	Logger *log.Logger
}

// Connectivity tracks whether the remote is reachable.
//
// Two signals are combined: a periodic HTTP probe and a flag file watched with
// fsnotify, so `notes offline` takes effect in a running daemon immediately.
type Connectivity struct {
	config  ConnectivityConfig
	client  *http.Client
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	reachable bool
	forced    bool
	online    bool
	changes   chan bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewConnectivity creates a detector. Call Start to begin tracking.
func NewConnectivity(cfg ConnectivityConfig) (*Connectivity, error) {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeout}
	}

	var watcher *fsnotify.Watcher
	if cfg.FlagPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		watcher = w
	}

	return &Connectivity{
		config:    cfg,
		client:    client,
		watcher:   watcher,
		reachable: true,
		changes:   make(chan bool, 1),
	}, nil
}

// Start takes an initial reading and begins tracking in the background.
func (c *Connectivity) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("connectivity detector already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if c.watcher != nil {
		dir := filepath.Dir(c.config.FlagPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create flag directory: %w", err)
		}
		if err := c.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	c.mu.Lock()
	c.forced = c.flagSet()
	c.mu.Unlock()
	c.probe(c.ctx)

	c.mu.Lock()
	c.online = c.reachable && !c.forced
	c.mu.Unlock()

	if c.config.HealthURL != "" {
		c.wg.Add(1)
		go c.probeLoop()
	}
	if c.watcher != nil {
		c.wg.Add(1)
		go c.watchFlag()
	}

	c.config.Logger.Printf("Connectivity: online=%v", c.Online())
	return nil
}

// Stop ends tracking and waits for the background goroutines.
func (c *Connectivity) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	var err error
	if c.watcher != nil {
		err = c.watcher.Close()
	}
	c.wg.Wait()
	return err
}

// Online reports the current combined state.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Changes delivers the new state after each transition. Only the latest
// state is kept if the receiver falls behind.
func (c *Connectivity) Changes() <-chan bool {
	return c.changes
}

// Check probes now and returns the updated state.
func (c *Connectivity) Check(ctx context.Context) bool {
	c.probe(ctx)
	c.update()
	return c.Online()
}

func (c *Connectivity) probeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probe(c.ctx)
			c.update()
		}
	}
}

func (c *Connectivity) watchFlag() {
	defer c.wg.Done()

	name := filepath.Clean(c.config.FlagPath)
	for {
		select {
		case <-c.ctx.Done():
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			c.mu.Lock()
			c.forced = c.flagSet()
			c.mu.Unlock()
			if !c.flagSet() {
				// Leaving manual offline mode: re-probe before reporting online.
				c.probe(c.ctx)
			}
			c.update()

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (c *Connectivity) probe(ctx context.Context) {
	if c.config.HealthURL == "" {
		return
	}
	ok := Probe(ctx, c.client, c.config.HealthURL)
	c.mu.Lock()
	c.reachable = ok
	c.mu.Unlock()
}

// update recomputes the combined state and publishes a transition.
func (c *Connectivity) update() {
	c.mu.Lock()
	next := c.reachable && !c.forced
	changed := next != c.online
	c.online = next
	c.mu.Unlock()

	if !changed {
		return
	}
	c.config.Logger.Printf("Connectivity changed: online=%v", next)

	// Replace a stale unread state with the latest one.
	select {
	case <-c.changes:
	default:
	}
	select {
	case c.changes <- next:
	default:
	}
}

func (c *Connectivity) flagSet() bool {
	return ForcedOffline(c.config.FlagPath)
}

// Probe reports whether a GET of url answers with a 2xx status.
func Probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ForcedOffline reports whether the manual offline flag file exists.
func ForcedOffline(flagPath string) bool {
	if flagPath == "" {
		return false
	}
	_, err := os.Stat(flagPath)
	return err == nil
}

// SetForcedOffline creates or removes the manual offline flag file.
func SetForcedOffline(flagPath string, offline bool) error {
	if !offline {
		if err := os.Remove(flagPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove offline flag: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(flagPath), 0755); err != nil {
		return fmt.Errorf("failed to create flag directory: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(flagPath, []byte(stamp), 0644); err != nil {
		return fmt.Errorf("failed to write offline flag: %w", err)
	}
	return nil
}
