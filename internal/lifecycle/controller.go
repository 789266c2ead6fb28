// Package lifecycle runs the worker lifecycle: precaching on install,
// purging superseded store generations on activation, claiming clients and
// answering control messages.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"offlinegate/internal/cache"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/strategy"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Control message types.
const (
	MsgSkipWaiting = "SKIP_WAITING"
	MsgClearCache  = "CLEAR_CACHE"
)

var (
	ErrUnknownMessage = errors.New("unknown control message")
	ErrNotInstalled   = errors.New("worker is not installed")
)

type Message struct {
	Type string `json:"type"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	State       State    `json:"state"`
	StoreName   string   `json:"storeName"`
	Controlling bool     `json:"controlling"`
	SkipWaiting bool     `json:"skipWaiting"`
	Stores      []string `json:"stores,omitempty"`
}

type Config struct {
	StoreName string
	// Precache lists absolute URLs stored at install.
	Precache    []string
	SkipWaiting bool
}

type Controller struct {
	storage cache.Storage
	fetcher strategy.Fetcher
	logger  logging.Logger
	cfg     Config

	// transitions serialises Install/Activate; mu guards the fields below.
	transitions sync.Mutex
	mu          sync.Mutex
	state       State
	skipWaiting bool
	controlling bool
}

func NewController(storage cache.Storage, fetcher strategy.Fetcher, logger logging.Logger, cfg Config) *Controller {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{
		storage:     storage,
		fetcher:     fetcher,
		logger:      logger,
		cfg:         cfg,
		state:       StateParsed,
		skipWaiting: cfg.SkipWaiting,
	}
}

func (c *Controller) StoreName() string {
	return c.cfg.StoreName
}

// Controlling reports whether clients have been claimed. Until then the
// gateway does not apply caching strategies.
func (c *Controller) Controlling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlling
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.IncLifecycle(string(s))
}

// Start installs the worker and activates it right away when skip-waiting
// is set. Otherwise the worker stays installed until SKIP_WAITING arrives.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Install(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	skip := c.skipWaiting
	c.mu.Unlock()
	if !skip {
		c.logger.Info("worker installed, waiting for SKIP_WAITING", "store", c.cfg.StoreName)
		return nil
	}
	return c.Activate(ctx)
}

// Install fetches every precache URL and stores them all. Any network error
// or non-ok response fails the install and nothing is stored.
func (c *Controller) Install(ctx context.Context) error {
	c.transitions.Lock()
	defer c.transitions.Unlock()

	c.setState(StateInstalling)

	fetched := make(map[string]*cache.CachedResponse, len(c.cfg.Precache))
	for _, u := range c.cfg.Precache {
		resp, err := c.fetchAsset(ctx, u)
		if err != nil {
			c.setState(StateRedundant)
			return fmt.Errorf("install: %w", err)
		}
		fetched[u] = resp
	}

	st, err := c.storage.Open(ctx, c.cfg.StoreName)
	if err != nil {
		c.setState(StateRedundant)
		return fmt.Errorf("install: open store %s: %w", c.cfg.StoreName, err)
	}
	for _, u := range c.cfg.Precache {
		if err := st.Put(ctx, u, fetched[u]); err != nil {
			c.setState(StateRedundant)
			return fmt.Errorf("install: store %s: %w", u, err)
		}
	}

	c.setState(StateInstalled)
	c.logger.Info("worker installed", "store", c.cfg.StoreName, "precached", len(c.cfg.Precache))
	return nil
}

func (c *Controller) fetchAsset(ctx context.Context, u string) (*cache.CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("precache %s: %w", u, err)
	}
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("precache %s: %w", u, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("precache %s: unexpected status %d", u, resp.StatusCode)
	}
	return resp, nil
}

// Activate deletes every store other than the current generation and then
// claims clients.
func (c *Controller) Activate(ctx context.Context) error {
	c.transitions.Lock()
	defer c.transitions.Unlock()

	switch c.State() {
	case StateActivated:
		return nil
	case StateInstalled:
	default:
		return fmt.Errorf("activate from %s: %w", c.State(), ErrNotInstalled)
	}

	c.setState(StateActivating)

	names, err := c.storage.Names(ctx)
	if err != nil {
		c.setState(StateInstalled)
		return fmt.Errorf("activate: list stores: %w", err)
	}
	for _, name := range names {
		if name == c.cfg.StoreName {
			continue
		}
		if _, err := c.storage.Delete(ctx, name); err != nil {
			c.setState(StateInstalled)
			return fmt.Errorf("activate: delete store %s: %w", name, err)
		}
		c.logger.Info("deleted old cache store", "store", name)
	}

	c.mu.Lock()
	c.state = StateActivated
	c.controlling = true
	c.mu.Unlock()
	metrics.IncLifecycle(string(StateActivated))

	c.logger.Info("worker activated and controlling clients", "store", c.cfg.StoreName)
	return nil
}

// SkipWaiting marks the worker to activate without waiting and activates it
// if it is already installed.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	c.skipWaiting = true
	state := c.state
	c.mu.Unlock()

	if state == StateInstalled {
		return c.Activate(ctx)
	}
	return nil
}

// ClearCache deletes the current store generation. The next request
// recreates it empty.
func (c *Controller) ClearCache(ctx context.Context) error {
	deleted, err := c.storage.Delete(ctx, c.cfg.StoreName)
	if err != nil {
		return fmt.Errorf("clear cache %s: %w", c.cfg.StoreName, err)
	}
	c.logger.Info("cache cleared", "store", c.cfg.StoreName, "existed", deleted)
	return nil
}

// HandleMessage executes a control message.
func (c *Controller) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MsgSkipWaiting:
		metrics.IncControlMessage(msg.Type)
		return c.SkipWaiting(ctx)
	case MsgClearCache:
		metrics.IncControlMessage(msg.Type)
		return c.ClearCache(ctx)
	}
	metrics.IncControlMessage("unknown")
	return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}

// Status reports the lifecycle state together with the existing stores.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list stores: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:       c.state,
		StoreName:   c.cfg.StoreName,
		Controlling: c.controlling,
		SkipWaiting: c.skipWaiting,
		Stores:      names,
	}, nil
}
