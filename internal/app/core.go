// Package app builds the client core once per process and hands it to the
// CLI, the dashboard and the MCP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/kalambet/lensdesk/internal/apiclient"
	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/config"
	"github.com/kalambet/lensdesk/internal/eventlog"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/metrics"
	"github.com/kalambet/lensdesk/internal/offline"
	"github.com/kalambet/lensdesk/internal/storage"
	"github.com/kalambet/lensdesk/internal/syncer"
	"github.com/kalambet/lensdesk/internal/views"
)

// ClientDir is the directory under storage.data_dir holding the client
// database (offline queue and event log). The embedded backend keeps its
// catalog in storage.data_dir itself.
const ClientDir = "client"

// Options configures New.
type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Metrics receives bus, cache and queue metrics. Optional.
	Metrics *metrics.Metrics
	// Store overrides the client database opened under ClientDir.
	Store *storage.Store
	// ClientOptions are passed to the backend client after the configured
	// timeout.
	ClientOptions []apiclient.Option
}

// Core owns every long-lived component of the client. Build it with New,
// call Start once, and Close when done.
type Core struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Store  *storage.Store
	Client *apiclient.Client
	Bus    *events.Bus
	Cache  *cache.Store
	Queue  *offline.Queue
	Sync   *syncer.Coordinator
	Events *eventlog.Log

	ProductsView     *views.ProductsView
	SalesView        *views.SalesView
	TransactionsView *views.TransactionsView

	push      *syncer.PushClient
	regs      []events.Registration
	ownsStore bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the core. Nothing talks to the backend until Start.
func New(opts Options) (*Core, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := opts.Store
	ownsStore := false
	if store == nil {
		var err error
		store, err = storage.Open(filepath.Join(cfg.Storage.DataDir, ClientDir))
		if err != nil {
			return nil, fmt.Errorf("opening client storage: %w", err)
		}
		ownsStore = true
	}

	policy, err := offline.ParsePolicy(cfg.Offline.FailurePolicy)
	if err != nil {
		if ownsStore {
			store.Close()
		}
		return nil, err
	}

	c := &Core{
		Config:    cfg,
		Logger:    logger,
		Metrics:   opts.Metrics,
		Store:     store,
		ownsStore: ownsStore,
	}

	clientOpts := append([]apiclient.Option{apiclient.WithTimeout(cfg.Client.Timeout)}, opts.ClientOptions...)
	c.Client = apiclient.New(cfg.BackendURL(), cfg.Auth.APIToken, clientOpts...)

	busOpts := events.Options{
		HistorySize:      cfg.Bus.HistorySize,
		BreakerThreshold: cfg.Bus.BreakerThreshold,
		Logger:           logger.With("component", "events"),
	}
	cacheOpts := cache.Options{
		MaxAge:           cfg.Cache.MaxAge,
		MemoryLimit:      int64(cfg.Cache.MemoryLimitBytes),
		BreakerThreshold: cfg.Cache.SubscriberBreakerThreshold,
		Fetchers:         c.Client.Fetchers(),
		Logger:           logger.With("component", "cache"),
	}
	queueOpts := offline.Options{
		ReplayDelay: cfg.Offline.ReplayDelay,
		Policy:      policy,
		MaxAttempts: cfg.Offline.MaxAttempts,
		Logger:      logger.With("component", "offline"),
	}
	if opts.Metrics != nil {
		busOpts.Recorder = opts.Metrics
		cacheOpts.Recorder = opts.Metrics
		queueOpts.Recorder = opts.Metrics
	}

	c.Bus = events.New(busOpts)
	cacheOpts.Bus = c.Bus
	c.Cache = cache.New(cacheOpts)
	c.Queue = offline.New(store, queueOpts)
	c.Sync = syncer.New(syncer.Options{
		Cache:  c.Cache,
		Bus:    c.Bus,
		Queue:  c.Queue,
		Logger: logger.With("component", "sync"),
	})
	c.Events = eventlog.New(store, cfg.EventLog.Capacity, logger.With("component", "eventlog"))

	if err := c.attach(); err != nil {
		c.Close()
		return nil, err
	}
	c.registerExecutors()

	c.ProductsView = views.NewProducts(views.ProductsOptions{
		Cache:  c.Cache,
		Bus:    c.Bus,
		API:    c.Client,
		Sync:   c.Sync,
		Logger: logger.With("component", "views"),
	})
	c.SalesView = views.NewSales(c.Cache, c.Bus, c.Client, c.Sync)
	c.TransactionsView = views.NewTransactions(c.Cache, c.Bus, c.Client, c.Sync)

	if cfg.Push.Enabled {
		c.push, err = syncer.NewPushClient(c.Sync, syncer.PushOptions{
			BaseURL: cfg.BackendURL(),
			Token:   cfg.Auth.APIToken,
			Bus:     c.Bus,
			Logger:  logger.With("component", "push"),
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("creating push client: %w", err)
		}
	}
	return c, nil
}

func (c *Core) attach() error {
	for _, attach := range []func(*events.Bus) ([]events.Registration, error){
		c.Cache.Attach,
		c.Sync.Attach,
		c.Events.Attach,
	} {
		regs, err := attach(c.Bus)
		if err != nil {
			return fmt.Errorf("attaching to event bus: %w", err)
		}
		c.regs = append(c.regs, regs...)
	}
	return nil
}

// Start runs the bus loop and the push channel, loads the views and replays
// operations left in the queue by an earlier session. View loading falls
// back to empty lists when the backend is down. Without a push channel the
// backend is probed once, and an unreachable backend starts the link
// disconnected.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("core already started")
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Bus.Run(ctx)
	}()

	for _, v := range []interface{ Load(context.Context) error }{c.ProductsView, c.SalesView, c.TransactionsView} {
		if err := v.Load(ctx); err != nil {
			return fmt.Errorf("loading views: %w", err)
		}
	}

	pending, err := c.Queue.Len()
	if err != nil {
		return fmt.Errorf("reading offline queue: %w", err)
	}

	if c.push != nil {
		// The first connect drains what an earlier session left behind.
		if pending > 0 {
			c.Sync.SetOffline()
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.push.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.Logger.Error("push channel stopped", "error", err)
			}
		}()
		return nil
	}

	if _, err := c.Client.Health(ctx); apiclient.IsUnreachable(err) {
		c.Sync.SetOffline()
		return nil
	}
	if pending > 0 {
		if _, err := c.Sync.ReplayQueue(ctx); err != nil {
			c.Logger.Warn("replaying offline queue", "error", err)
		}
	}
	return nil
}

// Close stops the background goroutines, drops every registration and
// closes the client database when New opened it.
func (c *Core) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if c.ProductsView != nil {
		c.ProductsView.Close()
		c.SalesView.Close()
		c.TransactionsView.Close()
	}
	for _, r := range c.regs {
		r.Unsubscribe()
	}
	c.regs = nil
	if c.Bus != nil {
		c.Bus.Flush()
	}

	if c.ownsStore && c.Store != nil {
		err := c.Store.Close()
		c.Store = nil
		if err != nil {
			return fmt.Errorf("closing client storage: %w", err)
		}
	}
	return nil
}
