// Package syncer keeps every view consistent after a product change, whether
// the change was made locally or arrived on the push channel, and routes
// writes to the offline queue while the backend is unreachable.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/lensdesk/internal/apiclient"
	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
)

var (
	// ErrMissingID is returned for an update without a product id.
	ErrMissingID = errors.New("missing product id")
	// ErrInvalidArgument is returned for malformed subscriptions.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoQueue is returned by Submit when offline and no queue is configured.
	ErrNoQueue = errors.New("no offline queue configured")
)

// Event types delivered to generic listeners.
const (
	EventProductUpdated = model.PushProductUpdated
	EventStockUpdated   = model.PushStockUpdated
	EventForceRefresh   = "force:refresh"
)

// AttachPriority is the priority of the coordinator's bus listeners.
const AttachPriority = 100

// Listener receives every synchronization event regardless of kind.
type Listener func(eventType string, data any)

type listener struct {
	id   string
	view string
	fn   Listener
}

// Options configures a Coordinator.
type Options struct {
	Cache  *cache.Store
	Bus    *events.Bus    // optional; sync:* and notification events are published here
	Queue  *offline.Queue // optional; required for Submit while offline
	Logger *slog.Logger
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cache  *cache.Store
	bus    *events.Bus
	queue  *offline.Queue
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []listener

	stateMu  sync.Mutex
	state    State
	buffered []pushEvent
}

// New creates a Coordinator in the Connected state.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		cache:  opts.Cache,
		bus:    opts.Bus,
		queue:  opts.Queue,
		logger: opts.Logger,
		state:  Connected,
	}
}

// Subscribe registers fn for every synchronization event. The returned
// function removes it.
func (c *Coordinator) Subscribe(view string, fn Listener) (string, func() bool, error) {
	if strings.TrimSpace(view) == "" {
		return "", nil, fmt.Errorf("%w: empty view name", ErrInvalidArgument)
	}
	if fn == nil {
		return "", nil, fmt.Errorf("%w: nil listener for %s", ErrInvalidArgument, view)
	}
	id := uuid.New().String()
	c.mu.Lock()
	c.listeners = append(c.listeners, listener{id: id, view: view, fn: fn})
	c.mu.Unlock()
	return id, func() bool { return c.Unsubscribe(id) }, nil
}

// Unsubscribe removes the listener id.
func (c *Coordinator) Unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Views lists the views holding a generic listener, sorted.
func (c *Coordinator) Views() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, l := range c.listeners {
		if !seen[l.view] {
			seen[l.view] = true
			out = append(out, l.view)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) broadcast(eventType string, data any) {
	c.mu.RLock()
	snapshot := make([]listener, len(c.listeners))
	copy(snapshot, c.listeners)
	c.mu.RUnlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("sync listener panicked", "view", l.view, "event", eventType, "panic", r)
				}
			}()
			l.fn(eventType, data)
		}()
	}
}

// BroadcastProductUpdate applies a locally made product update.
func (c *Coordinator) BroadcastProductUpdate(p model.Product) error {
	return c.applyProduct(p, cache.SourceLocal)
}

// BroadcastStockUpdate applies a locally made stock change.
func (c *Coordinator) BroadcastStockUpdate(s model.StockUpdate) error {
	return c.applyStock(s, cache.SourceLocal)
}

// HandleExternalUpdate applies a product update received from the push
// channel and tells the user about it. While the offline queue drains the
// update is buffered and applied afterwards.
func (c *Coordinator) HandleExternalUpdate(p model.Product) error {
	if p.ID == "" {
		return ErrMissingID
	}
	if c.buffer(pushEvent{product: &p}) {
		return nil
	}
	return c.applyExternal(pushEvent{product: &p})
}

// HandleExternalStockUpdate is HandleExternalUpdate for stock changes.
func (c *Coordinator) HandleExternalStockUpdate(s model.StockUpdate) error {
	if s.ProductID == "" {
		return ErrMissingID
	}
	if c.buffer(pushEvent{stock: &s}) {
		return nil
	}
	return c.applyExternal(pushEvent{stock: &s})
}

func (c *Coordinator) applyExternal(ev pushEvent) error {
	if ev.product != nil {
		if err := c.applyProduct(*ev.product, cache.SourceExternal); err != nil {
			return err
		}
		name := ev.product.Name
		if name == "" {
			name = ev.product.ID
		}
		c.notice("info", fmt.Sprintf("Product %s was updated on another terminal", name))
		return nil
	}
	if err := c.applyStock(*ev.stock, cache.SourceExternal); err != nil {
		return err
	}
	c.notice("info", fmt.Sprintf("Stock of %s changed to %d", ev.stock.ProductID, ev.stock.Stock))
	return nil
}

func (c *Coordinator) applyProduct(p model.Product, source string) error {
	if p.ID == "" {
		return ErrMissingID
	}
	if err := c.cache.UpdateCache(model.KindProducts, model.Updated, p); err != nil {
		return fmt.Errorf("caching product %s: %w", p.ID, err)
	}
	c.cache.Notify(cache.Notification{Action: model.Updated, Data: p, Kind: model.KindProducts, Source: source})
	c.broadcast(EventProductUpdated, p)
	publishOn(c.bus, events.ProductSynced, events.SyncConfirmation{ID: p.ID, Source: source})
	return nil
}

// applyStock merges the counters into the cached product. Subscribers of
// products see the merged record; a product that is not cached is left to the
// next fetch.
func (c *Coordinator) applyStock(s model.StockUpdate, source string) error {
	if s.ProductID == "" {
		return ErrMissingID
	}
	merged, ok := c.cache.Patch(model.KindProducts, s.ProductID, func(e model.Entity) model.Entity {
		p, isProduct := e.(model.Product)
		if !isProduct {
			return nil
		}
		return s.Apply(p)
	})
	if ok {
		c.cache.Notify(cache.Notification{Action: model.Updated, Data: merged, Kind: model.KindProducts, Source: source})
	} else {
		c.logger.Debug("stock update for uncached product", "product_id", s.ProductID)
	}
	c.broadcast(EventStockUpdated, s)
	publishOn(c.bus, events.StockSynced, events.SyncConfirmation{ID: s.ProductID, Source: source})
	return nil
}

// ForceGlobalSync refreshes every kind and tells generic listeners to reload.
func (c *Coordinator) ForceGlobalSync(ctx context.Context) map[model.Kind]error {
	outcome := c.cache.RefreshAllData(ctx)
	report := events.ForceRefresh{}
	for kind, err := range outcome {
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[model.Kind]string)
			}
			report.Failed[kind] = err.Error()
		}
	}
	c.broadcast(EventForceRefresh, report)
	publishOn(c.bus, events.SyncForced, report)
	if len(report.Failed) > 0 {
		c.notice("warning", fmt.Sprintf("Sync incomplete: %d of %d kinds failed", len(report.Failed), len(outcome)))
	}
	return outcome
}

// Attach subscribes the coordinator to product update topics on bus.
func (c *Coordinator) Attach(bus *events.Bus) ([]events.Registration, error) {
	var regs []events.Registration
	keep := func(reg events.Registration, err error) error {
		if err != nil {
			return err
		}
		regs = append(regs, reg)
		return nil
	}
	prio := events.WithPriority(AttachPriority)

	err := errors.Join(
		keep(events.Subscribe(bus, events.ProductUpdated, c.BroadcastProductUpdate, prio)),
		keep(events.Subscribe(bus, events.ProductStockUpdated, c.BroadcastStockUpdate, prio)),
		keep(events.Subscribe(bus, events.ExternalProductUpdated, c.HandleExternalUpdate, prio)),
		keep(events.Subscribe(bus, events.ExternalStockUpdated, c.HandleExternalStockUpdate, prio)),
	)
	if err != nil {
		for _, reg := range regs {
			reg.Unsubscribe()
		}
		return nil, fmt.Errorf("attaching sync coordinator: %w", err)
	}
	return regs, nil
}

// Submit performs write, or queues op when the backend is known to be
// offline or write finds it unreachable. It reports whether op was queued.
func (c *Coordinator) Submit(ctx context.Context, op offline.Operation, write func(ctx context.Context) error) (bool, error) {
	if c.State() == Connected {
		err := write(ctx)
		if err == nil {
			return false, nil
		}
		if !apiclient.IsUnreachable(err) {
			return false, err
		}
		c.logger.Warn("backend unreachable, deferring write", "kind", op.Kind, "error", err)
		c.SetOffline()
	}

	if c.queue == nil {
		return false, ErrNoQueue
	}
	queued, err := c.queue.Enqueue(ctx, op)
	if err != nil {
		return false, err
	}
	publishOn(c.bus, events.OpQueued, events.OfflineQueued{ID: queued.ID, Kind: string(queued.Kind), Description: queued.Description})
	c.notice("warning", "Offline: "+queued.Description+" will be sent when the connection returns")
	return true, nil
}

func (c *Coordinator) notice(level, msg string) {
	publishOn(c.bus, events.NoticeShown, events.Notice{Level: level, Message: msg})
}

func publishOn[T any](bus *events.Bus, t events.Topic[T], v T) {
	if bus != nil {
		events.Publish(bus, t, v)
	}
}
