// Package views holds the view controllers of the point of sale. Each view
// keeps its own copy of the records it shows, kept current through a cache
// subscription, and renders it as a terminal table.
package views

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/model"
)

// collection is a view-local copy of one kind.
type collection[T model.Entity] struct {
	name  string
	kind  model.Kind
	store *cache.Store

	mu       sync.RWMutex
	items    []T
	sub      cache.Subscription
	changed  func(cache.Notification)
	received int
}

func newCollection[T model.Entity](name string, kind model.Kind, store *cache.Store) *collection[T] {
	return &collection[T]{name: name, kind: kind, store: store}
}

// load fills the copy from the cache and subscribes to later changes. A
// second call reloads without subscribing again.
func (c *collection[T]) load(ctx context.Context) error {
	c.mu.Lock()
	subscribed := c.sub.ID != ""
	c.mu.Unlock()

	if !subscribed {
		sub, err := c.store.Subscribe(c.name, c.kind, c.apply)
		if err != nil {
			return fmt.Errorf("subscribing %s to %s: %w", c.name, c.kind, err)
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}

	list := c.store.GetData(ctx, c.kind)
	c.mu.Lock()
	c.items = typed[T](list)
	c.mu.Unlock()
	return nil
}

func (c *collection[T]) close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = cache.Subscription{}
	c.mu.Unlock()
	if sub.ID != "" {
		sub.Unsubscribe()
	}
}

// apply is the cache callback.
func (c *collection[T]) apply(n cache.Notification) error {
	c.mu.Lock()
	switch n.Action {
	case model.Created, model.Updated:
		rec, ok := n.Data.(T)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%s: unexpected %s payload %T", c.name, n.Action, n.Data)
		}
		i := c.index(rec.EntityID())
		switch {
		case i < 0:
			c.items = append(c.items, rec)
		case n.Action == model.Updated:
			c.items[i] = rec
		}
	case model.Deleted:
		id, ok := n.Data.(string)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%s: unexpected delete payload %T", c.name, n.Data)
		}
		if i := c.index(id); i >= 0 {
			c.items = append(c.items[:i:i], c.items[i+1:]...)
		}
	case model.Replaced:
		list, ok := n.Data.([]model.Entity)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%s: unexpected refresh payload %T", c.name, n.Data)
		}
		c.items = typed[T](list)
	default:
		c.mu.Unlock()
		return fmt.Errorf("%s: %w: %v", c.name, model.ErrUnknownAction, n.Action)
	}
	c.received++
	changed := c.changed
	c.mu.Unlock()

	if changed != nil {
		changed(n)
	}
	return nil
}

func (c *collection[T]) index(id string) int {
	for i, it := range c.items {
		if it.EntityID() == id {
			return i
		}
	}
	return -1
}

func (c *collection[T]) find(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.index(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

func (c *collection[T]) snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *collection[T]) notifications() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.received
}

func (c *collection[T]) onChange(fn func(cache.Notification)) {
	c.mu.Lock()
	c.changed = fn
	c.mu.Unlock()
}

func typed[T model.Entity](list []model.Entity) []T {
	out := make([]T, 0, len(list))
	for _, e := range list {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
