package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
)

// Products returns the cached catalog, fetching it when stale.
func (c *Core) Products(ctx context.Context) []model.Product {
	list := cache.Get[model.Product](ctx, c.Cache, model.KindProducts)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// LookupBarcode answers from the products view, then the backend.
func (c *Core) LookupBarcode(ctx context.Context, code string) (model.Product, error) {
	return c.ProductsView.LookupBarcode(ctx, code)
}

func (c *Core) SetStock(ctx context.Context, id string, stock int, surtido *int) (bool, error) {
	return c.ProductsView.SetStock(ctx, id, stock, surtido)
}

// RecentSales returns up to limit sales, newest first.
func (c *Core) RecentSales(ctx context.Context, limit int) []model.Sale {
	list := cache.Get[model.Sale](ctx, c.Cache, model.KindSales)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// QueueStatus counts pending and dead-lettered operations.
func (c *Core) QueueStatus() (int, int, error) {
	pending, err := c.Queue.Len()
	if err != nil {
		return 0, 0, err
	}
	dead, err := c.Queue.DeadLetters()
	if err != nil {
		return 0, 0, err
	}
	return pending, len(dead), nil
}

// Users returns the cached operators.
func (c *Core) Users(ctx context.Context) []model.User {
	list := cache.Get[model.User](ctx, c.Cache, model.KindUsers)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Username < list[j].Username })
	return list
}

// AddUser creates an operator, queueing the write while offline.
func (c *Core) AddUser(ctx context.Context, u model.User) (model.User, bool, error) {
	if u.Username == "" {
		return model.User{}, false, fmt.Errorf("username is required")
	}
	op, err := offline.NewOperation(offline.UserCreate, "create user "+u.Username, u)
	if err != nil {
		return model.User{}, false, err
	}
	created := u
	queued, err := c.Sync.Submit(ctx, op, func(ctx context.Context) error {
		var err error
		created, err = c.Client.CreateUser(ctx, u)
		return err
	})
	if err != nil || queued {
		return u, queued, err
	}
	events.Publish(c.Bus, events.UserCreated, created)
	return created, false, nil
}

// UpdateUser replaces an operator, queueing the write while offline.
func (c *Core) UpdateUser(ctx context.Context, u model.User) (model.User, bool, error) {
	if u.ID == "" {
		return model.User{}, false, fmt.Errorf("user id is required")
	}
	op, err := offline.NewOperation(offline.UserUpdate, "update user "+u.Username, u)
	if err != nil {
		return model.User{}, false, err
	}
	updated := u
	queued, err := c.Sync.Submit(ctx, op, func(ctx context.Context) error {
		var err error
		updated, err = c.Client.UpdateUser(ctx, u.ID, u)
		return err
	})
	if err != nil || queued {
		return u, queued, err
	}
	events.Publish(c.Bus, events.UserUpdated, updated)
	return updated, false, nil
}

// RemoveUser deletes an operator, queueing the write while offline.
func (c *Core) RemoveUser(ctx context.Context, id string) (bool, error) {
	op, err := offline.NewOperation(offline.UserDelete, "delete user "+id, id)
	if err != nil {
		return false, err
	}
	queued, err := c.Sync.Submit(ctx, op, func(ctx context.Context) error {
		return c.Client.DeleteUser(ctx, id)
	})
	if err != nil || queued {
		return queued, err
	}
	events.Publish(c.Bus, events.UserDeleted, id)
	return false, nil
}

// Status is a point-in-time health summary of the core.
type Status struct {
	Link        string             `json:"link"`
	Pending     int                `json:"pending_ops"`
	DeadLetters int                `json:"dead_letters"`
	Policy      string             `json:"failure_policy"`
	Bus         events.BusStats    `json:"bus"`
	BusHealth   events.Health      `json:"bus_health"`
	Cache       cache.HealthReport `json:"cache"`
	Views       []string           `json:"sync_listeners,omitempty"`
}

// Status gathers connectivity, queue, bus and cache health.
func (c *Core) Status() (Status, error) {
	pending, dead, err := c.QueueStatus()
	if err != nil {
		return Status{}, fmt.Errorf("reading offline queue: %w", err)
	}
	return Status{
		Link:        c.Sync.State().String(),
		Pending:     pending,
		DeadLetters: dead,
		Policy:      c.Queue.Policy().String(),
		Bus:         c.Bus.Stats(),
		BusHealth:   c.Bus.Health(),
		Cache:       c.Cache.Health(),
		Views:       c.Sync.Views(),
	}, nil
}
