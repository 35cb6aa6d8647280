package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/kalambet/lensdesk/internal/apiclient"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
)

// registerExecutors teaches the queue how to replay every write the views
// can defer. A replayed write is announced on the bus exactly like a write
// that went through at once.
func (c *Core) registerExecutors() {
	c.Queue.Register(offline.ProductCreate, func(ctx context.Context, op offline.Operation) error {
		var p model.Product
		if err := op.Decode(&p); err != nil {
			return offline.Permanent(err)
		}
		created, err := c.Client.CreateProduct(ctx, p)
		if err != nil {
			return classify(err)
		}
		events.Publish(c.Bus, events.ProductCreated, created)
		return nil
	})

	c.Queue.Register(offline.ProductUpdate, func(ctx context.Context, op offline.Operation) error {
		var p model.Product
		if err := op.Decode(&p); err != nil {
			return offline.Permanent(err)
		}
		updated, err := c.Client.UpdateProduct(ctx, p.ID, p)
		if err != nil {
			return classify(err)
		}
		events.Publish(c.Bus, events.ProductUpdated, updated)
		return nil
	})

	c.Queue.Register(offline.ProductDelete, func(ctx context.Context, op offline.Operation) error {
		var id string
		if err := op.Decode(&id); err != nil {
			return offline.Permanent(err)
		}
		if err := c.Client.DeleteProduct(ctx, id); err != nil && !apiclient.IsNotFound(err) {
			return classify(err)
		}
		events.Publish(c.Bus, events.ProductDeleted, id)
		return nil
	})

	c.Queue.Register(offline.ProductStock, func(ctx context.Context, op offline.Operation) error {
		var s model.StockUpdate
		if err := op.Decode(&s); err != nil {
			return offline.Permanent(err)
		}
		if _, err := c.Client.UpdateProductStock(ctx, s.ProductID, s.Stock, s.StockSurtido); err != nil {
			return classify(err)
		}
		events.Publish(c.Bus, events.ProductStockUpdated, s)
		return nil
	})

	c.Queue.Register(offline.SaleCreate, func(ctx context.Context, op offline.Operation) error {
		var s model.Sale
		if err := op.Decode(&s); err != nil {
			return offline.Permanent(err)
		}
		created, err := c.Client.CreateSale(ctx, s)
		if err != nil {
			return classify(err)
		}
		events.Publish(c.Bus, events.SaleCreated, created)
		return nil
	})

	c.Queue.Register(offline.TransactionCreate, func(ctx context.Context, op offline.Operation) error {
		var t model.Transaction
		if err := op.Decode(&t); err != nil {
			return offline.Permanent(err)
		}
		created, err := c.Client.CreateTransaction(ctx, t)
		if err != nil {
			return classify(err)
		}
		events.Publish(c.Bus, events.TransactionCreated, created)
		return nil
	})

	c.Queue.Register(offline.UserCreate, func(ctx context.Context, op offline.Operation) error {
		var u model.User
		if err := op.Decode(&u); err != nil {
			return offline.Permanent(err)
		}
		created, err := c.Client.CreateUser(ctx, u)
		if err != nil {
			return classify(err)
		}
		events.Publish(c.Bus, events.UserCreated, created)
		return nil
	})

	c.Queue.Register(offline.UserUpdate, func(ctx context.Context, op offline.Operation) error {
		var u model.User
		if err := op.Decode(&u); err != nil {
			return offline.Permanent(err)
		}
		updated, err := c.Client.UpdateUser(ctx, u.ID, u)
		if err != nil {
			return classify(err)
		}
		events.Publish(c.Bus, events.UserUpdated, updated)
		return nil
	})

	c.Queue.Register(offline.UserDelete, func(ctx context.Context, op offline.Operation) error {
		var id string
		if err := op.Decode(&id); err != nil {
			return offline.Permanent(err)
		}
		if err := c.Client.DeleteUser(ctx, id); err != nil && !apiclient.IsNotFound(err) {
			return classify(err)
		}
		events.Publish(c.Bus, events.UserDeleted, id)
		return nil
	})
}

// classify marks client errors (4xx) as permanent so the retry policy does
// not repeat a write the backend has already refused, and a lost link as a
// halt so the operation waits for the next replay.
func classify(err error) error {
	if apiclient.IsUnreachable(err) {
		return offline.Halt(err)
	}
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) && apiErr.Status >= http.StatusBadRequest && apiErr.Status < http.StatusInternalServerError {
		return offline.Permanent(err)
	}
	return err
}
