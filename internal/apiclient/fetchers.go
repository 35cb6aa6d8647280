package apiclient

import (
	"context"

	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/model"
)

// salesFetchLimit bounds the sales list loaded into the cache.
const salesFetchLimit = 500

// Fetchers returns a cache loader per entity kind backed by c.
func (c *Client) Fetchers() map[model.Kind]cache.Fetcher {
	return map[model.Kind]cache.Fetcher{
		model.KindProducts: func(ctx context.Context) ([]model.Entity, error) {
			list, err := c.GetProducts(ctx)
			return cache.Entities(list), err
		},
		model.KindSales: func(ctx context.Context) ([]model.Entity, error) {
			list, err := c.GetSales(ctx, salesFetchLimit)
			return cache.Entities(list), err
		},
		model.KindTransactions: func(ctx context.Context) ([]model.Entity, error) {
			list, err := c.GetTransactions(ctx, TransactionParams{})
			return cache.Entities(list), err
		},
		model.KindUsers: func(ctx context.Context) ([]model.Entity, error) {
			list, err := c.GetUsers(ctx)
			return cache.Entities(list), err
		},
	}
}
