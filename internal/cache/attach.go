package cache

import (
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
)

// AttachPriority runs cache handlers ahead of ordinary listeners so that a
// domain event has mutated the cache before anyone else observes it.
const AttachPriority = 100

// Attach subscribes the store to the domain topics it owns. Each handler
// updates the cache first and then notifies view subscribers. Product updates
// and stock patches belong to the sync coordinator and are not handled here.
func (s *Store) Attach(bus *events.Bus) ([]events.Registration, error) {
	var (
		regs     []events.Registration
		firstErr error
	)
	keep := func(r events.Registration, err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err == nil {
			regs = append(regs, r)
		}
	}
	opt := events.WithPriority(AttachPriority)

	keep(events.Subscribe(bus, events.ProductCreated, func(p model.Product) error {
		return s.apply(model.KindProducts, model.Created, p)
	}, opt))
	keep(events.Subscribe(bus, events.ProductDeleted, func(id string) error {
		return s.apply(model.KindProducts, model.Deleted, id)
	}, opt))
	keep(events.Subscribe(bus, events.SaleCreated, func(v model.Sale) error {
		return s.apply(model.KindSales, model.Created, v)
	}, opt))
	keep(events.Subscribe(bus, events.SaleDeleted, func(id string) error {
		return s.apply(model.KindSales, model.Deleted, id)
	}, opt))
	keep(events.Subscribe(bus, events.TransactionCreated, func(v model.Transaction) error {
		return s.apply(model.KindTransactions, model.Created, v)
	}, opt))
	keep(events.Subscribe(bus, events.UserCreated, func(v model.User) error {
		return s.apply(model.KindUsers, model.Created, v)
	}, opt))
	keep(events.Subscribe(bus, events.UserUpdated, func(v model.User) error {
		return s.apply(model.KindUsers, model.Updated, v)
	}, opt))
	keep(events.Subscribe(bus, events.UserDeleted, func(id string) error {
		return s.apply(model.KindUsers, model.Deleted, id)
	}, opt))

	if firstErr != nil {
		for _, r := range regs {
			r.Unsubscribe()
		}
		return nil, firstErr
	}
	return regs, nil
}

// apply is mutate-then-notify.
func (s *Store) apply(kind model.Kind, action model.Action, data any) error {
	if err := s.UpdateCache(kind, action, data); err != nil {
		return err
	}
	s.NotifySubscribers(kind, action, data)
	return nil
}
