package cache

import (
	"errors"
	"testing"

	"github.com/kalambet/lensdesk/internal/breaker"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
)

func TestSubscribeValidation(t *testing.T) {
	s := New(Options{})
	cb := func(Notification) error { return nil }

	if _, err := s.Subscribe("", model.KindProducts, cb); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty view: %v", err)
	}
	if _, err := s.Subscribe("v", "lenses", cb); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown kind: %v", err)
	}
	if _, err := s.Subscribe("v", model.KindProducts, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil callback: %v", err)
	}
}

func TestNotifyReachesEveryViewOfKind(t *testing.T) {
	s := New(Options{})
	var a, b, other int
	s.Subscribe("viewA", model.KindProducts, func(Notification) error { a++; return nil })
	s.Subscribe("viewB", model.KindProducts, func(Notification) error { b++; return nil })
	s.Subscribe("viewA", model.KindSales, func(Notification) error { other++; return nil })

	if failed := s.NotifySubscribers(model.KindProducts, model.Created, model.Product{ID: "p1"}); failed != 0 {
		t.Errorf("failed = %d", failed)
	}
	if a != 1 || b != 1 || other != 0 {
		t.Errorf("a=%d b=%d other=%d", a, b, other)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New(Options{})
	var calls int
	s.Subscribe("viewA", model.KindProducts, func(Notification) error { calls++; return nil })
	s.Subscribe("viewA", model.KindProducts, func(Notification) error { calls++; return nil })
	keep, _ := s.Subscribe("viewB", model.KindProducts, func(Notification) error { return nil })

	if n := s.Unsubscribe("viewA", model.KindProducts); n != 2 {
		t.Errorf("Unsubscribe removed %d, want 2", n)
	}
	s.NotifySubscribers(model.KindProducts, model.Created, model.Product{ID: "p1"})
	if calls != 0 {
		t.Errorf("removed callbacks called %d times", calls)
	}

	if !keep.Unsubscribe() {
		t.Error("Subscription.Unsubscribe returned false")
	}
	if len(s.Subscriptions("")) != 0 {
		t.Errorf("subscriptions left: %+v", s.Subscriptions(""))
	}
}

func TestFailingSubscriberTripsAfterFive(t *testing.T) {
	s := New(Options{})
	var good int
	bad, _ := s.Subscribe("broken", model.KindProducts, func(Notification) error { return errors.New("render failed") })
	s.Subscribe("healthy", model.KindProducts, func(Notification) error { good++; return nil })

	for i := 0; i < 5; i++ {
		if failed := s.NotifySubscribers(model.KindProducts, model.Updated, model.Product{ID: "p1"}); failed != 1 {
			t.Fatalf("round %d failed = %d, want 1", i, failed)
		}
	}
	if failed := s.NotifySubscribers(model.KindProducts, model.Updated, model.Product{ID: "p1"}); failed != 0 {
		t.Errorf("tripped subscriber still invoked")
	}
	if good != 6 {
		t.Errorf("healthy subscriber calls = %d, want 6", good)
	}

	tripped := s.TrippedSubscriptions()
	if len(tripped) != 1 || tripped[0].ID != bad.ID || tripped[0].State != breaker.Open || tripped[0].Failures != 5 {
		t.Fatalf("tripped = %+v", tripped)
	}
	if tripped[0].LastError != "render failed" {
		t.Errorf("LastError = %q", tripped[0].LastError)
	}

	if !s.ResetSubscription(bad.ID) {
		t.Fatal("ResetSubscription returned false")
	}
	if len(s.Subscriptions(model.KindProducts)) != 2 {
		t.Errorf("subscriptions after reset = %d, want 2", len(s.Subscriptions(model.KindProducts)))
	}
}

func TestSubscriberSuccessResetsConsecutiveFailures(t *testing.T) {
	s := New(Options{BreakerThreshold: 2})
	fail := true
	s.Subscribe("flaky", model.KindUsers, func(Notification) error {
		if fail {
			return errors.New("x")
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		fail = true
		s.NotifySubscribers(model.KindUsers, model.Created, model.User{ID: "u1"})
		fail = false
		s.NotifySubscribers(model.KindUsers, model.Created, model.User{ID: "u1"})
	}
	if len(s.TrippedSubscriptions()) != 0 {
		t.Error("alternating failures should not trip the breaker")
	}
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	s := New(Options{})
	var after bool
	s.Subscribe("a", model.KindSales, func(Notification) error { panic("nil map") })
	s.Subscribe("b", model.KindSales, func(Notification) error { after = true; return nil })

	if failed := s.NotifySubscribers(model.KindSales, model.Created, model.Sale{ID: "s1"}); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if !after {
		t.Error("subscriber after the panicking one not called")
	}
}

// Subscribing a view and emitting a created product calls the callback once
// with the created action and the products kind.
func TestCreatedProductEventReachesSubscribedView(t *testing.T) {
	bus := events.New(events.Options{})
	s := New(Options{Bus: bus})
	if _, err := s.Attach(bus); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var got []Notification
	s.Subscribe("viewA", model.KindProducts, func(n Notification) error {
		if _, ok := s.Lookup(model.KindProducts, "p1"); !ok {
			t.Error("notified before the cache was updated")
		}
		got = append(got, n)
		return nil
	})

	p := model.Product{ID: "p1", Name: "LenteX", Stock: 10}
	if !events.Publish(bus, events.ProductCreated, p) {
		t.Fatal("Publish reported listener failure")
	}

	if len(got) != 1 {
		t.Fatalf("callback calls = %d, want 1", len(got))
	}
	n := got[0]
	if n.Action != model.Created || n.Kind != model.KindProducts || n.Source != SourceLocal {
		t.Errorf("notification = %+v", n)
	}
	if data, ok := n.Data.(model.Product); !ok || data.ID != "p1" {
		t.Errorf("data = %#v", n.Data)
	}
	if list := s.entries[model.KindProducts].records; len(list) != 1 {
		t.Errorf("cached products = %d, want 1", len(list))
	}

	s.Unsubscribe("viewA", model.KindProducts)
	events.Publish(bus, events.ProductCreated, model.Product{ID: "p2"})
	if len(got) != 1 {
		t.Errorf("unsubscribed callback called again")
	}
}

func TestAttachHandlesDeletes(t *testing.T) {
	bus := events.New(events.Options{})
	s := New(Options{})
	s.Attach(bus)

	events.Publish(bus, events.UserCreated, model.User{ID: "u1"})
	events.Publish(bus, events.UserDeleted, "u1")
	if _, ok := s.Lookup(model.KindUsers, "u1"); ok {
		t.Error("u1 still cached")
	}

	if events.Publish(bus, events.SaleDeleted, "") {
		t.Error("empty id delete should fail the cache listener")
	}
}
