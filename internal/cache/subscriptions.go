package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lensdesk/internal/breaker"
	"github.com/kalambet/lensdesk/internal/model"
)

// Notification sources.
const (
	SourceLocal    = "local"
	SourceExternal = "external"
	SourceRefresh  = "refresh"
)

// Notification is delivered to view subscribers when a kind changes. Data is
// a bare record, a record id for Deleted, or []model.Entity for Replaced.
type Notification struct {
	Action    model.Action `json:"action"`
	Data      any          `json:"data"`
	Kind      model.Kind   `json:"data_type"`
	Timestamp time.Time    `json:"timestamp"`
	Source    string       `json:"source"`
}

// Callback receives notifications for a subscribed kind.
type Callback func(Notification) error

type subscription struct {
	id        string
	view      string
	kind      model.Kind
	fn        Callback
	breaker   *breaker.Breaker
	createdAt time.Time
}

func subKey(kind model.Kind, view string) string {
	return string(kind) + ":" + view
}

// Subscription identifies a registered callback.
type Subscription struct {
	ID    string
	View  string
	Kind  model.Kind
	store *Store
}

// Unsubscribe removes this callback only.
func (s Subscription) Unsubscribe() bool {
	if s.store == nil {
		return false
	}
	return s.store.UnsubscribeID(s.View, s.Kind, s.ID)
}

// Subscribe registers fn for changes of kind under the view name. A view may
// hold several callbacks for the same kind.
func (s *Store) Subscribe(view string, kind model.Kind, fn Callback) (Subscription, error) {
	if strings.TrimSpace(view) == "" {
		return Subscription{}, fmt.Errorf("%w: empty view name", ErrInvalidArgument)
	}
	if !kind.Valid() {
		return Subscription{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, kind)
	}
	if fn == nil {
		return Subscription{}, fmt.Errorf("%w: nil callback", ErrInvalidArgument)
	}

	sub := &subscription{
		id:        uuid.New().String(),
		view:      view,
		kind:      kind,
		fn:        fn,
		breaker:   breaker.New(s.threshold),
		createdAt: s.clock.Now(),
	}
	key := subKey(kind, view)

	s.subMu.Lock()
	s.subs[key] = append(s.subs[key], sub)
	s.subMu.Unlock()

	s.logger.Debug("view subscribed", "view", view, "kind", kind, "subscription_id", sub.id)
	return Subscription{ID: sub.id, View: view, Kind: kind, store: s}, nil
}

// Unsubscribe removes every callback of view for kind, including tripped ones.
// It returns the number removed.
func (s *Store) Unsubscribe(view string, kind model.Kind) int {
	return s.unsubscribe(view, kind, func(*subscription) bool { return true })
}

// UnsubscribeID removes a single callback.
func (s *Store) UnsubscribeID(view string, kind model.Kind, id string) bool {
	return s.unsubscribe(view, kind, func(sub *subscription) bool { return sub.id == id }) > 0
}

func (s *Store) unsubscribe(view string, kind model.Kind, match func(*subscription) bool) int {
	key := subKey(kind, view)
	s.subMu.Lock()
	defer s.subMu.Unlock()

	removed := 0
	for id, sub := range s.tripped {
		if sub.kind == kind && sub.view == view && match(sub) {
			delete(s.tripped, id)
			removed++
		}
	}
	list := s.subs[key]
	kept := list[:0:0]
	for _, sub := range list {
		if match(sub) {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	if len(kept) == 0 {
		delete(s.subs, key)
	} else {
		s.subs[key] = kept
	}
	return removed
}

// snapshotFor returns the active subscriptions of kind across all views,
// ordered by view name then registration.
func (s *Store) snapshotFor(kind model.Kind) []*subscription {
	prefix := string(kind) + ":"
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	keys := make([]string, 0, len(s.subs))
	for key := range s.subs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var out []*subscription
	for _, key := range keys {
		out = append(out, s.subs[key]...)
	}
	return out
}

// NotifySubscribers delivers a locally sourced notification to every callback
// subscribed to kind. It returns the number of callbacks that failed.
func (s *Store) NotifySubscribers(kind model.Kind, action model.Action, data any) int {
	return s.Notify(Notification{Action: action, Data: data, Kind: kind, Source: SourceLocal})
}

// Notify delivers n to every callback subscribed to n.Kind. Callback errors and
// panics are recovered and counted; a callback whose breaker opens is removed
// from its list and reported by TrippedSubscriptions.
func (s *Store) Notify(n Notification) int {
	if n.Timestamp.IsZero() {
		n.Timestamp = s.clock.Now()
	}
	if n.Source == "" {
		n.Source = SourceLocal
	}

	failed := 0
	for _, sub := range s.snapshotFor(n.Kind) {
		if !sub.breaker.Allow() {
			continue
		}
		err := call(sub.fn, n.copyData())
		at := s.clock.Now()
		if err == nil {
			sub.breaker.Success(at)
			continue
		}
		failed++
		s.errorCount.Add(1)
		s.logger.Error("subscriber callback failed", "view", sub.view, "kind", sub.kind, "subscription_id", sub.id, "error", err)
		if sub.breaker.Failure(at, err) {
			s.trip(sub)
		}
	}
	return failed
}

// copyData gives each callback its own copy of the records in n.
func (n Notification) copyData() Notification {
	switch v := n.Data.(type) {
	case []model.Entity:
		n.Data = model.CloneAll(v)
	case model.Entity:
		n.Data = model.Clone(v)
	}
	return n
}

func (s *Store) trip(sub *subscription) {
	key := subKey(sub.kind, sub.view)
	s.subMu.Lock()
	list := s.subs[key]
	for i, existing := range list {
		if existing == sub {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(s.subs, key)
			} else {
				s.subs[key] = list
			}
			s.tripped[sub.id] = sub
			break
		}
	}
	s.subMu.Unlock()

	s.recorder.SubscriberTripped(sub.kind)
	s.logger.Warn("subscription circuit opened", "view", sub.view, "kind", sub.kind, "subscription_id", sub.id)
}

func call(fn Callback, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(n)
}

// ResetSubscription closes a tripped subscription's breaker and restores it.
func (s *Store) ResetSubscription(id string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	sub, ok := s.tripped[id]
	if !ok {
		return false
	}
	delete(s.tripped, id)
	sub.breaker.Reset()
	key := subKey(sub.kind, sub.view)
	s.subs[key] = append(s.subs[key], sub)
	return true
}

// SubscriptionInfo describes a registered callback.
type SubscriptionInfo struct {
	ID         string        `json:"id"`
	View       string        `json:"view"`
	Kind       model.Kind    `json:"kind"`
	State      breaker.State `json:"state"`
	Calls      int           `json:"calls"`
	Failures   int           `json:"failures"`
	LastCalled time.Time     `json:"last_called"`
	LastError  string        `json:"last_error,omitempty"`
}

func subInfo(sub *subscription) SubscriptionInfo {
	snap := sub.breaker.Snapshot()
	return SubscriptionInfo{
		ID:         sub.id,
		View:       sub.view,
		Kind:       sub.kind,
		State:      snap.State,
		Calls:      snap.Calls,
		Failures:   snap.Failures,
		LastCalled: snap.LastCalled,
		LastError:  snap.LastError,
	}
}

// Subscriptions lists active callbacks, optionally filtered by kind.
func (s *Store) Subscriptions(kind model.Kind) []SubscriptionInfo {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	var out []SubscriptionInfo
	for _, list := range s.subs {
		for _, sub := range list {
			if kind == "" || sub.kind == kind {
				out = append(out, subInfo(sub))
			}
		}
	}
	sortInfos(out)
	return out
}

// TrippedSubscriptions lists callbacks whose circuit is open.
func (s *Store) TrippedSubscriptions() []SubscriptionInfo {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	out := make([]SubscriptionInfo, 0, len(s.tripped))
	for _, sub := range s.tripped {
		out = append(out, subInfo(sub))
	}
	sortInfos(out)
	return out
}

func sortInfos(list []SubscriptionInfo) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Kind != list[j].Kind {
			return list[i].Kind < list[j].Kind
		}
		if list[i].View != list[j].View {
			return list[i].View < list[j].View
		}
		return list[i].ID < list[j].ID
	})
}
