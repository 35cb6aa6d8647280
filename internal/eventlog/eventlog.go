// Package eventlog persists a capped history of domain events so that the
// changes of a session can be inspected after a crash.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/storage"
)

// DefaultCapacity is the number of events kept when no capacity is configured.
const DefaultCapacity = 1000

// AttachPriority runs the log after every state-changing listener.
const AttachPriority = -100

// Store is the persistence the log needs.
type Store interface {
	AppendEvent(event, payloadJSON string, capacity int) (storage.EventRecord, error)
	RecentEvents(limit int) ([]storage.EventRecord, error)
	ClearEvents() error
}

// Entry is one logged event.
type Entry struct {
	Seq     int64           `json:"seq"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Log appends events to Store, keeping the newest Capacity.
type Log struct {
	store    Store
	capacity int
	logger   *slog.Logger
}

// New creates a Log over store. capacity <= 0 selects DefaultCapacity.
func New(store Store, capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, capacity: capacity, logger: logger}
}

// Record persists one event.
func (l *Log) Record(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}
	if _, err := l.store.AppendEvent(event, string(raw), l.capacity); err != nil {
		l.logger.Warn("failed to persist event", "event", event, "error", err)
		return fmt.Errorf("persisting %s: %w", event, err)
	}
	return nil
}

// Recent returns up to limit newest entries, oldest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.store.RecentEvents(limit)
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{Seq: r.Seq, Event: r.Event, Payload: json.RawMessage(r.PayloadJSON), At: r.CreatedAt})
	}
	return out, nil
}

// Clear empties the log.
func (l *Log) Clear() error {
	if err := l.store.ClearEvents(); err != nil {
		return fmt.Errorf("clearing event log: %w", err)
	}
	return nil
}

// Attach logs every domain, push and offline event published on bus.
func (l *Log) Attach(bus *events.Bus) ([]events.Registration, error) {
	var regs []events.Registration
	var errs []error
	keep := func(reg events.Registration, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		regs = append(regs, reg)
	}

	keep(follow(l, bus, events.ProductCreated))
	keep(follow(l, bus, events.ProductUpdated))
	keep(follow(l, bus, events.ProductDeleted))
	keep(follow(l, bus, events.ProductStockUpdated))
	keep(follow(l, bus, events.SaleCreated))
	keep(follow(l, bus, events.SaleDeleted))
	keep(follow(l, bus, events.TransactionCreated))
	keep(follow(l, bus, events.UserCreated))
	keep(follow(l, bus, events.UserUpdated))
	keep(follow(l, bus, events.UserDeleted))
	keep(follow(l, bus, events.ExternalProductUpdated))
	keep(follow(l, bus, events.ExternalStockUpdated))
	keep(follow(l, bus, events.OpQueued))
	keep(follow(l, bus, events.OpsProcessed))
	keep(follow(l, bus, events.NetworkChanged))
	keep(follow(l, bus, events.SyncForced))

	if err := errors.Join(errs...); err != nil {
		for _, reg := range regs {
			reg.Unsubscribe()
		}
		return nil, fmt.Errorf("attaching event log: %w", err)
	}
	return regs, nil
}

func follow[T any](l *Log, bus *events.Bus, t events.Topic[T]) (events.Registration, error) {
	return events.Subscribe(bus, t, func(v T) error {
		return l.Record(t.Name(), v)
	}, events.WithPriority(AttachPriority))
}
