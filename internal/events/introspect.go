package events

import (
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/lensdesk/internal/breaker"
)

// ListenerInfo describes a registered listener.
type ListenerInfo struct {
	ID         string        `json:"id"`
	Event      string        `json:"event"`
	Priority   int           `json:"priority"`
	Once       bool          `json:"once"`
	State      breaker.State `json:"state"`
	Calls      int           `json:"calls"`
	Failures   int           `json:"failures"`
	LastCalled time.Time     `json:"last_called"`
	Registered time.Time     `json:"registered"`
}

func infoOf(l *listener) ListenerInfo {
	snap := l.breaker.Snapshot()
	return ListenerInfo{
		ID:         l.id,
		Event:      l.event,
		Priority:   l.priority,
		Once:       l.once,
		State:      snap.State,
		Calls:      snap.Calls,
		Failures:   snap.Failures,
		LastCalled: snap.LastCalled,
		Registered: l.createdAt,
	}
}

// Listeners returns the active listeners of event in invocation order.
func (b *Bus) Listeners(event string) []ListenerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.listeners[event]
	out := make([]ListenerInfo, 0, len(list))
	for _, l := range list {
		out = append(out, infoOf(l))
	}
	return out
}

// ListenerCount returns the number of active listeners of event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// EventNames returns every event with at least one active listener.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tripped returns listeners whose circuit is open.
func (b *Bus) Tripped() []ListenerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ListenerInfo, 0, len(b.tripped))
	for _, l := range b.tripped {
		out = append(out, infoOf(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Registered.Before(out[j].Registered) })
	return out
}

// History returns up to n most recent entries, oldest first.
func (b *Bus) History(n int) []Entry {
	return b.history.last(n)
}

// ClearHistory drops all history entries.
func (b *Bus) ClearHistory() {
	b.history.clear()
}

// BusStats is a snapshot of bus counters.
type BusStats struct {
	Events      int   `json:"events"`
	Listeners   int   `json:"listeners"`
	Tripped     int   `json:"tripped"`
	TotalEmits  int64 `json:"total_emits"`
	TotalCalls  int64 `json:"total_calls"`
	TotalErrors int64 `json:"total_errors"`
	HistorySize int   `json:"history_size"`
}

// Stats returns the current counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	events := len(b.listeners)
	listeners := 0
	for _, list := range b.listeners {
		listeners += len(list)
	}
	tripped := len(b.tripped)
	b.mu.RUnlock()

	return BusStats{
		Events:      events,
		Listeners:   listeners,
		Tripped:     tripped,
		TotalEmits:  b.totalEmits.Load(),
		TotalCalls:  b.totalCalls.Load(),
		TotalErrors: b.totalErrors.Load(),
		HistorySize: b.history.len(),
	}
}

// Health is an advisory report.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
}

// Health flags tripped listeners and a listener error rate above 10%.
func (b *Bus) Health() Health {
	st := b.Stats()
	h := Health{Healthy: true}
	if st.Tripped > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d listener(s) with open circuit", st.Tripped))
	}
	if st.TotalCalls > 0 && float64(st.TotalErrors)/float64(st.TotalCalls) > 0.1 {
		h.Issues = append(h.Issues, fmt.Sprintf("listener error rate %.1f%%", 100*float64(st.TotalErrors)/float64(st.TotalCalls)))
	}
	h.Healthy = len(h.Issues) == 0
	return h
}
