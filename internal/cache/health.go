package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/lensdesk/internal/model"
)

// KindStats describes the cached entry of one kind.
type KindStats struct {
	Records     int       `json:"records"`
	RefreshedAt time.Time `json:"refreshed_at"`
	Stale       bool      `json:"stale"`
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits           int64                    `json:"hits"`
	Misses         int64                    `json:"misses"`
	FetchFailures  int64                    `json:"fetch_failures"`
	SyncOperations int64                    `json:"sync_operations"`
	Errors         int64                    `json:"errors"`
	Subscriptions  int                      `json:"subscriptions"`
	Tripped        int                      `json:"tripped"`
	Kinds          map[model.Kind]KindStats `json:"kinds"`
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	now := s.clock.Now()
	st := Stats{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		FetchFailures:  s.fetchFailures.Load(),
		SyncOperations: s.syncOps.Load(),
		Errors:         s.errorCount.Load(),
		Kinds:          make(map[model.Kind]KindStats),
	}

	s.mu.RLock()
	for kind, e := range s.entries {
		st.Kinds[kind] = KindStats{
			Records:     len(e.records),
			RefreshedAt: e.refreshedAt,
			Stale:       now.Sub(e.refreshedAt) > s.maxAge,
		}
	}
	s.mu.RUnlock()

	s.subMu.RLock()
	for _, list := range s.subs {
		st.Subscriptions += len(list)
	}
	st.Tripped = len(s.tripped)
	s.subMu.RUnlock()
	return st
}

// HealthReport is advisory; it never changes cache behavior.
type HealthReport struct {
	Healthy     bool         `json:"healthy"`
	Issues      []string     `json:"issues,omitempty"`
	StaleKinds  []model.Kind `json:"stale_kinds,omitempty"`
	ErrorRate   float64      `json:"error_rate"`
	MemoryBytes int64        `json:"memory_bytes"`
}

// Health flags stale kinds, an error rate above 10% of sync operations and an
// estimated footprint above the memory limit.
func (s *Store) Health() HealthReport {
	st := s.Stats()
	h := HealthReport{MemoryBytes: s.estimateMemory()}

	for kind, ks := range st.Kinds {
		if ks.Stale {
			h.StaleKinds = append(h.StaleKinds, kind)
		}
	}
	sort.Slice(h.StaleKinds, func(i, j int) bool { return h.StaleKinds[i] < h.StaleKinds[j] })
	if len(h.StaleKinds) > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("stale kinds: %v", h.StaleKinds))
	}

	if st.SyncOperations > 0 {
		h.ErrorRate = float64(st.Errors) / float64(st.SyncOperations)
		if h.ErrorRate > 0.1 {
			h.Issues = append(h.Issues, fmt.Sprintf("error rate %.1f%%", 100*h.ErrorRate))
		}
	}
	if h.MemoryBytes > s.memoryLimit {
		h.Issues = append(h.Issues, fmt.Sprintf("estimated memory %d bytes exceeds limit %d", h.MemoryBytes, s.memoryLimit))
	}
	if st.Tripped > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d subscription(s) with open circuit", st.Tripped))
	}

	h.Healthy = len(h.Issues) == 0
	return h
}

// estimateMemory approximates the footprint by the JSON size of every record.
func (s *Store) estimateMemory() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, e := range s.entries {
		for _, r := range e.records {
			b, err := json.Marshal(r.entity)
			if err != nil {
				continue
			}
			total += int64(len(b))
		}
	}
	return total
}
