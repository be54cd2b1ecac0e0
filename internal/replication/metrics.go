package replication

import (
	"sync"
	"time"

	"github.com/meshnet/meshnet/internal/model"
)

// Conflict outcomes
const (
	OutcomeRemoteWins = "remote_wins"
	OutcomeLocalWins  = "local_wins"
	OutcomeUnresolved = "unresolved"
)

// recentConflictCapacity bounds the ring buffer of recent conflict records
const recentConflictCapacity = 10

// ConflictRecord describes one resolved (or unresolvable) conflict
type ConflictRecord struct {
	Collection string    `json:"collection"`
	DocumentID string    `json:"document_id"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

// OutcomeCounts aggregates conflict outcomes
type OutcomeCounts struct {
	Total      int64 `json:"total"`
	RemoteWins int64 `json:"remote_wins"`
	LocalWins  int64 `json:"local_wins"`
	Unresolved int64 `json:"unresolved"`
}

// ConflictStats is the snapshot exposed via /status
type ConflictStats struct {
	OutcomeCounts
	ByCollection map[string]OutcomeCounts `json:"by_collection"`
	Recent       []ConflictRecord         `json:"recent"`
}

// ConflictMetrics tracks conflict-resolution outcomes. Written by the
// daemon, read by HTTP handlers; guarded by its own mutex and never held
// together with another lock.
type ConflictMetrics struct {
	mu           sync.Mutex
	totals       OutcomeCounts
	byCollection map[string]*OutcomeCounts
	recent       []ConflictRecord
}

// NewConflictMetrics creates an empty metrics aggregate
func NewConflictMetrics() *ConflictMetrics {
	return &ConflictMetrics{
		byCollection: make(map[string]*OutcomeCounts),
	}
}

// Record notes the outcome of one conflict resolution
func (m *ConflictMetrics) Record(collection, documentID, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals.apply(outcome)

	counts, ok := m.byCollection[collection]
	if !ok {
		counts = &OutcomeCounts{}
		m.byCollection[collection] = counts
	}
	counts.apply(outcome)

	m.recent = append(m.recent, ConflictRecord{
		Collection: collection,
		DocumentID: documentID,
		Outcome:    outcome,
		Timestamp:  model.Now(),
	})
	if len(m.recent) > recentConflictCapacity {
		m.recent = m.recent[len(m.recent)-recentConflictCapacity:]
	}

	conflictsTotal.WithLabelValues(collection, outcome).Inc()
}

// Snapshot returns a copy of the aggregates for telemetry
func (m *ConflictMetrics) Snapshot() ConflictStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ConflictStats{
		OutcomeCounts: m.totals,
		ByCollection:  make(map[string]OutcomeCounts, len(m.byCollection)),
		Recent:        make([]ConflictRecord, len(m.recent)),
	}
	for collection, counts := range m.byCollection {
		stats.ByCollection[collection] = *counts
	}
	copy(stats.Recent, m.recent)
	return stats
}

func (c *OutcomeCounts) apply(outcome string) {
	c.Total++
	switch outcome {
	case OutcomeRemoteWins:
		c.RemoteWins++
	case OutcomeLocalWins:
		c.LocalWins++
	case OutcomeUnresolved:
		c.Unresolved++
	}
}
