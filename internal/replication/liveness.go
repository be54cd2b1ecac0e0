package replication

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// IslandState is the site-wide connectivity state
type IslandState int

const (
	// StateConnected means at least one peer is reachable (or none are configured)
	StateConnected IslandState = iota
	// StateSuspect means every peer is failing but the isolation threshold has not elapsed
	StateSuspect
	// StateIsland means every peer has been failing for at least the threshold
	StateIsland
)

func (s IslandState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspect:
		return "SUSPECT"
	case StateIsland:
		return "ISLAND MODE"
	default:
		return "unknown"
	}
}

// PeerStatus is the in-memory liveness record for one configured peer
type PeerStatus struct {
	Connected           bool       `json:"connected"`
	LastSuccess         *time.Time `json:"last_success"`
	LastAttempt         *time.Time `json:"last_attempt"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// IslandStatus is the snapshot exposed via /status
type IslandStatus struct {
	Status           string                `json:"status"`
	IsIsland         bool                  `json:"is_island"`
	IsSuspect        bool                  `json:"is_suspect"`
	IsolationStart   *time.Time            `json:"isolation_start"`
	ThresholdSeconds float64               `json:"threshold_seconds"`
	Peers            map[string]PeerStatus `json:"peers"`
}

// Tracker maintains per-peer liveness records and the island-mode state
// machine. The daemon writes it on every peer contact; HTTP handlers read
// snapshots. Island mode is advisory: it never gates local writes.
type Tracker struct {
	mu             sync.Mutex
	peers          map[string]*PeerStatus
	isolationStart *time.Time
	threshold      time.Duration
	log            *logrus.Entry

	// now is swappable for tests
	now func() time.Time
}

// NewTracker creates a tracker for the configured peers
func NewTracker(peers []string, threshold time.Duration) *Tracker {
	t := &Tracker{
		peers:     make(map[string]*PeerStatus, len(peers)),
		threshold: threshold,
		log:       logrus.WithField("component", "liveness"),
		now:       time.Now,
	}
	for _, peer := range peers {
		t.peers[peer] = &PeerStatus{}
	}
	return t
}

// RecordSuccess notes a successful contact with a peer. Any success demotes
// the site straight back to connected and clears the isolation clock.
func (t *Tracker) RecordSuccess(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.peer(peer)
	now := t.now().UTC()
	wasIsolated := t.isolationStart != nil

	status.Connected = true
	status.ConsecutiveFailures = 0
	status.LastSuccess = &now
	status.LastAttempt = &now
	t.isolationStart = nil

	if wasIsolated {
		t.log.WithField("peer", peer).Info("Peer contact restored, leaving isolation")
	}
}

// RecordFailure notes a failed contact with a peer. The first cycle where
// every peer is failing starts the isolation clock.
func (t *Tracker) RecordFailure(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.peer(peer)
	now := t.now().UTC()

	status.Connected = false
	status.ConsecutiveFailures++
	status.LastAttempt = &now

	if t.isolationStart == nil && t.allFailingLocked() {
		t.isolationStart = &now
		t.log.Warn("All peers unreachable, isolation clock started")
	}
}

// State returns the current island-mode state
func (t *Tracker) State() IslandState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() IslandState {
	if len(t.peers) == 0 || t.isolationStart == nil {
		return StateConnected
	}
	if t.now().UTC().Sub(*t.isolationStart) >= t.threshold {
		return StateIsland
	}
	return StateSuspect
}

// Snapshot returns a copy of the tracker state for telemetry
func (t *Tracker) Snapshot() IslandStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.stateLocked()
	snap := IslandStatus{
		Status:           state.String(),
		IsIsland:         state == StateIsland,
		IsSuspect:        state == StateSuspect,
		ThresholdSeconds: t.threshold.Seconds(),
		Peers:            make(map[string]PeerStatus, len(t.peers)),
	}
	if t.isolationStart != nil {
		start := *t.isolationStart
		snap.IsolationStart = &start
	}
	for peer, status := range t.peers {
		copied := *status
		if status.LastSuccess != nil {
			v := *status.LastSuccess
			copied.LastSuccess = &v
		}
		if status.LastAttempt != nil {
			v := *status.LastAttempt
			copied.LastAttempt = &v
		}
		snap.Peers[peer] = copied
	}
	return snap
}

// PeerHealth reports each peer's current reachability
func (t *Tracker) PeerHealth() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]bool, len(t.peers))
	for peer, status := range t.peers {
		out[peer] = status.Connected
	}
	return out
}

func (t *Tracker) peer(url string) *PeerStatus {
	status, ok := t.peers[url]
	if !ok {
		status = &PeerStatus{}
		t.peers[url] = status
	}
	return status
}

// allFailingLocked reports whether every configured peer has at least one
// consecutive failure and none is connected
func (t *Tracker) allFailingLocked() bool {
	if len(t.peers) == 0 {
		return false
	}
	for _, status := range t.peers {
		if status.Connected || status.ConsecutiveFailures == 0 {
			return false
		}
	}
	return true
}
