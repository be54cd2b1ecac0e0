package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/meshnet/meshnet/internal/config"
	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/oplog"
	"github.com/sirupsen/logrus"
)

// gcCycleInterval runs operation-log GC every N sync cycles (about five
// minutes at the default five-second interval)
const gcCycleInterval = 60

// stopTimeout bounds how long Stop waits for the loop to drain
const stopTimeout = 5 * time.Second

// syncRequest is the /internal/sync push body
type syncRequest struct {
	Operations []oplog.Operation `json:"operations"`
}

// changesResponse is the /internal/changes pull body
type changesResponse struct {
	Operations []oplog.Operation `json:"operations"`
	Count      int               `json:"count"`
}

// Daemon is the background replication worker: every interval it pushes
// pending operations to every peer, pulls new operations from every peer,
// and periodically garbage-collects the operation log.
type Daemon struct {
	region  string
	peers   []string
	cfg     config.SyncConfig
	oplog   *oplog.Log
	applier *Applier
	checkp  *Checkpoints
	tracker *Tracker
	client  *http.Client
	log     *logrus.Entry

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	cycles   uint64
}

// NewDaemon creates a replication daemon. It does not start it.
func NewDaemon(region string, cfg config.SyncConfig, log *oplog.Log, applier *Applier, checkp *Checkpoints, tracker *Tracker) *Daemon {
	return &Daemon{
		region:  region,
		peers:   cfg.RemoteRegions,
		cfg:     cfg,
		oplog:   log,
		applier: applier,
		checkp:  checkp,
		tracker: tracker,
		client:  &http.Client{Timeout: cfg.RequestTimeout()},
		log:     logrus.WithField("component", "replication_daemon"),
	}
}

// Start launches the sync loop. Starting a running daemon is a no-op.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		d.log.Warn("Sync daemon is already running")
		return
	}

	d.stopChan = make(chan struct{})
	d.done = make(chan struct{})
	d.running = true

	go d.loop(ctx)
	d.log.WithFields(logrus.Fields{
		"interval": d.cfg.Interval().String(),
		"peers":    len(d.peers),
	}).Info("Sync daemon started")
}

// Stop signals the loop and joins it with a deadline. Outstanding peer
// calls are abandoned. Stopping a stopped daemon is a no-op.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopChan)
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
		d.log.Info("Sync daemon stopped")
	case <-time.After(stopTimeout):
		d.log.Warn("Sync daemon did not stop within deadline")
	}
}

func (d *Daemon) loop(ctx context.Context) {
	defer close(d.done)

	for {
		d.runCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-time.After(d.cfg.Interval()):
		}
	}
}

// runCycle performs one push-pull-GC iteration. The body is strictly
// sequential.
func (d *Daemon) runCycle(ctx context.Context) {
	d.pushLocalChanges(ctx)
	d.pullRemoteChanges(ctx)

	d.cycles++
	syncCyclesTotal.Inc()
	if d.cycles%gcCycleInterval == 0 {
		if _, err := d.oplog.GC(ctx, d.peers, oplog.RetentionWindow); err != nil {
			d.log.WithError(err).Error("Operation log GC failed")
		}
	}
}

// pushLocalChanges sends unacknowledged local operations to every peer
func (d *Daemon) pushLocalChanges(ctx context.Context) {
	entries, err := d.oplog.Pushable(ctx, d.peers)
	if err != nil {
		d.log.WithError(err).Error("Failed to fetch pushable operations")
		return
	}
	if len(entries) == 0 {
		return
	}

	d.log.WithField("count", len(entries)).Debug("Found operations to sync")

	ops := make([]oplog.Operation, len(entries))
	for i, entry := range entries {
		ops[i] = entry.Operation
	}

	for _, peer := range d.peers {
		if err := d.pushToPeer(ctx, peer, ops); err != nil {
			d.tracker.RecordFailure(peer)
			peerFailuresTotal.WithLabelValues(peer).Inc()
			d.log.WithError(err).WithField("peer", peer).Error("Failed to push to peer")
			continue
		}

		d.tracker.RecordSuccess(peer)
		operationsPushedTotal.WithLabelValues(peer).Add(float64(len(ops)))

		if err := d.oplog.Acknowledge(ctx, entries, peer); err != nil {
			d.log.WithError(err).WithField("peer", peer).Error("Failed to record acknowledgement")
			continue
		}
		d.log.WithFields(logrus.Fields{
			"peer":  peer,
			"count": len(ops),
		}).Info("Pushed operations to peer")
	}
}

func (d *Daemon) pushToPeer(ctx context.Context, peer string, ops []oplog.Operation) error {
	body, err := json.Marshal(syncRequest{Operations: ops})
	if err != nil {
		return fmt.Errorf("failed to encode sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/internal/sync", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}

// pullRemoteChanges fetches and applies new operations from every peer
func (d *Daemon) pullRemoteChanges(ctx context.Context) {
	for _, peer := range d.peers {
		if err := d.pullFromPeer(ctx, peer); err != nil {
			d.tracker.RecordFailure(peer)
			peerFailuresTotal.WithLabelValues(peer).Inc()
			d.log.WithError(err).WithField("peer", peer).Error("Failed to pull from peer")
		}
	}
}

func (d *Daemon) pullFromPeer(ctx context.Context, peer string) error {
	since, err := d.checkp.LastSyncTime(ctx, peer)
	if err != nil {
		return err
	}

	endpoint := peer + "/internal/changes"
	if since != nil {
		endpoint += "?since=" + url.QueryEscape(model.FormatTimestamp(*since))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}

	var changes changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&changes); err != nil {
		return fmt.Errorf("failed to decode changes from %s: %w", peer, err)
	}

	if len(changes.Operations) > 0 {
		applied := d.applier.Apply(ctx, changes.Operations)
		operationsPulledTotal.WithLabelValues(peer).Add(float64(len(changes.Operations)))
		d.log.WithFields(logrus.Fields{
			"peer":    peer,
			"pulled":  len(changes.Operations),
			"applied": applied,
		}).Info("Pulled operations from peer")
	}

	d.tracker.RecordSuccess(peer)

	// Checkpoint with the local clock (not the peer's); skew between sites
	// can re-pull entries near the boundary.
	if err := d.checkp.RecordSync(ctx, peer, model.Now()); err != nil {
		d.log.WithError(err).WithField("peer", peer).Warn("Failed to record sync checkpoint")
	}
	return nil
}
