package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/meshnet/meshnet/internal/config"
	"github.com/meshnet/meshnet/internal/model"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// Metadata describes how a scatter-gather query executed
type Metadata struct {
	TotalRegionsQueried int      `json:"total_regions_queried"`
	SuccessfulRegions   []string `json:"successful_regions"`
	FailedRegions       []string `json:"failed_regions"`
	SuccessRate         float64  `json:"success_rate"`
	QueryTimeSeconds    float64  `json:"query_time_seconds"`
	TimeoutPerRegion    float64  `json:"timeout_per_region"`
}

// Result carries the merged remote documents plus execution metadata
type Result struct {
	Documents []bson.M
	Metadata  Metadata
}

// Options tunes a single scatter-gather call. Zero values fall back to the
// router's configured defaults.
type Options struct {
	TimeoutPerRegion time.Duration
	MinResponses     int
}

// Router fans read queries out to every peer region in parallel and gathers
// whatever answers arrive before the deadline. Degraded answers are normal
// during a partition: callers get the reachable subset plus metadata saying
// who was missing.
type Router struct {
	region  string
	peers   []string
	timeout time.Duration
	client  *http.Client
	log     *logrus.Entry
}

// NewRouter creates a query router for the local region
func NewRouter(region string, cfg config.SyncConfig) *Router {
	return &Router{
		region:  region,
		peers:   cfg.RemoteRegions,
		timeout: cfg.RequestTimeout(),
		// The aggregate deadline is enforced per call; the client itself
		// stays unbounded.
		client: &http.Client{},
		log:    logrus.WithField("component", "query_router"),
	}
}

// CheckNetworkHealth probes every peer's /health endpoint and reports
// reachability per peer URL.
func (r *Router) CheckNetworkHealth(ctx context.Context) map[string]bool {
	health := make(map[string]bool, len(r.peers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, peer := range r.peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			reachable := r.probePeer(ctx, peer)
			mu.Lock()
			health[peer] = reachable
			mu.Unlock()
		}(peer)
	}
	wg.Wait()
	return health
}

func (r *Router) probePeer(ctx context.Context, peer string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.WithError(err).WithField("peer", peer).Warn("Region is unreachable")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Scatter queries path on every peer region in parallel and gathers the
// documents that arrive. Each peer call gets its own timeout; the whole
// gather is bounded at twice that, so one hung region cannot stall the
// caller indefinitely.
func (r *Router) Scatter(ctx context.Context, path string, params url.Values, opts Options) Result {
	start := time.Now()

	timeout := opts.TimeoutPerRegion
	if timeout <= 0 {
		timeout = r.timeout
	}
	minResponses := opts.MinResponses
	if minResponses <= 0 {
		minResponses = 1
	}

	gatherCtx, cancel := context.WithTimeout(ctx, 2*timeout)
	defer cancel()

	type peerResult struct {
		peer string
		docs []bson.M
		err  error
	}
	resultCh := make(chan peerResult, len(r.peers))

	var wg sync.WaitGroup
	for _, peer := range r.peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			docs, err := r.queryRegion(gatherCtx, peer, path, params, timeout)
			resultCh <- peerResult{peer: peer, docs: docs, err: err}
		}(peer)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var documents []bson.M
	var successful, failed []string
	for res := range resultCh {
		if res.err != nil {
			failed = append(failed, res.peer)
			r.log.WithError(res.err).WithField("peer", res.peer).Error("Error querying region")
			continue
		}
		successful = append(successful, res.peer)
		documents = append(documents, res.docs...)
		r.log.WithFields(logrus.Fields{
			"peer":  res.peer,
			"count": len(res.docs),
		}).Info("Retrieved results from region")
	}

	if len(successful) < minResponses {
		r.log.WithFields(logrus.Fields{
			"responded": len(successful),
			"required":  minResponses,
		}).Warn("Fewer regions responded than required")
	}

	elapsed := time.Since(start)
	successRate := 0.0
	if len(r.peers) > 0 {
		successRate = float64(len(successful)) / float64(len(r.peers))
	}

	r.log.WithFields(logrus.Fields{
		"responded": len(successful),
		"total":     len(r.peers),
		"elapsed":   elapsed.String(),
	}).Info("Scatter-gather completed")

	if successful == nil {
		successful = []string{}
	}
	if failed == nil {
		failed = []string{}
	}

	return Result{
		Documents: documents,
		Metadata: Metadata{
			TotalRegionsQueried: len(r.peers),
			SuccessfulRegions:   successful,
			FailedRegions:       failed,
			SuccessRate:         successRate,
			QueryTimeSeconds:    float64(elapsed.Round(time.Millisecond)) / float64(time.Second),
			TimeoutPerRegion:    timeout.Seconds(),
		},
	}
}

// queryRegion issues one GET against a peer and flattens the response body
// into a list of documents. Peers answer either with a bare JSON array or
// with an envelope whose "posts", "help_requests", or "users" field holds
// the array.
func (r *Router) queryRegion(ctx context.Context, peer, path string, params url.Values, timeout time.Duration) ([]bson.M, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := peer + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("region returned status %d", resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", peer, err)
	}
	docs, ok := flatten(payload)
	if !ok {
		return nil, fmt.Errorf("unrecognized response shape from %s", peer)
	}
	return docs, nil
}

// envelopeKeys are the response fields peers wrap document lists in
var envelopeKeys = []string{"posts", "help_requests", "users", "results"}

// flatten extracts the document list from a peer response body. Anything
// that is neither a bare array nor an envelope carrying one is discarded and
// the peer counts as failed.
func flatten(payload any) ([]bson.M, bool) {
	switch v := payload.(type) {
	case []any:
		return toDocuments(v), true
	case map[string]any:
		for _, key := range envelopeKeys {
			if list, ok := v[key].([]any); ok {
				return toDocuments(list), true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

func toDocuments(list []any) []bson.M {
	docs := make([]bson.M, 0, len(list))
	for _, item := range list {
		if doc, ok := item.(map[string]any); ok {
			docs = append(docs, bson.M(doc))
		}
	}
	return docs
}

// Merge combines local and remote documents, sorts them newest-first on the
// given field (timestamp when empty), and truncates to limit when limit is
// positive. Documents missing the sort field order last.
func Merge(local, remote []bson.M, sortBy string, limit int) []bson.M {
	if sortBy == "" {
		sortBy = "timestamp"
	}

	merged := make([]bson.M, 0, len(local)+len(remote))
	merged = append(merged, local...)
	merged = append(merged, remote...)

	sort.SliceStable(merged, func(i, j int) bool {
		ti, iOK := model.ParseTimestamp(merged[i][sortBy])
		tj, jOK := model.ParseTimestamp(merged[j][sortBy])
		if iOK && jOK {
			return ti.After(tj)
		}
		return iOK && !jOK
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
