package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/meshnet/meshnet/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestRouter(peers []string) *Router {
	return NewRouter("north_america", config.SyncConfig{
		RemoteRegions:         peers,
		RequestTimeoutSeconds: 1,
	})
}

func postsServer(posts ...bson.M) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"posts": posts,
			"count": len(posts),
		})
	}))
}

func TestScatterGathersFromAllPeers(t *testing.T) {
	eu := postsServer(bson.M{"post_id": "eu-1", "timestamp": "2026-03-01T10:00:00.000Z"})
	defer eu.Close()
	ap := postsServer(
		bson.M{"post_id": "ap-1", "timestamp": "2026-03-01T11:00:00.000Z"},
		bson.M{"post_id": "ap-2", "timestamp": "2026-03-01T09:00:00.000Z"},
	)
	defer ap.Close()

	router := newTestRouter([]string{eu.URL, ap.URL})
	result := router.Scatter(context.Background(), "/api/posts", nil, Options{})

	assert.Len(t, result.Documents, 3)
	assert.Equal(t, 2, result.Metadata.TotalRegionsQueried)
	assert.ElementsMatch(t, []string{eu.URL, ap.URL}, result.Metadata.SuccessfulRegions)
	assert.Empty(t, result.Metadata.FailedRegions)
	assert.Equal(t, 1.0, result.Metadata.SuccessRate)
	assert.Equal(t, 1.0, result.Metadata.TimeoutPerRegion)
}

func TestScatterDegradedPeer(t *testing.T) {
	healthy := postsServer(bson.M{"post_id": "eu-1", "timestamp": "2026-03-01T10:00:00.000Z"})
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	router := newTestRouter([]string{healthy.URL, broken.URL})
	result := router.Scatter(context.Background(), "/api/posts", nil, Options{})

	assert.Len(t, result.Documents, 1)
	assert.Equal(t, []string{healthy.URL}, result.Metadata.SuccessfulRegions)
	assert.Equal(t, []string{broken.URL}, result.Metadata.FailedRegions)
	assert.Equal(t, 0.5, result.Metadata.SuccessRate)
}

func TestScatterTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("[]"))
	}))
	defer slow.Close()

	router := newTestRouter([]string{slow.URL})
	result := router.Scatter(context.Background(), "/api/posts", nil, Options{
		TimeoutPerRegion: 50 * time.Millisecond,
	})

	assert.Empty(t, result.Documents)
	assert.Equal(t, []string{slow.URL}, result.Metadata.FailedRegions)
	assert.Zero(t, result.Metadata.SuccessRate)
}

func TestScatterForwardsQueryParams(t *testing.T) {
	var gotQuery url.Values
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"posts": [], "count": 0}`))
	}))
	defer peer.Close()

	router := newTestRouter([]string{peer.URL})
	params := url.Values{}
	params.Set("post_type", "shelter")
	params.Set("limit", "10")
	router.Scatter(context.Background(), "/api/posts", params, Options{})

	require.NotNil(t, gotQuery)
	assert.Equal(t, "shelter", gotQuery.Get("post_type"))
	assert.Equal(t, "10", gotQuery.Get("limit"))
}

func TestScatterNoPeers(t *testing.T) {
	router := newTestRouter(nil)
	result := router.Scatter(context.Background(), "/api/posts", nil, Options{})

	assert.Empty(t, result.Documents)
	assert.Zero(t, result.Metadata.SuccessRate)
	assert.NotNil(t, result.Metadata.SuccessfulRegions)
	assert.NotNil(t, result.Metadata.FailedRegions)
}

func TestFlatten(t *testing.T) {
	t.Run("bare list", func(t *testing.T) {
		docs, ok := flatten([]any{map[string]any{"post_id": "p1"}, map[string]any{"post_id": "p2"}})
		require.True(t, ok)
		assert.Len(t, docs, 2)
	})

	t.Run("posts envelope", func(t *testing.T) {
		docs, ok := flatten(map[string]any{"posts": []any{map[string]any{"post_id": "p1"}}, "count": 1})
		require.True(t, ok)
		require.Len(t, docs, 1)
		assert.Equal(t, "p1", docs[0]["post_id"])
	})

	t.Run("help_requests envelope", func(t *testing.T) {
		docs, ok := flatten(map[string]any{"help_requests": []any{map[string]any{"post_id": "h1"}}})
		require.True(t, ok)
		assert.Len(t, docs, 1)
	})

	t.Run("object without a document list is discarded", func(t *testing.T) {
		_, ok := flatten(map[string]any{"post_id": "p1"})
		assert.False(t, ok)
	})

	t.Run("scalar is discarded", func(t *testing.T) {
		_, ok := flatten("nope")
		assert.False(t, ok)
	})
}

func TestScatterRejectsMalformedPeerResponse(t *testing.T) {
	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	}))
	defer malformed.Close()
	healthy := postsServer(bson.M{"post_id": "eu-1", "timestamp": "2026-03-01T10:00:00.000Z"})
	defer healthy.Close()

	router := newTestRouter([]string{healthy.URL, malformed.URL})
	result := router.Scatter(context.Background(), "/api/posts", nil, Options{})

	assert.Len(t, result.Documents, 1)
	assert.Equal(t, []string{healthy.URL}, result.Metadata.SuccessfulRegions)
	assert.Equal(t, []string{malformed.URL}, result.Metadata.FailedRegions)
	assert.Equal(t, 0.5, result.Metadata.SuccessRate)
}

func TestMerge(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC)
	}

	local := []bson.M{
		{"post_id": "l1", "timestamp": at(10)},
		{"post_id": "l2", "timestamp": at(8)},
	}
	remote := []bson.M{
		{"post_id": "r1", "timestamp": "2026-03-01T11:00:00.000Z"},
		{"post_id": "r2", "timestamp": at(9)},
	}

	t.Run("newest first across sources", func(t *testing.T) {
		merged := Merge(local, remote, "", 0)
		require.Len(t, merged, 4)
		assert.Equal(t, "r1", merged[0]["post_id"])
		assert.Equal(t, "l1", merged[1]["post_id"])
		assert.Equal(t, "r2", merged[2]["post_id"])
		assert.Equal(t, "l2", merged[3]["post_id"])
	})

	t.Run("limit truncates", func(t *testing.T) {
		merged := Merge(local, remote, "timestamp", 2)
		require.Len(t, merged, 2)
		assert.Equal(t, "r1", merged[0]["post_id"])
	})

	t.Run("documents without the sort field order last", func(t *testing.T) {
		merged := Merge([]bson.M{{"post_id": "untimed"}}, remote, "timestamp", 0)
		assert.Equal(t, "untimed", merged[len(merged)-1]["post_id"])
	})
}

func TestCheckNetworkHealth(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer up.Close()

	router := newTestRouter([]string{up.URL, "http://127.0.0.1:1"})
	health := router.CheckNetworkHealth(context.Background())

	assert.True(t, health[up.URL])
	assert.False(t, health["http://127.0.0.1:1"])
}
