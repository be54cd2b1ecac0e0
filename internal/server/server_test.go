package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meshnet/meshnet/internal/config"
	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/oplog"
	"github.com/meshnet/meshnet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestServer(t *testing.T, peers []string) (*Server, store.Store) {
	t.Helper()

	cfg := &config.Config{
		Region:   "north_america",
		Port:     5010,
		LogLevel: "error",
		Store:    config.StoreConfig{Backend: "memory"},
		Sync: config.SyncConfig{
			RemoteRegions:          peers,
			IntervalSeconds:        5,
			RequestTimeoutSeconds:  1,
			IslandThresholdSeconds: 10,
		},
	}

	st := store.NewMemory()
	srv, err := New(cfg, st)
	require.NoError(t, err)
	return srv, st
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func validPostBody() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   "user-1",
		"post_type": "shelter",
		"message":   "Shelter open at city hall",
		"location":  map[string]interface{}{"type": "Point", "coordinates": []float64{-73.98, 40.75}},
		"capacity":  40,
	}
}

func TestCreatePost(t *testing.T) {
	srv, st := newTestServer(t, nil)

	rec := doRequest(t, srv, "POST", "/api/posts", validPostBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Post created successfully", body["message"])
	assert.Equal(t, "north_america", body["region"])
	postID, _ := body["post_id"].(string)
	require.NotEmpty(t, postID)

	doc, err := st.FindOne(context.Background(), "posts", bson.M{"post_id": postID})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "north_america", doc["region"], "region defaults to the local site")

	// Exactly one oplog entry for the write
	count, err := st.Count(context.Background(), oplog.Collection, bson.M{"document_id": postID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestCreatePostValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	cases := []struct {
		name    string
		mutate  func(map[string]interface{})
		message string
	}{
		{"missing user", func(b map[string]interface{}) { delete(b, "user_id") }, "User ID is required"},
		{"bad type", func(b map[string]interface{}) { b["post_type"] = "party" }, "Post type must be one of: shelter, food, medical, water, safety, help"},
		{"blank message", func(b map[string]interface{}) { b["message"] = "  " }, "Message is required"},
		{"negative capacity", func(b map[string]interface{}) { b["capacity"] = -1 }, "Capacity must be a non-negative integer"},
		{"bad coordinates", func(b map[string]interface{}) {
			b["location"] = map[string]interface{}{"type": "Point", "coordinates": []float64{250, 0}}
		}, "Invalid coordinate values"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validPostBody()
			tc.mutate(body)
			rec := doRequest(t, srv, "POST", "/api/posts", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.message, decodeBody(t, rec)["error"])
		})
	}
}

func TestListPosts(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	insert := func(id, postType, region string, ts time.Time) {
		_, err := st.InsertOne(ctx, "posts", bson.M{
			"post_id": id, "post_type": postType, "region": region, "timestamp": ts,
		})
		require.NoError(t, err)
	}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	insert("local-new", "shelter", "north_america", base.Add(time.Hour))
	insert("local-old", "food", "north_america", base)
	insert("foreign", "shelter", "europe", base.Add(2*time.Hour))

	t.Run("defaults to local region newest first", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 2, body["count"])
		posts := body["posts"].([]interface{})
		assert.Equal(t, "local-new", posts[0].(map[string]interface{})["post_id"])
	})

	t.Run("region=all is site-wide", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts?region=all", nil)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 3, body["count"])
	})

	t.Run("explicit region filter", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts?region=europe", nil)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 1, body["count"])
	})

	t.Run("post_type filter", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts?post_type=food", nil)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 1, body["count"])
	})

	t.Run("limit and skip", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts?region=all&limit=1&skip=1", nil)
		body := decodeBody(t, rec)
		posts := body["posts"].([]interface{})
		require.Len(t, posts, 1)
		assert.Equal(t, "local-new", posts[0].(map[string]interface{})["post_id"])
	})

	t.Run("invalid post type", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts?post_type=party", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid post type: party", decodeBody(t, rec)["error"])
	})

	t.Run("invalid region", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts?region=atlantis", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid region: atlantis", decodeBody(t, rec)["error"])
	})
}

func TestGlobalQueryScatterGathers(t *testing.T) {
	peerPosts := []bson.M{
		{"post_id": "eu-1", "region": "europe", "timestamp": "2026-03-01T12:00:00.000Z"},
	}
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/posts", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"posts": peerPosts, "count": len(peerPosts)})
	}))
	defer peer.Close()

	srv, st := newTestServer(t, []string{peer.URL})
	_, err := st.InsertOne(context.Background(), "posts", bson.M{
		"post_id": "local-1", "region": "north_america",
		"timestamp": time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, "GET", "/api/posts?global=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	assert.EqualValues(t, 2, body["count"])
	posts := body["posts"].([]interface{})
	assert.Equal(t, "eu-1", posts[0].(map[string]interface{})["post_id"], "merged newest first")

	sources := body["sources"].(map[string]interface{})
	assert.EqualValues(t, 1, sources["local"])
	assert.EqualValues(t, 1, sources["remote"])

	metadata := body["query_metadata"].(map[string]interface{})
	assert.EqualValues(t, 1, metadata["total_regions_queried"])
	assert.EqualValues(t, 1, metadata["success_rate"])
}

func TestGetUpdateDeletePost(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	rec := doRequest(t, srv, "POST", "/api/posts", validPostBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	postID := decodeBody(t, rec)["post_id"].(string)

	t.Run("get", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts/"+postID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Shelter open at city hall", decodeBody(t, rec)["message"])
	})

	t.Run("get missing", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/posts/nope", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Post not found", decodeBody(t, rec)["error"])
	})

	t.Run("update touches only allowed fields", func(t *testing.T) {
		rec := doRequest(t, srv, "PUT", "/api/posts/"+postID, map[string]interface{}{
			"message": "Updated message",
			"user_id": "intruder",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		doc, err := st.FindOne(ctx, "posts", bson.M{"post_id": postID})
		require.NoError(t, err)
		assert.Equal(t, "Updated message", doc["message"])
		assert.Equal(t, "user-1", doc["user_id"], "user_id is not updatable")
		_, hasLastModified := doc["last_modified"].(time.Time)
		assert.True(t, hasLastModified)

		count, err := st.Count(ctx, oplog.Collection, bson.M{"document_id": postID, "operation_type": "update"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})

	t.Run("update empty body", func(t *testing.T) {
		rec := doRequest(t, srv, "PUT", "/api/posts/"+postID, map[string]interface{}{})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No data provided", decodeBody(t, rec)["error"])
	})

	t.Run("update missing", func(t *testing.T) {
		rec := doRequest(t, srv, "PUT", "/api/posts/nope", map[string]interface{}{"message": "x"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doRequest(t, srv, "DELETE", "/api/posts/"+postID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Post deleted successfully", decodeBody(t, rec)["message"])

		doc, err := st.FindOne(ctx, "posts", bson.M{"post_id": postID})
		require.NoError(t, err)
		assert.Nil(t, doc)

		count, err := st.Count(ctx, oplog.Collection, bson.M{"document_id": postID, "operation_type": "delete"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})

	t.Run("delete missing", func(t *testing.T) {
		rec := doRequest(t, srv, "DELETE", "/api/posts/"+postID, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHelpRequests(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	point := func(lon, lat float64) bson.M {
		return bson.M{"type": "Point", "coordinates": []interface{}{lon, lat}}
	}
	_, err := st.InsertOne(ctx, "posts", bson.M{"post_id": "nearby", "post_type": "help", "location": point(2.353, 48.857)})
	require.NoError(t, err)
	_, err = st.InsertOne(ctx, "posts", bson.M{"post_id": "distant", "post_type": "help", "location": point(13.4, 52.5)})
	require.NoError(t, err)
	_, err = st.InsertOne(ctx, "posts", bson.M{"post_id": "not-help", "post_type": "shelter", "location": point(2.353, 48.857)})
	require.NoError(t, err)

	t.Run("near query", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/help-requests?longitude=2.3522&latitude=48.8566&radius=20000", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 1, body["count"])
		reqs := body["help_requests"].([]interface{})
		assert.Equal(t, "nearby", reqs[0].(map[string]interface{})["post_id"])
	})

	t.Run("missing coordinates", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/help-requests?longitude=2.35", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Location coordinates required", decodeBody(t, rec)["error"])
	})
}

func validUserBody() map[string]interface{} {
	return map[string]interface{}{
		"name":     "Alice",
		"email":    "alice@example.com",
		"location": map[string]interface{}{"type": "Point", "coordinates": []float64{2.35, 48.85}},
	}
}

func TestUsers(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	rec := doRequest(t, srv, "POST", "/api/users", validUserBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "User created successfully", body["message"])
	userID := body["user_id"].(string)
	require.NotEmpty(t, userID)

	t.Run("duplicate email", func(t *testing.T) {
		rec := doRequest(t, srv, "POST", "/api/users", validUserBody())
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "User with this email already exists", decodeBody(t, rec)["error"])
	})

	t.Run("invalid email", func(t *testing.T) {
		body := validUserBody()
		body["email"] = "not-an-email"
		rec := doRequest(t, srv, "POST", "/api/users", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Valid email is required", decodeBody(t, rec)["error"])
	})

	t.Run("get", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/users/"+userID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Alice", decodeBody(t, rec)["name"])
	})

	t.Run("get missing", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/users/nope", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "User not found", decodeBody(t, rec)["error"])
	})

	t.Run("update", func(t *testing.T) {
		rec := doRequest(t, srv, "PUT", "/api/users/"+userID, map[string]interface{}{
			"reputation": 5,
			"verified":   true,
			"email":      "evil@example.com",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		doc, err := st.FindOne(ctx, "users", bson.M{"user_id": userID})
		require.NoError(t, err)
		assert.EqualValues(t, 5, doc["reputation"])
		assert.Equal(t, true, doc["verified"])
		assert.Equal(t, "alice@example.com", doc["email"], "email is not updatable")
	})

	t.Run("mark safe", func(t *testing.T) {
		rec := doRequest(t, srv, "POST", "/api/mark-safe", map[string]interface{}{"user_id": userID})
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "User marked as safe", body["message"])
		postID := body["post_id"].(string)

		doc, err := st.FindOne(ctx, "posts", bson.M{"post_id": postID})
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "safety", doc["post_type"])
		assert.Equal(t, "Alice marked themselves as safe", doc["message"])
	})

	t.Run("mark safe without user_id", func(t *testing.T) {
		rec := doRequest(t, srv, "POST", "/api/mark-safe", map[string]interface{}{})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "user_id is required", decodeBody(t, rec)["error"])
	})

	t.Run("mark safe unknown user", func(t *testing.T) {
		rec := doRequest(t, srv, "POST", "/api/mark-safe", map[string]interface{}{"user_id": "ghost"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestReceiveSync(t *testing.T) {
	srv, st := newTestServer(t, nil)

	t.Run("applies batch", func(t *testing.T) {
		ops := []map[string]interface{}{{
			"operation_type": "insert",
			"collection":     "posts",
			"document_id":    "remote-1",
			"data":           map[string]interface{}{"post_id": "remote-1", "message": "hi", "region": "europe", "last_modified": "2026-03-01T10:00:00.000Z"},
			"region_origin":  "europe",
		}}
		rec := doRequest(t, srv, "POST", "/internal/sync", map[string]interface{}{"operations": ops})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

		doc, err := st.FindOne(context.Background(), "posts", bson.M{"post_id": "remote-1"})
		require.NoError(t, err)
		assert.NotNil(t, doc)
	})

	t.Run("empty batch rejected", func(t *testing.T) {
		rec := doRequest(t, srv, "POST", "/internal/sync", map[string]interface{}{"operations": []interface{}{}})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No operations provided", decodeBody(t, rec)["message"])
	})
}

func TestGetChanges(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	old := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	insertOp := func(docID string, ts time.Time) {
		_, err := st.InsertOne(ctx, oplog.Collection, bson.M{
			"operation_type": "insert",
			"collection":     "posts",
			"document_id":    docID,
			"data":           bson.M{},
			"timestamp":      ts,
			"synced_to":      []interface{}{},
			"region_origin":  "north_america",
		})
		require.NoError(t, err)
	}
	insertOp("older", old)
	insertOp("newer", old.Add(time.Hour))

	t.Run("all changes ascending", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/internal/changes", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 2, body["count"])
		ops := body["operations"].([]interface{})
		assert.Equal(t, "older", ops[0].(map[string]interface{})["document_id"])
	})

	t.Run("since filters", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/internal/changes?since="+model.FormatTimestamp(old.Add(time.Minute)), nil)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 1, body["count"])
	})

	t.Run("bad since", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/internal/changes?since=yesterday", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthAndRoot(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(t, srv, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "north_america", body["region"])

	rec = doRequest(t, srv, "GET", "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "MeshNetwork Backend", body["service"])
	assert.Equal(t, "North America", body["region"])
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(t, srv, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	assert.Equal(t, "healthy", body["status"])
	region := body["region"].(map[string]interface{})
	assert.Equal(t, "north_america", region["name"])
	assert.Equal(t, "North America", region["display_name"])

	island := body["island"].(map[string]interface{})
	assert.Equal(t, "connected", island["status"])

	conflicts := body["conflicts"].(map[string]interface{})
	assert.EqualValues(t, 0, conflicts["total"])

	partitioning := body["partitioning"].(map[string]interface{})
	assert.Equal(t, "consistent_hashing", partitioning["partitioning_strategy"])

	configuration := body["configuration"].(map[string]interface{})
	assert.EqualValues(t, 5, configuration["sync_interval"])
}

func TestUnknownEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(t, srv, "GET", "/api/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Endpoint not found", decodeBody(t, rec)["error"])
}
