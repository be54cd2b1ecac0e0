package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/meshnet/meshnet/internal/config"
	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/oplog"
	"github.com/meshnet/meshnet/internal/query"
	"github.com/meshnet/meshnet/internal/store"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

const defaultPostLimit = 100

type createPostRequest struct {
	UserID   string       `json:"user_id"`
	PostType string       `json:"post_type"`
	Message  string       `json:"message"`
	Location *model.Point `json:"location"`
	Region   string       `json:"region"`
	Capacity *int         `json:"capacity"`
}

// handleListPosts serves GET /api/posts. region=all widens the filter to
// every region held locally; global=true additionally scatter-gathers the
// same query across peer sites.
func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	postType := params.Get("post_type")
	region := params.Get("region")
	global := params.Get("global") == "true"

	limit := defaultPostLimit
	if raw := params.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	skip := 0
	if raw := params.Get("skip"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			skip = v
		}
	}

	filter := bson.M{}
	if postType != "" {
		if !config.ValidatePostType(postType) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid post type: %s", postType))
			return
		}
		filter["post_type"] = postType
	}

	switch {
	case region == "all":
		// Site-wide view from the local store, no region filter
	case region != "":
		if !config.ValidateRegion(region) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid region: %s", region))
			return
		}
		filter["region"] = region
	case !global:
		// Default to the local region
		filter["region"] = s.config.Region
	}

	local, err := s.store.FindMany(r.Context(), model.CollectionPosts, filter, store.FindOptions{
		Sort:  []store.SortField{{Key: "timestamp", Desc: true}},
		Skip:  int64(skip),
		Limit: int64(limit),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range local {
		sanitizeDoc(local[i])
	}

	if !global {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"posts":  nonNil(local),
			"count":  len(local),
			"region": s.config.Region,
		})
		return
	}

	remoteParams := url.Values{}
	if postType != "" {
		remoteParams.Set("post_type", postType)
	}
	remoteParams.Set("region", "all")
	remoteParams.Set("limit", strconv.Itoa(limit))

	gathered := s.router.Scatter(r.Context(), "/api/posts", remoteParams, query.Options{})
	merged := query.Merge(local, gathered.Documents, "timestamp", limit)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"posts":  nonNil(merged),
		"count":  len(merged),
		"region": s.config.Region,
		"sources": map[string]int{
			"local":  len(local),
			"remote": len(gathered.Documents),
		},
		"query_metadata": gathered.Metadata,
	})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	postID := mux.Vars(r)["post_id"]

	post, err := s.store.FindOne(r.Context(), model.CollectionPosts, bson.M{"post_id": postID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if post == nil {
		writeError(w, http.StatusNotFound, "Post not found")
		return
	}
	writeJSON(w, http.StatusOK, sanitizeDoc(post))
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "No data provided")
		return
	}

	region := req.Region
	if region == "" {
		region = s.config.Region
	}
	location := model.DefaultPoint()
	if req.Location != nil {
		location = *req.Location
	}

	post := model.NewPost(req.UserID, req.PostType, req.Message, location, region, req.Capacity)
	if err := post.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc := post.Document()
	if _, err := s.store.InsertOne(r.Context(), model.CollectionPosts, doc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.oplog.Queue(r.Context(), oplog.OpInsert, model.CollectionPosts, post.PostID, doc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logrus.WithFields(logrus.Fields{
		"post_id": post.PostID,
		"user_id": post.UserID,
	}).Info("Created post")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Post created successfully",
		"post_id": post.PostID,
		"region":  s.config.Region,
	})
}

// allowedPostFields are the mutable fields on PUT /api/posts/<id>
var allowedPostFields = []string{"message", "post_type", "capacity", "location"}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	postID := mux.Vars(r)["post_id"]

	var data bson.M
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, "No data provided")
		return
	}

	existing, err := s.store.FindOne(r.Context(), model.CollectionPosts, bson.M{"post_id": postID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Post not found")
		return
	}

	update := bson.M{}
	for _, field := range allowedPostFields {
		if value, ok := data[field]; ok {
			update[field] = value
		}
	}
	update["last_modified"] = model.Now()

	if _, err := s.store.UpdateOne(r.Context(), model.CollectionPosts, bson.M{"post_id": postID}, update, false); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.oplog.Queue(r.Context(), oplog.OpUpdate, model.CollectionPosts, postID, update); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logrus.WithField("post_id", postID).Info("Updated post")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Post updated successfully",
		"post_id": postID,
	})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	postID := mux.Vars(r)["post_id"]

	existing, err := s.store.FindOne(r.Context(), model.CollectionPosts, bson.M{"post_id": postID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Post not found")
		return
	}

	if _, err := s.store.DeleteOne(r.Context(), model.CollectionPosts, bson.M{"post_id": postID}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.oplog.Queue(r.Context(), oplog.OpDelete, model.CollectionPosts, postID, bson.M{}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logrus.WithField("post_id", postID).Info("Deleted post")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Post deleted successfully",
		"post_id": postID,
	})
}

// handleHelpRequests serves GET /api/help-requests: help posts near a
// coordinate, nearest first.
func (s *Server) handleHelpRequests(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	longitude, lonErr := strconv.ParseFloat(params.Get("longitude"), 64)
	latitude, latErr := strconv.ParseFloat(params.Get("latitude"), 64)
	if lonErr != nil || latErr != nil {
		writeError(w, http.StatusBadRequest, "Location coordinates required")
		return
	}

	radius := 10000
	if raw := params.Get("radius"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			radius = v
		}
	}

	filter := bson.M{
		"post_type": "help",
		"location": bson.M{
			"$near": bson.M{
				"$geometry": bson.M{
					"type":        "Point",
					"coordinates": []interface{}{longitude, latitude},
				},
				"$maxDistance": radius,
			},
		},
	}

	requests, err := s.store.FindMany(r.Context(), model.CollectionPosts, filter, store.FindOptions{Limit: 50})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range requests {
		sanitizeDoc(requests[i])
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"help_requests": nonNil(requests),
		"count":         len(requests),
	})
}

// nonNil keeps empty result sets encoding as [] instead of null
func nonNil(docs []bson.M) []bson.M {
	if docs == nil {
		return []bson.M{}
	}
	return docs
}
