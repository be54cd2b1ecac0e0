package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/oplog"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

type createUserRequest struct {
	Name       string       `json:"name"`
	Email      string       `json:"email"`
	Region     string       `json:"region"`
	Location   *model.Point `json:"location"`
	Verified   bool         `json:"verified"`
	Reputation int          `json:"reputation"`
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	user, err := s.store.FindOne(r.Context(), model.CollectionUsers, bson.M{"user_id": userID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, sanitizeDoc(user))
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
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

	user := model.NewUser(req.Name, req.Email, region, location, req.Verified, req.Reputation)
	if err := user.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.store.FindOne(r.Context(), model.CollectionUsers, bson.M{"email": user.Email})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "User with this email already exists")
		return
	}

	doc := user.Document()
	if _, err := s.store.InsertOne(r.Context(), model.CollectionUsers, doc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.oplog.Queue(r.Context(), oplog.OpInsert, model.CollectionUsers, user.UserID, doc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logrus.WithFields(logrus.Fields{
		"user_id": user.UserID,
		"email":   user.Email,
	}).Info("Created user")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "User created successfully",
		"user_id": user.UserID,
		"region":  s.config.Region,
	})
}

// allowedUserFields are the mutable fields on PUT /api/users/<id>
var allowedUserFields = []string{"name", "location", "verified", "reputation"}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var data bson.M
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, "No data provided")
		return
	}

	existing, err := s.store.FindOne(r.Context(), model.CollectionUsers, bson.M{"user_id": userID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	update := bson.M{}
	for _, field := range allowedUserFields {
		if value, ok := data[field]; ok {
			update[field] = value
		}
	}
	update["last_modified"] = model.Now()

	if _, err := s.store.UpdateOne(r.Context(), model.CollectionUsers, bson.M{"user_id": userID}, update, false); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.oplog.Queue(r.Context(), oplog.OpUpdate, model.CollectionUsers, userID, update); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logrus.WithField("user_id", userID).Info("Updated user")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "User updated successfully",
		"user_id": userID,
	})
}

// handleMarkSafe serves POST /api/mark-safe: synthesizes a safety post from
// the user's stored profile.
func (s *Server) handleMarkSafe(w http.ResponseWriter, r *http.Request) {
	var data bson.M
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	userID, _ := data["user_id"].(string)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	user, err := s.store.FindOne(r.Context(), model.CollectionUsers, bson.M{"user_id": userID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	name, _ := user["name"].(string)
	if name == "" {
		name = "User"
	}
	region, _ := user["region"].(string)
	if region == "" {
		region = s.config.Region
	}
	location := model.DefaultPoint()
	if loc, ok := model.PointFromDocument(user["location"]); ok {
		location = loc
	}

	post := model.NewPost(userID, "safety", fmt.Sprintf("%s marked themselves as safe", name), location, region, nil)

	doc := post.Document()
	if _, err := s.store.InsertOne(r.Context(), model.CollectionPosts, doc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.oplog.Queue(r.Context(), oplog.OpInsert, model.CollectionPosts, post.PostID, doc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logrus.WithField("user_id", userID).Info("User marked as safe")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "User marked as safe",
		"user_id": userID,
		"post_id": post.PostID,
	})
}
