package server

import (
	"encoding/json"
	"net/http"

	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/oplog"
	"github.com/sirupsen/logrus"
)

type receiveSyncRequest struct {
	Operations []oplog.Operation `json:"operations"`
}

// handleReceiveSync serves POST /internal/sync: the peer-facing push
// endpoint. Application is best-effort per entry; the batch is acknowledged
// as long as it was well-formed.
func (s *Server) handleReceiveSync(w http.ResponseWriter, r *http.Request) {
	var req receiveSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Operations) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "No operations provided"})
		return
	}

	applied := s.applier.Apply(r.Context(), req.Operations)

	logrus.WithFields(logrus.Fields{
		"received": len(req.Operations),
		"applied":  applied,
	}).Info("Applied sync batch from peer")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Operations applied successfully",
		"count":   len(req.Operations),
	})
}

// handleGetChanges serves GET /internal/changes: locally-originated
// operations newer than since, oldest first.
func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("since")
	var ops []oplog.Operation
	var err error
	if raw != "" {
		t, ok := model.ParseTimestamp(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp")
			return
		}
		ops, err = s.oplog.ChangesSince(r.Context(), &t)
	} else {
		ops, err = s.oplog.ChangesSince(r.Context(), nil)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if ops == nil {
		ops = []oplog.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
	})
}
