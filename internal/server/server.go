package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/meshnet/meshnet/internal/config"
	"github.com/meshnet/meshnet/internal/middleware"
	"github.com/meshnet/meshnet/internal/oplog"
	"github.com/meshnet/meshnet/internal/partition"
	"github.com/meshnet/meshnet/internal/query"
	"github.com/meshnet/meshnet/internal/replication"
	"github.com/meshnet/meshnet/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Server represents a MeshNet regional site
type Server struct {
	config     *config.Config
	httpServer *http.Server
	store      store.Store
	oplog      *oplog.Log
	applier    *replication.Applier
	daemon     *replication.Daemon
	tracker    *replication.Tracker
	conflicts  *replication.ConflictMetrics
	router     *query.Router
	partitions *partition.Service
	startTime  time.Time
}

// New creates a MeshNet server over an already-connected store
func New(cfg *config.Config, st store.Store) (*Server, error) {
	conflicts := replication.NewConflictMetrics()
	resolver := replication.NewResolver(st, conflicts, cfg.Region)
	applier := replication.NewApplier(st, resolver)
	checkpoints := replication.NewCheckpoints(st, cfg.Region)
	tracker := replication.NewTracker(cfg.Sync.RemoteRegions, cfg.Sync.IslandThreshold())
	log := oplog.New(st, cfg.Region)
	daemon := replication.NewDaemon(cfg.Region, cfg.Sync, log, applier, checkpoints, tracker)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      st,
		oplog:      log,
		applier:    applier,
		daemon:     daemon,
		tracker:    tracker,
		conflicts:  conflicts,
		router:     query.NewRouter(cfg.Region, cfg.Sync),
		partitions: partition.NewService(partitionNodes(cfg.Store)),
		startTime:  time.Now(),
	}

	server.setupRoutes()
	return server, nil
}

// partitionNodes derives intra-region partition nodes from the store's
// replica set member hosts
func partitionNodes(cfg config.StoreConfig) []string {
	uri := cfg.URI
	if idx := strings.Index(uri, "://"); idx >= 0 {
		uri = uri[idx+3:]
	}
	if idx := strings.IndexAny(uri, "/?"); idx >= 0 {
		uri = uri[:idx]
	}
	if at := strings.LastIndex(uri, "@"); at >= 0 {
		uri = uri[at+1:]
	}
	if uri == "" {
		return nil
	}
	return strings.Split(uri, ",")
}

// Start runs the HTTP server and the replication daemon until ctx is
// cancelled, then shuts both down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"region":  s.config.Region,
		"address": s.httpServer.Addr,
		"peers":   s.config.Sync.RemoteRegions,
	}).Info("Starting MeshNet server")

	s.daemon.Start(ctx)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server error")
		}
	}()

	<-ctx.Done()
	return s.shutdown()
}

func (s *Server) shutdown() error {
	logrus.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Failed to shutdown HTTP server")
	}

	s.daemon.Stop()

	if err := s.store.Close(ctx); err != nil {
		logrus.WithError(err).Error("Failed to close store")
	}
	return nil
}

// Handler exposes the routed handler, for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) setupRoutes() {
	router := mux.NewRouter()

	router.Use(middleware.CORS())
	router.Use(middleware.Logging())

	// Public API
	router.HandleFunc("/api/posts", s.handleListPosts).Methods("GET")
	router.HandleFunc("/api/posts", s.handleCreatePost).Methods("POST")
	router.HandleFunc("/api/posts/{post_id}", s.handleGetPost).Methods("GET")
	router.HandleFunc("/api/posts/{post_id}", s.handleUpdatePost).Methods("PUT")
	router.HandleFunc("/api/posts/{post_id}", s.handleDeletePost).Methods("DELETE")
	router.HandleFunc("/api/help-requests", s.handleHelpRequests).Methods("GET")

	router.HandleFunc("/api/users", s.handleCreateUser).Methods("POST")
	router.HandleFunc("/api/users/{user_id}", s.handleGetUser).Methods("GET")
	router.HandleFunc("/api/users/{user_id}", s.handleUpdateUser).Methods("PUT")
	router.HandleFunc("/api/mark-safe", s.handleMarkSafe).Methods("POST")

	// Peer-facing sync endpoints
	router.HandleFunc("/internal/sync", s.handleReceiveSync).Methods("POST")
	router.HandleFunc("/internal/changes", s.handleGetChanges).Methods("GET")

	// Telemetry
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/", s.handleRoot).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})

	s.httpServer.Handler = handlers.RecoveryHandler()(router)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// sanitizeDoc converts the store's internal _id to a string for JSON output
func sanitizeDoc(doc map[string]interface{}) map[string]interface{} {
	if oid, ok := doc["_id"].(primitive.ObjectID); ok {
		doc["_id"] = oid.Hex()
	} else if id, ok := doc["_id"]; ok {
		doc["_id"] = fmt.Sprintf("%v", id)
	}
	return doc
}
