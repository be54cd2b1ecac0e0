package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/meshnet/meshnet/internal/config"
	"go.mongodb.org/mongo-driver/bson"
)

// ErrUnavailable is returned when the document store cannot be reached.
// Callers log it and abort the current cycle instead of crashing.
var ErrUnavailable = errors.New("store unavailable")

// SortField names a field to order results by
type SortField struct {
	Key  string
	Desc bool
}

// FindOptions carries sort and pagination parameters for FindMany
type FindOptions struct {
	Sort  []SortField
	Skip  int64
	Limit int64
}

// Member describes one replica-set member in a health report
type Member struct {
	Name   string  `json:"name"`
	State  string  `json:"state"`
	Health float64 `json:"health"`
}

// Health is the store health report exposed via /status
type Health struct {
	Status     string   `json:"status"`
	ReplicaSet string   `json:"replica_set,omitempty"`
	Primary    string   `json:"primary,omitempty"`
	Members    []Member `json:"members,omitempty"`
	Database   string   `json:"database,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Store is a thin abstraction over the external document database. Documents
// are open maps; filters use a Mongo-style operator syntax on top-level
// fields.
type Store interface {
	InsertOne(ctx context.Context, collection string, doc bson.M) (string, error)
	FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error)
	FindMany(ctx context.Context, collection string, filter bson.M, opts FindOptions) ([]bson.M, error)
	Count(ctx context.Context, collection string, filter bson.M) (int64, error)

	// UpdateOne applies an update to the first matching document. With
	// useOperators the update document is passed through verbatim (e.g.
	// $addToSet); without it the update is a plain field map applied as a
	// set-fields merge.
	UpdateOne(ctx context.Context, collection string, filter, update bson.M, useOperators bool) (bool, error)

	DeleteOne(ctx context.Context, collection string, filter bson.M) (bool, error)
	DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error)

	CheckHealth(ctx context.Context) Health
	Close(ctx context.Context) error
}

// NewBackend creates the configured store backend
func NewBackend(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "mongodb":
		return NewMongo(ctx, cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
