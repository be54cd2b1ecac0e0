package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/store"
	"go.mongodb.org/mongo-driver/bson"
)

// MetadataCollection holds one checkpoint per (local, remote) region pair
const MetadataCollection = "sync_metadata"

// Checkpoints tracks the per-peer pull checkpoint used as the since
// parameter on /internal/changes.
type Checkpoints struct {
	store  store.Store
	region string
}

// NewCheckpoints creates checkpoint bookkeeping for the local region
func NewCheckpoints(st store.Store, region string) *Checkpoints {
	return &Checkpoints{store: st, region: region}
}

// LastSyncTime returns the checkpoint for a peer, or nil before first contact
func (c *Checkpoints) LastSyncTime(ctx context.Context, peer string) (*time.Time, error) {
	doc, err := c.store.FindOne(ctx, MetadataCollection, bson.M{
		"local_region":  c.region,
		"remote_region": peer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sync checkpoint for %s: %w", peer, err)
	}
	if doc == nil {
		return nil, nil
	}
	if t, ok := model.ParseTimestamp(doc["last_sync_time"]); ok {
		return &t, nil
	}
	return nil, nil
}

// RecordSync upserts the checkpoint after a successful pull. The instant is
// the local clock, not the peer's; clock skew between sites can re-pull or
// miss entries near the boundary.
func (c *Checkpoints) RecordSync(ctx context.Context, peer string, at time.Time) error {
	filter := bson.M{
		"local_region":  c.region,
		"remote_region": peer,
	}

	existing, err := c.store.FindOne(ctx, MetadataCollection, filter)
	if err != nil {
		return fmt.Errorf("failed to read sync checkpoint for %s: %w", peer, err)
	}

	if existing == nil {
		doc := bson.M{
			"local_region":   c.region,
			"remote_region":  peer,
			"last_sync_time": at.UTC(),
			"last_updated":   model.Now(),
		}
		if _, err := c.store.InsertOne(ctx, MetadataCollection, doc); err != nil {
			return fmt.Errorf("failed to create sync checkpoint for %s: %w", peer, err)
		}
		return nil
	}

	update := bson.M{
		"last_sync_time": at.UTC(),
		"last_updated":   model.Now(),
	}
	if _, err := c.store.UpdateOne(ctx, MetadataCollection, filter, update, false); err != nil {
		return fmt.Errorf("failed to update sync checkpoint for %s: %w", peer, err)
	}
	return nil
}
