package replication

import (
	"context"
	"fmt"

	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/store"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// Resolver implements Last-Write-Wins conflict resolution over the
// last_modified timestamp (falling back to the creation timestamp).
type Resolver struct {
	store   store.Store
	metrics *ConflictMetrics
	region  string
	log     *logrus.Entry
}

// NewResolver creates a resolver for the local region
func NewResolver(st store.Store, metrics *ConflictMetrics, region string) *Resolver {
	return &Resolver{
		store:   st,
		metrics: metrics,
		region:  region,
		log:     logrus.WithField("component", "conflict_resolver"),
	}
}

// Resolve compares a remote document against the local one and writes the
// winner. remoteRegion is the origin of the remote write and is used to
// break exact timestamp ties deterministically: the lexicographically
// greater region wins.
func (r *Resolver) Resolve(ctx context.Context, collection, documentID string, remote, local bson.M, remoteRegion string) (string, error) {
	remoteTime, remoteOK := model.ModifiedAt(remote)
	localTime, localOK := model.ModifiedAt(local)

	idKey, known := model.IDKey(collection)
	if !known {
		return "", fmt.Errorf("unknown collection: %s", collection)
	}

	if !remoteOK || !localOK {
		r.metrics.Record(collection, documentID, OutcomeUnresolved)
		r.log.WithFields(logrus.Fields{
			"collection":  collection,
			"document_id": documentID,
		}).Warn("Could not resolve conflict: missing timestamps")
		return OutcomeUnresolved, nil
	}

	remoteWins := remoteTime.After(localTime)
	if remoteTime.Equal(localTime) {
		localRegion := r.region
		if region, ok := local["region"].(string); ok && region != "" {
			localRegion = region
		}
		remoteWins = remoteRegion > localRegion
	}

	if remoteWins {
		update := bson.M{}
		for k, v := range remote {
			if k == "_id" {
				continue
			}
			update[k] = v
		}
		if _, err := r.store.UpdateOne(ctx, collection, bson.M{idKey: documentID}, update, false); err != nil {
			return "", fmt.Errorf("failed to apply remote winner for %s/%s: %w", collection, documentID, err)
		}
		r.metrics.Record(collection, documentID, OutcomeRemoteWins)
		r.log.WithFields(logrus.Fields{
			"collection":  collection,
			"document_id": documentID,
		}).Info("Resolved conflict: remote wins")
		return OutcomeRemoteWins, nil
	}

	// Local wins. If the surviving document still carries string-encoded
	// timestamps from earlier writes, rewrite them as native instants so
	// the store's timestamp type only ever improves.
	if model.HasStringTimestamps(local) {
		fixed := bson.M{}
		for _, field := range model.TimestampFields {
			raw, ok := local[field].(string)
			if !ok {
				continue
			}
			if t, parsed := model.ParseTimestamp(raw); parsed {
				fixed[field] = t
			}
		}
		if len(fixed) > 0 {
			if _, err := r.store.UpdateOne(ctx, collection, bson.M{idKey: documentID}, fixed, false); err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{
					"collection":  collection,
					"document_id": documentID,
				}).Warn("Failed to rewrite legacy string timestamps")
			}
		}
	}

	r.metrics.Record(collection, documentID, OutcomeLocalWins)
	r.log.WithFields(logrus.Fields{
		"collection":  collection,
		"document_id": documentID,
	}).Info("Resolved conflict: local wins")
	return OutcomeLocalWins, nil
}
