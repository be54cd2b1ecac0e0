package replication

import (
	"context"
	"fmt"

	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/oplog"
	"github.com/meshnet/meshnet/internal/store"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// Applier ingests operations received from peer regions. Used by both the
// daemon's pull phase and the /internal/sync endpoint.
type Applier struct {
	store    store.Store
	resolver *Resolver
	log      *logrus.Entry
}

// NewApplier creates an applier backed by the given store and resolver
func NewApplier(st store.Store, resolver *Resolver) *Applier {
	return &Applier{
		store:    st,
		resolver: resolver,
		log:      logrus.WithField("component", "apply"),
	}
}

// Apply processes a batch of peer operations. Application is per-entry
// best-effort: a failed entry is logged and the rest of the batch still
// applies. Returns the number of entries applied without error.
func (a *Applier) Apply(ctx context.Context, ops []oplog.Operation) int {
	applied := 0
	for _, op := range ops {
		if err := a.applyOne(ctx, op); err != nil {
			applyErrorsTotal.Inc()
			a.log.WithError(err).WithFields(logrus.Fields{
				"operation":   op.OperationType,
				"collection":  op.Collection,
				"document_id": op.DocumentID,
			}).Error("Failed to apply operation")
			continue
		}
		operationsAppliedTotal.WithLabelValues(op.OperationType).Inc()
		applied++
	}
	return applied
}

func (a *Applier) applyOne(ctx context.Context, op oplog.Operation) error {
	idKey, known := model.IDKey(op.Collection)
	if !known {
		return fmt.Errorf("unknown collection: %s", op.Collection)
	}

	data := op.Data
	if data == nil {
		data = bson.M{}
	}
	model.NormalizeTimestamps(data)

	switch op.OperationType {
	case oplog.OpInsert, oplog.OpUpdate:
		existing, err := a.store.FindOne(ctx, op.Collection, bson.M{idKey: op.DocumentID})
		if err != nil {
			return err
		}
		if existing != nil {
			_, err := a.resolver.Resolve(ctx, op.Collection, op.DocumentID, data, existing, op.RegionOrigin)
			return err
		}
		// Absent locally: insert, whether the entry was an insert or an
		// update whose create we never saw. The document id comes from the
		// entry in case the payload is a partial update.
		doc := bson.M{idKey: op.DocumentID}
		for k, v := range data {
			if k == "_id" {
				continue
			}
			doc[k] = v
		}
		if _, err := a.store.InsertOne(ctx, op.Collection, doc); err != nil {
			return err
		}
		a.log.WithFields(logrus.Fields{
			"collection":  op.Collection,
			"document_id": op.DocumentID,
			"operation":   op.OperationType,
		}).Debug("Applied operation as insert")
		return nil

	case oplog.OpDelete:
		// Deletes are applied unconditionally; they are not timestamp
		// resolved, so a late delete removes newer local updates.
		if _, err := a.store.DeleteOne(ctx, op.Collection, bson.M{idKey: op.DocumentID}); err != nil {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown operation type: %s", op.OperationType)
	}
}
