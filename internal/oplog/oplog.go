// Package oplog maintains the per-site operation log: an append-only record
// of locally-originated mutations awaiting propagation to peer regions.
package oplog

import (
	"context"
	"fmt"
	"time"

	"github.com/meshnet/meshnet/internal/model"
	"github.com/meshnet/meshnet/internal/store"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// Collection is the store collection holding log entries
const Collection = "operation_log"

// PushBatchLimit caps how many entries a single sync cycle pushes
const PushBatchLimit = 100

// RetentionWindow is how long fully-acknowledged entries are kept before GC
const RetentionWindow = 24 * time.Hour

// Operation types
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Operation is the wire form of a log entry, as exchanged over
// /internal/sync and /internal/changes
type Operation struct {
	OperationType string    `json:"operation_type"`
	Collection    string    `json:"collection"`
	DocumentID    string    `json:"document_id"`
	Data          bson.M    `json:"data"`
	Timestamp     time.Time `json:"timestamp"`
	RegionOrigin  string    `json:"region_origin"`
	SyncedTo      []string  `json:"synced_to"`
}

// Entry is a stored log entry: an Operation plus its store identity
type Entry struct {
	ID interface{}
	Operation
}

// Log provides queue, acknowledgement, and GC operations over the store
type Log struct {
	store  store.Store
	region string
	log    *logrus.Entry
}

// New creates an operation log bound to the local region
func New(st store.Store, region string) *Log {
	return &Log{
		store:  st,
		region: region,
		log:    logrus.WithField("component", "oplog"),
	}
}

// Queue appends a log entry for a successful local write. Every local
// mutation to a replicated collection calls this exactly once; deletes carry
// an empty payload.
func (l *Log) Queue(ctx context.Context, opType, collection, docID string, data bson.M) error {
	if data == nil {
		data = bson.M{}
	}
	entry := bson.M{
		"operation_type": opType,
		"collection":     collection,
		"document_id":    docID,
		"data":           data,
		"timestamp":      model.Now(),
		"synced_to":      []interface{}{},
		"region_origin":  l.region,
	}

	if _, err := l.store.InsertOne(ctx, Collection, entry); err != nil {
		return fmt.Errorf("failed to queue %s operation for %s/%s: %w", opType, collection, docID, err)
	}

	l.log.WithFields(logrus.Fields{
		"operation":   opType,
		"collection":  collection,
		"document_id": docID,
	}).Debug("Queued operation for replication")
	return nil
}

// Pushable returns locally-originated entries not yet acknowledged by every
// configured peer, oldest first, capped at PushBatchLimit.
func (l *Log) Pushable(ctx context.Context, peers []string) ([]Entry, error) {
	if len(peers) == 0 {
		return nil, nil
	}

	filter := bson.M{
		"region_origin": l.region,
		"synced_to":     bson.M{"$not": bson.M{"$all": toAny(peers)}},
	}
	docs, err := l.store.FindMany(ctx, Collection, filter, store.FindOptions{
		Sort:  []store.SortField{{Key: "timestamp"}},
		Limit: PushBatchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pushable entries: %w", err)
	}

	entries := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, decodeEntry(doc))
	}
	return entries, nil
}

// Acknowledge records that a peer accepted the given entries. The array add
// is at-most-once, so replays leave synced_to unchanged.
func (l *Log) Acknowledge(ctx context.Context, entries []Entry, peer string) error {
	for _, entry := range entries {
		_, err := l.store.UpdateOne(ctx, Collection,
			bson.M{"_id": entry.ID},
			bson.M{"$addToSet": bson.M{"synced_to": peer}},
			true,
		)
		if err != nil {
			return fmt.Errorf("failed to acknowledge entry %v for %s: %w", entry.ID, peer, err)
		}
	}
	return nil
}

// ChangesSince returns locally-originated operations newer than since,
// oldest first, capped at PushBatchLimit. A nil since returns from the
// beginning of the log.
func (l *Log) ChangesSince(ctx context.Context, since *time.Time) ([]Operation, error) {
	filter := bson.M{"region_origin": l.region}
	if since != nil {
		filter["timestamp"] = bson.M{"$gt": since.UTC()}
	}

	docs, err := l.store.FindMany(ctx, Collection, filter, store.FindOptions{
		Sort:  []store.SortField{{Key: "timestamp"}},
		Limit: PushBatchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}

	ops := make([]Operation, 0, len(docs))
	for _, doc := range docs {
		ops = append(ops, decodeEntry(doc).Operation)
	}
	return ops, nil
}

// GC deletes entries acknowledged by every configured peer and older than
// the retention window, as a single ranged delete. Best-effort: the caller
// logs failures and moves on.
func (l *Log) GC(ctx context.Context, peers []string, retention time.Duration) (int64, error) {
	if len(peers) == 0 {
		return 0, nil
	}

	cutoff := model.Now().Add(-retention)
	deleted, err := l.store.DeleteMany(ctx, Collection, bson.M{
		"region_origin": l.region,
		"synced_to":     bson.M{"$all": toAny(peers)},
		"timestamp":     bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("operation log GC failed: %w", err)
	}

	if deleted > 0 {
		l.log.WithField("deleted", deleted).Info("Garbage-collected acknowledged operation log entries")
	}
	return deleted, nil
}

// decodeEntry rebuilds an Entry from its open-map store form
func decodeEntry(doc bson.M) Entry {
	e := Entry{ID: doc["_id"]}
	e.OperationType, _ = doc["operation_type"].(string)
	e.Collection, _ = doc["collection"].(string)
	e.DocumentID, _ = doc["document_id"].(string)
	e.RegionOrigin, _ = doc["region_origin"].(string)
	if t, ok := model.ParseTimestamp(doc["timestamp"]); ok {
		e.Timestamp = t
	}
	e.Data = toDocument(doc["data"])
	e.SyncedTo = toStrings(doc["synced_to"])
	return e
}

func toDocument(v interface{}) bson.M {
	switch d := v.(type) {
	case bson.M:
		return d
	case map[string]interface{}:
		return bson.M(d)
	default:
		return bson.M{}
	}
}

func toStrings(v interface{}) []string {
	var items []interface{}
	switch arr := v.(type) {
	case []interface{}:
		items = arr
	case bson.A:
		items = []interface{}(arr)
	case []string:
		return arr
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toAny(strs []string) []interface{} {
	out := make([]interface{}, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}
