package replication

import (
	"context"
	"testing"
	"time"

	"github.com/meshnet/meshnet/internal/oplog"
	"github.com/meshnet/meshnet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestApplier(t *testing.T) (*Applier, store.Store) {
	t.Helper()
	st := store.NewMemory()
	resolver := NewResolver(st, NewConflictMetrics(), "north_america")
	return NewApplier(st, resolver), st
}

func TestApplyInsert(t *testing.T) {
	ctx := context.Background()
	applier, st := newTestApplier(t)

	ops := []oplog.Operation{{
		OperationType: oplog.OpInsert,
		Collection:    "posts",
		DocumentID:    "p1",
		Data:          bson.M{"post_id": "p1", "message": "hello", "region": "europe", "timestamp": "2026-03-01T10:00:00.000Z"},
		RegionOrigin:  "europe",
	}}

	applied := applier.Apply(ctx, ops)
	assert.Equal(t, 1, applied)

	doc, err := st.FindOne(ctx, "posts", bson.M{"post_id": "p1"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "hello", doc["message"])
	_, native := doc["timestamp"].(time.Time)
	assert.True(t, native, "string timestamps are normalized on apply")
}

func TestApplyUpdateForMissingDocumentInserts(t *testing.T) {
	ctx := context.Background()
	applier, st := newTestApplier(t)

	// An update whose create was never seen locally materializes the document
	ops := []oplog.Operation{{
		OperationType: oplog.OpUpdate,
		Collection:    "posts",
		DocumentID:    "p1",
		Data:          bson.M{"message": "partial", "last_modified": time.Now().UTC()},
		RegionOrigin:  "europe",
	}}

	applied := applier.Apply(ctx, ops)
	assert.Equal(t, 1, applied)

	doc, err := st.FindOne(ctx, "posts", bson.M{"post_id": "p1"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "p1", doc["post_id"], "document id comes from the entry")
	assert.Equal(t, "partial", doc["message"])
}

func TestApplyUpdateConflictResolves(t *testing.T) {
	ctx := context.Background()
	applier, st := newTestApplier(t)

	older := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := st.InsertOne(ctx, "posts", bson.M{"post_id": "p1", "message": "local", "region": "north_america", "last_modified": older})
	require.NoError(t, err)

	ops := []oplog.Operation{{
		OperationType: oplog.OpUpdate,
		Collection:    "posts",
		DocumentID:    "p1",
		Data:          bson.M{"message": "remote", "last_modified": older.Add(time.Hour)},
		RegionOrigin:  "europe",
	}}

	applied := applier.Apply(ctx, ops)
	assert.Equal(t, 1, applied)

	doc, err := st.FindOne(ctx, "posts", bson.M{"post_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, "remote", doc["message"])
}

func TestApplyUserUpdateAfterReplicatedInsert(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	metrics := NewConflictMetrics()
	applier := NewApplier(st, NewResolver(st, metrics, "north_america"))

	// A replicated user insert carrying only created_at, then a newer remote
	// rename. The site never modified the user locally, so the rename must
	// still win on the creation instant fallback.
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	insert := oplog.Operation{
		OperationType: oplog.OpInsert,
		Collection:    "users",
		DocumentID:    "u1",
		Data:          bson.M{"user_id": "u1", "name": "Old Name", "region": "europe", "created_at": created},
		RegionOrigin:  "europe",
	}
	rename := oplog.Operation{
		OperationType: oplog.OpUpdate,
		Collection:    "users",
		DocumentID:    "u1",
		Data:          bson.M{"name": "B", "last_modified": created.Add(3 * time.Second)},
		RegionOrigin:  "europe",
	}

	assert.Equal(t, 2, applier.Apply(ctx, []oplog.Operation{insert, rename}))

	doc, err := st.FindOne(ctx, "users", bson.M{"user_id": "u1"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "B", doc["name"])

	stats := metrics.Snapshot()
	assert.EqualValues(t, 1, stats.RemoteWins)
	assert.Zero(t, stats.Unresolved)
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	ctx := context.Background()
	applier, st := newTestApplier(t)

	instant := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	op := oplog.Operation{
		OperationType: oplog.OpInsert,
		Collection:    "posts",
		DocumentID:    "p1",
		Data:          bson.M{"post_id": "p1", "message": "hello", "region": "europe", "last_modified": instant},
		RegionOrigin:  "europe",
	}

	assert.Equal(t, 1, applier.Apply(ctx, []oplog.Operation{op}))
	assert.Equal(t, 1, applier.Apply(ctx, []oplog.Operation{op}))

	count, err := st.Count(ctx, "posts", bson.M{"post_id": "p1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "replay resolves against the existing copy instead of duplicating")
}

func TestApplyDelete(t *testing.T) {
	ctx := context.Background()
	applier, st := newTestApplier(t)

	_, err := st.InsertOne(ctx, "posts", bson.M{"post_id": "p1", "message": "doomed"})
	require.NoError(t, err)

	ops := []oplog.Operation{{
		OperationType: oplog.OpDelete,
		Collection:    "posts",
		DocumentID:    "p1",
		RegionOrigin:  "europe",
	}}

	applied := applier.Apply(ctx, ops)
	assert.Equal(t, 1, applied)

	doc, err := st.FindOne(ctx, "posts", bson.M{"post_id": "p1"})
	require.NoError(t, err)
	assert.Nil(t, doc)

	// Deleting an already-absent document still counts as applied
	assert.Equal(t, 1, applier.Apply(ctx, ops))
}

func TestApplySkipsBadEntriesAndContinues(t *testing.T) {
	ctx := context.Background()
	applier, st := newTestApplier(t)

	ops := []oplog.Operation{
		{OperationType: oplog.OpInsert, Collection: "comments", DocumentID: "c1", Data: bson.M{}, RegionOrigin: "europe"},
		{OperationType: "merge", Collection: "posts", DocumentID: "p0", Data: bson.M{}, RegionOrigin: "europe"},
		{OperationType: oplog.OpInsert, Collection: "posts", DocumentID: "p1", Data: bson.M{"message": "ok"}, RegionOrigin: "europe"},
	}

	applied := applier.Apply(ctx, ops)
	assert.Equal(t, 1, applied)

	doc, err := st.FindOne(ctx, "posts", bson.M{"post_id": "p1"})
	require.NoError(t, err)
	assert.NotNil(t, doc)
}
