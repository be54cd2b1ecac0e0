package store

import (
	"context"
	"fmt"
	"time"

	"github.com/meshnet/meshnet/internal/config"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Mongo is the production store backend: a MongoDB replica set local to the
// site, written with majority concern and read primary-preferred.
type Mongo struct {
	client   *mongo.Client
	db       *mongo.Database
	database string
	log      *logrus.Entry
}

// NewMongo connects to the replica set and verifies it with a ping
func NewMongo(ctx context.Context, cfg config.StoreConfig) (*Mongo, error) {
	log := logrus.WithField("component", "store")
	log.WithField("uri", cfg.URI).Info("Connecting to MongoDB")

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetReadPreference(readpref.PrimaryPreferred()).
		SetWriteConcern(writeconcern.Majority()).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(5 * time.Second)
	if cfg.ReplicaSet != "" {
		opts.SetReplicaSet(cfg.ReplicaSet)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%w: ping failed: %v", ErrUnavailable, err)
	}

	log.WithField("replica_set", cfg.ReplicaSet).Info("Connected to MongoDB replica set")

	return &Mongo{
		client:   client,
		db:       client.Database(cfg.Database),
		database: cfg.Database,
		log:      log,
	}, nil
}

// wrapErr converts driver connectivity failures into ErrUnavailable so
// callers can abort a cycle without inspecting driver internals
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (m *Mongo) InsertOne(ctx context.Context, collection string, doc bson.M) (string, error) {
	res, err := m.db.Collection(collection).InsertOne(ctx, doc)
	if err != nil {
		return "", wrapErr(err)
	}
	return fmt.Sprintf("%v", res.InsertedID), nil
}

func (m *Mongo) FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error) {
	var doc bson.M
	err := m.db.Collection(collection).FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return doc, nil
}

func (m *Mongo) FindMany(ctx context.Context, collection string, filter bson.M, opts FindOptions) ([]bson.M, error) {
	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		sort := bson.D{}
		for _, s := range opts.Sort {
			order := 1
			if s.Desc {
				order = -1
			}
			sort = append(sort, bson.E{Key: s.Key, Value: order})
		}
		findOpts.SetSort(sort)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cursor, err := m.db.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr(err)
	}
	return docs, nil
}

func (m *Mongo) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	n, err := m.db.Collection(collection).CountDocuments(ctx, filter)
	return n, wrapErr(err)
}

func (m *Mongo) UpdateOne(ctx context.Context, collection string, filter, update bson.M, useOperators bool) (bool, error) {
	if !useOperators {
		update = bson.M{"$set": update}
	}
	res, err := m.db.Collection(collection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapErr(err)
	}
	return res.ModifiedCount > 0, nil
}

func (m *Mongo) DeleteOne(ctx context.Context, collection string, filter bson.M) (bool, error) {
	res, err := m.db.Collection(collection).DeleteOne(ctx, filter)
	if err != nil {
		return false, wrapErr(err)
	}
	return res.DeletedCount > 0, nil
}

func (m *Mongo) DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error) {
	res, err := m.db.Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.DeletedCount, nil
}

// CheckHealth pings the server and reports replica-set topology
func (m *Mongo) CheckHealth(ctx context.Context) Health {
	if err := m.client.Ping(ctx, nil); err != nil {
		return Health{Status: "unhealthy", Error: err.Error()}
	}

	var status bson.M
	err := m.client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).
		Decode(&status)
	if err != nil {
		// Standalone servers reject replSetGetStatus; the ping already
		// succeeded so the store itself is usable.
		m.log.WithError(err).Debug("replSetGetStatus not available")
		return Health{Status: "healthy", Database: m.database}
	}

	health := Health{
		Status:   "healthy",
		Database: m.database,
	}
	if set, ok := status["set"].(string); ok {
		health.ReplicaSet = set
	}
	if members, ok := status["members"].(bson.A); ok {
		for _, raw := range members {
			member, ok := raw.(bson.M)
			if !ok {
				continue
			}
			info := Member{}
			info.Name, _ = member["name"].(string)
			info.State, _ = member["stateStr"].(string)
			switch h := member["health"].(type) {
			case float64:
				info.Health = h
			case int32:
				info.Health = float64(h)
			}
			health.Members = append(health.Members, info)
			if info.State == "PRIMARY" {
				health.Primary = info.Name
			}
		}
	}
	return health
}

func (m *Mongo) Close(ctx context.Context) error {
	m.log.Info("Closing MongoDB connection")
	return m.client.Disconnect(ctx)
}
