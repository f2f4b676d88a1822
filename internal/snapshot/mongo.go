package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/matt-riley/flagsync/internal/core"
)

// MongoCollectionName is the collection snapshots are written to.
const MongoCollectionName = "feature_snapshots"

type mongoCollection interface {
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult
}

type mongoSnapshot struct {
	ID          string                   `bson:"_id"`
	AppKey      string                   `bson:"app_key"`
	Environment string                   `bson:"environment"`
	Version     int                      `bson:"version"`
	SavedAt     time.Time                `bson:"saved_at"`
	Definitions []core.FeatureDefinition `bson:"definitions"`
}

// Mongo stores one document per application and environment.
type Mongo struct {
	coll  mongoCollection
	scope Scope
}

// NewMongo returns a store on coll, normally
// db.Collection(MongoCollectionName).
func NewMongo(coll mongoCollection, scope Scope) *Mongo {
	return &Mongo{coll: coll, scope: scope}
}

func (m *Mongo) Save(ctx context.Context, defs []core.FeatureDefinition) error {
	if defs == nil {
		defs = []core.FeatureDefinition{}
	}
	doc := mongoSnapshot{
		ID:          m.scope.Key(),
		AppKey:      m.scope.AppKey,
		Environment: m.scope.Environment,
		Version:     formatVersion,
		SavedAt:     nowUTC(),
		Definitions: defs,
	}
	_, err := m.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (m *Mongo) Load(ctx context.Context) ([]core.FeatureDefinition, error) {
	var doc mongoSnapshot
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: m.scope.Key()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("load snapshot: unsupported version %d", doc.Version)
	}
	return doc.Definitions, nil
}

// ConnectMongo connects to url and pings the deployment.
func ConnectMongo(ctx context.Context, url string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}
