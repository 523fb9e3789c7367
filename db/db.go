package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is the MongoDB system of record for users, products and orders.
type Store struct {
	Client *mongo.Client

	UserCollection        *mongo.Collection
	ProductCollection     *mongo.Collection
	OrderCollection       *mongo.Collection
	CounterCollection     *mongo.Collection
	IdempotencyCollection *mongo.Collection
}

// Connect opens the client, pings the primary and binds the collections.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	d := client.Database(database)
	return &Store{
		Client:                client,
		UserCollection:        d.Collection("users"),
		ProductCollection:     d.Collection("products"),
		OrderCollection:       d.Collection("orders"),
		CounterCollection:     d.Collection("counters"),
		IdempotencyCollection: d.Collection("idempotency"),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the queries below rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll *mongo.Collection
		idx  []mongo.IndexModel
	}{
		{s.UserCollection, []mongo.IndexModel{
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName("unique_email")},
		}},
		{s.OrderCollection, []mongo.IndexModel{
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("user_status")},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}, Options: options.Index().SetName("status_created")},
			{Keys: bson.D{{Key: "items.productId", Value: 1}}, Options: options.Index().SetName("item_product")},
		}},
		{s.IdempotencyCollection, []mongo.IndexModel{
			{Keys: bson.M{"key": 1}, Options: options.Index().SetUnique(true).SetName("unique_key")},
			{Keys: bson.M{"expires_at": 1}, Options: options.Index().SetExpireAfterSeconds(0).SetName("ttl_expires_at")},
		}},
	}

	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateMany(ctx, spec.idx); err != nil {
			return fmt.Errorf("creating indexes on %s: %w", spec.coll.Name(), err)
		}
	}
	log.Println("[DB] indexes ensured")
	return nil
}

// nextID hands out monotonically increasing integer ids per sequence.
func (s *Store) nextID(ctx context.Context, sequence string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.CounterCollection.FindOneAndUpdate(ctx,
		bson.M{"_id": sequence},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocating %s id: %w", sequence, err)
	}
	return counter.Seq, nil
}

// helper to detect duplicate key errors from Mongo insert
func isDuplicateKeyError(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}
