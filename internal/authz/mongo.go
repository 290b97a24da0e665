package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/obobridge/obo-bridge/internal/config"
)

const ownershipCollection = "thread_owners"

// Mongo is the durable ownership store. One document per thread; the
// unique _id index makes the first insert the authoritative claim across
// bridge instances.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type ownershipDocument struct {
	ThreadID  string    `bson:"_id"`
	Owner     string    `bson:"owner"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongo connects to MongoDB and prepares the ownership collection.
func NewMongo(ctx context.Context, cfg config.StoreConfig) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	return NewMongoWithClient(client, cfg.MongoDatabase), nil
}

// NewMongoWithClient wraps an existing client, primarily for tests.
func NewMongoWithClient(client *mongo.Client, database string) *Mongo {
	return &Mongo{
		client:     client,
		collection: client.Database(database).Collection(ownershipCollection),
	}
}

func (s *Mongo) PutIfAbsent(ctx context.Context, threadID, owner string) (string, error) {
	doc := ownershipDocument{
		ThreadID:  threadID,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.collection.InsertOne(ctx, doc)
	if err == nil {
		return owner, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return "", fmt.Errorf("inserting ownership record: %w", err)
	}

	// A concurrent claim won; report the recorded owner.
	existing, found, err := s.Owner(ctx, threadID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("ownership record for %q vanished after duplicate insert", threadID)
	}
	return existing, nil
}

func (s *Mongo) Owner(ctx context.Context, threadID string) (string, bool, error) {
	var doc ownershipDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("loading ownership record: %w", err)
	}

	return doc.Owner, true, nil
}

func (s *Mongo) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("error disconnecting mongodb client")
		return err
	}
	return nil
}
