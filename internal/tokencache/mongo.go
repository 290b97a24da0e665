package tokencache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/obobridge/obo-bridge/internal/config"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const tokenCacheCollection = "token_cache"

// Mongo is the durable token cache store. One document per user key; the
// document's integer version field implements the compare-and-set write
// discipline across bridge instances.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type tokenCacheDocument struct {
	UserKey   string                 `bson:"_id"`
	Version   int64                  `bson:"version"`
	Tokens    map[string]CachedToken `bson:"tokens"`
	UpdatedAt time.Time              `bson:"updated_at"`
}

// NewMongo connects to MongoDB and prepares the token cache collection.
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
		collection: client.Database(database).Collection(tokenCacheCollection),
	}
}

func (s *Mongo) Load(ctx context.Context, userKey string) (Record, bool, error) {
	var doc tokenCacheDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": userKey}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return NewRecord(), false, nil
		}
		return Record{}, false, fmt.Errorf("loading token cache record: %w", err)
	}

	rec := Record{
		Tokens:  make(map[Resource]CachedToken, len(doc.Tokens)),
		Version: strconv.FormatInt(doc.Version, 10),
	}
	for k, v := range doc.Tokens {
		rec.Tokens[Resource(k)] = v
	}
	return rec, true, nil
}

func (s *Mongo) Save(ctx context.Context, userKey string, rec Record) error {
	tokens := make(map[string]CachedToken, len(rec.Tokens))
	for k, v := range rec.Tokens {
		tokens[string(k)] = v
	}

	if rec.Version == "" {
		doc := tokenCacheDocument{
			UserKey:   userKey,
			Version:   1,
			Tokens:    tokens,
			UpdatedAt: time.Now().UTC(),
		}
		_, err := s.collection.InsertOne(ctx, doc)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				// A concurrent first write won; the caller reloads.
				return ErrVersionConflict
			}
			return fmt.Errorf("inserting token cache record: %w", err)
		}
		return nil
	}

	version, err := strconv.ParseInt(rec.Version, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed version tag %q: %w", rec.Version, err)
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": userKey, "version": version},
		bson.M{
			"$set": bson.M{"tokens": tokens, "updated_at": time.Now().UTC()},
			"$inc": bson.M{"version": int64(1)},
		},
	)
	if err != nil {
		return fmt.Errorf("updating token cache record: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *Mongo) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("error disconnecting mongodb client")
		return err
	}
	return nil
}
