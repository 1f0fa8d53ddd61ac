package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tokenrelay/internal/core"
)

// MongoDBStore implements Store for MongoDB.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore ensures the key_hash unique index exists.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	collection := database.Collection("credentials")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for credentials", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

func (s *MongoDBStore) Create(ctx context.Context, cred *core.Credential) error {
	if err := prepareCreate(cred, uuid.NewString); err != nil {
		return err
	}
	if _, err := s.collection.InsertOne(ctx, cred); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

func (s *MongoDBStore) GetByHash(ctx context.Context, keyHash string) (*core.Credential, error) {
	return s.findOne(ctx, bson.D{{Key: "key_hash", Value: keyHash}})
}

func (s *MongoDBStore) GetByID(ctx context.Context, id string) (*core.Credential, error) {
	return s.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *MongoDBStore) List(ctx context.Context) ([]*core.Credential, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	var out []*core.Credential
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return out, nil
}

func (s *MongoDBStore) SetStatus(ctx context.Context, id string, status core.Status) error {
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(cur, status); err != nil {
		return err
	}

	filter := bson.D{{Key: "_id", Value: id}, {Key: "status", Value: cur.Status}}
	var matched int64
	if status == core.StatusHardDeleted {
		res, err := s.collection.DeleteOne(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to delete credential: %w", err)
		}
		matched = res.DeletedCount
	} else {
		res, err := s.collection.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: status}}}})
		if err != nil {
			return fmt.Errorf("failed to update credential status: %w", err)
		}
		matched = res.MatchedCount
	}
	if matched == 0 {
		return fmt.Errorf("%w: status changed concurrently", ErrConflict)
	}
	return nil
}

func (s *MongoDBStore) AddTokensUsed(ctx context.Context, id string, delta int64) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.D{{Key: "tokens_used", Value: 1}})

	var doc struct {
		TokensUsed int64 `bson:"tokens_used"`
	}
	err := s.collection.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "tokens_used", Value: delta}}}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to add tokens used: %w", err)
	}
	return doc.TokensUsed, nil
}

func (s *MongoDBStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, id, bson.D{{Key: "$set", Value: bson.D{{Key: "last_used_at", Value: at.UTC()}}}})
}

func (s *MongoDBStore) IncrementCounts(ctx context.Context, id string, requests, errs int64) error {
	return s.updateOne(ctx, id, bson.D{{Key: "$inc", Value: bson.D{
		{Key: "request_count", Value: requests},
		{Key: "error_count", Value: errs},
	}}})
}

// Close is a no-op; the client is owned by the storage layer.
func (s *MongoDBStore) Close() error { return nil }

func (s *MongoDBStore) findOne(ctx context.Context, filter bson.D) (*core.Credential, error) {
	var cred core.Credential
	err := s.collection.FindOne(ctx, filter).Decode(&cred)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	return &cred, nil
}

func (s *MongoDBStore) updateOne(ctx context.Context, id string, update bson.D) error {
	res, err := s.collection.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
