package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pimssync/internal/database"
	"pimssync/internal/models"
)

// ErrNotFound is returned for lookups that match nothing
var ErrNotFound = errors.New("not found")

// MongoProgressStore keeps one progress row per sync run
type MongoProgressStore struct {
	collection *mongo.Collection
}

// NewMongoProgressStore creates a progress store
func NewMongoProgressStore(mongodb *database.MongoDB) *MongoProgressStore {
	return &MongoProgressStore{collection: mongodb.Collection(database.CollectionProgress)}
}

// WriteProgress upserts the row for update.SyncID
func (s *MongoProgressStore) WriteProgress(ctx context.Context, update models.ProgressUpdate) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"syncId": update.SyncID},
		bson.M{"$set": update},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write sync progress: %w", err)
	}
	return nil
}

// GetProgress returns the latest sample of a run
func (s *MongoProgressStore) GetProgress(ctx context.Context, syncID string) (*models.ProgressUpdate, error) {
	var update models.ProgressUpdate
	err := s.collection.FindOne(ctx, bson.M{"syncId": syncID}).Decode(&update)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("progress for %s: %w", syncID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sync progress: %w", err)
	}
	return &update, nil
}
