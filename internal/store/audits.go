package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pimssync/internal/database"
	"pimssync/internal/models"
)

// MongoAuditStore persists one audit row per phase run
type MongoAuditStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoAuditStore creates an audit store
func NewMongoAuditStore(mongodb *database.MongoDB) *MongoAuditStore {
	return &MongoAuditStore{
		collection: mongodb.Collection(database.CollectionSyncAudits),
		now:        time.Now,
	}
}

// StartAudit inserts the in_progress row
func (s *MongoAuditStore) StartAudit(ctx context.Context, audit *models.SyncAudit) error {
	if audit.Status == "" {
		audit.Status = models.AuditStatusInProgress
	}
	if _, err := s.collection.InsertOne(ctx, audit); err != nil {
		return fmt.Errorf("failed to insert sync audit: %w", err)
	}
	return nil
}

// FinishAudit finalizes the row by syncId, creating it if the start write was lost
func (s *MongoAuditStore) FinishAudit(ctx context.Context, audit *models.SyncAudit) error {
	update := bson.M{
		"$set": bson.M{
			"status":       audit.Status,
			"stats":        audit.Stats,
			"errorMessage": audit.ErrorMessage,
			"errorCount":   audit.ErrorCount,
			"completedAt":  audit.CompletedAt,
			"durationMs":   audit.DurationMs,
		},
		"$setOnInsert": bson.M{
			"syncId":    audit.SyncID,
			"clinicId":  audit.ClinicID,
			"phase":     audit.Phase,
			"window":    audit.Window,
			"startedAt": audit.StartedAt,
		},
	}
	_, err := s.collection.UpdateOne(ctx, bson.M{"syncId": audit.SyncID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to finalize sync audit: %w", err)
	}
	return nil
}

// ListAudits returns the most recent audits of a clinic
func (s *MongoAuditStore) ListAudits(ctx context.Context, clinicID string, limit int64) ([]models.SyncAudit, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "startedAt", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.collection.Find(ctx, bson.M{"clinicId": clinicID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync audits: %w", err)
	}
	defer cursor.Close(ctx)

	audits := []models.SyncAudit{}
	if err := cursor.All(ctx, &audits); err != nil {
		return nil, fmt.Errorf("failed to decode sync audits: %w", err)
	}
	return audits, nil
}

// FailStaleAudits marks audits stuck in_progress since before cutoff as failed.
// These are runs whose process died before finalizing.
func (s *MongoAuditStore) FailStaleAudits(ctx context.Context, cutoff time.Time) (int64, error) {
	now := s.now().UTC()
	result, err := s.collection.UpdateMany(ctx,
		bson.M{
			"status":    models.AuditStatusInProgress,
			"startedAt": bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{
			"status":       models.AuditStatusFailed,
			"errorMessage": "run abandoned before completion",
			"completedAt":  now,
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale audits: %w", err)
	}
	return result.ModifiedCount, nil
}
