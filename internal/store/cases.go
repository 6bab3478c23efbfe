package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pimssync/internal/database"
	"pimssync/internal/models"
)

// MongoCaseStore persists cases in MongoDB
type MongoCaseStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoCaseStore creates a case store
func NewMongoCaseStore(mongodb *database.MongoDB) *MongoCaseStore {
	return &MongoCaseStore{
		collection: mongodb.Collection(database.CollectionCases),
		now:        time.Now,
	}
}

// FindByExternalIDs returns the clinic's cases whose external id is in ids
func (s *MongoCaseStore) FindByExternalIDs(ctx context.Context, clinicID string, ids []string) ([]models.Case, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.find(ctx, bson.M{
		"clinicId":   clinicID,
		"externalId": bson.M{"$in": ids},
	}, nil)
}

// InsertCase stores c and assigns its ID
func (s *MongoCaseStore) InsertCase(ctx context.Context, c *models.Case) error {
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	result, err := s.collection.InsertOne(ctx, c)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("case %s already exists: %w", c.ExternalID, err)
		}
		return fmt.Errorf("failed to insert case: %w", err)
	}

	c.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

// UpdateCase applies a field-level patch
func (s *MongoCaseStore) UpdateCase(ctx context.Context, id primitive.ObjectID, update models.CaseUpdate) error {
	result, err := s.collection.UpdateByID(ctx, id, caseUpdateDoc(update, s.now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("case %s not found", id.Hex())
	}
	return nil
}

// FindCasesForEnrichment returns unenriched cases with a linked consultation
func (s *MongoCaseStore) FindCasesForEnrichment(ctx context.Context, clinicID, source string, window models.DateRange) ([]models.Case, error) {
	return s.find(ctx, enrichmentFilter(clinicID, source, window), options.Find().SetSort(bson.D{{Key: "scheduledAt", Value: 1}}))
}

// FindCasesForReconciliation returns live synced cases in window
func (s *MongoCaseStore) FindCasesForReconciliation(ctx context.Context, clinicID, source string, window models.DateRange) ([]models.Case, error) {
	return s.find(ctx, reconciliationFilter(clinicID, source, window), nil)
}

func (s *MongoCaseStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Case, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer cursor.Close(ctx)

	var cases []models.Case
	if err := cursor.All(ctx, &cases); err != nil {
		return nil, fmt.Errorf("failed to decode cases: %w", err)
	}
	return cases, nil
}

func windowFilter(window models.DateRange) bson.M {
	return bson.M{"$gte": window.Start, "$lt": window.End}
}

func enrichmentFilter(clinicID, source string, window models.DateRange) bson.M {
	return bson.M{
		"clinicId":    clinicID,
		"source":      source,
		"scheduledAt": windowFilter(window),
		"metadata.pimsAppointment.consultationId": bson.M{"$exists": true, "$ne": ""},
		"metadata.enrichedAt":                     bson.M{"$exists": false},
	}
}

func reconciliationFilter(clinicID, source string, window models.DateRange) bson.M {
	return bson.M{
		"clinicId":                            clinicID,
		"source":                              source,
		"externalId":                          bson.M{"$exists": true, "$ne": ""},
		"scheduledAt":                         windowFilter(window),
		"metadata.reconciliation.softDeleted": bson.M{"$ne": true},
	}
}

// caseUpdateDoc maps a CaseUpdate onto $set/$unset so each phase only touches the
// sub-documents it owns
func caseUpdateDoc(u models.CaseUpdate, now time.Time) bson.M {
	set := bson.M{"updatedAt": now}
	unset := bson.M{}

	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.ScheduledAt != nil {
		set["scheduledAt"] = *u.ScheduledAt
	}
	if u.IsUrgent != nil {
		set["isUrgent"] = *u.IsUrgent
	}
	if u.Appointment != nil {
		set["metadata.pimsAppointment"] = u.Appointment
	}
	if u.Consultation != nil {
		set["metadata.pimsConsultation"] = u.Consultation
	}
	if u.EnrichedAt != nil {
		set["metadata.enrichedAt"] = *u.EnrichedAt
	}
	if u.Entities != nil {
		set["metadata.entities"] = u.Entities
	}
	if u.AI != nil {
		set["metadata.ai"] = u.AI
	}
	if u.Reconciliation != nil {
		set["metadata.reconciliation"] = u.Reconciliation
	} else if u.ClearReconciliation {
		unset["metadata.reconciliation"] = ""
	}
	if u.SyncID != "" {
		set["metadata.sync.lastSyncId"] = u.SyncID
		set["metadata.sync.lastPhase"] = u.Phase
		set["metadata.sync.lastSyncedAt"] = now
	}

	doc := bson.M{"$set": set}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	return doc
}
