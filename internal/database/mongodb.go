package database

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// Collection names
const (
	CollectionCases      = "cases"
	CollectionSyncAudits = "case_sync_audits"
	CollectionProgress   = "sync_progress"
)

// NewMongoDB connects and pings. ctx bounds the connection attempt only.
func NewMongoDB(ctx context.Context, uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Sync runs are sequential per clinic, so a small pool is plenty
	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(20).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	// Connect to MongoDB
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)

	db := &MongoDB{
		client:   client,
		database: client.Database(dbName),
		dbName:   dbName,
	}

	log.Printf("✅ Connected to MongoDB database: %s", dbName)

	return db, nil
}

// extractDBName extracts the database name from the path of a MongoDB URI.
// mongodb://localhost:27017/clinics?authSource=admin -> clinics
func extractDBName(uri string) string {
	rest := uri
	if idx := strings.Index(rest, "://"); idx != -1 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "?#"); idx != -1 {
		rest = rest[:idx]
	}

	slash := strings.Index(rest, "/")
	if slash == -1 || slash == len(rest)-1 {
		return "pimssync"
	}
	return rest[slash+1:]
}

// Initialize creates indexes for all collections
func (m *MongoDB) Initialize(ctx context.Context) error {
	log.Println("📦 Initializing MongoDB indexes...")

	// The external id is the idempotency key of synced cases. Manual cases have none,
	// so the unique index is partial.
	if err := m.createIndexes(ctx, CollectionCases, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "clinicId", Value: 1}, {Key: "externalId", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
				"externalId": bson.M{"$type": "string"},
			}),
		},
		{Keys: bson.D{{Key: "clinicId", Value: 1}, {Key: "source", Value: 1}, {Key: "scheduledAt", Value: 1}}},
		{Keys: bson.D{{Key: "clinicId", Value: 1}, {Key: "metadata.enrichedAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create cases indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionSyncAudits, []mongo.IndexModel{
		{Keys: bson.D{{Key: "syncId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "clinicId", Value: 1}, {Key: "startedAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "startedAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create case_sync_audits indexes: %w", err)
	}

	// Progress rows are diagnostic and expire after a day
	if err := m.createIndexes(ctx, CollectionProgress, []mongo.IndexModel{
		{Keys: bson.D{{Key: "syncId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(86400)},
	}); err != nil {
		return fmt.Errorf("failed to create sync_progress indexes: %w", err)
	}

	log.Println("✅ MongoDB indexes initialized successfully")
	return nil
}

// createIndexes creates indexes for a collection
func (m *MongoDB) createIndexes(ctx context.Context, collectionName string, indexes []mongo.IndexModel) error {
	collection := m.database.Collection(collectionName)
	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Collection returns a collection handle
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Client returns the underlying MongoDB client
func (m *MongoDB) Client() *mongo.Client {
	return m.client
}

// Database returns the underlying MongoDB database
func (m *MongoDB) Database() *mongo.Database {
	return m.database
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	log.Println("🔌 Closing MongoDB connection...")
	return m.client.Disconnect(ctx)
}

// Ping checks if the database connection is alive
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}
