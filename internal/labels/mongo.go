package labels

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"aire/internal/constants"
	"aire/pkg/metrics"
)

// DeviceLabel is a document of the device label collection.
type DeviceLabel struct {
	DeviceID      string    `bson:"device_id"`
	Label         string    `bson:"label"`
	ConsumerGroup string    `bson:"consumer_group,omitempty"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type MongoSource struct {
	collection *mongo.Collection
}

func NewMongoSource(db *mongo.Database, collection string) *MongoSource {
	if collection == "" {
		collection = constants.DeviceLabelsCollection
	}
	return &MongoSource{collection: db.Collection(collection)}
}

func (s *MongoSource) Load(ctx context.Context) (map[string]string, error) {
	start := time.Now()
	out, err := s.load(ctx)
	metrics.ObserveDatabaseQuery(constants.DatabaseMongoDB, "labels_load", err, time.Since(start))
	return out, err
}

func (s *MongoSource) load(ctx context.Context) (map[string]string, error) {
	opts := options.Find().SetProjection(bson.D{{Key: "device_id", Value: 1}, {Key: "label", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query device labels: %w", err)
	}
	defer cursor.Close(ctx)

	out := make(map[string]string)
	for cursor.Next(ctx) {
		var doc DeviceLabel
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode device label: %w", err)
		}
		if doc.DeviceID != "" {
			out[doc.DeviceID] = doc.Label
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("device label cursor: %w", err)
	}
	return out, nil
}

// Upsert stores or replaces the label of one device.
func (s *MongoSource) Upsert(ctx context.Context, label DeviceLabel) error {
	if label.UpdatedAt.IsZero() {
		label.UpdatedAt = time.Now().UTC()
	}
	_, err := s.collection.ReplaceOne(ctx,
		bson.D{{Key: "device_id", Value: label.DeviceID}},
		label,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert label for %s: %w", label.DeviceID, err)
	}
	return nil
}
