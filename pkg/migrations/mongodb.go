package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"aire/internal/constants"
)

// EnsureMongoCollection creates the indexes of the device label collection.
func EnsureMongoCollection(ctx context.Context, db *mongo.Database, name string) error {
	if name == "" {
		name = constants.DeviceLabelsCollection
	}
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}},
			Options: options.Index().SetName("idx_device_labels_device_id").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "consumer_group", Value: 1}},
			Options: options.Index().SetName("idx_device_labels_consumer_group").SetSparse(true),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
