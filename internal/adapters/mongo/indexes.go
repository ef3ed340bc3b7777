package mongo

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the indexes the directory and audit trail query by.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("audit_logs").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return errors.Wrap(err, "audit_logs index")
	}
	_, err = db.Collection("courts").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "facility_id", Value: 1}},
	})
	return errors.Wrap(err, "courts index")
}

func sortByTimestamp() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
}
