package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ukydev/smartpedals/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTelemetry wraps the locations, logs and data collections. All carry
// TTL indexes, so PurgeBefore only has to catch up with the TTL monitor.
type MongoTelemetry struct {
	Locations *mongo.Collection
	Logs      *mongo.Collection
	Data      *mongo.Collection
}

// NewMongoTelemetry binds the telemetry collections of database name.
func NewMongoTelemetry(client *mongo.Client, name string) *MongoTelemetry {
	database := client.Database(name)
	return &MongoTelemetry{
		Locations: database.Collection(LocationsCollection),
		Logs:      database.Collection(LogsCollection),
		Data:      database.Collection(DataCollection),
	}
}

// InsertFix inserts a location fix into the collection.
func (c *MongoTelemetry) InsertFix(ctx context.Context, fix models.LocationFix) error {
	if c.Locations == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Locations.InsertOne(ctx, fix)
	return err
}

// FindFixes queries a bike's fixes since the given time, oldest first.
func (c *MongoTelemetry) FindFixes(ctx context.Context, bikeID string, since time.Time) ([]models.LocationFix, error) {
	if c.Locations == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	return findAll[models.LocationFix](ctx, c.Locations,
		bson.M{"bikeId": bikeID, "timestamp": bson.M{"$gte": since}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
}

// InsertStationLog inserts a station log record into the collection.
func (c *MongoTelemetry) InsertStationLog(ctx context.Context, log models.StationLog) error {
	if c.Logs == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Logs.InsertOne(ctx, log)
	return err
}

// FindStationLogs queries a station's logs since the given time, newest first.
func (c *MongoTelemetry) FindStationLogs(ctx context.Context, stationID string, since time.Time, limit int64) ([]models.StationLog, error) {
	if c.Logs == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return findAll[models.StationLog](ctx, c.Logs, bson.M{"stationId": stationID, "ts": bson.M{"$gte": since}}, opts)
}

// InsertRaw archives one broker message.
func (c *MongoTelemetry) InsertRaw(ctx context.Context, msg models.RawMessage) error {
	if c.Data == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Data.InsertOne(ctx, msg)
	return err
}

// FindRaw queries archived messages since the given time, newest first.
func (c *MongoTelemetry) FindRaw(ctx context.Context, topic string, since time.Time, limit int64) ([]models.RawMessage, error) {
	if c.Data == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	filter := bson.M{"receivedAt": bson.M{"$gte": since}}
	if topic != "" {
		filter["topic"] = topic
	}
	opts := options.Find().SetSort(bson.D{{Key: "receivedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return findAll[models.RawMessage](ctx, c.Data, filter, opts)
}

// PurgeBefore deletes entries of the given class older than cutoff.
func (c *MongoTelemetry) PurgeBefore(ctx context.Context, class models.RetentionClass, cutoff time.Time) (int64, error) {
	var (
		coll  *mongo.Collection
		field string
	)
	switch class {
	case models.RetentionLocation:
		coll, field = c.Locations, "timestamp"
	case models.RetentionStationLog:
		coll, field = c.Logs, "ts"
	case models.RetentionRaw:
		coll, field = c.Data, "receivedAt"
	default:
		return 0, fmt.Errorf("unknown retention class %q", class)
	}
	if coll == nil {
		return 0, fmt.Errorf("mongo collection is nil")
	}
	res, err := coll.DeleteMany(ctx, bson.M{field: bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
