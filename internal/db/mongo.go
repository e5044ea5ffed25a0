package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/smartpedals/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names of the smartpedals database.
const (
	UsersCollection     = "users"
	BikesCollection     = "bikes"
	RacksCollection     = "racks"
	StationsCollection  = "stations"
	EventsCollection    = "events"
	LocationsCollection = "locations"
	LogsCollection      = "logs"
	DataCollection      = "data"
)

// ConnectMongo connects to MongoDB and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// MongoStore implements Store on a MongoDB replica set. Transactions need a
// replica set or sharded cluster.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	bikes    *mongo.Collection
	racks    *mongo.Collection
	stations *mongo.Collection
	events   *mongo.Collection
}

// NewMongoStore binds the entity and ledger collections of database name.
func NewMongoStore(client *mongo.Client, name string) *MongoStore {
	database := client.Database(name)
	return &MongoStore{
		client:   client,
		users:    database.Collection(UsersCollection),
		bikes:    database.Collection(BikesCollection),
		racks:    database.Collection(RacksCollection),
		stations: database.Collection(StationsCollection),
		events:   database.Collection(EventsCollection),
	}
}

// EnsureIndexes creates the unique keys, ledger ordering index and the TTL
// indexes that expire telemetry.
func EnsureIndexes(ctx context.Context, database *mongo.Database, retention Retention) error {
	unique := func(field string) mongo.IndexModel {
		return mongo.IndexModel{Keys: bson.D{{Key: field, Value: 1}}, Options: options.Index().SetUnique(true)}
	}
	specs := map[string][]mongo.IndexModel{
		UsersCollection:    {unique("rfid")},
		BikesCollection:    {unique("bikeId")},
		RacksCollection:    {unique("rackId"), {Keys: bson.D{{Key: "stationId", Value: 1}}}},
		StationsCollection: {unique("stationId")},
		EventsCollection: {{
			Keys: bson.D{{Key: "entity.kind", Value: 1}, {Key: "entity.id", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "seq", Value: 1}},
		}},
		LocationsCollection: {
			{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(int32(retention.Location.Seconds()))},
			{Keys: bson.D{{Key: "bikeId", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
		LogsCollection: {
			{Keys: bson.D{{Key: "ts", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(int32(retention.StationLog.Seconds()))},
			{Keys: bson.D{{Key: "stationId", Value: 1}, {Key: "ts", Value: -1}}},
		},
		DataCollection: {
			{Keys: bson.D{{Key: "receivedAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(int32(retention.Raw.Seconds()))},
			{Keys: bson.D{{Key: "topic", Value: 1}, {Key: "receivedAt", Value: -1}}},
		},
	}
	for name, idx := range specs {
		if _, err := database.Collection(name).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	return nil
}

// RunInTx runs fn inside a MongoDB transaction. The driver retries fn on
// transient transaction errors until ctx expires.
func (s *MongoStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{s: s})
	})
	return translateTxError(err)
}

func translateTxError(err error) error {
	if err == nil {
		return nil
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %v", &models.ConcurrentModificationError{}, err)
	}
	return err
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, kind models.EntityKind, field, key string) (*T, error) {
	var out T
	err := coll.FindOne(ctx, bson.M{field: key}).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &models.NotFoundError{Kind: kind, Key: key}
		}
		return nil, err
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter interface{}, opts ...*options.FindOptions) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindUser finds a user by rfid.
func (s *MongoStore) FindUser(ctx context.Context, rfid string) (*models.User, error) {
	return findOne[models.User](ctx, s.users, models.KindUser, "rfid", rfid)
}

// FindBike finds a bike by bikeId.
func (s *MongoStore) FindBike(ctx context.Context, bikeID string) (*models.Bike, error) {
	return findOne[models.Bike](ctx, s.bikes, models.KindBike, "bikeId", bikeID)
}

// FindRack finds a rack by rackId.
func (s *MongoStore) FindRack(ctx context.Context, rackID string) (*models.Rack, error) {
	return findOne[models.Rack](ctx, s.racks, models.KindRack, "rackId", rackID)
}

// FindStation finds a station by stationId.
func (s *MongoStore) FindStation(ctx context.Context, stationID string) (*models.Station, error) {
	return findOne[models.Station](ctx, s.stations, models.KindStation, "stationId", stationID)
}

// ListBikes returns all bikes ordered by bikeId.
func (s *MongoStore) ListBikes(ctx context.Context) ([]models.Bike, error) {
	return findAll[models.Bike](ctx, s.bikes, bson.M{}, options.Find().SetSort(bson.D{{Key: "bikeId", Value: 1}}))
}

// ListStations returns all stations ordered by stationId.
func (s *MongoStore) ListStations(ctx context.Context) ([]models.Station, error) {
	return findAll[models.Station](ctx, s.stations, bson.M{}, options.Find().SetSort(bson.D{{Key: "stationId", Value: 1}}))
}

// ListRacks returns the racks of one station ordered by rackId.
func (s *MongoStore) ListRacks(ctx context.Context, stationID string) ([]models.Rack, error) {
	return findAll[models.Rack](ctx, s.racks, bson.M{"stationId": stationID}, options.Find().SetSort(bson.D{{Key: "rackId", Value: 1}}))
}

// Events opens a cursor over one entity's ledger stream.
func (s *MongoStore) Events(ctx context.Context, ref models.EntityRef, order models.Order) (EventCursor, error) {
	dir := 1
	if order == models.NewestFirst {
		dir = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: dir}, {Key: "seq", Value: dir}})
	cursor, err := s.events.Find(ctx, bson.M{"entity.kind": ref.Kind, "entity.id": ref.ID}, opts)
	if err != nil {
		return nil, err
	}
	return cursor, nil
}
