package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/ukydev/smartpedals/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoTx issues every call on the session context handed to RunInTx.
type mongoTx struct {
	s *MongoStore
}

func (t *mongoTx) User(ctx context.Context, rfid string) (*models.User, error) {
	return t.s.FindUser(ctx, rfid)
}

func (t *mongoTx) Bike(ctx context.Context, bikeID string) (*models.Bike, error) {
	return t.s.FindBike(ctx, bikeID)
}

func (t *mongoTx) Rack(ctx context.Context, rackID string) (*models.Rack, error) {
	return t.s.FindRack(ctx, rackID)
}

func (t *mongoTx) Station(ctx context.Context, stationID string) (*models.Station, error) {
	return t.s.FindStation(ctx, stationID)
}

func (t *mongoTx) BikeRiddenBy(ctx context.Context, rfid string) (*models.Bike, error) {
	var bike models.Bike
	err := t.s.bikes.FindOne(ctx, bson.M{"currentUser": rfid}).Decode(&bike)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bike, nil
}

func insertUnique(ctx context.Context, coll *mongo.Collection, kind models.EntityKind, key string, doc interface{}) error {
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &models.DuplicateKeyError{Kind: kind, Key: key}
		}
		return err
	}
	return nil
}

func (t *mongoTx) InsertUser(ctx context.Context, user models.User) error {
	user.History, user.LedgerSeq, user.Version = []string{}, 0, 0
	return insertUnique(ctx, t.s.users, models.KindUser, user.RFID, user)
}

func (t *mongoTx) InsertBike(ctx context.Context, bike models.Bike) error {
	bike.History, bike.LedgerSeq, bike.Version = []string{}, 0, 0
	return insertUnique(ctx, t.s.bikes, models.KindBike, bike.BikeID, bike)
}

func (t *mongoTx) InsertRack(ctx context.Context, rack models.Rack) error {
	rack.History, rack.LedgerSeq, rack.Version = []string{}, 0, 0
	return insertUnique(ctx, t.s.racks, models.KindRack, rack.RackID, rack)
}

func (t *mongoTx) InsertStation(ctx context.Context, station models.Station) error {
	if station.Racks == nil {
		station.Racks = []string{}
	}
	station.Version = 0
	return insertUnique(ctx, t.s.stations, models.KindStation, station.StationID, station)
}

// updateVersioned applies set only if the stored version still matches.
func updateVersioned(ctx context.Context, coll *mongo.Collection, kind models.EntityKind, field, key string, version int64, set bson.M) error {
	res, err := coll.UpdateOne(ctx,
		bson.M{field: key, "version": version},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &models.ConcurrentModificationError{Kind: kind, Key: key}
	}
	return nil
}

func (t *mongoTx) UpdateUser(ctx context.Context, user models.User) error {
	return updateVersioned(ctx, t.s.users, models.KindUser, "rfid", user.RFID, user.Version, bson.M{
		"firstName": user.FirstName,
		"lastName":  user.LastName,
		"email":     user.Email,
		"phone":     user.Phone,
	})
}

func (t *mongoTx) UpdateBike(ctx context.Context, bike models.Bike) error {
	return updateVersioned(ctx, t.s.bikes, models.KindBike, "bikeId", bike.BikeID, bike.Version, bson.M{
		"status":      bike.Status,
		"currentUser": bike.CurrentUser,
		"currentRack": bike.CurrentRack,
	})
}

func (t *mongoTx) UpdateRack(ctx context.Context, rack models.Rack) error {
	return updateVersioned(ctx, t.s.racks, models.KindRack, "rackId", rack.RackID, rack.Version, bson.M{
		"currentBike": rack.CurrentBike,
	})
}

func (t *mongoTx) UpdateStation(ctx context.Context, station models.Station) error {
	racks := station.Racks
	if racks == nil {
		racks = []string{}
	}
	return updateVersioned(ctx, t.s.stations, models.KindStation, "stationId", station.StationID, station.Version, bson.M{
		"name":  station.Name,
		"racks": racks,
	})
}

func deleteVersioned(ctx context.Context, coll *mongo.Collection, kind models.EntityKind, field, key string, version int64) error {
	res, err := coll.DeleteOne(ctx, bson.M{field: key, "version": version})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &models.ConcurrentModificationError{Kind: kind, Key: key}
	}
	return nil
}

func (t *mongoTx) DeleteUser(ctx context.Context, user models.User) error {
	return deleteVersioned(ctx, t.s.users, models.KindUser, "rfid", user.RFID, user.Version)
}

func (t *mongoTx) DeleteBike(ctx context.Context, bike models.Bike) error {
	return deleteVersioned(ctx, t.s.bikes, models.KindBike, "bikeId", bike.BikeID, bike.Version)
}

func (t *mongoTx) DeleteRack(ctx context.Context, rack models.Rack) error {
	return deleteVersioned(ctx, t.s.racks, models.KindRack, "rackId", rack.RackID, rack.Version)
}

func (t *mongoTx) entityCollection(kind models.EntityKind) (*mongo.Collection, string, error) {
	switch kind {
	case models.KindUser:
		return t.s.users, "rfid", nil
	case models.KindBike:
		return t.s.bikes, "bikeId", nil
	case models.KindRack:
		return t.s.racks, "rackId", nil
	default:
		return nil, "", fmt.Errorf("no ledger for %s", kind)
	}
}

func (t *mongoTx) Append(ctx context.Context, ev models.Event) (models.Event, error) {
	coll, field, err := t.entityCollection(ev.Entity.Kind)
	if err != nil {
		return ev, err
	}

	var counter struct {
		LedgerSeq int64 `bson:"ledgerSeq"`
	}
	err = coll.FindOneAndUpdate(ctx,
		bson.M{field: ev.Entity.ID},
		bson.M{"$inc": bson.M{"ledgerSeq": 1}, "$push": bson.M{"history": ev.ID}},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"ledgerSeq": 1}),
	).Decode(&counter)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ev, &models.NotFoundError{Kind: ev.Entity.Kind, Key: ev.Entity.ID}
		}
		return ev, err
	}

	ev.Seq = counter.LedgerSeq
	if _, err := t.s.events.InsertOne(ctx, ev); err != nil {
		return ev, err
	}
	return ev, nil
}
