package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/smartpedals/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestConnectMongo_BadURI(t *testing.T) {
	client, err := ConnectMongo(context.Background(), "mongodb://bad:uri")
	if err == nil {
		t.Error("expected error for bad URI, got nil")
	}
	if client != nil {
		t.Error("expected nil client on error")
	}
}

func TestInsertFix_NilCollection(t *testing.T) {
	coll := &MongoTelemetry{}
	err := coll.InsertFix(context.Background(), models.LocationFix{BikeID: "bike001"})
	if err == nil {
		t.Error("expected error when collection is nil")
	}
	_, err = coll.PurgeBefore(context.Background(), models.RetentionStationLog, time.Now())
	if err == nil {
		t.Error("expected error when collection is nil")
	}
	if err := coll.InsertRaw(context.Background(), models.RawMessage{Topic: "hepl/auth"}); err == nil {
		t.Error("expected error when collection is nil")
	}
}

func TestTranslateTxError(t *testing.T) {
	assert.NoError(t, translateTxError(nil))

	plain := errors.New("boom")
	assert.Equal(t, plain, translateTxError(plain))

	transient := mongo.CommandError{Code: 112, Message: "WriteConflict", Labels: []string{"TransientTransactionError"}}
	err := translateTxError(transient)
	var cm *models.ConcurrentModificationError
	assert.True(t, errors.As(err, &cm))
	assert.True(t, models.IsRetryable(err))
}

// integrationStore connects to MONGO_URI and gives each test its own database.
// Transactions need a replica set, so standalone servers are skipped.
func integrationStore(t *testing.T) (*MongoStore, *MongoTelemetry) {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" || uri == "uri" {
		t.Skip("MONGO_URI not set or invalid, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := ConnectMongo(ctx, uri)
	if err != nil {
		t.Skipf("failed to create client: %v, skipping integration test", err)
	}
	var hello bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil || hello["setName"] == nil {
		_ = client.Disconnect(context.Background())
		t.Skip("MongoDB is not a replica set, skipping integration test")
	}

	name := "test_smartpedals_" + uuid.NewString()[:8]
	require.NoError(t, EnsureIndexes(ctx, client.Database(name), Retention{Location: 7 * 24 * time.Hour, StationLog: 30 * 24 * time.Hour, Raw: 24 * time.Hour}))
	t.Cleanup(func() {
		_ = client.Database(name).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return NewMongoStore(client, name), NewMongoTelemetry(client, name)
}

func TestMongoStore_InsertAndFind(t *testing.T) {
	store, _ := integrationStore(t)
	ctx := context.Background()

	err := store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertStation(ctx, models.Station{StationID: "station001", Name: "Parking Gloesener"}); err != nil {
			return err
		}
		return tx.InsertUser(ctx, models.User{RFID: "rfid123", Email: "john.doe@example.com"})
	})
	require.NoError(t, err)

	user, err := store.FindUser(ctx, "rfid123")
	require.NoError(t, err)
	assert.Equal(t, "john.doe@example.com", user.Email)
	assert.Empty(t, user.History)

	err = store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertUser(ctx, models.User{RFID: "rfid123"})
	})
	var dup *models.DuplicateKeyError
	assert.True(t, errors.As(err, &dup))

	_, err = store.FindBike(ctx, "nope")
	assert.True(t, models.IsNotFound(err))
}

func TestMongoStore_AppendAndEvents(t *testing.T) {
	store, _ := integrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertBike(ctx, models.Bike{BikeID: "bike001", Status: models.BikeMaintenance})
	}))

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, action := range []models.Action{models.ActionUndock, models.ActionDock} {
		ev := models.Event{
			ID:        uuid.NewString(),
			Entity:    models.EntityRef{Kind: models.KindBike, ID: "bike001"},
			Action:    action,
			BikeID:    "bike001",
			Timestamp: ts,
		}
		require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			_, err := tx.Append(ctx, ev)
			return err
		}))
	}

	bike, err := store.FindBike(ctx, "bike001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bike.LedgerSeq)
	assert.Len(t, bike.History, 2)

	cur, err := store.Events(ctx, models.EntityRef{Kind: models.KindBike, ID: "bike001"}, models.NewestFirst)
	require.NoError(t, err)
	defer cur.Close(ctx)
	var got []models.Event
	for cur.Next(ctx) {
		var ev models.Event
		require.NoError(t, cur.Decode(&ev))
		got = append(got, ev)
	}
	require.NoError(t, cur.Err())
	require.Len(t, got, 2)
	assert.Equal(t, models.ActionDock, got[0].Action)
	assert.Equal(t, int64(2), got[0].Seq)
}

func TestMongoStore_StaleVersion(t *testing.T) {
	store, _ := integrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertBike(ctx, models.Bike{BikeID: "bike002", Status: models.BikeMaintenance})
	}))
	stale, err := store.FindBike(ctx, "bike002")
	require.NoError(t, err)

	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateBike(ctx, *stale)
	}))
	err = store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateBike(ctx, *stale)
	})
	var cm *models.ConcurrentModificationError
	assert.True(t, errors.As(err, &cm))
}

func TestMongoTelemetry_Integration(t *testing.T) {
	_, tele := integrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i := 3; i >= 1; i-- {
		require.NoError(t, tele.InsertFix(ctx, models.LocationFix{
			BikeID:      "bike001",
			Type:        models.FixTypeLocation,
			Timestamp:   now.Add(-time.Duration(i) * time.Minute),
			Satellites:  7,
			Coordinates: models.Coordinates{Lat: 50.6326, Lon: 5.5797},
		}))
	}
	fixes, err := tele.FindFixes(ctx, "bike001", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, fixes, 3)
	assert.True(t, fixes[0].Timestamp.Before(fixes[2].Timestamp))

	n, err := tele.PurgeBefore(ctx, models.RetentionLocation, now.Add(-90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, tele.InsertStationLog(ctx, models.StationLog{StationID: "station001", TS: now.Add(-time.Minute), AvailableBikes: 1, FreeRacks: 1}))
	require.NoError(t, tele.InsertStationLog(ctx, models.StationLog{StationID: "station001", TS: now, AvailableBikes: 0, FreeRacks: 2}))
	logs, err := tele.FindStationLogs(ctx, "station001", now.Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].FreeRacks)

	require.NoError(t, tele.InsertRaw(ctx, models.RawMessage{Topic: "hepl/auth", Payload: "{}", ReceivedAt: now.Add(-time.Minute)}))
	require.NoError(t, tele.InsertRaw(ctx, models.RawMessage{Topic: "hepl/location", Payload: "{}", ReceivedAt: now}))
	raw, err := tele.FindRaw(ctx, "hepl/auth", now.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	n, err = tele.PurgeBefore(ctx, models.RetentionRaw, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
