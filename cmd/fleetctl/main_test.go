package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/models"
)

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc *services
	out *bytes.Buffer
}

// newHarness seeds station001 with rack001 holding bike001, an empty
// rack002 and the rider rfid123.
func newHarness(t *testing.T) *harness {
	t.Helper()
	c, _, err := parse([]string{"--store=memory", "raw"})
	require.NoError(t, err)

	backend := db.OpenMemory(db.Retention{Location: c.LocationRetention, StationLog: c.StationLogRetention, Raw: c.RawRetention}, 0)
	logger := log.New()
	logger.SetOutput(io.Discard)
	out := &bytes.Buffer{}
	svc := newServices(backend, c, logger, out)
	svc.now = func() time.Time { return fixedNow }

	ctx := context.Background()
	_, err = svc.registry.CreateStation(ctx, models.Station{StationID: "station001", Name: "Parking Gloesener"})
	require.NoError(t, err)
	for _, id := range []string{"rack001", "rack002"} {
		_, err := svc.registry.CreateRack(ctx, models.Rack{RackID: id, StationID: "station001"})
		require.NoError(t, err)
	}
	_, err = svc.registry.CreateUser(ctx, models.User{FirstName: "John", LastName: "Doe", Email: "john.doe@example.com", RFID: "rfid123"})
	require.NoError(t, err)
	_, err = svc.registry.CreateBike(ctx, models.Bike{BikeID: "bike001", CurrentRack: models.StringPtr("rack001")}, fixedNow.Add(-24*time.Hour))
	require.NoError(t, err)
	return &harness{svc: svc, out: out}
}

func (h *harness) exec(args ...string) error {
	h.out.Reset()
	_, kctx, err := parse(args)
	if err != nil {
		return err
	}
	return dispatch(context.Background(), kctx, h.svc)
}

func decodeLines[T any](t *testing.T, out *bytes.Buffer) []T {
	t.Helper()
	var items []T
	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for scanner.Scan() {
		var item T
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &item))
		items = append(items, item)
	}
	require.NoError(t, scanner.Err())
	return items
}

func TestRelocateAndHistory(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.exec("relocate", "bike001", "rack002"))
	bike, err := h.svc.registry.Bike(context.Background(), "bike001")
	require.NoError(t, err)
	assert.True(t, bike.DockedAt("rack002"))

	require.NoError(t, h.exec("history", "bike", "bike001"))
	events := decodeLines[models.Event](t, h.out)
	require.Len(t, events, 3)
	assert.Equal(t, models.ActionUndock, events[1].Action)
	assert.Equal(t, "rack001", events[1].RackID)

	require.NoError(t, h.exec("history", "rack", "rack002", "--newest-first", "--limit=1"))
	events = decodeLines[models.Event](t, h.out)
	require.Len(t, events, 1)
	assert.Equal(t, models.ActionDock, events[0].Action)
	assert.True(t, events[0].Timestamp.Equal(fixedNow))
}

func TestMaintenanceLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.exec("maintenance", "bike001"))
	bike, err := h.svc.registry.Bike(ctx, "bike001")
	require.NoError(t, err)
	assert.Equal(t, models.BikeMaintenance, bike.Status)

	require.NoError(t, h.exec("return", "bike001"))
	require.NoError(t, h.exec("retire", "bike001"))
	_, err = h.svc.registry.Bike(ctx, "bike001")
	assert.True(t, models.IsNotFound(err))

	require.NoError(t, h.exec("remove-rack", "rack001"))
	station, err := h.svc.registry.Station(ctx, "station001")
	require.NoError(t, err)
	assert.Equal(t, []string{"rack002"}, station.Racks)
}

func TestUpdateUser_KeepsUnsetFields(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.exec("update-user", "rfid123", "--phone=+32 4 555", "--first-name=Johnny"))
	users := decodeLines[models.User](t, h.out)
	require.Len(t, users, 1)
	assert.Equal(t, "Johnny", users[0].FirstName)
	assert.Equal(t, "Doe", users[0].LastName)
	assert.Equal(t, "john.doe@example.com", users[0].Email)
	assert.Equal(t, "+32 4 555", users[0].Phone)
	assert.Equal(t, "rfid123", users[0].RFID)
}

func TestDeleteUser_RefusedWhileRiding(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.engine.Undock(context.Background(), "bike001", "rfid123", "rack001", fixedNow))

	err := h.exec("delete-user", "rfid123")
	var invalid *models.InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "got %v", err)

	require.NoError(t, h.svc.engine.Dock(context.Background(), "bike001", "rack002", fixedNow.Add(time.Minute)))
	require.NoError(t, h.exec("delete-user", "rfid123"))
	_, err = h.svc.registry.User(context.Background(), "rfid123")
	assert.True(t, models.IsNotFound(err))
}

func TestTelemetryQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tele := h.svc.telemetry
	// The store clock drives the horizon; keep it in step with the command.
	realNow := time.Now()
	h.svc.now = func() time.Time { return realNow }

	require.NoError(t, tele.Record(ctx, "bike001", realNow.Add(-10*time.Minute), 6, models.Coordinates{Lat: 50.63, Lon: 5.57}))
	require.NoError(t, tele.Record(ctx, "bike001", realNow.Add(-3*time.Hour), 6, models.Coordinates{Lat: 50.62, Lon: 5.58}))
	require.NoError(t, tele.RecordStationLog(ctx, "station001", realNow.Add(-time.Minute), 1, 1))
	require.NoError(t, tele.Archive(ctx, "hepl/auth", []byte(`{"action":"unlock"}`), realNow.Add(-time.Minute)))
	require.NoError(t, tele.Archive(ctx, "hepl/parked", []byte(`bike001`), realNow))

	require.NoError(t, h.exec("fixes", "bike001"))
	assert.Len(t, decodeLines[models.LocationFix](t, h.out), 1)
	require.NoError(t, h.exec("fixes", "bike001", "--since=4h"))
	assert.Len(t, decodeLines[models.LocationFix](t, h.out), 2)

	require.NoError(t, h.exec("station-logs", "station001"))
	logs := decodeLines[models.StationLog](t, h.out)
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].FreeRacks)

	require.NoError(t, h.exec("raw", "--topic=hepl/auth"))
	msgs := decodeLines[models.RawMessage](t, h.out)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"action":"unlock"}`, msgs[0].Payload)
	require.NoError(t, h.exec("raw"))
	assert.Len(t, decodeLines[models.RawMessage](t, h.out), 2)
}

func TestParse_Rejects(t *testing.T) {
	for _, args := range [][]string{
		{"history", "station", "station001"},
		{"relocate", "bike001"},
		{"fly", "bike001"},
		{"--store=sqlite", "raw"},
	} {
		_, _, err := parse(args)
		assert.Error(t, err, "%v", args)
	}
}
