package seed

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/engine"
	"github.com/ukydev/smartpedals/internal/ledger"
	"github.com/ukydev/smartpedals/internal/models"
	"github.com/ukydev/smartpedals/internal/observability"
	"github.com/ukydev/smartpedals/internal/registry"
	"github.com/ukydev/smartpedals/internal/telemetry"
)

func newSeeder(t *testing.T) (*Seeder, *registry.Registry, *telemetry.Store, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	logger := observability.Discard()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	reg := registry.New(store, logger, time.Second)
	eng := engine.New(store, logger, metrics, time.Second)
	tele := telemetry.New(db.NewMemoryTelemetry(db.Retention{Location: 7 * 24 * time.Hour, StationLog: 30 * 24 * time.Hour, Raw: 24 * time.Hour}, 0), telemetry.DefaultPolicy(), logger, metrics)
	return New(reg, eng, tele, logger), reg, tele, store
}

func loadSample(t *testing.T) *Fixture {
	t.Helper()
	f, err := os.Open("../../cmd/seed/fixtures/smartpedals.yaml")
	require.NoError(t, err)
	defer f.Close()
	fx, err := Parse(f)
	require.NoError(t, err)
	return fx
}

func TestParse_Sample(t *testing.T) {
	fx := loadSample(t)
	assert.Len(t, fx.Users, 2)
	assert.Len(t, fx.Stations, 2)
	assert.Equal(t, []string{"rack001", "rack002"}, fx.Stations[0].Racks)
	assert.Len(t, fx.Bikes, 3)
	require.Len(t, fx.Rides, 1)
	assert.Equal(t, time.Hour, fx.Rides[0].Ago)
	assert.NotEmpty(t, fx.Locations)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("bicycles:\n  - bikeId: b1\n"))
	assert.Error(t, err)
}

func TestApply_Sample(t *testing.T) {
	ctx := context.Background()
	s, reg, tele, _ := newSeeder(t)
	fx := loadSample(t)

	sum, err := s.Apply(ctx, fx)
	require.NoError(t, err)
	assert.Zero(t, sum.Skipped)

	bike1, err := reg.Bike(ctx, "bike001")
	require.NoError(t, err)
	assert.Equal(t, models.BikeAvailable, bike1.Status)
	assert.Equal(t, "rack001", models.Deref(bike1.CurrentRack))

	bike2, err := reg.Bike(ctx, "bike002")
	require.NoError(t, err)
	assert.Equal(t, models.BikeInUse, bike2.Status)
	assert.Equal(t, "rfid456", models.Deref(bike2.CurrentUser))
	assert.Nil(t, bike2.CurrentRack)

	rack2, err := reg.Rack(ctx, "rack002")
	require.NoError(t, err)
	assert.Nil(t, rack2.CurrentBike)

	bike3, err := reg.Bike(ctx, "bike003")
	require.NoError(t, err)
	assert.Equal(t, models.BikeMaintenance, bike3.Status)

	racks, err := reg.StationRacks(ctx, "station002")
	require.NoError(t, err)
	assert.Empty(t, racks)

	fixes, err := tele.RecentFixes(ctx, "bike002", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, fixes, 10)
	assert.True(t, fixes[0].Timestamp.Before(fixes[9].Timestamp))
}

func TestApply_Rerun(t *testing.T) {
	ctx := context.Background()
	s, reg, _, _ := newSeeder(t)
	fx := loadSample(t)
	fx.Locations = nil

	first, err := s.Apply(ctx, fx)
	require.NoError(t, err)

	second, err := s.Apply(ctx, fx)
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, first.Created, second.Skipped)

	bike2, err := reg.Bike(ctx, "bike002")
	require.NoError(t, err)
	assert.Equal(t, models.BikeInUse, bike2.Status)
}

func TestApply_StopsOnHardError(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newSeeder(t)

	_, err := s.Apply(ctx, &Fixture{
		Stations: []Station{{StationID: "s1", Name: "S1", Racks: []string{"r1"}}},
		Bikes:    []Bike{{BikeID: "b1", Rack: "missing"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b1")
}

func TestApply_CreationPrecedesRides(t *testing.T) {
	ctx := context.Background()
	s, _, _, store := newSeeder(t)
	fx := loadSample(t)
	fx.Locations = nil
	_, err := s.Apply(ctx, fx)
	require.NoError(t, err)

	events, err := ledger.Collect(ledger.New(store).History(ctx, models.EntityRef{Kind: models.KindBike, ID: "bike002"}, models.NewestFirst))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionUndock, events[0].Action)
	assert.Equal(t, models.ActionDock, events[1].Action)
}
