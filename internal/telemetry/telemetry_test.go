package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/models"
	"github.com/ukydev/smartpedals/internal/observability"
)

// MockTelemetryStore is a mock implementation of db.TelemetryStore
type MockTelemetryStore struct {
	mock.Mock
}

func (m *MockTelemetryStore) InsertFix(ctx context.Context, fix models.LocationFix) error {
	args := m.Called(ctx, fix)
	return args.Error(0)
}

func (m *MockTelemetryStore) FindFixes(ctx context.Context, bikeID string, since time.Time) ([]models.LocationFix, error) {
	args := m.Called(ctx, bikeID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LocationFix), args.Error(1)
}

func (m *MockTelemetryStore) InsertStationLog(ctx context.Context, log models.StationLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockTelemetryStore) FindStationLogs(ctx context.Context, stationID string, since time.Time, limit int64) ([]models.StationLog, error) {
	args := m.Called(ctx, stationID, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.StationLog), args.Error(1)
}

func (m *MockTelemetryStore) InsertRaw(ctx context.Context, msg models.RawMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockTelemetryStore) FindRaw(ctx context.Context, topic string, since time.Time, limit int64) ([]models.RawMessage, error) {
	args := m.Called(ctx, topic, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RawMessage), args.Error(1)
}

func (m *MockTelemetryStore) PurgeBefore(ctx context.Context, class models.RetentionClass, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, class, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

var liege = models.Coordinates{Lat: 50.6326, Lon: 5.5797}

func newStore(backend db.TelemetryStore, now time.Time) (*Store, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := New(backend, DefaultPolicy(), observability.Discard(), metrics)
	s.now = func() time.Time { return now }
	return s, metrics
}

func TestRecord_Validation(t *testing.T) {
	backend := new(MockTelemetryStore)
	s, metrics := newStore(backend, time.Now())
	ctx := context.Background()

	tests := []struct {
		name   string
		bikeID string
		sats   int
		coords models.Coordinates
	}{
		{"missing bike", "", 4, liege},
		{"negative satellites", "bike001", -1, liege},
		{"latitude out of range", "bike001", 4, models.Coordinates{Lat: 91, Lon: 0}},
		{"longitude out of range", "bike001", 4, models.Coordinates{Lat: 0, Lon: -181}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Record(ctx, tt.bikeID, time.Now(), tt.sats, tt.coords)
			var bad *models.ValidationError
			assert.True(t, errors.As(err, &bad), "got %v", err)
		})
	}
	backend.AssertNotCalled(t, "InsertFix", mock.Anything, mock.Anything)
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(metrics.TelemetryWrites.WithLabelValues("location", "invalid")))
}

func TestRecord_Stores(t *testing.T) {
	backend := new(MockTelemetryStore)
	s, _ := newStore(backend, time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC))
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	backend.On("InsertFix", mock.Anything, models.LocationFix{
		BikeID: "bike001", Type: models.FixTypeLocation, Timestamp: ts, Satellites: 8, Coordinates: liege,
	}).Return(nil)

	require.NoError(t, s.Record(context.Background(), "bike001", ts, 8, liege))
	backend.AssertExpectations(t)
}

func TestRecentFixes_ClampsToHorizon(t *testing.T) {
	now := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	backend := new(MockTelemetryStore)
	s, _ := newStore(backend, now)
	floor := now.Add(-7 * 24 * time.Hour)

	backend.On("FindFixes", mock.Anything, "bike001", floor).Return([]models.LocationFix{}, nil).Once()
	_, err := s.RecentFixes(context.Background(), "bike001", time.Time{})
	require.NoError(t, err)

	recent := now.Add(-time.Hour)
	backend.On("FindFixes", mock.Anything, "bike001", recent).Return(nil, errors.New("down")).Once()
	_, err = s.RecentFixes(context.Background(), "bike001", recent)
	assert.Error(t, err)
	backend.AssertExpectations(t)
}

// A fix from beyond the horizon is refused and counted, never dropped as if
// it had been stored.
func TestRecord_RejectsExpired(t *testing.T) {
	now := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	backend := new(MockTelemetryStore)
	s, metrics := newStore(backend, now)
	ctx := context.Background()

	for _, ts := range []time.Time{now.Add(-8 * 24 * time.Hour), now.Add(-7 * 24 * time.Hour)} {
		err := s.Record(ctx, "bike001", ts, 5, liege)
		var bad *models.ValidationError
		require.True(t, errors.As(err, &bad), "got %v", err)
		assert.Equal(t, "timestamp", bad.Field)
	}
	err := s.RecordStationLog(ctx, "station001", now.Add(-31*24*time.Hour), 1, 1)
	var bad *models.ValidationError
	require.True(t, errors.As(err, &bad), "got %v", err)

	backend.AssertNotCalled(t, "InsertFix", mock.Anything, mock.Anything)
	backend.AssertNotCalled(t, "InsertStationLog", mock.Anything, mock.Anything)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.TelemetryWrites.WithLabelValues("location", "invalid")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.TelemetryWrites.WithLabelValues("location", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TelemetryWrites.WithLabelValues("station_log", "invalid")))
}

// With the real memory backend, a stale fix that the purge has not reached
// is still never served.
func TestRecentFixes_HidesStaleBeforePurge(t *testing.T) {
	backend := db.NewMemoryTelemetry(db.Retention{Location: 30 * 24 * time.Hour, StationLog: 30 * 24 * time.Hour, Raw: time.Hour}, 0)
	now := time.Now()
	s, _ := newStore(backend, now)
	ctx := context.Background()

	// Stored while a longer policy was in force.
	require.NoError(t, backend.InsertFix(ctx, models.LocationFix{
		BikeID: "bike001", Type: models.FixTypeLocation, Timestamp: now.Add(-8 * 24 * time.Hour), Satellites: 5, Coordinates: liege,
	}))
	require.NoError(t, s.Record(ctx, "bike001", now.Add(-time.Minute), 5, liege))
	require.NoError(t, s.Record(ctx, "bike001", now.Add(-2*time.Minute), 5, liege))

	fixes, err := s.RecentFixes(ctx, "bike001", time.Time{})
	require.NoError(t, err)
	require.Len(t, fixes, 2)
	assert.True(t, fixes[0].Timestamp.Before(fixes[1].Timestamp))

	errs := NewPurger(s, time.Hour).PurgeOnce(ctx)
	assert.Empty(t, errs)
	fixes, err = backend.FindFixes(ctx, "bike001", time.Time{})
	require.NoError(t, err)
	assert.Len(t, fixes, 2)
}

func TestStationLogs(t *testing.T) {
	backend := db.NewMemoryTelemetry(db.Retention{Location: 7 * 24 * time.Hour, StationLog: 30 * 24 * time.Hour, Raw: time.Hour}, 0)
	now := time.Now()
	s, _ := newStore(backend, now)
	ctx := context.Background()

	require.NoError(t, s.RecordStationLog(ctx, "station001", now.Add(-time.Hour), 1, 1))
	require.NoError(t, s.RecordStationLog(ctx, "station001", now, 0, 2))
	var bad *models.ValidationError
	assert.True(t, errors.As(s.RecordStationLog(ctx, "", now, 0, 0), &bad))

	logs, err := s.StationLogs(ctx, "station001", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].FreeRacks)
}

func TestArchive(t *testing.T) {
	now := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	backend := new(MockTelemetryStore)
	s, metrics := newStore(backend, now)
	ctx := context.Background()

	backend.On("InsertRaw", mock.Anything, models.RawMessage{Topic: "hepl/auth", Payload: `{"type":"lock"}`, ReceivedAt: now}).Return(nil)
	require.NoError(t, s.Archive(ctx, "hepl/auth", []byte(`{"type":"lock"}`), now))

	var bad *models.ValidationError
	assert.True(t, errors.As(s.Archive(ctx, "", []byte("x"), now), &bad))

	backend.On("FindRaw", mock.Anything, "hepl/auth", now.Add(-24*time.Hour), int64(10)).
		Return([]models.RawMessage{{Topic: "hepl/auth"}}, nil)
	msgs, err := s.RawMessages(ctx, "hepl/auth", time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	backend.AssertExpectations(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TelemetryWrites.WithLabelValues("raw", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TelemetryWrites.WithLabelValues("raw", "invalid")))
}

func TestPurgeOnce_FailureIsPerClass(t *testing.T) {
	now := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	backend := new(MockTelemetryStore)
	s, metrics := newStore(backend, now)

	backend.On("PurgeBefore", mock.Anything, models.RetentionLocation, now.Add(-7*24*time.Hour)).
		Return(int64(0), errors.New("connection reset"))
	backend.On("PurgeBefore", mock.Anything, models.RetentionStationLog, now.Add(-30*24*time.Hour)).
		Return(int64(4), nil)
	backend.On("PurgeBefore", mock.Anything, models.RetentionRaw, now.Add(-24*time.Hour)).
		Return(int64(0), nil)

	errs := NewPurger(s, time.Hour).PurgeOnce(context.Background())
	require.Len(t, errs, 1)
	var perr *models.RetentionPurgeError
	require.True(t, errors.As(errs[0], &perr))
	assert.Equal(t, models.RetentionLocation, perr.Class)
	assert.False(t, models.IsRetryable(perr))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PurgeErrors.WithLabelValues("location")))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.Purged.WithLabelValues("station_log")))
	backend.AssertExpectations(t)
}

func TestPurger_RunStopsWithContext(t *testing.T) {
	backend := new(MockTelemetryStore)
	backend.On("PurgeBefore", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
	s, _ := newStore(backend, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPurger(s, 5*time.Millisecond).Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purger did not stop")
	}
	backend.AssertCalled(t, "PurgeBefore", mock.Anything, models.RetentionLocation, mock.Anything)
}
