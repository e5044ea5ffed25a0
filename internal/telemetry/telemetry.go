// Package telemetry stores time-bounded GPS fixes, station logs and the raw
// broker archive.
package telemetry

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/models"
	"github.com/ukydev/smartpedals/internal/observability"
)

// Policy is the retention horizon of each class.
type Policy struct {
	Location   time.Duration
	StationLog time.Duration
	Raw        time.Duration
}

// DefaultPolicy keeps raw location pings for 7 days, station logs for 30 and
// archived broker messages for one.
func DefaultPolicy() Policy {
	return Policy{Location: 7 * 24 * time.Hour, StationLog: 30 * 24 * time.Hour, Raw: 24 * time.Hour}
}

// Horizon returns the retention of class.
func (p Policy) Horizon(class models.RetentionClass) (time.Duration, error) {
	switch class {
	case models.RetentionLocation:
		return p.Location, nil
	case models.RetentionStationLog:
		return p.StationLog, nil
	case models.RetentionRaw:
		return p.Raw, nil
	default:
		return 0, fmt.Errorf("unknown retention class %q", class)
	}
}

// Classes lists the retention classes in purge order.
func Classes() []models.RetentionClass {
	return []models.RetentionClass{models.RetentionLocation, models.RetentionStationLog, models.RetentionRaw}
}

// Store fronts a telemetry backend and enforces the retention horizon on
// reads, whether or not the purge has caught up.
type Store struct {
	backend db.TelemetryStore
	policy  Policy
	log     *log.Entry
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates a store.
func New(backend db.TelemetryStore, policy Policy, logger *log.Entry, metrics *observability.Metrics) *Store {
	return &Store{backend: backend, policy: policy, log: logger, metrics: metrics, now: time.Now}
}

// Policy returns the retention policy in force.
func (s *Store) Policy() Policy { return s.policy }

func (s *Store) count(class models.RetentionClass, err error) {
	s.metrics.TelemetryWrites.WithLabelValues(string(class), observability.Outcome(err)).Inc()
}

// expired rejects ts when it is already at or past the horizon of class.
func (s *Store) expired(class models.RetentionClass, horizon time.Duration, ts time.Time) error {
	if ts.After(s.now().Add(-horizon)) {
		return nil
	}
	err := &models.ValidationError{Field: "timestamp", Reason: fmt.Sprintf("older than the %s retention horizon", horizon)}
	s.count(class, err)
	return err
}

// Record stores one fix. Fixes may arrive out of order but not from beyond
// the retention horizon.
func (s *Store) Record(ctx context.Context, bikeID string, ts time.Time, satellites int, coords models.Coordinates) error {
	fix := models.LocationFix{
		BikeID:      bikeID,
		Type:        models.FixTypeLocation,
		Timestamp:   ts,
		Satellites:  satellites,
		Coordinates: coords,
	}
	if err := fix.Validate(); err != nil {
		s.count(models.RetentionLocation, err)
		return err
	}
	if err := s.expired(models.RetentionLocation, s.policy.Location, ts); err != nil {
		return err
	}
	err := s.backend.InsertFix(ctx, fix)
	s.count(models.RetentionLocation, err)
	if err != nil {
		return fmt.Errorf("record fix for %s: %w", bikeID, err)
	}
	return nil
}

// RecentFixes returns the fixes of bikeID at or after since, oldest first.
// since is raised to the retention horizon.
func (s *Store) RecentFixes(ctx context.Context, bikeID string, since time.Time) ([]models.LocationFix, error) {
	if floor := s.now().Add(-s.policy.Location); since.Before(floor) {
		since = floor
	}
	fixes, err := s.backend.FindFixes(ctx, bikeID, since)
	if err != nil {
		return nil, fmt.Errorf("recent fixes for %s: %w", bikeID, err)
	}
	return fixes, nil
}

// RecordStationLog stores an occupancy snapshot of a station.
func (s *Store) RecordStationLog(ctx context.Context, stationID string, ts time.Time, available, free int) error {
	if stationID == "" {
		err := &models.ValidationError{Field: "stationId", Reason: "required"}
		s.count(models.RetentionStationLog, err)
		return err
	}
	if err := s.expired(models.RetentionStationLog, s.policy.StationLog, ts); err != nil {
		return err
	}
	err := s.backend.InsertStationLog(ctx, models.StationLog{
		StationID:      stationID,
		TS:             ts,
		AvailableBikes: available,
		FreeRacks:      free,
	})
	s.count(models.RetentionStationLog, err)
	if err != nil {
		return fmt.Errorf("record log for %s: %w", stationID, err)
	}
	return nil
}

// StationLogs returns logs of stationID at or after since, newest first, at
// most limit of them when limit > 0.
func (s *Store) StationLogs(ctx context.Context, stationID string, since time.Time, limit int64) ([]models.StationLog, error) {
	if floor := s.now().Add(-s.policy.StationLog); since.Before(floor) {
		since = floor
	}
	logs, err := s.backend.FindStationLogs(ctx, stationID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("station logs for %s: %w", stationID, err)
	}
	return logs, nil
}

// Archive keeps a verbatim copy of a broker message received at ts.
func (s *Store) Archive(ctx context.Context, topic string, payload []byte, ts time.Time) error {
	if topic == "" {
		err := &models.ValidationError{Field: "topic", Reason: "required"}
		s.count(models.RetentionRaw, err)
		return err
	}
	err := s.backend.InsertRaw(ctx, models.RawMessage{Topic: topic, Payload: string(payload), ReceivedAt: ts})
	s.count(models.RetentionRaw, err)
	if err != nil {
		return fmt.Errorf("archive %s message: %w", topic, err)
	}
	return nil
}

// RawMessages returns archived messages on topic, or on every topic when it
// is empty, newest first.
func (s *Store) RawMessages(ctx context.Context, topic string, since time.Time, limit int64) ([]models.RawMessage, error) {
	if floor := s.now().Add(-s.policy.Raw); since.Before(floor) {
		since = floor
	}
	msgs, err := s.backend.FindRaw(ctx, topic, since, limit)
	if err != nil {
		return nil, fmt.Errorf("raw messages on %q: %w", topic, err)
	}
	return msgs, nil
}
