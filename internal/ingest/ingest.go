// Package ingest is the entry point for already-parsed device events.
package ingest

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/smartpedals/internal/engine"
	"github.com/ukydev/smartpedals/internal/models"
	"github.com/ukydev/smartpedals/internal/registry"
	"github.com/ukydev/smartpedals/internal/telemetry"
)

// UndockCommand asks to release BikeID from RackID to the rider UserRFID.
type UndockCommand struct {
	BikeID    string
	UserRFID  string
	RackID    string
	Timestamp time.Time
}

// DockCommand asks to lock BikeID into RackID. When UserRFID is set only
// the rider holding the bike may dock it.
type DockCommand struct {
	BikeID    string
	UserRFID  string
	RackID    string
	Timestamp time.Time
}

// LocationFixCommand carries one GPS reading.
type LocationFixCommand struct {
	BikeID      string
	Timestamp   time.Time
	Satellites  int
	Coordinates models.Coordinates
}

// Service routes commands to the engine and the telemetry store. A zero
// Timestamp means "now".
type Service struct {
	engine    *engine.Engine
	registry  *registry.Registry
	telemetry *telemetry.Store
	log       *log.Entry
	now       func() time.Time
}

// New creates the ingestion service.
func New(e *engine.Engine, r *registry.Registry, t *telemetry.Store, logger *log.Entry) *Service {
	return &Service{engine: e, registry: r, telemetry: t, log: logger, now: time.Now}
}

func (s *Service) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return s.now()
	}
	return ts
}

// required takes name/value pairs and rejects the first empty value.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return &models.ValidationError{Field: pairs[i], Reason: "required"}
		}
	}
	return nil
}

// SubmitUndock applies an undock transition.
func (s *Service) SubmitUndock(ctx context.Context, cmd UndockCommand) error {
	if err := required("bikeId", cmd.BikeID, "rfid", cmd.UserRFID, "rackId", cmd.RackID); err != nil {
		return err
	}
	ts := s.stamp(cmd.Timestamp)
	if err := s.engine.Undock(ctx, cmd.BikeID, cmd.UserRFID, cmd.RackID, ts); err != nil {
		return err
	}
	s.snapshotStation(ctx, cmd.RackID, ts)
	return nil
}

// SubmitDock applies a dock transition.
func (s *Service) SubmitDock(ctx context.Context, cmd DockCommand) error {
	if err := required("bikeId", cmd.BikeID, "rackId", cmd.RackID); err != nil {
		return err
	}
	ts := s.stamp(cmd.Timestamp)
	var err error
	if cmd.UserRFID != "" {
		err = s.engine.DockAs(ctx, cmd.BikeID, cmd.UserRFID, cmd.RackID, ts)
	} else {
		err = s.engine.Dock(ctx, cmd.BikeID, cmd.RackID, ts)
	}
	if err != nil {
		return err
	}
	s.snapshotStation(ctx, cmd.RackID, ts)
	return nil
}

// SubmitLocationFix records a fix for a known bike.
func (s *Service) SubmitLocationFix(ctx context.Context, cmd LocationFixCommand) error {
	if err := required("bikeId", cmd.BikeID); err != nil {
		return err
	}
	if _, err := s.registry.Bike(ctx, cmd.BikeID); err != nil {
		return err
	}
	return s.telemetry.Record(ctx, cmd.BikeID, s.stamp(cmd.Timestamp), cmd.Satellites, cmd.Coordinates)
}

// snapshotStation logs the occupancy of the station owning rackID. It is
// best effort: the transition has already committed.
func (s *Service) snapshotStation(ctx context.Context, rackID string, ts time.Time) {
	entry := s.log.WithField("rackId", rackID)
	rack, err := s.registry.Rack(ctx, rackID)
	if err != nil {
		entry.WithError(err).Warn("station snapshot skipped")
		return
	}
	racks, err := s.registry.StationRacks(ctx, rack.StationID)
	if err != nil {
		entry.WithError(err).Warn("station snapshot skipped")
		return
	}

	available, free := 0, 0
	for _, r := range racks {
		if r.Empty() {
			free++
			continue
		}
		bike, err := s.registry.Bike(ctx, *r.CurrentBike)
		if err != nil {
			entry.WithError(err).Warn("station snapshot skipped")
			return
		}
		if bike.Status == models.BikeAvailable {
			available++
		}
	}
	if err := s.telemetry.RecordStationLog(ctx, rack.StationID, ts, available, free); err != nil {
		entry.WithError(err).Warn("station log not recorded")
		return
	}
	entry.WithFields(log.Fields{
		"stationId":      rack.StationID,
		"availableBikes": available,
		"freeRacks":      free,
	}).Debug("station snapshot recorded")
}
