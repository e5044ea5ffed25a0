// Package seed bootstraps a fleet from a YAML fixture.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ukydev/smartpedals/internal/engine"
	"github.com/ukydev/smartpedals/internal/models"
	"github.com/ukydev/smartpedals/internal/registry"
	"github.com/ukydev/smartpedals/internal/telemetry"
)

// User is a fixture rider.
type User struct {
	FirstName string `yaml:"firstName"`
	LastName  string `yaml:"lastName"`
	Email     string `yaml:"email"`
	Phone     string `yaml:"phone"`
	RFID      string `yaml:"rfid"`
}

// Station is a fixture station with the ids of its racks.
type Station struct {
	StationID string   `yaml:"stationId"`
	Name      string   `yaml:"name"`
	Racks     []string `yaml:"racks"`
}

// Bike is a fixture bike, docked when Rack is set.
type Bike struct {
	BikeID string `yaml:"bikeId"`
	Rack   string `yaml:"rack"`
}

// Ride undocks a bike for a rider, Ago before the seed runs.
type Ride struct {
	BikeID string        `yaml:"bikeId"`
	RFID   string        `yaml:"rfid"`
	RackID string        `yaml:"rackId"`
	Ago    time.Duration `yaml:"ago"`
}

// Location is a fixture GPS fix, Ago before the seed runs.
type Location struct {
	BikeID     string        `yaml:"bikeId"`
	Ago        time.Duration `yaml:"ago"`
	Satellites int           `yaml:"satellites"`
	Lat        float64       `yaml:"lat"`
	Lon        float64       `yaml:"lon"`
}

// Fixture is a whole seed file.
type Fixture struct {
	Users     []User     `yaml:"users"`
	Stations  []Station  `yaml:"stations"`
	Bikes     []Bike     `yaml:"bikes"`
	Rides     []Ride     `yaml:"rides"`
	Locations []Location `yaml:"locations"`
}

// Parse decodes a fixture. Unknown keys are rejected.
func Parse(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f Fixture
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return &f, nil
}

// commissioned is when fixture bikes were docked: before the earliest ride,
// so their creation events sort first in the ledger.
func (f *Fixture) commissioned(now time.Time) time.Time {
	var earliest time.Duration
	for _, r := range f.Rides {
		earliest = max(earliest, r.Ago)
	}
	return now.Add(-earliest - time.Minute)
}

// Summary counts what Apply created and what already existed.
type Summary struct {
	Created int
	Skipped int
}

// Seeder applies fixtures through the registry and engine, so seeded data
// obeys the same invariants and gets the same ledger events as live data.
type Seeder struct {
	registry  *registry.Registry
	engine    *engine.Engine
	telemetry *telemetry.Store
	log       *log.Entry
	now       func() time.Time
}

// New creates a seeder.
func New(r *registry.Registry, e *engine.Engine, t *telemetry.Store, logger *log.Entry) *Seeder {
	return &Seeder{registry: r, engine: e, telemetry: t, log: logger, now: time.Now}
}

// skippable reports errors that mean "already seeded".
func skippable(err error) bool {
	var (
		dup     *models.DuplicateKeyError
		invalid *models.InvalidTransitionError
	)
	return errors.As(err, &dup) || errors.As(err, &invalid)
}

func (s *Seeder) tally(sum *Summary, what string, err error) error {
	switch {
	case err == nil:
		sum.Created++
		return nil
	case skippable(err):
		sum.Skipped++
		s.log.WithError(err).Debugf("%s already present", what)
		return nil
	default:
		return fmt.Errorf("seed %s: %w", what, err)
	}
}

// Apply creates the fixture. Entities and rides already in place are
// skipped, so a rerun only appends the location fixes again.
func (s *Seeder) Apply(ctx context.Context, f *Fixture) (Summary, error) {
	var sum Summary
	now := s.now()

	for _, u := range f.Users {
		_, err := s.registry.CreateUser(ctx, models.User{
			FirstName: u.FirstName, LastName: u.LastName, Email: u.Email, Phone: u.Phone, RFID: u.RFID,
		})
		if err := s.tally(&sum, "user "+u.RFID, err); err != nil {
			return sum, err
		}
	}
	for _, st := range f.Stations {
		_, err := s.registry.CreateStation(ctx, models.Station{StationID: st.StationID, Name: st.Name})
		if err := s.tally(&sum, "station "+st.StationID, err); err != nil {
			return sum, err
		}
		for _, rackID := range st.Racks {
			_, err := s.registry.CreateRack(ctx, models.Rack{RackID: rackID, StationID: st.StationID})
			if err := s.tally(&sum, "rack "+rackID, err); err != nil {
				return sum, err
			}
		}
	}
	for _, b := range f.Bikes {
		bike := models.Bike{BikeID: b.BikeID}
		if b.Rack != "" {
			bike.CurrentRack = models.StringPtr(b.Rack)
		}
		_, err := s.registry.CreateBike(ctx, bike, f.commissioned(now))
		if err := s.tally(&sum, "bike "+b.BikeID, err); err != nil {
			return sum, err
		}
	}
	for _, r := range f.Rides {
		err := s.engine.Undock(ctx, r.BikeID, r.RFID, r.RackID, now.Add(-r.Ago))
		if err := s.tally(&sum, "ride of "+r.BikeID, err); err != nil {
			return sum, err
		}
	}
	for _, l := range f.Locations {
		err := s.telemetry.Record(ctx, l.BikeID, now.Add(-l.Ago), l.Satellites, models.Coordinates{Lat: l.Lat, Lon: l.Lon})
		if err := s.tally(&sum, "location of "+l.BikeID, err); err != nil {
			return sum, err
		}
	}

	s.log.WithFields(log.Fields{"created": sum.Created, "skipped": sum.Skipped}).Info("fixture applied")
	return sum, nil
}
