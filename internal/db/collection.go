package db

import (
	"context"
	"time"

	"github.com/ukydev/smartpedals/internal/models"
)

// Store holds canonical entity state and the event ledger. Reads outside a
// transaction see a consistent committed snapshot and never block writers.
type Store interface {
	// RunInTx applies fn as one all-or-nothing unit. fn must use the ctx it is
	// given for every Tx call.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	FindUser(ctx context.Context, rfid string) (*models.User, error)
	FindBike(ctx context.Context, bikeID string) (*models.Bike, error)
	FindRack(ctx context.Context, rackID string) (*models.Rack, error)
	FindStation(ctx context.Context, stationID string) (*models.Station, error)
	ListBikes(ctx context.Context) ([]models.Bike, error)
	ListStations(ctx context.Context) ([]models.Station, error)
	ListRacks(ctx context.Context, stationID string) ([]models.Rack, error)

	// Events opens a cursor over one entity's history ordered by
	// (timestamp, seq) in the requested direction.
	Events(ctx context.Context, ref models.EntityRef, order models.Order) (EventCursor, error)
}

// Tx is the read-modify-write view inside RunInTx. Updates are conditional on
// the Version carried by the value; a mismatch is a
// *models.ConcurrentModificationError.
type Tx interface {
	User(ctx context.Context, rfid string) (*models.User, error)
	Bike(ctx context.Context, bikeID string) (*models.Bike, error)
	Rack(ctx context.Context, rackID string) (*models.Rack, error)
	Station(ctx context.Context, stationID string) (*models.Station, error)

	// BikeRiddenBy returns the bike whose current user is rfid, or nil.
	BikeRiddenBy(ctx context.Context, rfid string) (*models.Bike, error)

	InsertUser(ctx context.Context, user models.User) error
	InsertBike(ctx context.Context, bike models.Bike) error
	InsertRack(ctx context.Context, rack models.Rack) error
	InsertStation(ctx context.Context, station models.Station) error

	UpdateUser(ctx context.Context, user models.User) error
	UpdateBike(ctx context.Context, bike models.Bike) error
	UpdateRack(ctx context.Context, rack models.Rack) error
	UpdateStation(ctx context.Context, station models.Station) error

	DeleteUser(ctx context.Context, user models.User) error
	DeleteBike(ctx context.Context, bike models.Bike) error
	DeleteRack(ctx context.Context, rack models.Rack) error

	// Append stores ev, assigns its per-entity Seq and pushes its id onto the
	// entity's history list.
	Append(ctx context.Context, ev models.Event) (models.Event, error)
}

// EventCursor iterates ledger events.
type EventCursor interface {
	Next(ctx context.Context) bool
	Decode(out interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// TelemetryStore holds the time-bounded telemetry streams.
type TelemetryStore interface {
	InsertFix(ctx context.Context, fix models.LocationFix) error
	// FindFixes returns fixes at or after since, oldest first.
	FindFixes(ctx context.Context, bikeID string, since time.Time) ([]models.LocationFix, error)
	InsertStationLog(ctx context.Context, log models.StationLog) error
	// FindStationLogs returns logs at or after since, newest first. limit <= 0
	// means no limit.
	FindStationLogs(ctx context.Context, stationID string, since time.Time, limit int64) ([]models.StationLog, error)
	InsertRaw(ctx context.Context, msg models.RawMessage) error
	// FindRaw returns archived messages on topic (all topics when empty)
	// received at or after since, newest first. limit <= 0 means no limit.
	FindRaw(ctx context.Context, topic string, since time.Time, limit int64) ([]models.RawMessage, error)
	// PurgeBefore deletes entries of class older than cutoff.
	PurgeBefore(ctx context.Context, class models.RetentionClass, cutoff time.Time) (int64, error)
}
