// Package registry keeps the canonical users, bikes, racks and stations.
// It creates and reads them and edits rider records; bike and rack state
// changes go through the engine.
package registry

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/ledger"
	"github.com/ukydev/smartpedals/internal/models"
)

// Registry is the entity registry.
type Registry struct {
	store   db.Store
	log     *log.Entry
	timeout time.Duration
	now     func() time.Time
}

// New creates a registry. Every call is bounded by timeout.
func New(store db.Store, logger *log.Entry, timeout time.Duration) *Registry {
	return &Registry{store: store, log: logger, timeout: timeout, now: time.Now}
}

// CreateUser registers a rider.
func (r *Registry) CreateUser(ctx context.Context, user models.User) (*models.User, error) {
	if err := user.Validate(); err != nil {
		return nil, err
	}
	var out *models.User
	err := db.Bounded(ctx, "create user", r.timeout, func(ctx context.Context) error {
		if err := r.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
			return tx.InsertUser(ctx, user)
		}); err != nil {
			return err
		}
		var err error
		out, err = r.store.FindUser(ctx, user.RFID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithField("rfid", user.RFID).Info("user created")
	return out, nil
}

// UpdateUserContact replaces the contact details of the rider rfid.
func (r *Registry) UpdateUserContact(ctx context.Context, rfid string, contact models.Contact) (*models.User, error) {
	var out *models.User
	err := db.Bounded(ctx, "update user", r.timeout, func(ctx context.Context) error {
		if err := r.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
			user, err := tx.User(ctx, rfid)
			if err != nil {
				return err
			}
			next := user.WithContact(contact)
			if err := next.Validate(); err != nil {
				return err
			}
			return tx.UpdateUser(ctx, next)
		}); err != nil {
			return err
		}
		var err error
		out, err = r.store.FindUser(ctx, rfid)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithField("rfid", rfid).Info("user updated")
	return out, nil
}

// DeleteUser removes the rider rfid. A rider holding a bike cannot be
// removed. Their events stay in the ledger.
func (r *Registry) DeleteUser(ctx context.Context, rfid string) error {
	err := db.Bounded(ctx, "delete user", r.timeout, func(ctx context.Context) error {
		return r.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
			user, err := tx.User(ctx, rfid)
			if err != nil {
				return err
			}
			bike, err := tx.BikeRiddenBy(ctx, rfid)
			if err != nil {
				return err
			}
			if bike != nil {
				return &models.InvalidTransitionError{
					Op:     "delete_user",
					BikeID: bike.BikeID,
					Reason: fmt.Sprintf("user %s is riding bike %s", rfid, bike.BikeID),
				}
			}
			return tx.DeleteUser(ctx, *user)
		})
	})
	if err != nil {
		return err
	}
	r.log.WithField("rfid", rfid).Info("user deleted")
	return nil
}

// CreateStation registers a station. Racks join it through CreateRack, so
// the rack list must be empty.
func (r *Registry) CreateStation(ctx context.Context, station models.Station) (*models.Station, error) {
	if err := station.Validate(); err != nil {
		return nil, err
	}
	if len(station.Racks) > 0 {
		return nil, &models.ValidationError{Field: "racks", Reason: "must be empty, add racks with CreateRack"}
	}
	var out *models.Station
	err := db.Bounded(ctx, "create station", r.timeout, func(ctx context.Context) error {
		if err := r.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
			return tx.InsertStation(ctx, station)
		}); err != nil {
			return err
		}
		var err error
		out, err = r.store.FindStation(ctx, station.StationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithFields(log.Fields{"stationId": station.StationID, "name": station.Name}).Info("station created")
	return out, nil
}

// CreateRack registers an empty rack and adds it to its station.
func (r *Registry) CreateRack(ctx context.Context, rack models.Rack) (*models.Rack, error) {
	if err := rack.Validate(); err != nil {
		return nil, err
	}
	if rack.CurrentBike != nil {
		return nil, &models.ValidationError{Field: "currentBike", Reason: "new racks are empty, dock bikes with CreateBike"}
	}
	var out *models.Rack
	err := db.Bounded(ctx, "create rack", r.timeout, func(ctx context.Context) error {
		if err := r.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
			station, err := tx.Station(ctx, rack.StationID)
			if err != nil {
				return err
			}
			if err := tx.InsertRack(ctx, rack); err != nil {
				return err
			}
			if station.HasRack(rack.RackID) {
				return nil
			}
			station.Racks = append(station.Racks, rack.RackID)
			return tx.UpdateStation(ctx, *station)
		}); err != nil {
			return err
		}
		var err error
		out, err = r.store.FindRack(ctx, rack.RackID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithFields(log.Fields{"rackId": rack.RackID, "stationId": rack.StationID}).Info("rack created")
	return out, nil
}

// CreateBike registers a bike. With CurrentRack set the bike is docked into
// that empty rack and starts available; dock events stamped ts are appended
// to both. A zero ts means now. Without a rack it starts in maintenance.
// Status is always derived.
func (r *Registry) CreateBike(ctx context.Context, bike models.Bike, ts time.Time) (*models.Bike, error) {
	if bike.CurrentUser != nil {
		return nil, &models.ValidationError{Field: "currentUser", Reason: "new bikes have no rider"}
	}
	bike.Status = models.BikeMaintenance
	if bike.CurrentRack != nil {
		bike.Status = models.BikeAvailable
	}
	if err := bike.Validate(); err != nil {
		return nil, err
	}

	if ts.IsZero() {
		ts = r.now()
	}
	var out *models.Bike
	err := db.Bounded(ctx, "create bike", r.timeout, func(ctx context.Context) error {
		if err := r.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
			return r.insertBike(ctx, tx, bike, ts)
		}); err != nil {
			return err
		}
		var err error
		out, err = r.store.FindBike(ctx, bike.BikeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithFields(log.Fields{
		"bikeId": bike.BikeID,
		"status": bike.Status,
		"rackId": models.Deref(bike.CurrentRack),
	}).Info("bike created")
	return out, nil
}

func (r *Registry) insertBike(ctx context.Context, tx db.Tx, bike models.Bike, ts time.Time) error {
	if bike.CurrentRack == nil {
		return tx.InsertBike(ctx, bike)
	}
	rack, err := tx.Rack(ctx, *bike.CurrentRack)
	if err != nil {
		return err
	}
	if !rack.Empty() {
		return &models.InvalidTransitionError{
			Op:     "create",
			BikeID: bike.BikeID,
			Reason: fmt.Sprintf("rack %s already holds bike %s", rack.RackID, *rack.CurrentBike),
		}
	}
	rack.CurrentBike = models.StringPtr(bike.BikeID)
	if err := models.CheckDocking(bike, *rack); err != nil {
		return err
	}
	if err := tx.InsertBike(ctx, bike); err != nil {
		return err
	}
	if err := tx.UpdateRack(ctx, *rack); err != nil {
		return err
	}
	for _, ref := range []models.EntityRef{bike.Ref(), rack.Ref()} {
		if _, err := ledger.AppendTx(ctx, tx, models.Event{
			Entity:    ref,
			Action:    models.ActionDock,
			BikeID:    bike.BikeID,
			RackID:    rack.RackID,
			Timestamp: ts,
		}); err != nil {
			return err
		}
	}
	return nil
}

// User looks up a rider by rfid.
func (r *Registry) User(ctx context.Context, rfid string) (*models.User, error) {
	var out *models.User
	err := db.Bounded(ctx, "get user", r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.store.FindUser(ctx, rfid)
		return err
	})
	return out, err
}

// Bike looks up a bike.
func (r *Registry) Bike(ctx context.Context, bikeID string) (*models.Bike, error) {
	var out *models.Bike
	err := db.Bounded(ctx, "get bike", r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.store.FindBike(ctx, bikeID)
		return err
	})
	return out, err
}

// Rack looks up a rack.
func (r *Registry) Rack(ctx context.Context, rackID string) (*models.Rack, error) {
	var out *models.Rack
	err := db.Bounded(ctx, "get rack", r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.store.FindRack(ctx, rackID)
		return err
	})
	return out, err
}

// Station looks up a station.
func (r *Registry) Station(ctx context.Context, stationID string) (*models.Station, error) {
	var out *models.Station
	err := db.Bounded(ctx, "get station", r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.store.FindStation(ctx, stationID)
		return err
	})
	return out, err
}

// Bikes lists every bike.
func (r *Registry) Bikes(ctx context.Context) ([]models.Bike, error) {
	var out []models.Bike
	err := db.Bounded(ctx, "list bikes", r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.store.ListBikes(ctx)
		return err
	})
	return out, err
}

// Stations lists every station.
func (r *Registry) Stations(ctx context.Context) ([]models.Station, error) {
	var out []models.Station
	err := db.Bounded(ctx, "list stations", r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.store.ListStations(ctx)
		return err
	})
	return out, err
}

// StationRacks lists the racks of an existing station.
func (r *Registry) StationRacks(ctx context.Context, stationID string) ([]models.Rack, error) {
	var out []models.Rack
	err := db.Bounded(ctx, "list racks", r.timeout, func(ctx context.Context) error {
		if _, err := r.store.FindStation(ctx, stationID); err != nil {
			return err
		}
		var err error
		out, err = r.store.ListRacks(ctx, stationID)
		return err
	})
	return out, err
}
