// Package engine applies bike state transitions. Each transition reads the
// bike, rack and user inside one store transaction, checks its preconditions,
// writes the new state and appends the matching ledger events, all or
// nothing.
package engine

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/ledger"
	"github.com/ukydev/smartpedals/internal/models"
	"github.com/ukydev/smartpedals/internal/observability"
)

// Operation names, used for errors, metrics and spans.
const (
	OpUndock      = "undock"
	OpDock        = "dock"
	OpMaintenance = "maintenance"
	OpReturn      = "return_to_service"
	OpRetire      = "retire"
	OpRemoveRack  = "remove_rack"
	OpRelocate    = "relocate"
)

// Engine is the state transition engine.
type Engine struct {
	store   db.Store
	log     *log.Entry
	metrics *observability.Metrics
	tracer  trace.Tracer
	timeout time.Duration
}

// New creates an engine. Every transition is bounded by timeout.
func New(store db.Store, logger *log.Entry, metrics *observability.Metrics, timeout time.Duration) *Engine {
	return &Engine{
		store:   store,
		log:     logger,
		metrics: metrics,
		tracer:  otel.Tracer(observability.TracerName),
		timeout: timeout,
	}
}

func (e *Engine) run(ctx context.Context, op string, fields log.Fields, fn func(ctx context.Context, tx db.Tx) error) error {
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
	}
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := db.Bounded(ctx, op, e.timeout, func(ctx context.Context) error {
		return e.store.RunInTx(ctx, fn)
	})
	outcome := observability.Outcome(err)
	e.metrics.Transitions.WithLabelValues(op, outcome).Inc()
	e.metrics.TransitionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))

	entry := e.log.WithFields(fields).WithField("op", op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Warn("transition rejected")
		return err
	}
	entry.Info("transition applied")
	return nil
}

func invalid(op, bikeID, format string, args ...interface{}) error {
	return &models.InvalidTransitionError{Op: op, BikeID: bikeID, Reason: fmt.Sprintf(format, args...)}
}

// checkPost is the validation boundary every post-state passes before it is
// written.
func checkPost(bike *models.Bike, racks ...*models.Rack) error {
	if bike != nil {
		if err := bike.Validate(); err != nil {
			return err
		}
	}
	for _, rack := range racks {
		if bike != nil {
			if err := models.CheckDocking(*bike, *rack); err != nil {
				return err
			}
		}
	}
	return nil
}

func appendAll(ctx context.Context, tx db.Tx, ev models.Event, refs ...models.EntityRef) error {
	for _, ref := range refs {
		ev.ID = ""
		ev.Entity = ref
		if _, err := ledger.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Undock detaches an available bike from rackID for the rider userRFID. The
// bike becomes in_use and the rack empty; one undock event is appended to the
// bike, the rack and the user.
func (e *Engine) Undock(ctx context.Context, bikeID, userRFID, rackID string, ts time.Time) error {
	fields := log.Fields{"bikeId": bikeID, "rfid": userRFID, "rackId": rackID}
	return e.run(ctx, OpUndock, fields, func(ctx context.Context, tx db.Tx) error {
		user, err := tx.User(ctx, userRFID)
		if err != nil {
			return err
		}
		bike, err := tx.Bike(ctx, bikeID)
		if err != nil {
			return err
		}
		rack, err := tx.Rack(ctx, rackID)
		if err != nil {
			return err
		}
		if bike.Status != models.BikeAvailable {
			return invalid(OpUndock, bikeID, "bike is %s, not available", bike.Status)
		}
		if !bike.DockedAt(rackID) {
			return invalid(OpUndock, bikeID, "bike is not docked at rack %s", rackID)
		}
		if models.Deref(rack.CurrentBike) != bikeID {
			return invalid(OpUndock, bikeID, "rack %s does not hold the bike", rackID)
		}

		bike.Status = models.BikeInUse
		bike.CurrentUser = models.StringPtr(user.RFID)
		bike.CurrentRack = nil
		rack.CurrentBike = nil
		if err := checkPost(bike, rack); err != nil {
			return err
		}
		if err := tx.UpdateBike(ctx, *bike); err != nil {
			return err
		}
		if err := tx.UpdateRack(ctx, *rack); err != nil {
			return err
		}
		return appendAll(ctx, tx, models.Event{
			Action:    models.ActionUndock,
			BikeID:    bikeID,
			RackID:    rackID,
			UserRFID:  user.RFID,
			Timestamp: ts,
		}, bike.Ref(), rack.Ref(), user.Ref())
	})
}

// Dock attaches an in-use bike to the empty rack rackID. The bike becomes
// available; dock events carrying the rider are appended to bike and rack.
func (e *Engine) Dock(ctx context.Context, bikeID, rackID string, ts time.Time) error {
	return e.dock(ctx, bikeID, "", rackID, ts)
}

// DockAs is Dock on behalf of the badge userRFID, which must be the rider
// holding the bike.
func (e *Engine) DockAs(ctx context.Context, bikeID, userRFID, rackID string, ts time.Time) error {
	if userRFID == "" {
		return &models.ValidationError{Field: "rfid", Reason: "required"}
	}
	return e.dock(ctx, bikeID, userRFID, rackID, ts)
}

func (e *Engine) dock(ctx context.Context, bikeID, userRFID, rackID string, ts time.Time) error {
	fields := log.Fields{"bikeId": bikeID, "rackId": rackID}
	if userRFID != "" {
		fields["rfid"] = userRFID
	}
	return e.run(ctx, OpDock, fields, func(ctx context.Context, tx db.Tx) error {
		bike, err := tx.Bike(ctx, bikeID)
		if err != nil {
			return err
		}
		rack, err := tx.Rack(ctx, rackID)
		if err != nil {
			return err
		}
		if bike.Status != models.BikeInUse {
			return invalid(OpDock, bikeID, "bike is %s, not in use", bike.Status)
		}
		if userRFID != "" && models.Deref(bike.CurrentUser) != userRFID {
			return invalid(OpDock, bikeID, "bike is not ridden by %s", userRFID)
		}
		if !rack.Empty() {
			return invalid(OpDock, bikeID, "rack %s is occupied by %s", rackID, *rack.CurrentBike)
		}

		rider := models.Deref(bike.CurrentUser)
		bike.Status = models.BikeAvailable
		bike.CurrentRack = models.StringPtr(rackID)
		bike.CurrentUser = nil
		rack.CurrentBike = models.StringPtr(bikeID)
		if err := checkPost(bike, rack); err != nil {
			return err
		}
		if err := tx.UpdateBike(ctx, *bike); err != nil {
			return err
		}
		if err := tx.UpdateRack(ctx, *rack); err != nil {
			return err
		}
		return appendAll(ctx, tx, models.Event{
			Action:    models.ActionDock,
			BikeID:    bikeID,
			RackID:    rackID,
			UserRFID:  rider,
			Timestamp: ts,
		}, bike.Ref(), rack.Ref())
	})
}

// SendToMaintenance takes an available bike out of service. It stays in its
// rack, which therefore is not free for docking.
func (e *Engine) SendToMaintenance(ctx context.Context, bikeID string) error {
	return e.run(ctx, OpMaintenance, log.Fields{"bikeId": bikeID}, func(ctx context.Context, tx db.Tx) error {
		bike, err := tx.Bike(ctx, bikeID)
		if err != nil {
			return err
		}
		if bike.Status != models.BikeAvailable {
			return invalid(OpMaintenance, bikeID, "bike is %s, not available", bike.Status)
		}
		bike.Status = models.BikeMaintenance
		if err := checkPost(bike); err != nil {
			return err
		}
		return tx.UpdateBike(ctx, *bike)
	})
}

// ReturnToService makes a bike in maintenance available again. A bike still
// in its rack stays there and rackID must be empty or name that rack. An
// unassigned bike is docked into the empty rack rackID.
func (e *Engine) ReturnToService(ctx context.Context, bikeID, rackID string, ts time.Time) error {
	fields := log.Fields{"bikeId": bikeID, "rackId": rackID}
	return e.run(ctx, OpReturn, fields, func(ctx context.Context, tx db.Tx) error {
		bike, err := tx.Bike(ctx, bikeID)
		if err != nil {
			return err
		}
		if bike.Status != models.BikeMaintenance {
			return invalid(OpReturn, bikeID, "bike is %s, not in maintenance", bike.Status)
		}

		if bike.Docked() {
			if rackID != "" && !bike.DockedAt(rackID) {
				return invalid(OpReturn, bikeID, "bike is docked at %s, not %s", *bike.CurrentRack, rackID)
			}
			bike.Status = models.BikeAvailable
			if err := checkPost(bike); err != nil {
				return err
			}
			return tx.UpdateBike(ctx, *bike)
		}

		if rackID == "" {
			return invalid(OpReturn, bikeID, "unassigned bike needs a rack")
		}
		rack, err := tx.Rack(ctx, rackID)
		if err != nil {
			return err
		}
		if !rack.Empty() {
			return invalid(OpReturn, bikeID, "rack %s is occupied by %s", rackID, *rack.CurrentBike)
		}
		bike.Status = models.BikeAvailable
		bike.CurrentRack = models.StringPtr(rackID)
		rack.CurrentBike = models.StringPtr(bikeID)
		if err := checkPost(bike, rack); err != nil {
			return err
		}
		if err := tx.UpdateBike(ctx, *bike); err != nil {
			return err
		}
		if err := tx.UpdateRack(ctx, *rack); err != nil {
			return err
		}
		return appendAll(ctx, tx, models.Event{
			Action:    models.ActionDock,
			BikeID:    bikeID,
			RackID:    rackID,
			Timestamp: ts,
		}, bike.Ref(), rack.Ref())
	})
}

// RetireBike deletes a bike that is not in use. If it is docked its rack is
// freed and gets an undock event. The bike's history stays in the ledger.
func (e *Engine) RetireBike(ctx context.Context, bikeID string, ts time.Time) error {
	return e.run(ctx, OpRetire, log.Fields{"bikeId": bikeID}, func(ctx context.Context, tx db.Tx) error {
		bike, err := tx.Bike(ctx, bikeID)
		if err != nil {
			return err
		}
		if bike.Status == models.BikeInUse {
			return invalid(OpRetire, bikeID, "bike is in use by %s", models.Deref(bike.CurrentUser))
		}
		if bike.Docked() {
			rack, err := tx.Rack(ctx, *bike.CurrentRack)
			if err != nil {
				return err
			}
			if err := models.CheckDocking(*bike, *rack); err != nil {
				return err
			}
			rack.CurrentBike = nil
			if err := tx.UpdateRack(ctx, *rack); err != nil {
				return err
			}
			if err := appendAll(ctx, tx, models.Event{
				Action:    models.ActionUndock,
				BikeID:    bikeID,
				RackID:    rack.RackID,
				Timestamp: ts,
			}, rack.Ref()); err != nil {
				return err
			}
		}
		return tx.DeleteBike(ctx, *bike)
	})
}

// RelocateBike moves a docked bike that is not in use to the empty rack
// rackID, keeping its status. The old rack gets an undock event, the new one
// a dock event, and the bike both.
func (e *Engine) RelocateBike(ctx context.Context, bikeID, rackID string, ts time.Time) error {
	fields := log.Fields{"bikeId": bikeID, "rackId": rackID}
	return e.run(ctx, OpRelocate, fields, func(ctx context.Context, tx db.Tx) error {
		bike, err := tx.Bike(ctx, bikeID)
		if err != nil {
			return err
		}
		if bike.Status == models.BikeInUse {
			return invalid(OpRelocate, bikeID, "bike is in use by %s", models.Deref(bike.CurrentUser))
		}
		if !bike.Docked() {
			return invalid(OpRelocate, bikeID, "bike is not docked, return it to service instead")
		}
		if bike.DockedAt(rackID) {
			return invalid(OpRelocate, bikeID, "bike is already at rack %s", rackID)
		}
		from, err := tx.Rack(ctx, *bike.CurrentRack)
		if err != nil {
			return err
		}
		to, err := tx.Rack(ctx, rackID)
		if err != nil {
			return err
		}
		if !to.Empty() {
			return invalid(OpRelocate, bikeID, "rack %s is occupied by %s", rackID, *to.CurrentBike)
		}
		if err := models.CheckDocking(*bike, *from); err != nil {
			return err
		}

		from.CurrentBike = nil
		to.CurrentBike = models.StringPtr(bikeID)
		bike.CurrentRack = models.StringPtr(rackID)
		if err := checkPost(bike, from, to); err != nil {
			return err
		}
		if err := tx.UpdateBike(ctx, *bike); err != nil {
			return err
		}
		if err := tx.UpdateRack(ctx, *from); err != nil {
			return err
		}
		if err := tx.UpdateRack(ctx, *to); err != nil {
			return err
		}
		if err := appendAll(ctx, tx, models.Event{
			Action:    models.ActionUndock,
			BikeID:    bikeID,
			RackID:    from.RackID,
			Timestamp: ts,
		}, bike.Ref(), from.Ref()); err != nil {
			return err
		}
		return appendAll(ctx, tx, models.Event{
			Action:    models.ActionDock,
			BikeID:    bikeID,
			RackID:    rackID,
			Timestamp: ts,
		}, bike.Ref(), to.Ref())
	})
}

// RemoveRack deletes an empty rack and drops it from its station.
func (e *Engine) RemoveRack(ctx context.Context, rackID string) error {
	return e.run(ctx, OpRemoveRack, log.Fields{"rackId": rackID}, func(ctx context.Context, tx db.Tx) error {
		rack, err := tx.Rack(ctx, rackID)
		if err != nil {
			return err
		}
		if !rack.Empty() {
			return invalid(OpRemoveRack, *rack.CurrentBike, "rack %s is occupied", rackID)
		}
		station, err := tx.Station(ctx, rack.StationID)
		if err != nil {
			return err
		}
		kept := station.Racks[:0:0]
		for _, id := range station.Racks {
			if id != rackID {
				kept = append(kept, id)
			}
		}
		station.Racks = kept
		if err := tx.UpdateStation(ctx, *station); err != nil {
			return err
		}
		return tx.DeleteRack(ctx, *rack)
	})
}
