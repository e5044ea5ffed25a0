package models

import "time"

// Action discriminates ledger events.
type Action string

const (
	ActionDock   Action = "dock"
	ActionUndock Action = "undock"
)

// IsValidAction checks if an action is known.
func IsValidAction(a Action) bool {
	return a == ActionDock || a == ActionUndock
}

// EntityRef addresses one per-entity history stream.
type EntityRef struct {
	Kind EntityKind `bson:"kind" json:"kind"`
	ID   string     `bson:"id" json:"id"`
}

func (r EntityRef) String() string { return string(r.Kind) + ":" + r.ID }

// Event is an immutable ledger entry. Seq is assigned by the store at append
// time and breaks timestamp ties within one entity's stream.
type Event struct {
	ID        string    `bson:"_id" json:"id"`
	Entity    EntityRef `bson:"entity" json:"entity"`
	Seq       int64     `bson:"seq" json:"seq"`
	Action    Action    `bson:"action" json:"action"`
	BikeID    string    `bson:"bikeId,omitempty" json:"bikeId,omitempty"`
	RackID    string    `bson:"rackId,omitempty" json:"rackId,omitempty"`
	UserRFID  string    `bson:"userRfid,omitempty" json:"userRfid,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Validate checks an event before it is appended.
func (e Event) Validate() error {
	if e.Entity.ID == "" {
		return &ValidationError{Field: "entity.id", Reason: "required"}
	}
	switch e.Entity.Kind {
	case KindUser, KindBike, KindRack:
	default:
		return &ValidationError{Field: "entity.kind", Reason: "no history for " + string(e.Entity.Kind)}
	}
	if !IsValidAction(e.Action) {
		return &ValidationError{Field: "action", Reason: "unknown action " + string(e.Action)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	return nil
}

// Before orders events by timestamp, then by sequence number.
func (e Event) Before(o Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Seq < o.Seq
}

// Order selects the direction of a history read.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)
