package models

import (
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Rack is a single docking slot belonging to a station.
type Rack struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RackID      string             `bson:"rackId" json:"rackId"`
	StationID   string             `bson:"stationId" json:"stationId"`
	CurrentBike *string            `bson:"currentBike" json:"currentBike"`
	History     []string           `bson:"history" json:"history"`
	LedgerSeq   int64              `bson:"ledgerSeq" json:"-"`
	Version     int64              `bson:"version" json:"-"`
}

// Ref returns the ledger reference for the rack.
func (r Rack) Ref() EntityRef { return EntityRef{Kind: KindRack, ID: r.RackID} }

// Empty reports whether no bike is docked.
func (r Rack) Empty() bool { return r.CurrentBike == nil }

// Validate checks the identifying fields of a rack.
func (r Rack) Validate() error {
	if strings.TrimSpace(r.RackID) == "" {
		return &ValidationError{Field: "rackId", Reason: "required"}
	}
	if strings.TrimSpace(r.StationID) == "" {
		return &ValidationError{Field: "stationId", Reason: "required"}
	}
	return nil
}

// Station groups racks at one physical location.
type Station struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	StationID string             `bson:"stationId" json:"stationId"`
	Name      string             `bson:"name" json:"name"`
	Racks     []string           `bson:"racks" json:"racks"`
	Version   int64              `bson:"version" json:"-"`
}

// Validate checks the identifying fields of a station.
func (s Station) Validate() error {
	if strings.TrimSpace(s.StationID) == "" {
		return &ValidationError{Field: "stationId", Reason: "required"}
	}
	if strings.TrimSpace(s.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	return nil
}

// HasRack reports whether rackID is listed on the station.
func (s Station) HasRack(rackID string) bool { return slices.Contains(s.Racks, rackID) }

// CheckDocking verifies the bidirectional bike/rack link. A docked bike must be
// referenced by its rack and an occupied rack must reference a bike docked there.
func CheckDocking(bike Bike, rack Rack) error {
	bikeHere := bike.DockedAt(rack.RackID)
	rackHolds := rack.CurrentBike != nil && *rack.CurrentBike == bike.BikeID
	if bikeHere != rackHolds {
		return &ValidationError{
			Field:  "currentRack",
			Reason: "bike " + bike.BikeID + " and rack " + rack.RackID + " disagree on docking",
		}
	}
	return nil
}
