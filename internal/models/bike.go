package models

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BikeStatus is the lifecycle state of a bike.
type BikeStatus string

const (
	BikeAvailable   BikeStatus = "available"
	BikeInUse       BikeStatus = "in_use"
	BikeMaintenance BikeStatus = "maintenance"
)

// IsValidBikeStatus checks if a status is known.
func IsValidBikeStatus(s BikeStatus) bool {
	switch s {
	case BikeAvailable, BikeInUse, BikeMaintenance:
		return true
	default:
		return false
	}
}

// Bike is a fleet bicycle. CurrentUser holds the rider rfid while in use,
// CurrentRack the rack id while docked.
type Bike struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	BikeID      string             `bson:"bikeId" json:"bikeId"`
	Status      BikeStatus         `bson:"status" json:"status"`
	CurrentUser *string            `bson:"currentUser" json:"currentUser"`
	CurrentRack *string            `bson:"currentRack" json:"currentRack"`
	History     []string           `bson:"history" json:"history"`
	LedgerSeq   int64              `bson:"ledgerSeq" json:"-"`
	Version     int64              `bson:"version" json:"-"`
}

// Ref returns the ledger reference for the bike.
func (b Bike) Ref() EntityRef { return EntityRef{Kind: KindBike, ID: b.BikeID} }

// Docked reports whether the bike sits in a rack.
func (b Bike) Docked() bool { return b.CurrentRack != nil }

// DockedAt reports whether the bike sits in the given rack.
func (b Bike) DockedAt(rackID string) bool {
	return b.CurrentRack != nil && *b.CurrentRack == rackID
}

// Validate enforces the status/assignment invariants of a bike.
func (b Bike) Validate() error {
	if strings.TrimSpace(b.BikeID) == "" {
		return &ValidationError{Field: "bikeId", Reason: "required"}
	}
	if !IsValidBikeStatus(b.Status) {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(b.Status)}
	}
	if b.CurrentUser != nil && b.CurrentRack != nil {
		return &ValidationError{Field: "currentUser", Reason: "bike cannot have a rider while docked"}
	}
	switch b.Status {
	case BikeAvailable:
		if b.CurrentRack == nil {
			return &ValidationError{Field: "currentRack", Reason: "available bike must be docked"}
		}
	case BikeInUse:
		if b.CurrentUser == nil {
			return &ValidationError{Field: "currentUser", Reason: "bike in use must have a rider"}
		}
	case BikeMaintenance:
		if b.CurrentUser != nil {
			return &ValidationError{Field: "currentUser", Reason: "bike in maintenance cannot have a rider"}
		}
	}
	return nil
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string { return &s }

// Deref returns the pointed string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
