package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Coordinates is a WGS84 latitude/longitude pair as reported by the bike GPS.
type Coordinates struct {
	Lat float64 `bson:"lat" json:"lat"`
	Lon float64 `bson:"lon" json:"lon"`
}

// Validate rejects coordinates outside the WGS84 range.
func (c Coordinates) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return &ValidationError{Field: "coordinates.lat", Reason: fmt.Sprintf("%f out of range", c.Lat)}
	}
	if c.Lon < -180 || c.Lon > 180 {
		return &ValidationError{Field: "coordinates.lon", Reason: fmt.Sprintf("%f out of range", c.Lon)}
	}
	return nil
}

// FixTypeLocation is the document type stored for raw GPS pings.
const FixTypeLocation = "location"

// LocationFix is a single GPS reading for a bike.
type LocationFix struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	BikeID      string             `bson:"bikeId" json:"bikeId"`
	Type        string             `bson:"type" json:"type"`
	Timestamp   time.Time          `bson:"timestamp" json:"timestamp"`
	Satellites  int                `bson:"satellites" json:"satellites"`
	Coordinates Coordinates        `bson:"coordinates" json:"coordinates"`
}

// Validate checks a fix before it is stored.
func (f LocationFix) Validate() error {
	if f.BikeID == "" {
		return &ValidationError{Field: "bikeId", Reason: "required"}
	}
	if f.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if f.Satellites < 0 {
		return &ValidationError{Field: "satellites", Reason: "must not be negative"}
	}
	return f.Coordinates.Validate()
}

// StationLog is a point-in-time occupancy snapshot of a station.
type StationLog struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	StationID      string             `bson:"stationId" json:"stationId"`
	TS             time.Time          `bson:"ts" json:"ts"`
	AvailableBikes int                `bson:"availableBikes" json:"availableBikes"`
	FreeRacks      int                `bson:"freeRacks" json:"freeRacks"`
}

// RetentionClass names a time-bounded telemetry stream.
type RetentionClass string

const (
	RetentionLocation   RetentionClass = "location"
	RetentionStationLog RetentionClass = "station_log"
	RetentionRaw        RetentionClass = "raw"
)

// RawMessage is one broker message exactly as it arrived.
type RawMessage struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Topic      string             `bson:"topic" json:"topic"`
	Payload    string             `bson:"payload" json:"payload"`
	ReceivedAt time.Time          `bson:"receivedAt" json:"receivedAt"`
}
