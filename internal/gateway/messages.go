package gateway

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/ukydev/smartpedals/internal/models"
)

// Actions of the auth exchange, as sent by rack firmware.
const (
	ActionUnlock = "unlock"
	ActionLock   = "lock"
	ReplyAccept  = "accept"
	ReplyDeny    = "deny"
	ReplyType    = "auth_reply"
)

// AuthRequest is a rack asking to unlock or lock a bike for a badge.
type AuthRequest struct {
	UserID    string `json:"user_id"`
	BikeID    string `json:"bike_id"`
	RackID    string `json:"rack_id"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp,omitempty"`
}

// AuthReply answers an AuthRequest on the reply topic.
type AuthReply struct {
	BikeID    string `json:"bike_id"`
	RackID    string `json:"rack_id"`
	Type      string `json:"type"`
	Action    string `json:"action"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// LocationMessage is a GPS report. Coordinates may come nested or as flat
// lat/lon keys.
type LocationMessage struct {
	BikeID      string              `json:"bike_id"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Satellites  int                 `json:"satellites"`
	Coordinates *models.Coordinates `json:"coordinates,omitempty"`
	Lat         *float64            `json:"lat,omitempty"`
	Lon         *float64            `json:"lon,omitempty"`
}

// Coords resolves the nested or flat coordinate form.
func (m LocationMessage) Coords() (models.Coordinates, error) {
	if m.Coordinates != nil {
		return *m.Coordinates, nil
	}
	if m.Lat != nil && m.Lon != nil {
		return models.Coordinates{Lat: *m.Lat, Lon: *m.Lon}, nil
	}
	return models.Coordinates{}, &models.ValidationError{Field: "coordinates", Reason: "required"}
}

// parseTimestamp accepts RFC 3339 or an empty string (zero time).
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &models.ValidationError{Field: "timestamp", Reason: fmt.Sprintf("not RFC 3339: %q", s)}
	}
	return ts, nil
}

func decode(payload []byte, out interface{}) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return &models.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
