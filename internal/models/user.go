package models

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EntityKind identifies which collection an id belongs to.
type EntityKind string

const (
	KindUser    EntityKind = "user"
	KindBike    EntityKind = "bike"
	KindRack    EntityKind = "rack"
	KindStation EntityKind = "station"
)

// User is a rider identified by an RFID badge.
type User struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FirstName string             `bson:"firstName" json:"firstName"`
	LastName  string             `bson:"lastName" json:"lastName"`
	Email     string             `bson:"email" json:"email"`
	Phone     string             `bson:"phone" json:"phone"`
	RFID      string             `bson:"rfid" json:"rfid"`
	// History holds ledger event ids in append order.
	History   []string `bson:"history" json:"history"`
	LedgerSeq int64    `bson:"ledgerSeq" json:"-"`
	Version   int64    `bson:"version" json:"-"`
}

// Validate checks the fields required to register a user.
func (u User) Validate() error {
	if strings.TrimSpace(u.RFID) == "" {
		return &ValidationError{Field: "rfid", Reason: "required"}
	}
	if u.Email != "" && !strings.Contains(u.Email, "@") {
		return &ValidationError{Field: "email", Reason: "not an address"}
	}
	return nil
}

// Ref returns the ledger reference for the user.
func (u User) Ref() EntityRef { return EntityRef{Kind: KindUser, ID: u.RFID} }

// Contact is the editable part of a user. The rfid never changes.
type Contact struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// WithContact returns u with its contact details replaced by c.
func (u User) WithContact(c Contact) User {
	u.FirstName, u.LastName, u.Email, u.Phone = c.FirstName, c.LastName, c.Email, c.Phone
	return u
}
