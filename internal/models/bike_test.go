package models

import (
	"testing"
	"time"
)

func TestIsValidBikeStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   BikeStatus
		expected bool
	}{
		{"available", BikeAvailable, true},
		{"in use", BikeInUse, true},
		{"maintenance", BikeMaintenance, true},
		{"unknown", "stolen", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidBikeStatus(tt.status); got != tt.expected {
				t.Errorf("IsValidBikeStatus(%s) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestBike_Validate(t *testing.T) {
	rack := StringPtr("rack001")
	rider := StringPtr("rfid123")

	tests := []struct {
		name    string
		bike    Bike
		wantErr bool
	}{
		{"available and docked", Bike{BikeID: "bike001", Status: BikeAvailable, CurrentRack: rack}, false},
		{"in use with rider", Bike{BikeID: "bike001", Status: BikeInUse, CurrentUser: rider}, false},
		{"maintenance docked", Bike{BikeID: "bike001", Status: BikeMaintenance, CurrentRack: rack}, false},
		{"maintenance unassigned", Bike{BikeID: "bike001", Status: BikeMaintenance}, false},
		{"rider and rack", Bike{BikeID: "bike001", Status: BikeInUse, CurrentUser: rider, CurrentRack: rack}, true},
		{"available but undocked", Bike{BikeID: "bike001", Status: BikeAvailable}, true},
		{"in use without rider", Bike{BikeID: "bike001", Status: BikeInUse}, true},
		{"maintenance with rider", Bike{BikeID: "bike001", Status: BikeMaintenance, CurrentUser: rider}, true},
		{"unknown status", Bike{BikeID: "bike001", Status: "lost", CurrentRack: rack}, true},
		{"missing id", Bike{Status: BikeAvailable, CurrentRack: rack}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bike.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckDocking(t *testing.T) {
	docked := Bike{BikeID: "bike001", Status: BikeAvailable, CurrentRack: StringPtr("rack001")}
	riding := Bike{BikeID: "bike001", Status: BikeInUse, CurrentUser: StringPtr("rfid123")}
	holding := Rack{RackID: "rack001", StationID: "station001", CurrentBike: StringPtr("bike001")}
	empty := Rack{RackID: "rack001", StationID: "station001"}
	other := Rack{RackID: "rack001", StationID: "station001", CurrentBike: StringPtr("bike002")}

	tests := []struct {
		name    string
		bike    Bike
		rack    Rack
		wantErr bool
	}{
		{"both agree docked", docked, holding, false},
		{"both agree undocked", riding, empty, false},
		{"bike claims rack, rack empty", docked, empty, true},
		{"rack claims bike, bike riding", riding, holding, true},
		{"rack holds another bike", docked, other, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDocking(tt.bike, tt.rack)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckDocking() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocationFix_Validate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		fix     LocationFix
		wantErr bool
	}{
		{"valid", LocationFix{BikeID: "bike002", Timestamp: now, Satellites: 4, Coordinates: Coordinates{Lat: 50.6195, Lon: 5.5823}}, false},
		{"no satellites yet", LocationFix{BikeID: "bike002", Timestamp: now, Coordinates: Coordinates{}}, false},
		{"missing bike", LocationFix{Timestamp: now}, true},
		{"missing timestamp", LocationFix{BikeID: "bike002"}, true},
		{"negative satellites", LocationFix{BikeID: "bike002", Timestamp: now, Satellites: -1}, true},
		{"latitude out of range", LocationFix{BikeID: "bike002", Timestamp: now, Coordinates: Coordinates{Lat: 91}}, true},
		{"longitude out of range", LocationFix{BikeID: "bike002", Timestamp: now, Coordinates: Coordinates{Lon: -181}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fix.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
