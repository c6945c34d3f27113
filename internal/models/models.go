package models

import (
	"math"
	"time"
)

// Location is an immutable WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside the usual lat/lon ranges
// and free of NaN/Inf garbage.
func (l Location) Valid() bool {
	if math.IsNaN(l.Latitude) || math.IsNaN(l.Longitude) ||
		math.IsInf(l.Latitude, 0) || math.IsInf(l.Longitude, 0) {
		return false
	}
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// DriverPresence is the live availability record for one driver.
// Online and Verified must both be true for the driver to receive offers;
// a driver without a known location is never eligible.
type DriverPresence struct {
	DriverID     string    `json:"driver_id"`
	Online       bool      `json:"online"`
	Verified     bool      `json:"verified"`
	LastLocation *Location `json:"last_location,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type RideStatus string

const (
	StatusPending    RideStatus = "pending"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

type RideClass string

const (
	ClassStandard RideClass = "standard"
	ClassPremium  RideClass = "premium"
	ClassGroup    RideClass = "group"
)

type PaymentMethod string

const (
	PayCard PaymentMethod = "card"
	PayQR   PaymentMethod = "qr"
	PayCash PaymentMethod = "cash"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Ride is the persisted trip record. DriverID stays empty while the ride is
// pending; it is bound exactly once, by the accept conditional write.
type Ride struct {
	ID             string
	RiderID        string
	DriverID       string
	Pickup         Location
	Dropoff        Location
	PickupAddress  string
	DropoffAddress string
	DistanceKm     float64
	DurationMin    float64
	Fare           float64
	Class          RideClass
	PaymentMethod  PaymentMethod
	PaymentStatus  PaymentStatus
	PaymentRef     string
	Status         RideStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// CandidateDriver pairs a presence row with its distance to a pickup point.
// Computed fresh on every matching query, never persisted.
type CandidateDriver struct {
	Driver     DriverPresence `json:"driver"`
	DistanceKm float64        `json:"distance_km"`
}

// RideOffer is the payload pushed to candidate drivers over the websocket
// channel when a new pending ride enters their radius.
type RideOffer struct {
	RideID             string    `json:"ride_id"`
	Pickup             Location  `json:"pickup"`
	Dropoff            Location  `json:"dropoff"`
	PickupAddress      string    `json:"pickup_address,omitempty"`
	Class              RideClass `json:"class"`
	Fare               float64   `json:"fare"`
	PickupDistanceKm   float64   `json:"pickup_distance_km"`
	EstimatedPickupMin float64   `json:"estimated_pickup_min"`
}

// LocationPush is the wire shape of a driver device location update, both on
// the HTTP ingest endpoint and on the Kafka topic.
type LocationPush struct {
	DriverID string    `json:"driver_id"`
	Location Location  `json:"location"`
	At       time.Time `json:"at"`
}
