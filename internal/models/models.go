package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside the WGS84 envelope.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type RideStatus string

const (
	RideRequested  RideStatus = "Requested"
	RideAccepted   RideStatus = "Accepted"
	RideEnRoute    RideStatus = "EnRoute"
	RideInProgress RideStatus = "InProgress"
	RideCompleted  RideStatus = "Completed"
	RideCanceled   RideStatus = "Canceled"
)

// Terminal reports whether no further transitions are possible.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCanceled
}

// HasDriver reports whether a ride in this status carries a driver id.
// Outside these states the driver id is empty.
func (s RideStatus) HasDriver() bool {
	switch s {
	case RideAccepted, RideEnRoute, RideInProgress, RideCompleted:
		return true
	}
	return false
}

type Ride struct {
	ID           string     `json:"id"`
	RiderID      string     `json:"rider_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	Pickup       Coord      `json:"pickup"`
	Dropoff      Coord      `json:"dropoff"`
	Status       RideStatus `json:"status"`
	FareEstimate float64    `json:"fare_estimate"`
	PaymentRef   string     `json:"-"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Driver is the geo index projection of a driver: last known position plus
// the metadata the matcher scores on. It is a cache entry, not domain state.
type Driver struct {
	ID        string    `json:"id"`
	Loc       Coord     `json:"loc"`
	Rating    float64   `json:"rating"` // 0..5
	Available bool      `json:"available"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Updated   time.Time `json:"updated"`
}

type OfferOutcome string

const (
	OfferPending  OfferOutcome = "Pending"
	OfferAccepted OfferOutcome = "Accepted"
	OfferRejected OfferOutcome = "Rejected"
	OfferExpired  OfferOutcome = "Expired"
)

// MatchOffer is a time-bounded proposal of one driver to one ride.
// Terminal once Outcome leaves Pending; never reused across candidates.
type MatchOffer struct {
	ID        string       `json:"id"`
	RideID    string       `json:"ride_id"`
	DriverID  string       `json:"driver_id"`
	ETA       float64      `json:"eta_seconds"`
	ExpiresAt time.Time    `json:"expires_at"`
	Outcome   OfferOutcome `json:"outcome"`
}

type SafetyStatus string

const (
	SafetyReported   SafetyStatus = "Reported"
	SafetyEscalated  SafetyStatus = "Escalated"
	SafetyResolved   SafetyStatus = "Resolved"
	SafetyFalseAlarm SafetyStatus = "FalseAlarm"
)

type SafetyEvent struct {
	ID              string       `json:"id"`
	RideID          string       `json:"ride_id,omitempty"`
	SubmitterID     string       `json:"submitter_id"`
	IdempotencyKey  string       `json:"-"`
	PayloadHash     string       `json:"-"`
	Location        Coord        `json:"location"`
	Message         string       `json:"message"`
	Status          SafetyStatus `json:"status"`
	EscalationLevel int          `json:"escalation_level"`
	AssignedOps     string       `json:"assigned_ops,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
