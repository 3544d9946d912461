package models

// Wire shapes pushed over the real-time channel. Field names follow the
// client contract, so they intentionally differ from the storage casing.

const (
	EventRideUpdated    = "ride.updated"
	EventSafetyUpdate   = "safety.event.update"
	EventDriverLocation = "driver.location.updated"
	EventMatchOffer     = "match.offer"
)

// RideTopic and friends name the pub/sub topics a connection may bind to.
func RideTopic(rideID string) string     { return "ride:" + rideID }
func SafetyTopic(eventID string) string  { return "safety:" + eventID }
func DriverTopic(driverID string) string { return "driver:" + driverID }

type RideUpdate struct {
	RideID         string     `json:"rideId"`
	Status         RideStatus `json:"status"`
	DriverLocation *Coord     `json:"driverLocation,omitempty"`
	ETA            *float64   `json:"eta,omitempty"`
	Fare           *float64   `json:"fare,omitempty"`
}

type SafetyUpdate struct {
	EventID         string       `json:"eventId"`
	Status          SafetyStatus `json:"status"`
	Message         string       `json:"message"`
	EscalationLevel int          `json:"escalationLevel,omitempty"`
	AssignedOps     string       `json:"assignedOps,omitempty"`
}

type DriverLocationUpdate struct {
	DriverID string  `json:"driverId"`
	Location Coord   `json:"location"`
	Heading  float64 `json:"heading"`
	Speed    float64 `json:"speed"`
}
