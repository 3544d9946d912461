// Package lifecycle owns ride state. Every mutation goes through
// Transition, which enforces the state graph and the optimistic version
// counter: exactly one writer succeeds per logical transition.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/derrors"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

// Broadcaster receives domain events for fan-out to subscribers.
type Broadcaster interface {
	Publish(topic, eventType string, data any)
}

// MatchCanceler lets the machine tell the matching engine to abandon
// in-flight offers when a ride is canceled.
type MatchCanceler interface {
	CancelRide(rideID string)
}

// transitions is the ride state graph. Canceled is reachable from every
// non-terminal state; the two terminal states admit nothing.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.RideRequested:  {models.RideAccepted, models.RideCanceled},
	models.RideAccepted:   {models.RideEnRoute, models.RideCanceled},
	models.RideEnRoute:    {models.RideInProgress, models.RideCanceled},
	models.RideInProgress: {models.RideCompleted, models.RideCanceled},
	models.RideCompleted:  {},
	models.RideCanceled:   {},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payload carries the optional data a transition attaches to its
// ride.updated event.
type Payload struct {
	DriverID       string
	DriverLocation *models.Coord
	ETA            *float64
	Fare           *float64
}

type Machine struct {
	Store  storage.RideStore
	Events Broadcaster
	Ledger payments.Ledger // optional charge capability
	Logger *slog.Logger

	FareBaseCents  float64
	FarePerKmCents float64

	canceler MatchCanceler
	now      func() time.Time
}

// BindMatching wires the matching engine's cancel hook. The engine is
// constructed after the machine, so this cannot be a constructor argument.
func (m *Machine) BindMatching(c MatchCanceler) { m.canceler = c }

func (m *Machine) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// Create registers a new ride in Requested at version 1.
func (m *Machine) Create(ctx context.Context, riderID string, pickup, dropoff models.Coord) (*models.Ride, error) {
	if riderID == "" {
		return nil, derrors.New(derrors.CodeValidation, "rider id is required")
	}
	if !pickup.Valid() || !dropoff.Valid() {
		return nil, derrors.New(derrors.CodeValidation, "pickup and dropoff must be valid coordinates")
	}
	now := m.clock()
	r := &models.Ride{
		ID:           uuid.NewString(),
		RiderID:      riderID,
		Pickup:       pickup,
		Dropoff:      dropoff,
		Status:       models.RideRequested,
		FareEstimate: m.estimateFare(pickup, dropoff),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.Store.Create(ctx, r); err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.RideRequested)).Inc()
	m.publish(r, Payload{})
	return r, nil
}

// Get loads the current ride record.
func (m *Machine) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.Store.Load(ctx, rideID)
}

// Transition attempts rideID: current(expectedVersion) -> target. It fails
// with stale_version when another writer got there first and with
// illegal_transition when the graph forbids the move. On success the new
// state and incremented version are persisted atomically and a
// ride.updated event is published.
func (m *Machine) Transition(ctx context.Context, rideID string, expectedVersion int64, target models.RideStatus, p Payload) (*models.Ride, error) {
	r, err := m.Store.Load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Version != expectedVersion {
		return nil, derrors.Wrap(derrors.ErrStaleVersion, derrors.CodeStaleVersion,
			"ride %s is at version %d, not %d", rideID, r.Version, expectedVersion)
	}
	if !CanTransition(r.Status, target) {
		return nil, derrors.Wrap(derrors.ErrIllegalTransition, derrors.CodeIllegalTransition,
			"cannot move ride %s from %s to %s", rideID, r.Status, target)
	}

	switch {
	case target == models.RideAccepted:
		if p.DriverID == "" {
			return nil, derrors.New(derrors.CodeValidation, "accepting a ride requires a driver id")
		}
		r.DriverID = p.DriverID
	case !target.HasDriver():
		r.DriverID = ""
	}

	var heldRef string
	if target == models.RideAccepted && m.Ledger != nil && r.PaymentRef == "" {
		// Best-effort hold; a ledger outage must not block dispatch.
		ref, err := m.Ledger.Authorize(ctx, int64(r.FareEstimate), "usd", r.RiderID)
		if err != nil {
			m.logError("payment authorize failed", rideID, err)
		} else {
			r.PaymentRef = ref
			heldRef = ref
		}
	}

	r.Status = target
	r.Version++
	r.UpdatedAt = m.clock()
	if err := m.Store.Save(ctx, r, expectedVersion); err != nil {
		if heldRef != "" {
			// The transition lost the race; the hold was never
			// persisted, so release it.
			rerr := storage.WithRetry(ctx, 3, 200*time.Millisecond, func() error {
				return m.Ledger.Refund(ctx, heldRef)
			})
			if rerr != nil {
				m.logError("payment refund failed", rideID, rerr)
			}
		}
		return nil, err
	}

	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	m.publish(r, p)
	m.settle(ctx, r)

	if target == models.RideCanceled && m.canceler != nil {
		m.canceler.CancelRide(r.ID)
	}
	return r, nil
}

// Cancel moves the ride to Canceled from whatever non-terminal state it is
// in, using the supplied version as the optimistic guard.
func (m *Machine) Cancel(ctx context.Context, rideID string, expectedVersion int64) (*models.Ride, error) {
	return m.Transition(ctx, rideID, expectedVersion, models.RideCanceled, Payload{})
}

func (m *Machine) publish(r *models.Ride, p Payload) {
	if m.Events == nil {
		return
	}
	fare := p.Fare
	if fare == nil && r.Status == models.RideAccepted {
		f := r.FareEstimate
		fare = &f
	}
	m.Events.Publish(models.RideTopic(r.ID), models.EventRideUpdated, models.RideUpdate{
		RideID:         r.ID,
		Status:         r.Status,
		DriverLocation: p.DriverLocation,
		ETA:            p.ETA,
		Fare:           fare,
	})
}

// settle drives the charge capability after a terminal transition. Capture
// and refund are retried; the ride is already terminal either way.
func (m *Machine) settle(ctx context.Context, r *models.Ride) {
	if m.Ledger == nil || r.PaymentRef == "" {
		return
	}
	switch r.Status {
	case models.RideCompleted:
		err := storage.WithRetry(ctx, 3, 200*time.Millisecond, func() error {
			return m.Ledger.Capture(ctx, r.PaymentRef)
		})
		if err != nil {
			m.logError("payment capture failed", r.ID, err)
		}
	case models.RideCanceled:
		err := storage.WithRetry(ctx, 3, 200*time.Millisecond, func() error {
			return m.Ledger.Refund(ctx, r.PaymentRef)
		})
		if err != nil {
			m.logError("payment refund failed", r.ID, err)
		}
	}
}

func (m *Machine) estimateFare(pickup, dropoff models.Coord) float64 {
	km := geo.Haversine(pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon) / 1000
	base := m.FareBaseCents
	perKm := m.FarePerKmCents
	if base <= 0 {
		base = 250
	}
	if perKm <= 0 {
		perKm = 120
	}
	return base + perKm*km
}

func (m *Machine) logError(msg, rideID string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, "ride_id", rideID, "error", err)
	}
}
