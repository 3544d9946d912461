// Package matching turns a Requested ride into an Accepted one: it pulls
// candidates from the geo index over an expanding radius, scores them, and
// runs the offer/accept protocol one candidate at a time.
package matching

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/derrors"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Geo answers nearby-driver queries.
type Geo interface {
	Near(lat, lon, radiusM float64) []models.Driver
}

// Rides is the slice of the lifecycle machine the engine drives.
type Rides interface {
	Transition(ctx context.Context, rideID string, expectedVersion int64, target models.RideStatus, p lifecycle.Payload) (*models.Ride, error)
}

// Dispatcher pushes an offer to a driver. Best-effort: a driver who never
// sees the offer simply lets it expire.
type Dispatcher interface {
	Offer(driverID string, offer models.MatchOffer) error
}

// ErrRideCanceled reports that matching stopped because the ride was
// canceled while a search was in flight.
var ErrRideCanceled = derrors.New(derrors.CodeConflict, "ride canceled during matching")

type Config struct {
	InitialRadiusM  float64
	MaxRadiusM      float64
	ProximityWeight float64
	RatingWeight    float64
	RecencyWeight   float64
	OfferTTL        time.Duration
	StaleAfter      time.Duration
	DefaultSpeedMps float64
}

func (c *Config) applyDefaults() {
	if c.InitialRadiusM <= 0 {
		c.InitialRadiusM = 1000
	}
	if c.MaxRadiusM < c.InitialRadiusM {
		c.MaxRadiusM = c.InitialRadiusM * 16
	}
	if c.ProximityWeight == 0 && c.RatingWeight == 0 && c.RecencyWeight == 0 {
		c.ProximityWeight, c.RatingWeight, c.RecencyWeight = 0.6, 0.3, 0.1
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 90 * time.Second
	}
	if c.DefaultSpeedMps <= 0 {
		c.DefaultSpeedMps = 10
	}
}

type Engine struct {
	Dispatch  Dispatcher       // optional
	OfferLog  storage.OfferLog // optional audit trail
	ETAClient eta.Client       // optional routing engine
	ETACache  *eta.Cache       // optional
	Logger    *slog.Logger

	geo   Geo
	rides Rides
	cfg   Config

	mu       sync.Mutex
	pending  map[string]*pendingOffer // offer id -> in-flight offer
	slots    map[string]string        // driver id -> offer id holding the slot
	searches map[string]chan struct{} // ride id -> cancel signal

	now func() time.Time
}

type pendingOffer struct {
	offer models.MatchOffer
	resp  chan bool
}

func NewEngine(g Geo, rides Rides, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		geo:      g,
		rides:    rides,
		cfg:      cfg,
		pending:  make(map[string]*pendingOffer),
		slots:    make(map[string]string),
		searches: make(map[string]chan struct{}),
		now:      time.Now,
	}
}

// FindDriver runs the full matching protocol for a Requested ride. It
// returns the updated ride once a driver accepts, no_drivers_found when
// every candidate is exhausted (the ride stays Requested), or
// ErrRideCanceled if the ride is canceled mid-search.
func (e *Engine) FindDriver(ctx context.Context, ride *models.Ride) (*models.Ride, error) {
	start := e.now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if ride.Status != models.RideRequested {
		return nil, derrors.Wrap(derrors.ErrIllegalTransition, derrors.CodeIllegalTransition,
			"ride %s is %s, matching needs Requested", ride.ID, ride.Status)
	}

	cancelCh, ok := e.registerSearch(ride.ID)
	if !ok {
		return nil, derrors.Wrap(derrors.ErrConflict, derrors.CodeConflict,
			"matching already in progress for ride %s", ride.ID)
	}
	defer e.unregisterSearch(ride.ID, cancelCh)

	cands := e.candidates(ride.Pickup)
	if len(cands) == 0 {
		return nil, derrors.Wrap(derrors.ErrNoDriversFound, derrors.CodeNoDriversFound,
			"no candidates within %.0fm of pickup", e.cfg.MaxRadiusM)
	}

	for _, c := range e.rank(cands, ride.Pickup) {
		select {
		case <-cancelCh:
			return nil, ErrRideCanceled
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		po, ok := e.openOffer(ride.ID, c)
		if !ok {
			// Driver already holds a pending offer elsewhere.
			continue
		}
		if e.Dispatch != nil {
			if err := e.Dispatch.Offer(c.driver.ID, po.offer); err != nil {
				e.logWarn("offer dispatch failed", po.offer, err)
			}
		}

		timer := time.NewTimer(time.Until(po.offer.ExpiresAt))
		outcome, accepted := e.awaitResponse(ctx, po, timer, cancelCh)
		timer.Stop()

		switch {
		case accepted:
			updated, err := e.rides.Transition(ctx, ride.ID, ride.Version, models.RideAccepted,
				lifecycle.Payload{DriverID: c.driver.ID, ETA: &c.etaSec, DriverLocation: &c.driver.Loc})
			if err != nil {
				// The ride moved under us (canceled or raced); the
				// driver's acceptance is discarded.
				e.closeOffer(po, models.OfferExpired)
				return nil, err
			}
			e.closeOffer(po, models.OfferAccepted)
			observability.MatchesTotal.Inc()
			return updated, nil
		case outcome == models.OfferRejected:
			e.closeOffer(po, models.OfferRejected)
		case outcome == models.OfferExpired:
			e.closeOffer(po, models.OfferExpired)
		default: // search canceled
			e.closeOffer(po, models.OfferExpired)
			return nil, ErrRideCanceled
		}
	}

	return nil, derrors.Wrap(derrors.ErrNoDriversFound, derrors.CodeNoDriversFound,
		"all %d candidates exhausted", len(cands))
}

// Respond records a driver's answer to a pending offer. Answers to offers
// that are already terminal (expired, canceled, superseded) are rejected.
func (e *Engine) Respond(offerID string, accept bool) error {
	e.mu.Lock()
	po, ok := e.pending[offerID]
	e.mu.Unlock()
	if !ok {
		return derrors.Wrap(derrors.ErrIllegalTransition, derrors.CodeIllegalTransition,
			"offer %s is not pending", offerID)
	}
	select {
	case po.resp <- accept:
	default: // a response already arrived; first one wins
	}
	return nil
}

// CancelRide tells an in-flight search for this ride to stop. The active
// offer, if any, is expired; no further offers are created. Safe to call
// when no search is running.
func (e *Engine) CancelRide(rideID string) {
	e.mu.Lock()
	ch, ok := e.searches[rideID]
	if ok {
		delete(e.searches, rideID)
	}
	e.mu.Unlock()
	if ok {
		close(ch)
	}
}

// PendingOfferForDriver reports the offer currently holding the driver's
// slot, if any.
func (e *Engine) PendingOfferForDriver(driverID string) (models.MatchOffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.slots[driverID]
	if !ok {
		return models.MatchOffer{}, false
	}
	po, ok := e.pending[id]
	if !ok {
		return models.MatchOffer{}, false
	}
	return po.offer, true
}

// candidates queries the geo index, doubling the radius until something
// turns up or the bound is hit.
func (e *Engine) candidates(pickup models.Coord) []models.Driver {
	r := e.cfg.InitialRadiusM
	for {
		if r > e.cfg.MaxRadiusM {
			r = e.cfg.MaxRadiusM
		}
		if c := e.geo.Near(pickup.Lat, pickup.Lon, r); len(c) > 0 {
			return c
		}
		if r == e.cfg.MaxRadiusM {
			return nil
		}
		r *= 2
	}
}

type candidate struct {
	driver models.Driver
	etaSec float64
	score  float64
}

// rank scores candidates and orders them best-first. Ties break on lowest
// driver id so runs are reproducible.
func (e *Engine) rank(drivers []models.Driver, pickup models.Coord) []candidate {
	now := e.now()
	out := make([]candidate, 0, len(drivers))
	for _, d := range drivers {
		dist := geo.Haversine(pickup.Lat, pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		proximity := 1 / (1 + dist/e.cfg.InitialRadiusM)
		rating := d.Rating / 5
		recency := 1 - now.Sub(d.Updated).Seconds()/e.cfg.StaleAfter.Seconds()
		if recency < 0 {
			recency = 0
		} else if recency > 1 {
			recency = 1
		}
		out = append(out, candidate{
			driver: d,
			etaSec: e.estimateETA(d.Loc, pickup),
			score:  e.cfg.ProximityWeight*proximity + e.cfg.RatingWeight*rating + e.cfg.RecencyWeight*recency,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].driver.ID < out[j].driver.ID
	})
	return out
}

func (e *Engine) estimateETA(from, to models.Coord) float64 {
	if e.ETACache != nil {
		if v, ok := e.ETACache.Get(from, to); ok {
			return v
		}
	}
	if e.ETAClient != nil {
		if v, err := e.ETAClient.EstimateSeconds(from, to); err == nil {
			if e.ETACache != nil {
				e.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, e.cfg.DefaultSpeedMps)
}

// openOffer creates a Pending offer and claims the driver's exclusive
// slot. It fails without side effects when the slot is already taken, so a
// driver never holds two pending offers.
func (e *Engine) openOffer(rideID string, c candidate) (*pendingOffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.slots[c.driver.ID]; taken {
		return nil, false
	}
	po := &pendingOffer{
		offer: models.MatchOffer{
			ID:        uuid.NewString(),
			RideID:    rideID,
			DriverID:  c.driver.ID,
			ETA:       c.etaSec,
			ExpiresAt: e.now().Add(e.cfg.OfferTTL),
			Outcome:   models.OfferPending,
		},
		resp: make(chan bool, 1),
	}
	e.pending[po.offer.ID] = po
	e.slots[c.driver.ID] = po.offer.ID
	return po, true
}

// closeOffer stamps the terminal outcome and releases the driver slot.
func (e *Engine) closeOffer(po *pendingOffer, outcome models.OfferOutcome) {
	e.mu.Lock()
	po.offer.Outcome = outcome
	delete(e.pending, po.offer.ID)
	if e.slots[po.offer.DriverID] == po.offer.ID {
		delete(e.slots, po.offer.DriverID)
	}
	e.mu.Unlock()

	observability.OffersTotal.WithLabelValues(string(outcome)).Inc()
	if e.OfferLog != nil {
		if err := e.OfferLog.Record(context.Background(), po.offer); err != nil {
			e.logWarn("offer log write failed", po.offer, err)
		}
	}
}

// awaitResponse blocks until the driver answers, the offer expires, or the
// search is canceled. The second return value is true only for acceptance.
func (e *Engine) awaitResponse(ctx context.Context, po *pendingOffer, timer *time.Timer, cancelCh <-chan struct{}) (models.OfferOutcome, bool) {
	select {
	case accept := <-po.resp:
		if accept {
			return models.OfferAccepted, true
		}
		return models.OfferRejected, false
	case <-timer.C:
		return models.OfferExpired, false
	case <-cancelCh:
		return models.OfferPending, false
	case <-ctx.Done():
		return models.OfferExpired, false
	}
}

// registerSearch claims the ride's single search slot. A ride has at most
// one search in flight; a second caller is turned away so it cannot orphan
// the first search's cancel channel.
func (e *Engine) registerSearch(rideID string) (chan struct{}, bool) {
	ch := make(chan struct{})
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.searches[rideID]; exists {
		return nil, false
	}
	e.searches[rideID] = ch
	return ch, true
}

func (e *Engine) unregisterSearch(rideID string, ch chan struct{}) {
	e.mu.Lock()
	// Only remove our own registration; CancelRide may already have
	// cleared it and a later search may own the slot by now.
	if cur, ok := e.searches[rideID]; ok && cur == ch {
		delete(e.searches, rideID)
	}
	e.mu.Unlock()
}

func (e *Engine) logWarn(msg string, offer models.MatchOffer, err error) {
	if e.Logger != nil {
		e.Logger.Warn(msg, "offer_id", offer.ID, "ride_id", offer.RideID, "driver_id", offer.DriverID, "error", err)
	}
}
