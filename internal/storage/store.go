package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/derrors"
	"github.com/example/ride-dispatch/internal/models"
)

// RideStore is the persistence port for rides. Save is the linearization
// point for a transition: it persists the record only when the stored
// version still equals expectedVersion, otherwise fails with stale_version.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Load(ctx context.Context, id string) (*models.Ride, error)
	Save(ctx context.Context, r *models.Ride, expectedVersion int64) error
}

// SafetyStore persists safety events. CreateIfAbsent is the idempotency
// linearization point: at most one event is ever created per
// (submitter, key) pair, concurrent identical submissions included.
type SafetyStore interface {
	// CreateIfAbsent returns the stored event and whether this call
	// created it.
	CreateIfAbsent(ctx context.Context, ev *models.SafetyEvent) (*models.SafetyEvent, bool, error)
	Load(ctx context.Context, id string) (*models.SafetyEvent, error)
	Update(ctx context.Context, ev *models.SafetyEvent) error
}

// OfferLog records terminal match offers for audit. Best-effort; the
// matcher never blocks on it.
type OfferLog interface {
	Record(ctx context.Context, offer models.MatchOffer) error
}

type MemoryRideStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryRideStore() *MemoryRideStore {
	return &MemoryRideStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryRideStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return derrors.New(derrors.CodeConflict, "ride %s already exists", r.ID)
	}
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryRideStore) Load(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, derrors.ErrNotFound
	}
	out := r
	return &out, nil
}

func (m *MemoryRideStore) Save(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return derrors.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return derrors.ErrStaleVersion
	}
	m.rides[r.ID] = *r
	return nil
}

type MemorySafetyStore struct {
	mu     sync.Mutex
	events map[string]models.SafetyEvent
	byKey  map[string]string // submitter+"\x00"+key -> event id
}

func NewMemorySafetyStore() *MemorySafetyStore {
	return &MemorySafetyStore{
		events: make(map[string]models.SafetyEvent),
		byKey:  make(map[string]string),
	}
}

func dedupKey(submitterID, key string) string { return submitterID + "\x00" + key }

func (m *MemorySafetyStore) CreateIfAbsent(ctx context.Context, ev *models.SafetyEvent) (*models.SafetyEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[dedupKey(ev.SubmitterID, ev.IdempotencyKey)]; ok {
		existing := m.events[id]
		return &existing, false, nil
	}
	m.events[ev.ID] = *ev
	m.byKey[dedupKey(ev.SubmitterID, ev.IdempotencyKey)] = ev.ID
	out := *ev
	return &out, true, nil
}

func (m *MemorySafetyStore) Load(ctx context.Context, id string) (*models.SafetyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, derrors.ErrNotFound
	}
	out := ev
	return &out, nil
}

func (m *MemorySafetyStore) Update(ctx context.Context, ev *models.SafetyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		return derrors.ErrNotFound
	}
	m.events[ev.ID] = *ev
	return nil
}

type MemoryOfferLog struct {
	mu     sync.Mutex
	offers []models.MatchOffer
}

func NewMemoryOfferLog() *MemoryOfferLog { return &MemoryOfferLog{} }

func (m *MemoryOfferLog) Record(ctx context.Context, offer models.MatchOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, offer)
	return nil
}

// Offers returns a snapshot, used by tests.
func (m *MemoryOfferLog) Offers() []models.MatchOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MatchOffer, len(m.offers))
	copy(out, m.offers)
	return out
}
