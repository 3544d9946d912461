package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/derrors"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []struct {
		topic, typ string
		data       any
	}
}

func (f *fakeBroadcaster) Publish(topic, eventType string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, struct {
		topic, typ string
		data       any
	}{topic, eventType, data})
}

func (f *fakeBroadcaster) last() (string, string, any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return "", "", nil
	}
	e := f.events[len(f.events)-1]
	return e.topic, e.typ, e.data
}

type fakeCanceler struct {
	mu       sync.Mutex
	canceled []string
}

func (f *fakeCanceler) CancelRide(rideID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, rideID)
}

type fakeLedger struct {
	authorized, captured, refunded int
}

func (f *fakeLedger) Authorize(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	f.authorized++
	return "pi_test", nil
}
func (f *fakeLedger) Capture(ctx context.Context, ref string) error { f.captured++; return nil }
func (f *fakeLedger) Refund(ctx context.Context, ref string) error  { f.refunded++; return nil }

func newTestMachine() (*Machine, *fakeBroadcaster) {
	b := &fakeBroadcaster{}
	m := &Machine{
		Store:  storage.NewMemoryRideStore(),
		Events: b,
		Logger: logging.NewNop(),
	}
	return m, b
}

func TestCreateValidatesInput(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "", models.Coord{}, models.Coord{}); !errors.Is(err, derrors.ErrValidation) {
		t.Fatalf("expected validation error for empty rider, got %v", err)
	}
	if _, err := m.Create(ctx, "u1", models.Coord{Lat: 91}, models.Coord{}); !errors.Is(err, derrors.ErrValidation) {
		t.Fatalf("expected validation error for bad latitude, got %v", err)
	}

	r, err := m.Create(ctx, "u1", models.Coord{Lat: 47.60, Lon: -122.33}, models.Coord{Lat: 47.62, Lon: -122.35})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != models.RideRequested || r.Version != 1 {
		t.Fatalf("unexpected new ride %+v", r)
	}
	if r.FareEstimate <= 0 {
		t.Fatalf("expected fare estimate, got %f", r.FareEstimate)
	}
}

func TestTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to models.RideStatus
		ok       bool
	}{
		{models.RideRequested, models.RideAccepted, true},
		{models.RideRequested, models.RideCanceled, true},
		{models.RideRequested, models.RideInProgress, false},
		{models.RideAccepted, models.RideEnRoute, true},
		{models.RideEnRoute, models.RideInProgress, true},
		{models.RideInProgress, models.RideCompleted, true},
		{models.RideInProgress, models.RideCanceled, true},
		{models.RideCompleted, models.RideCanceled, false},
		{models.RideCanceled, models.RideAccepted, false},
		{models.RideAccepted, models.RideAccepted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransitionHappyPathEmitsEvent(t *testing.T) {
	m, b := newTestMachine()
	ctx := context.Background()
	r, _ := m.Create(ctx, "u1", models.Coord{Lat: 47.60, Lon: -122.33}, models.Coord{Lat: 47.62, Lon: -122.35})

	got, err := m.Transition(ctx, r.ID, 1, models.RideAccepted, Payload{DriverID: "d1"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != models.RideAccepted || got.Version != 2 || got.DriverID != "d1" {
		t.Fatalf("unexpected ride %+v", got)
	}
	topic, typ, data := b.last()
	if topic != models.RideTopic(r.ID) || typ != models.EventRideUpdated {
		t.Fatalf("unexpected event %s %s", topic, typ)
	}
	upd, ok := data.(models.RideUpdate)
	if !ok || upd.Status != models.RideAccepted {
		t.Fatalf("unexpected event payload %+v", data)
	}
}

func TestTransitionRejectsMissingDriver(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()
	r, _ := m.Create(ctx, "u1", models.Coord{}, models.Coord{Lat: 0.1, Lon: 0.1})

	if _, err := m.Transition(ctx, r.ID, 1, models.RideAccepted, Payload{}); !errors.Is(err, derrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDriverPresenceInvariant(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()
	r, _ := m.Create(ctx, "u1", models.Coord{}, models.Coord{Lat: 0.1, Lon: 0.1})

	r, _ = m.Transition(ctx, r.ID, 1, models.RideAccepted, Payload{DriverID: "d1"})
	r, err := m.Transition(ctx, r.ID, 2, models.RideCanceled, Payload{})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.DriverID != "" {
		t.Fatalf("canceled ride must not keep a driver id, got %q", r.DriverID)
	}
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()
	r, _ := m.Create(ctx, "u1", models.Coord{}, models.Coord{Lat: 0.1, Lon: 0.1})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Transition(ctx, r.ID, 1, models.RideAccepted, Payload{DriverID: "d1"})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := m.Cancel(ctx, r.ID, 1)
		errs <- err
	}()
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, derrors.ErrStaleVersion) && !errors.Is(err, derrors.ErrIllegalTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	got, _ := m.Get(ctx, r.ID)
	if got.Version != 2 {
		t.Fatalf("expected version 2 after single transition, got %d", got.Version)
	}
	if got.Status != models.RideAccepted && got.Status != models.RideCanceled {
		t.Fatalf("state outside the two attempted outcomes: %s", got.Status)
	}
}

func TestStaleVersionRejected(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()
	r, _ := m.Create(ctx, "u1", models.Coord{}, models.Coord{Lat: 0.1, Lon: 0.1})

	if _, err := m.Transition(ctx, r.ID, 7, models.RideCanceled, Payload{}); !errors.Is(err, derrors.ErrStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}
}

func TestCancelSignalsMatching(t *testing.T) {
	m, _ := newTestMachine()
	c := &fakeCanceler{}
	m.BindMatching(c)
	ctx := context.Background()
	r, _ := m.Create(ctx, "u1", models.Coord{}, models.Coord{Lat: 0.1, Lon: 0.1})

	if _, err := m.Cancel(ctx, r.ID, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(c.canceled) != 1 || c.canceled[0] != r.ID {
		t.Fatalf("matching engine not signaled: %v", c.canceled)
	}
}

func TestLedgerHooks(t *testing.T) {
	m, _ := newTestMachine()
	l := &fakeLedger{}
	m.Ledger = l
	ctx := context.Background()

	r, _ := m.Create(ctx, "u1", models.Coord{}, models.Coord{Lat: 0.1, Lon: 0.1})
	r, _ = m.Transition(ctx, r.ID, 1, models.RideAccepted, Payload{DriverID: "d1"})
	if l.authorized != 1 || r.PaymentRef == "" {
		t.Fatalf("expected authorization on accept, got %+v ref=%q", l, r.PaymentRef)
	}
	r, _ = m.Transition(ctx, r.ID, 2, models.RideEnRoute, Payload{})
	r, _ = m.Transition(ctx, r.ID, 3, models.RideInProgress, Payload{})
	if _, err := m.Transition(ctx, r.ID, 4, models.RideCompleted, Payload{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if l.captured != 1 {
		t.Fatalf("expected capture on completion, got %+v", l)
	}
}

// staleSaveStore fails the next n Saves with a version conflict, as if a
// concurrent writer got there first.
type staleSaveStore struct {
	storage.RideStore
	staleSaves int
}

func (s *staleSaveStore) Save(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	if s.staleSaves > 0 {
		s.staleSaves--
		return derrors.ErrStaleVersion
	}
	return s.RideStore.Save(ctx, r, expectedVersion)
}

func TestAcceptReleasesHoldWhenSaveLosesRace(t *testing.T) {
	m, _ := newTestMachine()
	m.Store = &staleSaveStore{RideStore: m.Store, staleSaves: 1}
	l := &fakeLedger{}
	m.Ledger = l
	ctx := context.Background()

	r, _ := m.Create(ctx, "u1", models.Coord{}, models.Coord{Lat: 0.1, Lon: 0.1})

	if _, err := m.Transition(ctx, r.ID, 1, models.RideAccepted, Payload{DriverID: "d1"}); !errors.Is(err, derrors.ErrStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}
	if l.authorized != 1 || l.refunded != 1 {
		t.Fatalf("hold must be released when the save fails, got %+v", l)
	}
	got, _ := m.Get(ctx, r.ID)
	if got.Status != models.RideRequested || got.PaymentRef != "" {
		t.Fatalf("ride must be untouched after the lost race, got %+v", got)
	}
}
