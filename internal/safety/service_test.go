package safety

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

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []models.SafetyUpdate
}

func (r *recordingBroadcaster) Publish(topic, eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if upd, ok := data.(models.SafetyUpdate); ok {
		r.events = append(r.events, upd)
	}
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// manualClock collects scheduled escalations so the test can fire them.
type manualClock struct {
	mu      sync.Mutex
	pending map[string]func()
}

func (c *manualClock) AfterReport(eventID string, escalate func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = make(map[string]func())
	}
	c.pending[eventID] = escalate
}

func (c *manualClock) fire(eventID string) {
	c.mu.Lock()
	fn := c.pending[eventID]
	delete(c.pending, eventID)
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func newTestService() (*Service, *recordingBroadcaster) {
	b := &recordingBroadcaster{}
	return &Service{
		Store:  storage.NewMemorySafetyStore(),
		Events: b,
		Logger: logging.NewNop(),
	}, b
}

var validReq = SubmitRequest{Location: models.Coord{Lat: 47.6, Lon: -122.33}, Message: "help"}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	if _, _, err := s.Submit(ctx, "", "k1", validReq); !errors.Is(err, derrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, _, err := s.Submit(ctx, "u1", "", validReq); !errors.Is(err, derrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	bad := validReq
	bad.Location.Lat = 99
	if _, _, err := s.Submit(ctx, "u1", "k1", bad); !errors.Is(err, derrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitDuplicateReturnsOriginal(t *testing.T) {
	s, b := newTestService()
	ctx := context.Background()

	first, created, err := s.Submit(ctx, "u1", "k1", validReq)
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	if first.Status != models.SafetyReported || first.EscalationLevel != 0 {
		t.Fatalf("unexpected new event %+v", first)
	}

	second, created, err := s.Submit(ctx, "u1", "k1", validReq)
	if err != nil || created {
		t.Fatalf("second submit: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned a different event: %s vs %s", second.ID, first.ID)
	}
	if second.EscalationLevel != first.EscalationLevel {
		t.Fatal("duplicate submission changed escalation level")
	}
	// Only the creation publishes.
	if b.count() != 1 {
		t.Fatalf("expected 1 published event, got %d", b.count())
	}
}

func TestSubmitSameKeyDifferentPayloadConflicts(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	if _, _, err := s.Submit(ctx, "u1", "k1", validReq); err != nil {
		t.Fatalf("submit: %v", err)
	}
	other := validReq
	other.Message = "different"
	if _, _, err := s.Submit(ctx, "u1", "k1", other); !errors.Is(err, derrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSameKeyDifferentSubmittersAreIndependent(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	a, _, _ := s.Submit(ctx, "u1", "k1", validReq)
	b, created, err := s.Submit(ctx, "u2", "k1", validReq)
	if err != nil || !created {
		t.Fatalf("submit for second submitter: created=%v err=%v", created, err)
	}
	if a.ID == b.ID {
		t.Fatal("keys must be scoped per submitter")
	}
}

func TestConcurrentSubmitSingleCreation(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	const n = 12
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.Submit(ctx, "u1", "k1", validReq)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	creations := 0
	for c := range results {
		if c {
			creations++
		}
	}
	if creations != 1 {
		t.Fatalf("expected exactly one creation, got %d", creations)
	}
}

func TestEscalationMachine(t *testing.T) {
	s, b := newTestService()
	ctx := context.Background()
	ev, _, _ := s.Submit(ctx, "u1", "k1", validReq)

	// Resolving straight from Reported is not an edge of the graph.
	if _, err := s.Resolve(ctx, ev.ID); !errors.Is(err, derrors.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}

	ev, err := s.Escalate(ctx, ev.ID)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if ev.Status != models.SafetyEscalated || ev.EscalationLevel != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
	// Level is monotonic across repeated escalations.
	ev, _ = s.Escalate(ctx, ev.ID)
	if ev.EscalationLevel != 2 {
		t.Fatalf("expected level 2, got %d", ev.EscalationLevel)
	}

	ev, _ = s.Assign(ctx, ev.ID, "ops-7")
	if ev.AssignedOps != "ops-7" {
		t.Fatalf("assign failed: %+v", ev)
	}

	ev, err = s.Resolve(ctx, ev.ID)
	if err != nil || ev.Status != models.SafetyResolved {
		t.Fatalf("resolve: %v %+v", err, ev)
	}
	// Terminal: no further moves.
	if _, err := s.Escalate(ctx, ev.ID); !errors.Is(err, derrors.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition from Resolved, got %v", err)
	}

	// Reported + 2 escalations + assign + resolve all published.
	if b.count() != 5 {
		t.Fatalf("expected 5 published updates, got %d", b.count())
	}
}

func TestFalseAlarmPath(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()
	ev, _, _ := s.Submit(ctx, "u1", "k1", validReq)
	ev, _ = s.Escalate(ctx, ev.ID)
	ev, err := s.MarkFalseAlarm(ctx, ev.ID)
	if err != nil || ev.Status != models.SafetyFalseAlarm {
		t.Fatalf("false alarm: %v %+v", err, ev)
	}
}

func TestEscalationClockTrigger(t *testing.T) {
	s, _ := newTestService()
	clock := &manualClock{}
	s.Clock = clock
	ctx := context.Background()

	ev, _, _ := s.Submit(ctx, "u1", "k1", validReq)
	clock.fire(ev.ID)

	got, _ := s.Get(ctx, ev.ID)
	if got.Status != models.SafetyEscalated || got.EscalationLevel != 1 {
		t.Fatalf("clock trigger did not escalate: %+v", got)
	}
}
