// Package safety owns safety events: exactly-once submission under client
// retries, and the escalation state machine.
package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/derrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Broadcaster receives safety.event.update events for fan-out.
type Broadcaster interface {
	Publish(topic, eventType string, data any)
}

// EscalationClock is the external trigger that escalates a Reported event
// nobody acknowledged in time. The core registers events with it but does
// not implement the policy.
type EscalationClock interface {
	// AfterReport schedules escalate to run if the event is still
	// unacknowledged when the policy window elapses.
	AfterReport(eventID string, escalate func())
}

// transitions is the escalation graph. Escalated self-loops so the level
// can keep rising.
var transitions = map[models.SafetyStatus][]models.SafetyStatus{
	models.SafetyReported:   {models.SafetyEscalated},
	models.SafetyEscalated:  {models.SafetyEscalated, models.SafetyResolved, models.SafetyFalseAlarm},
	models.SafetyResolved:   {},
	models.SafetyFalseAlarm: {},
}

func canTransition(from, to models.SafetyStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SubmitRequest is the client payload of a safety submission. Identical
// resubmissions (same submitter, same key, same payload) return the
// original event; the same key with a different payload is a conflict.
type SubmitRequest struct {
	RideID   string       `json:"ride_id,omitempty"`
	Location models.Coord `json:"location"`
	Message  string       `json:"message"`
}

func (r SubmitRequest) fingerprint() string {
	b, _ := json.Marshal(r)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type Service struct {
	Store  storage.SafetyStore
	Events Broadcaster
	Clock  EscalationClock // optional
	Logger *slog.Logger

	// mu serializes escalation transitions; submissions are serialized by
	// the store itself.
	mu  sync.Mutex
	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Submit applies a safety submission with at-most-once creation per
// (submitter, key). The bool result reports whether this call created the
// event.
func (s *Service) Submit(ctx context.Context, submitterID, idempotencyKey string, req SubmitRequest) (*models.SafetyEvent, bool, error) {
	if submitterID == "" {
		return nil, false, derrors.New(derrors.CodeValidation, "submitter id is required")
	}
	if idempotencyKey == "" {
		return nil, false, derrors.New(derrors.CodeValidation, "idempotency key is required")
	}
	if !req.Location.Valid() {
		return nil, false, derrors.New(derrors.CodeValidation, "location must be a valid coordinate")
	}

	now := s.clock()
	ev := &models.SafetyEvent{
		ID:             uuid.NewString(),
		RideID:         req.RideID,
		SubmitterID:    submitterID,
		IdempotencyKey: idempotencyKey,
		PayloadHash:    req.fingerprint(),
		Location:       req.Location,
		Message:        req.Message,
		Status:         models.SafetyReported,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := s.Store.CreateIfAbsent(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	if !created {
		if stored.PayloadHash != ev.PayloadHash {
			observability.SafetySubmissions.WithLabelValues("conflict").Inc()
			return nil, false, derrors.Wrap(derrors.ErrConflict, derrors.CodeConflict,
				"idempotency key %q was already used with a different payload", idempotencyKey)
		}
		observability.SafetySubmissions.WithLabelValues("duplicate").Inc()
		return stored, false, nil
	}

	observability.SafetySubmissions.WithLabelValues("created").Inc()
	s.publish(stored)
	if s.Clock != nil {
		id := stored.ID
		s.Clock.AfterReport(id, func() {
			if _, err := s.Escalate(context.Background(), id); err != nil {
				s.logError("timeout escalation failed", id, err)
			}
		})
	}
	return stored, true, nil
}

// Get loads a safety event by id.
func (s *Service) Get(ctx context.Context, id string) (*models.SafetyEvent, error) {
	return s.Store.Load(ctx, id)
}

// Escalate raises the event one level. The level only ever goes up.
func (s *Service) Escalate(ctx context.Context, id string) (*models.SafetyEvent, error) {
	return s.transition(ctx, id, models.SafetyEscalated, func(ev *models.SafetyEvent) {
		ev.EscalationLevel++
	})
}

// Assign attaches a responder to an escalated event.
func (s *Service) Assign(ctx context.Context, id, responder string) (*models.SafetyEvent, error) {
	if responder == "" {
		return nil, derrors.New(derrors.CodeValidation, "responder is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	ev.AssignedOps = responder
	ev.UpdatedAt = s.clock()
	if err := s.Store.Update(ctx, ev); err != nil {
		return nil, err
	}
	s.publish(ev)
	return ev, nil
}

// Resolve closes an escalated event as handled.
func (s *Service) Resolve(ctx context.Context, id string) (*models.SafetyEvent, error) {
	return s.transition(ctx, id, models.SafetyResolved, nil)
}

// MarkFalseAlarm closes an escalated event as a false alarm.
func (s *Service) MarkFalseAlarm(ctx context.Context, id string) (*models.SafetyEvent, error) {
	return s.transition(ctx, id, models.SafetyFalseAlarm, nil)
}

func (s *Service) transition(ctx context.Context, id string, target models.SafetyStatus, mutate func(*models.SafetyEvent)) (*models.SafetyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(ev.Status, target) {
		return nil, derrors.Wrap(derrors.ErrIllegalTransition, derrors.CodeIllegalTransition,
			"cannot move safety event %s from %s to %s", id, ev.Status, target)
	}
	ev.Status = target
	if mutate != nil {
		mutate(ev)
	}
	ev.UpdatedAt = s.clock()
	if err := s.Store.Update(ctx, ev); err != nil {
		return nil, err
	}
	s.publish(ev)
	return ev, nil
}

func (s *Service) publish(ev *models.SafetyEvent) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(models.SafetyTopic(ev.ID), models.EventSafetyUpdate, models.SafetyUpdate{
		EventID:         ev.ID,
		Status:          ev.Status,
		Message:         ev.Message,
		EscalationLevel: ev.EscalationLevel,
		AssignedOps:     ev.AssignedOps,
	})
}

func (s *Service) logError(msg, eventID string, err error) {
	if s.Logger != nil {
		s.Logger.Error(msg, "event_id", eventID, "error", err)
	}
}
