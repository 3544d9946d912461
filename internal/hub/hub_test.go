package hub

import (
	"testing"
	"time"
)

func drain(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := New(4)
	a := h.NewSession()
	b := h.NewSession()
	h.Subscribe(a, "ride:R1")
	h.Subscribe(b, "ride:R1")

	h.Publish("ride:R1", "ride.updated", map[string]string{"status": "Accepted"})

	for _, s := range []*Session{a, b} {
		ev := drain(t, s)
		if ev.Type != "ride.updated" || ev.Topic != "ride:R1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := New(4)
	s := h.NewSession()
	h.Subscribe(s, "ride:R1")
	h.Subscribe(s, "ride:R1")

	h.Publish("ride:R1", "ride.updated", nil)

	drain(t, s)
	select {
	case ev := <-s.Events():
		t.Fatalf("double subscription delivered twice: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(4)
	s := h.NewSession()
	h.Subscribe(s, "ride:R1")
	h.Unsubscribe(s, "ride:R1")
	h.Unsubscribe(s, "ride:R1") // no-op

	h.Publish("ride:R1", "ride.updated", nil)
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected delivery after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowConsumerIsDroppedOthersKeepReceiving(t *testing.T) {
	h := New(2)
	slow := h.NewSession()
	fast := h.NewSession()
	h.Subscribe(slow, "ride:R1")
	h.Subscribe(fast, "ride:R1")

	// Saturate the slow session's queue; nobody drains it.
	for i := 0; i < 5; i++ {
		h.Publish("ride:R1", "ride.updated", i)
		// Keep the fast session drained so only slow overflows.
		drain(t, fast)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow session was not disconnected")
	}
	if h.SubscriberCount("ride:R1") != 1 {
		t.Fatalf("expected one remaining subscriber, got %d", h.SubscriberCount("ride:R1"))
	}

	h.Publish("ride:R1", "ride.updated", "after")
	if ev := drain(t, fast); ev.Data != "after" {
		t.Fatalf("fast subscriber missed event after drop: %+v", ev)
	}
}

func TestCloseDetachesFromAllTopics(t *testing.T) {
	h := New(4)
	s := h.NewSession()
	h.Subscribe(s, "ride:R1")
	h.Subscribe(s, "safety:E1")
	s.Close()
	s.Close() // idempotent

	if h.SubscriberCount("ride:R1") != 0 || h.SubscriberCount("safety:E1") != 0 {
		t.Fatal("closed session still subscribed")
	}
}
