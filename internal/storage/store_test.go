package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/derrors"
	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryRideStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRideStore()
	r := &models.Ride{ID: "r1", RiderID: "u1", Status: models.RideRequested, Version: 1}
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	upd := *r
	upd.Status = models.RideCanceled
	upd.Version = 2
	if err := s.Save(ctx, &upd, 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Second writer still holding version 1 must lose.
	if err := s.Save(ctx, &upd, 1); !errors.Is(err, derrors.ErrStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}
}

func TestMemoryRideStoreLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRideStore()
	_ = s.Create(ctx, &models.Ride{ID: "r1", Status: models.RideRequested, Version: 1})

	a, _ := s.Load(ctx, "r1")
	a.Status = models.RideCompleted
	b, _ := s.Load(ctx, "r1")
	if b.Status != models.RideRequested {
		t.Fatalf("store leaked internal state: %v", b.Status)
	}
}

func TestMemorySafetyStoreDedupUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySafetyStore()

	const n = 16
	var wg sync.WaitGroup
	created := make(chan bool, n)
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := &models.SafetyEvent{ID: "id-" + string(rune('a'+i)), SubmitterID: "u1", IdempotencyKey: "k1", Status: models.SafetyReported}
			got, ok, err := s.CreateIfAbsent(ctx, ev)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			created <- ok
			ids <- got.ID
		}(i)
	}
	wg.Wait()
	close(created)
	close(ids)

	wins := 0
	for ok := range created {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one creation, got %d", wins)
	}
	var first string
	for id := range ids {
		if first == "" {
			first = id
		} else if id != first {
			t.Fatalf("divergent event ids: %s vs %s", first, id)
		}
	}
}

func TestWithRetryBacksOffAndStops(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 failed attempts, got calls=%d err=%v", calls, err)
	}

	calls = 0
	err = WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on attempt 2, got calls=%d err=%v", calls, err)
	}
}
