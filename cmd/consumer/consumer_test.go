package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	geoKey   string
	metaKey  string
	meta     map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	f.geoKey = key
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	f.metaKey = key
	f.meta = values
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	d := &models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Rating: 4.5, Available: true}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", d, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	d := &models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", d, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdateRedisWithRetry_WritesQueryableMeta(t *testing.T) {
	f := &fakeUpdater{}
	d := &models.Driver{ID: "d9", Loc: models.Coord{Lat: 47.6, Lon: -122.33}, Rating: 4.9, Available: true}
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", d, 1, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.geoKey != "drivers_geo" || f.metaKey != "driver:meta:d9" {
		t.Fatalf("unexpected keys geo=%q meta=%q", f.geoKey, f.metaKey)
	}
	for _, field := range []string{"rating", "available", "updated"} {
		if _, ok := f.meta[field]; !ok {
			t.Fatalf("meta missing %q: %v", field, f.meta)
		}
	}
}
