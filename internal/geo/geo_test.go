package geo

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearFiltersRadiusAndAvailability(t *testing.T) {
	g := NewIndex(time.Minute)
	g.Upsert(models.Driver{ID: "close", Loc: models.Coord{Lat: 47.601, Lon: -122.33}, Available: true})
	g.Upsert(models.Driver{ID: "far", Loc: models.Coord{Lat: 48.60, Lon: -122.33}, Available: true})
	g.Upsert(models.Driver{ID: "offline", Loc: models.Coord{Lat: 47.601, Lon: -122.33}, Available: false})

	got := g.Near(47.60, -122.33, 2000)
	if len(got) != 1 || got[0].ID != "close" {
		t.Fatalf("expected only close driver, got %v", got)
	}
}

func TestNearDropsStalePositions(t *testing.T) {
	g := NewIndex(time.Minute)
	base := time.Now()
	g.now = func() time.Time { return base }
	g.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 0, Lon: 0}, Available: true})

	g.now = func() time.Time { return base.Add(2 * time.Minute) }
	if got := g.Near(0, 0, 1000); len(got) != 0 {
		t.Fatalf("expected stale driver filtered, got %v", got)
	}
}

func TestNearOrdersByDistance(t *testing.T) {
	g := NewIndex(time.Minute)
	g.Upsert(models.Driver{ID: "b", Loc: models.Coord{Lat: 0.02, Lon: 0}, Available: true})
	g.Upsert(models.Driver{ID: "a", Loc: models.Coord{Lat: 0.01, Lon: 0}, Available: true})

	got := g.Near(0, 0, 10000)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected nearest-first ordering, got %v", got)
	}
}
