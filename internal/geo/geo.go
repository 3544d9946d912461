package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the minimal interface required by the matcher and handlers.
// Near returns available drivers with a fresh position inside radiusM
// meters of the given point, nearest first.
type Geo interface {
	Near(lat, lon, radiusM float64) []models.Driver
	Upsert(d models.Driver)
}

// Index is the in-memory implementation. Writes are last-writer-wins per
// driver id; reads are eventually consistent within the staleness window.
type Index struct {
	mu         sync.RWMutex
	drivers    map[string]models.Driver
	staleAfter time.Duration
	now        func() time.Time
}

func NewIndex(staleAfter time.Duration) *Index {
	return &Index{
		drivers:    make(map[string]models.Driver),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = g.now()
	g.drivers[d.ID] = d
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Near(lat, lon, radiusM float64) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	cutoff := g.now().Add(-g.staleAfter)
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available {
			continue
		}
		if g.staleAfter > 0 && d.Updated.Before(cutoff) {
			continue
		}
		dist := Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
