package candidates

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Default discovery radii. Policy constants, overridable through config:
// riders see a tighter circle than drivers browsing for work.
const (
	DefaultRiderRadiusKm  = 10.0
	DefaultDriverRadiusKm = 15.0
)

// Presence is the slice of the presence store the selector needs.
type Presence interface {
	Snapshot(ctx context.Context) ([]models.DriverPresence, error)
}

// Selector turns "all drivers" into "drivers worth offering this ride to".
type Selector struct {
	Presence Presence
	// MaxAge drops presence rows whose last update is older than this.
	// Zero disables the freshness check.
	MaxAge time.Duration
	// Now is swappable for tests.
	Now func() time.Time
}

func NewSelector(p Presence, maxAge time.Duration) *Selector {
	return &Selector{Presence: p, MaxAge: maxAge, Now: time.Now}
}

// FindCandidates returns eligible drivers within maxRadiusKm of pickup,
// closest first. An empty result is a normal outcome, not an error.
func (s *Selector) FindCandidates(ctx context.Context, pickup models.Location, maxRadiusKm float64) ([]models.CandidateDriver, error) {
	snap, err := s.Presence.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	out := make([]models.CandidateDriver, 0, len(snap))
	for _, d := range snap {
		if !d.Online || !d.Verified || d.LastLocation == nil {
			continue
		}
		if s.MaxAge > 0 && now.Sub(d.UpdatedAt) > s.MaxAge {
			continue
		}
		dist := geo.DistanceKm(pickup, *d.LastLocation)
		if dist > maxRadiusKm {
			continue
		}
		out = append(out, models.CandidateDriver{Driver: d, DistanceKm: dist})
	}
	// stable: equal distances keep snapshot order, UI allows manual override
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// Nearest returns the closest candidate or nil. This is the default
// auto-selection shown to a rider before an explicit choice.
func Nearest(cands []models.CandidateDriver) *models.CandidateDriver {
	if len(cands) == 0 {
		return nil
	}
	return &cands[0]
}
