package routing

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrUnavailable means the routing provider could not produce a route.
// Callers recover locally with a straight-line estimate; this never reaches
// the end user.
var ErrUnavailable = errors.New("routing provider unavailable")

// Route is a road-network shortest path result.
type Route struct {
	DistanceKm  float64
	DurationMin float64
	Polyline    string
}

// Provider produces road-network routes between two points.
type Provider interface {
	Route(ctx context.Context, start, end models.Location) (Route, error)
}
