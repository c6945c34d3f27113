package fare

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/routing"
)

// Pricing constants. One formula, one rate table.
const (
	BaseFare      = 2.5
	PerKmRate     = 1.5
	PerMinuteRate = 0.25

	// fallback duration heuristic when the routing provider is down
	fallbackMinPerKm = 2.0
)

var classMultiplier = map[models.RideClass]float64{
	models.ClassStandard: 1.0,
	models.ClassPremium:  1.5,
	models.ClassGroup:    1.8,
}

var minFare = map[models.RideClass]float64{
	models.ClassStandard: 5,
	models.ClassPremium:  10,
	models.ClassGroup:    15,
}

// MinFare exposes the floor for a class (standard for unknown classes).
func MinFare(class models.RideClass) float64 {
	if f, ok := minFare[class]; ok {
		return f
	}
	return minFare[models.ClassStandard]
}

// Quote is what the rider sees before requesting: route length, route time,
// and the fare they will be charged.
type Quote struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	Fare        float64 `json:"fare"`
	// Degraded is true when the provider was unreachable and the numbers are
	// straight-line estimates. Logged, never shown to the rider.
	Degraded bool `json:"-"`
}

// Estimator combines an external route with ride class pricing.
type Estimator struct {
	Provider routing.Provider
	Cache    *routing.Cache
	Logger   *slog.Logger
}

func NewEstimator(p routing.Provider, cache *routing.Cache, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{Provider: p, Cache: cache, Logger: logger}
}

// QuoteTrip prices a pickup/dropoff pair. Provider failures are absorbed:
// the straight-line fallback keeps the booking flow alive at reduced accuracy.
func (e *Estimator) QuoteTrip(ctx context.Context, pickup, dropoff models.Location, class models.RideClass) (Quote, error) {
	start := time.Now()
	defer func() {
		observability.FareQuoteSeconds.Observe(time.Since(start).Seconds())
	}()

	route, err := e.route(ctx, pickup, dropoff)
	q := Quote{DistanceKm: route.DistanceKm, DurationMin: route.DurationMin}
	if err != nil {
		q.DistanceKm = geo.DistanceKm(pickup, dropoff)
		q.DurationMin = math.Ceil(q.DistanceKm * fallbackMinPerKm)
		q.Degraded = true
		observability.RoutingFallbackTotal.Inc()
		e.Logger.Warn("routing provider unavailable, using straight-line estimate",
			"error", err, "distance_km", q.DistanceKm)
	}
	q.Fare = Fare(q.DistanceKm, q.DurationMin, class)
	return q, nil
}

func (e *Estimator) route(ctx context.Context, a, b models.Location) (routing.Route, error) {
	if e.Cache != nil {
		if r, ok := e.Cache.Get(a, b); ok {
			return r, nil
		}
	}
	if e.Provider == nil {
		return routing.Route{}, routing.ErrUnavailable
	}
	r, err := e.Provider.Route(ctx, a, b)
	if err != nil {
		return routing.Route{}, err
	}
	if e.Cache != nil {
		e.Cache.Set(a, b, r)
	}
	return r, nil
}

// Fare computes the class-aware fare with its per-class floor, rounded to
// two decimals.
func Fare(distanceKm, durationMin float64, class models.RideClass) float64 {
	mult, ok := classMultiplier[class]
	if !ok {
		mult = classMultiplier[models.ClassStandard]
	}
	f := (BaseFare + distanceKm*PerKmRate + durationMin*PerMinuteRate) * mult
	f = math.Max(MinFare(class), f)
	return math.Round(f*100) / 100
}

// ETAMinutes is the rider-facing arrival estimate: route duration plus the
// matched driver's drive to the pickup point, adjusted for the hour, ceiled.
func ETAMinutes(q Quote, driverToPickupKm float64, hour int) float64 {
	arrival := geo.AdjustForHour(geo.TravelMinutes(driverToPickupKm, geo.DefaultSpeedKmh), hour)
	return math.Ceil(q.DurationMin + arrival)
}
