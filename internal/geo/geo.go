package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points in km.
// Pure math: NaN in gives NaN out, callers validate coordinates upstream.
func DistanceKm(a, b models.Location) float64 {
	dLat := rad(b.Latitude - a.Latitude)
	dLon := rad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Latitude))*math.Cos(rad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func rad(deg float64) float64 { return deg * math.Pi / 180.0 }

// DefaultSpeedKmh is the assumed city driving speed when callers pass no
// explicit speed.
const DefaultSpeedKmh = 30.0

// departureBufferMin absorbs the driver's own departure and parking time.
// Deliberately pessimistic rather than measured.
const departureBufferMin = 5.0

// TravelMinutes is a linear drive-time estimate: distance over speed, rounded
// up to whole minutes, plus a fixed departure buffer.
func TravelMinutes(distanceKm, avgSpeedKmh float64) float64 {
	if avgSpeedKmh <= 0 {
		avgSpeedKmh = DefaultSpeedKmh
	}
	return math.Ceil(distanceKm/avgSpeedKmh*60) + departureBufferMin
}

// TimeOfDayMultiplier scales a duration estimate by hour of day: morning and
// evening rush slow trips down, midday moderately, late night speeds them up.
func TimeOfDayMultiplier(hour int) float64 {
	switch {
	case hour >= 7 && hour <= 9:
		return 1.3
	case hour >= 16 && hour <= 19:
		return 1.4
	case hour >= 12 && hour <= 14:
		return 1.2
	case hour >= 22 || hour <= 5:
		return 0.8
	default:
		return 1.0
	}
}

// AdjustForHour applies the hour multiplier and rounds up to the next whole
// minute.
func AdjustForHour(minutes float64, hour int) float64 {
	return math.Ceil(minutes * TimeOfDayMultiplier(hour))
}
