package world

import (
	"math"

	"fleet-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

// HaversineM returns the great-circle distance in meters between two
// lat/lon points.
func HaversineM(a, b models.LatLon) float64 {
	p1 := a.Lat * math.Pi / 180
	p2 := b.Lat * math.Pi / 180
	dlat := p2 - p1
	dlon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(p1)*math.Cos(p2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}
