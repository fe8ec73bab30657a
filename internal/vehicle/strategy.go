package vehicle

import (
	"fmt"

	"fleet-dispatch/internal/models"
	"fleet-dispatch/internal/world"
)

// Strategy names a bidding policy.
type Strategy string

const (
	// StrategyNearest bids the straight-line trip length plus noise.
	StrategyNearest Strategy = "nearest"
	// StrategyMarginal bids the trip length penalized by the expected
	// deadline miss and the current queue depth.
	StrategyMarginal Strategy = "marginal"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyNearest, StrategyMarginal:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("vehicle: unknown strategy %q (want nearest or marginal)", s)
}

// BidInput is everything a bid computation looks at. Distances are
// meters, timestamps are unix seconds.
type BidInput struct {
	Now  float64
	Task models.Task

	Pos       models.LatLon
	BusyUntil float64
	QueueLen  int

	SpeedMPS           float64
	TrafficRange       [2]float64
	ServiceRange       [2]float64
	LatenessWeight     float64
	QueuePenaltyWeight float64

	// Noise breaks ties between otherwise identical vehicles; the
	// caller draws it from the vehicle RNG, uniform [0, 1).
	Noise float64
}

// tripMeters is the approach leg from the vehicle to the pickup plus
// the job leg. The job leg prefers the routed distance and falls back
// to haversine between the endpoints when routing produced nothing.
func (in BidInput) tripMeters() float64 {
	approach := 0.0
	if in.Task.PickupLatLon != nil {
		approach = world.HaversineM(in.Pos, *in.Task.PickupLatLon)
	}

	job := in.Task.DistanceM
	if job <= 0 && in.Task.PickupLatLon != nil && in.Task.DropoffLatLon != nil {
		job = world.HaversineM(*in.Task.PickupLatLon, *in.Task.DropoffLatLon)
	}
	if job < 0 {
		job = 0
	}
	return approach + job
}

// expectedJobSec estimates one job's duration at the mean traffic and
// service draw.
func (in BidInput) expectedJobSec(tripM float64) float64 {
	meanTraffic := (in.TrafficRange[0] + in.TrafficRange[1]) / 2
	meanService := (in.ServiceRange[0] + in.ServiceRange[1]) / 2
	speed := in.SpeedMPS
	if speed < 0.001 {
		speed = 0.001
	}
	return tripM/speed*meanTraffic + meanService
}

// Bid computes the bid value for this strategy. Unknown strategies
// behave like nearest.
func (s Strategy) Bid(in BidInput) float64 {
	trip := in.tripMeters()
	if s != StrategyMarginal {
		return trip + in.Noise
	}

	availableAt := in.Now
	if in.BusyUntil > availableAt {
		availableAt = in.BusyUntil
	}

	oneJob := in.expectedJobSec(trip)
	etaFinish := availableAt + float64(in.QueueLen)*oneJob + oneJob
	lateness := etaFinish - in.Task.DeadlineTS
	if lateness < 0 {
		lateness = 0
	}

	return trip +
		in.LatenessWeight*lateness +
		in.QueuePenaltyWeight*float64(in.QueueLen) +
		in.Noise
}
