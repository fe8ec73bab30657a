package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// Ontology tags every message exchanged between the dispatcher and the
// vehicle agents. Messages carrying any other ontology are ignored.
const Ontology = "dispatch_auction"

// Intent identifies the message kind on the auction protocol.
type Intent string

const (
	IntentAnnounceTask Intent = "announce_task"
	IntentBid          Intent = "bid"
	IntentAward        Intent = "award"
	IntentReject       Intent = "reject"
	IntentStatusUpdate Intent = "status_update"
)

// LatLon is a geographic point. On the wire it is a two-element JSON
// array [lat, lon], matching the route and position payloads.
type LatLon struct {
	Lat float64
	Lon float64
}

func (p LatLon) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lat, p.Lon})
}

func (p *LatLon) UnmarshalJSON(data []byte) error {
	var arr [2]float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("latlon must be a [lat, lon] pair: %w", err)
	}
	p.Lat = arr[0]
	p.Lon = arr[1]
	return nil
}

// Task is a delivery job on the road graph. It is immutable once
// announced; only Winner is set later, on award.
type Task struct {
	TaskID     string  `json:"task_id"`
	ReleaseTS  float64 `json:"release_ts"`
	DeadlineTS float64 `json:"deadline_ts"`

	PickupNode    string  `json:"pickup_node,omitempty"`
	DropoffNode   string  `json:"dropoff_node,omitempty"`
	PickupLatLon  *LatLon `json:"pickup_latlon,omitempty"`
	DropoffLatLon *LatLon `json:"dropoff_latlon,omitempty"`

	// RouteLatLon is the shortest road path pickup->dropoff. When
	// present it has at least two points: first is the pickup, last is
	// the dropoff.
	RouteLatLon []LatLon `json:"route_latlon,omitempty"`
	DistanceM   float64  `json:"distance_m,omitempty"`

	Size   int    `json:"size"`
	Winner string `json:"winner,omitempty"`
}

// RouteValid reports whether the task carries a usable road route:
// at least two route points and a finite, strictly positive distance.
// The dispatcher never announces a road task that fails this check.
func (t *Task) RouteValid() bool {
	if len(t.RouteLatLon) < 2 {
		return false
	}
	return t.DistanceM > 0 && !math.IsInf(t.DistanceM, 0) && !math.IsNaN(t.DistanceM)
}

// Bid is a vehicle's reply to an announcement. Exactly one of Bid or
// NoBid is meaningful: a nil Bid or NoBid=true is a refusal.
type Bid struct {
	TaskID string   `json:"task_id"`
	Bid    *float64 `json:"bid,omitempty"`
	NoBid  bool     `json:"no_bid,omitempty"`
}

// Value returns the numeric bid and whether it is a valid finite offer.
func (b *Bid) Value() (float64, bool) {
	if b.NoBid || b.Bid == nil {
		return 0, false
	}
	v := *b.Bid
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Reject notifies a losing bidder of the auction outcome.
type Reject struct {
	TaskID string  `json:"task_id"`
	Winner string  `json:"winner"`
	Bid    float64 `json:"bid"`
}

// StatusUpdate is sent by the winning vehicle exactly once per task
// when the delivery finishes (or short-circuits with no route).
type StatusUpdate struct {
	TaskID          string  `json:"task_id"`
	Vehicle         string  `json:"vehicle"`
	FinishedTS      float64 `json:"finished_ts"`
	DeadlineTS      float64 `json:"deadline_ts"`
	Distance        float64 `json:"distance"`
	DeliveredLatLon *LatLon `json:"delivered_latlon,omitempty"`
}

// Stats are the dispatcher's aggregate counters for one run.
type Stats struct {
	TasksAnnounced int
	TasksAwarded   int
	TasksCompleted int

	TasksOnTime int
	TasksLate   int

	// TotalLatenessSec sums lateness over late tasks only;
	// TotalLatenessAllSec sums it over every completed task.
	TotalLatenessSec    float64
	TotalLatenessAllSec float64
	TotalDistance       float64

	TotalAssignmentTimeSec float64
	AssignmentSamples      int

	MessagesSent     int
	MessagesReceived int
}

// Pending is the number of awarded tasks not yet completed.
func (s *Stats) Pending() int {
	return s.TasksAwarded - s.TasksCompleted
}
