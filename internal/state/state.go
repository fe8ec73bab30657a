package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"

	"fleet-dispatch/internal/models"
)

// onTimeEpsilonSec tolerates float jitter when a delivery lands exactly
// on its deadline.
const onTimeEpsilonSec = 1e-4

// DefaultMaxDeliveries bounds the deliveries history kept in the state
// file; older entries are discarded.
const DefaultMaxDeliveries = 500

// Store maintains the viewer-facing state JSON. Every mutation is a
// full read-modify-write under a lock, with an atomic rename so readers
// never observe a half-written file.
type Store struct {
	mu            sync.Mutex
	path          string
	maxDeliveries int
	clock         clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithMaxDeliveries overrides the deliveries history bound. Zero or
// negative keeps the history unbounded.
func WithMaxDeliveries(n int) Option {
	return func(s *Store) { s.maxDeliveries = n }
}

// WithClock injects the clock used for updated_ts stamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates a state store writing to path. The file is created
// lazily on first mutation.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:          path,
		maxDeliveries: DefaultMaxDeliveries,
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TaskView is the task as the viewer sees it: the wire task plus alias
// fields the map frontend reads directly.
type TaskView struct {
	models.Task
	Pickup   *models.LatLon  `json:"pickup,omitempty"`
	Dropoff  *models.LatLon  `json:"dropoff,omitempty"`
	Route    []models.LatLon `json:"route,omitempty"`
	Distance float64         `json:"distance"`
}

// VehicleView is one vehicle marker.
type VehicleView struct {
	JID       string        `json:"jid"`
	Pos       models.LatLon `json:"pos"`
	Lat       float64       `json:"lat"`
	Lon       float64       `json:"lon"`
	Busy      bool          `json:"busy"`
	TaskID    string        `json:"task_id"`
	Queue     []string      `json:"queue"`
	QueueLen  int           `json:"queue_len"`
	UpdatedTS float64       `json:"updated_ts"`
}

// Delivery is one completed drop recorded for the viewer history.
type Delivery struct {
	TaskID      string        `json:"task_id"`
	Vehicle     string        `json:"vehicle"`
	Lat         float64       `json:"lat"`
	Lon         float64       `json:"lon"`
	Pos         models.LatLon `json:"pos"`
	FinishedTS  float64       `json:"finished_ts"`
	DeadlineTS  float64       `json:"deadline_ts"`
	LatenessSec float64       `json:"lateness_sec"`
	OnTime      bool          `json:"on_time"`
	DistanceM   float64       `json:"distance_m"`
}

// Assignment is one settled auction in the assigned history.
type Assignment struct {
	TaskID    string  `json:"task_id"`
	Winner    string  `json:"winner"`
	AwardedTS float64 `json:"awarded_ts"`
}

// Document is the full state file.
type Document struct {
	UpdatedTS     float64                `json:"updated_ts"`
	Task          *TaskView              `json:"task"`
	Vehicles      []VehicleView          `json:"vehicles"`
	VehiclesByJID map[string]VehicleView `json:"vehicles_by_jid"`
	Deliveries    []Delivery             `json:"deliveries"`
	Assigned      []Assignment           `json:"assigned"`
}

// UpdateTask publishes the currently announced task.
func (s *Store) UpdateTask(task models.Task) error {
	return s.mutate(func(doc *Document) {
		doc.Task = newTaskView(task)
	})
}

// UpdateAward stamps the winner onto the published task and records
// the assignment. A stale task_id is ignored so a late award cannot
// overwrite a newer task.
func (s *Store) UpdateAward(taskID, winner string) error {
	return s.mutate(func(doc *Document) {
		if doc.Task == nil || doc.Task.TaskID != taskID {
			return
		}
		doc.Task.Winner = winner
		doc.Assigned = append(doc.Assigned, Assignment{
			TaskID:    taskID,
			Winner:    winner,
			AwardedTS: s.nowTS(),
		})
	})
}

// Reset replaces the state file with an empty document, the way a run
// starts from a clean slate.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveUnlocked(Document{
		UpdatedTS:     s.nowTS(),
		Vehicles:      []VehicleView{},
		VehiclesByJID: map[string]VehicleView{},
		Deliveries:    []Delivery{},
		Assigned:      []Assignment{},
	})
}

// ClearTask removes the published task once it is settled.
func (s *Store) ClearTask() error {
	return s.mutate(func(doc *Document) {
		doc.Task = nil
	})
}

// UpdateVehicle upserts one vehicle marker, keeping the list and the
// by-JID map consistent.
func (s *Store) UpdateVehicle(jid string, pos models.LatLon, busy bool, taskID string, queue []string) error {
	return s.mutate(func(doc *Document) {
		q := make([]string, len(queue))
		copy(q, queue)
		view := VehicleView{
			JID:       jid,
			Pos:       pos,
			Lat:       pos.Lat,
			Lon:       pos.Lon,
			Busy:      busy,
			TaskID:    taskID,
			Queue:     q,
			QueueLen:  len(q),
			UpdatedTS: s.nowTS(),
		}

		replaced := false
		for i := range doc.Vehicles {
			if doc.Vehicles[i].JID == jid {
				doc.Vehicles[i] = view
				replaced = true
				break
			}
		}
		if !replaced {
			doc.Vehicles = append(doc.Vehicles, view)
		}
		doc.VehiclesByJID[jid] = view
	})
}

// AddDelivery appends one completed delivery, trimming the history to
// the configured bound.
func (s *Store) AddDelivery(taskID, vehicle string, at models.LatLon, finishedTS, deadlineTS, distanceM float64) error {
	lateness := finishedTS - deadlineTS
	if lateness < 0 {
		lateness = 0
	}
	return s.mutate(func(doc *Document) {
		doc.Deliveries = append(doc.Deliveries, Delivery{
			TaskID:      taskID,
			Vehicle:     vehicle,
			Lat:         at.Lat,
			Lon:         at.Lon,
			Pos:         at,
			FinishedTS:  finishedTS,
			DeadlineTS:  deadlineTS,
			LatenessSec: lateness,
			OnTime:      lateness <= onTimeEpsilonSec,
			DistanceM:   distanceM,
		})
		if s.maxDeliveries > 0 && len(doc.Deliveries) > s.maxDeliveries {
			doc.Deliveries = doc.Deliveries[len(doc.Deliveries)-s.maxDeliveries:]
		}
	})
}

// Read returns the current document, or an empty one when the file does
// not exist yet.
func (s *Store) Read() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUnlocked()
}

func (s *Store) mutate(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadUnlocked()
	if err != nil {
		return err
	}
	fn(&doc)
	doc.UpdatedTS = s.nowTS()
	return s.saveUnlocked(doc)
}

func (s *Store) loadUnlocked() (Document, error) {
	doc := Document{
		Vehicles:      []VehicleView{},
		VehiclesByJID: map[string]VehicleView{},
		Deliveries:    []Delivery{},
		Assigned:      []Assignment{},
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("state: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt file is replaced on the next write rather than
		// wedging the whole simulation.
		return Document{
			Vehicles:      []VehicleView{},
			VehiclesByJID: map[string]VehicleView{},
			Deliveries:    []Delivery{},
			Assigned:      []Assignment{},
		}, nil
	}
	if doc.Vehicles == nil {
		doc.Vehicles = []VehicleView{}
	}
	if doc.VehiclesByJID == nil {
		doc.VehiclesByJID = map[string]VehicleView{}
	}
	if doc.Deliveries == nil {
		doc.Deliveries = []Delivery{}
	}
	if doc.Assigned == nil {
		doc.Assigned = []Assignment{}
	}
	return doc, nil
}

// saveUnlocked writes to a temp file in the target directory and
// renames it into place, so a crash mid-write leaves the previous
// state intact.
func (s *Store) saveUnlocked(doc Document) error {
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: mkdir %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "state_*.json")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: rename into place: %w", err)
	}
	return nil
}

func (s *Store) nowTS() float64 {
	return float64(s.clock.Now().UnixNano()) / 1e9
}

func newTaskView(task models.Task) *TaskView {
	view := &TaskView{Task: task, Distance: task.DistanceM}
	if task.PickupLatLon != nil {
		p := *task.PickupLatLon
		view.Pickup = &p
	}
	if task.DropoffLatLon != nil {
		p := *task.DropoffLatLon
		view.Dropoff = &p
	}
	if len(task.RouteLatLon) > 0 {
		view.Route = append([]models.LatLon(nil), task.RouteLatLon...)
	}
	return view
}
