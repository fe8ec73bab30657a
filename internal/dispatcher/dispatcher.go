// Package dispatcher runs the auction side of the contract net: it
// periodically announces tasks to the vehicle fleet, collects bids,
// awards each task to the cheapest bidder and tracks completion
// statistics for the run summary.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"fleet-dispatch/internal/eventlog"
	"fleet-dispatch/internal/models"
	"fleet-dispatch/internal/results"
	"fleet-dispatch/internal/scenario"
	"fleet-dispatch/internal/transport"
	"fleet-dispatch/internal/world"
)

// Defaults for a hand-configured (non-preset) run.
const (
	DefaultTaskPeriod       = 10 * time.Second
	DefaultBidWait          = 2 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultMaxRouteResample = 30
)

// onTimeEpsilonSec tolerates float jitter when a delivery lands exactly
// on its deadline.
const onTimeEpsilonSec = 1e-4

// TaskSink receives auction progress for the map viewer. A nil sink
// disables publishing.
type TaskSink interface {
	UpdateTask(task models.Task) error
	UpdateAward(taskID, winner string) error
	ClearTask() error
	AddDelivery(taskID, vehicle string, at models.LatLon, finishedTS, deadlineTS, distanceM float64) error
}

// Config parameterizes a dispatcher run.
type Config struct {
	ID       string
	Vehicles []string

	// Scenario names a load preset; when it resolves, the preset
	// overrides TaskPeriod and DeadlineRangeSec. Anything else is
	// reported as-is in the results row ("custom" by convention).
	Scenario string
	Seed     int64

	TaskPeriod time.Duration
	// DeadlineRangeSec bounds the uniform deadline slack draw, whole
	// seconds, inclusive.
	DeadlineRangeSec [2]int

	// BidWait is how long an auction stays open when not every vehicle
	// has responded.
	BidWait time.Duration

	// MaxTasks stops announcing after that many tasks; zero or negative
	// means unlimited.
	MaxTasks int
	// AutoStop ends the run once MaxTasks is reached and every awarded
	// task has completed.
	AutoStop bool

	// MaxRouteResample is how many sampling attempts one announce tick
	// may spend looking for a routable pickup/dropoff pair.
	MaxRouteResample int

	// PollInterval bounds how stale the award timeout check can get
	// when no messages arrive.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TaskPeriod <= 0 {
		c.TaskPeriod = DefaultTaskPeriod
	}
	if c.DeadlineRangeSec == [2]int{} {
		c.DeadlineRangeSec = [2]int{40, 90}
	}
	if c.BidWait <= 0 {
		c.BidWait = DefaultBidWait
	}
	if c.MaxRouteResample <= 0 {
		c.MaxRouteResample = DefaultMaxRouteResample
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Scenario == "" {
		c.Scenario = "custom"
	}
}

// Dispatcher is the auctioneer agent.
type Dispatcher struct {
	cfg    Config
	bus    transport.Transport
	world  *world.RoadWorld
	events eventlog.Logger
	sink   TaskSink
	clock  clockwork.Clock
	inbox  <-chan transport.Envelope
	runID  string
	preset *scenario.Scenario

	mu            sync.Mutex
	rng           *rand.Rand
	current       *models.Task
	bids          map[string]float64
	bidOrder      []string
	noBids        map[string]struct{}
	auctionOpenTS float64
	awardedTaskID string
	announceTS    map[string]float64
	completed     map[string]struct{}
	stats         models.Stats
	stopping      bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock injects the clock used for tickers and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// New registers the dispatcher on the bus. A nil world switches task
// generation to the fallback grid (random coordinates, no routes).
func New(cfg Config, bus transport.Transport, w *world.RoadWorld, events eventlog.Logger, sink TaskSink, opts ...Option) *Dispatcher {
	cfg.applyDefaults()

	d := &Dispatcher{
		cfg:        cfg,
		bus:        bus,
		world:      w,
		events:     events,
		sink:       sink,
		clock:      clockwork.NewRealClock(),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		bids:       map[string]float64{},
		noBids:     map[string]struct{}{},
		announceTS: map[string]float64{},
		completed:  map[string]struct{}{},
	}

	if preset, err := scenario.Lookup(cfg.Scenario); err == nil {
		d.preset = &preset
		d.cfg.TaskPeriod = time.Duration(preset.TaskPeriodSec) * time.Second
		d.cfg.DeadlineRangeSec = [2]int{preset.SlackMinSec, preset.SlackMaxSec}
	}

	for _, opt := range opts {
		opt(d)
	}
	d.inbox = bus.Register(cfg.ID)
	d.runID = strconv.FormatInt(d.clock.Now().Unix(), 10)
	return d
}

// RunID identifies this run in the results output.
func (d *Dispatcher) RunID() string { return d.runID }

// Run announces and settles auctions until ctx is canceled or the
// auto-stop condition is met. The first announce happens immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("[DISPATCH] Started as %s (scenario=%s, seed=%d)", d.cfg.ID, d.cfg.Scenario, d.cfg.Seed)
	if d.cfg.MaxTasks > 0 {
		log.Printf("[DISPATCH] max_tasks=%d | auto_stop=%t", d.cfg.MaxTasks, d.cfg.AutoStop)
	}
	if d.world != nil {
		log.Printf("[DISPATCH] Mode=ROAD (%d nodes)", d.world.NodeCount())
	} else {
		log.Printf("[DISPATCH] Mode=GRID (fallback coordinates)")
	}

	announce := d.clock.NewTicker(d.cfg.TaskPeriod)
	defer announce.Stop()
	poll := d.clock.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()

	d.announceTick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-announce.Chan():
			d.announceTick()
		case <-poll.Chan():
			d.maybeAward()
			if d.maybeAutoStop() {
				return nil
			}
		case env := <-d.inbox:
			d.handleEnvelope(env)
			d.maybeAward()
			if d.maybeAutoStop() {
				return nil
			}
		}
	}
}

// Stats returns a snapshot of the run counters.
func (d *Dispatcher) Stats() models.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// announceTick opens a new auction unless the budget is spent or the
// previous auction has not settled yet.
func (d *Dispatcher) announceTick() {
	d.mu.Lock()

	if d.cfg.MaxTasks > 0 && d.stats.TasksAnnounced >= d.cfg.MaxTasks {
		d.mu.Unlock()
		return
	}
	if d.current != nil && d.awardedTaskID != d.current.TaskID {
		d.mu.Unlock()
		return
	}

	now := d.now()
	taskID := fmt.Sprintf("T%d-%s", int64(now), uuid.NewString()[:6])

	var slackSec int
	if d.preset != nil {
		slackSec = d.preset.SampleDeadlineSlack(d.rng)
	} else {
		lo, hi := d.cfg.DeadlineRangeSec[0], d.cfg.DeadlineRangeSec[1]
		slackSec = lo + d.rng.Intn(hi-lo+1)
	}

	var task *models.Task
	if d.world != nil {
		task = d.sampleRoadTask(taskID, now, slackSec)
		if task == nil {
			d.mu.Unlock()
			log.Printf("[DISPATCH] WARNING: could not sample a routable task, skipping announce")
			d.events.Log(eventlog.EventRouteFail, eventlog.Fields{"task_id": taskID})
			return
		}
	} else {
		task = d.sampleGridTask(taskID, now, slackSec)
	}

	d.current = task
	d.bids = map[string]float64{}
	d.bidOrder = nil
	d.noBids = map[string]struct{}{}
	d.auctionOpenTS = now
	d.awardedTaskID = ""
	d.stats.TasksAnnounced++
	d.announceTS[taskID] = now
	announced := *task
	d.mu.Unlock()

	log.Printf("[DISPATCH] Announce %s | dist=%.0fm | deadline in %ds", taskID, announced.DistanceM, slackSec)
	d.events.Log(eventlog.EventAnnounce, eventlog.Fields{
		"task_id":     taskID,
		"pickup":      announced.PickupLatLon,
		"dropoff":     announced.DropoffLatLon,
		"deadline_ts": announced.DeadlineTS,
	})
	if d.sink != nil {
		if err := d.sink.UpdateTask(announced); err != nil {
			log.Printf("[DISPATCH] Viewer update_task failed: err=%v", err)
		}
	}

	for _, vjid := range d.cfg.Vehicles {
		d.send(vjid, models.IntentAnnounceTask, announced)
	}
}

// sampleRoadTask draws routable pickup/dropoff pairs until one has a
// finite positive distance and a usable route, up to the resample
// budget. Returns nil when the budget is exhausted. Caller holds d.mu.
func (d *Dispatcher) sampleRoadTask(taskID string, now float64, slackSec int) *models.Task {
	for try := 0; try < d.cfg.MaxRouteResample; try++ {
		pu, dv, err := d.world.SampleTaskNodes()
		if err != nil {
			continue
		}
		distanceM := d.world.DistM(pu, dv)
		if math.IsInf(distanceM, 0) || math.IsNaN(distanceM) || distanceM <= 0 {
			continue
		}
		route := d.world.PathLatLon(pu, dv)
		if len(route) < 2 {
			continue
		}
		pickup, err := d.world.NodeLatLon(pu)
		if err != nil {
			continue
		}
		dropoff, err := d.world.NodeLatLon(dv)
		if err != nil {
			continue
		}

		return &models.Task{
			TaskID:        taskID,
			ReleaseTS:     now,
			DeadlineTS:    now + float64(slackSec),
			PickupNode:    pu,
			DropoffNode:   dv,
			PickupLatLon:  &pickup,
			DropoffLatLon: &dropoff,
			RouteLatLon:   route,
			DistanceM:     distanceM,
			Size:          1,
		}
	}
	return nil
}

// sampleGridTask is the no-world fallback: random coordinates on a
// small grid, no route geometry. Caller holds d.mu.
func (d *Dispatcher) sampleGridTask(taskID string, now float64, slackSec int) *models.Task {
	pickup := models.LatLon{Lat: float64(d.rng.Intn(11)), Lon: float64(d.rng.Intn(11))}
	dropoff := models.LatLon{Lat: float64(d.rng.Intn(11)), Lon: float64(d.rng.Intn(11))}
	return &models.Task{
		TaskID:        taskID,
		ReleaseTS:     now,
		DeadlineTS:    now + float64(slackSec),
		PickupLatLon:  &pickup,
		DropoffLatLon: &dropoff,
		Size:          1,
	}
}

func (d *Dispatcher) handleEnvelope(env transport.Envelope) {
	d.mu.Lock()
	d.stats.MessagesReceived++
	d.mu.Unlock()

	if env.Ontology != models.Ontology {
		return
	}
	switch env.Intent {
	case models.IntentBid:
		d.handleBid(env)
	case models.IntentStatusUpdate:
		d.handleStatusUpdate(env)
	}
}

// handleBid records one vehicle's response to the open auction. Late
// or mismatched responses are dropped; a duplicate bid from the same
// vehicle overwrites its value but keeps its original tie-break rank.
// A bid whose value cannot be parsed to a finite number counts as a
// no-bid rather than poisoning the auction.
func (d *Dispatcher) handleBid(env transport.Envelope) {
	var raw struct {
		TaskID string          `json:"task_id"`
		NoBid  bool            `json:"no_bid"`
		Bid    json.RawMessage `json:"bid"`
	}
	if err := json.Unmarshal(env.Body, &raw); err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil || raw.TaskID != d.current.TaskID {
		return
	}
	sender := env.From
	taskID := d.current.TaskID

	if raw.NoBid {
		d.noBids[sender] = struct{}{}
		log.Printf("[DISPATCH] Got NO_BID from %s", sender)
		d.events.Log(eventlog.EventNoBid, eventlog.Fields{"task_id": taskID, "vehicle": sender})
		return
	}

	var value float64
	if err := json.Unmarshal(raw.Bid, &value); err != nil || math.IsInf(value, 0) || math.IsNaN(value) {
		d.noBids[sender] = struct{}{}
		log.Printf("[DISPATCH] Got invalid bid from %s -> NO_BID", sender)
		d.events.Log(eventlog.EventNoBid, eventlog.Fields{"task_id": taskID, "vehicle": sender})
		return
	}

	if _, seen := d.bids[sender]; !seen {
		d.bidOrder = append(d.bidOrder, sender)
	}
	d.bids[sender] = value
	log.Printf("[DISPATCH] Got bid %.2f from %s", value, sender)
	d.events.Log(eventlog.EventBid, eventlog.Fields{"task_id": taskID, "vehicle": sender, "bid": value})
}

// handleStatusUpdate accounts one completed task. Duplicate reports
// for the same task are ignored.
func (d *Dispatcher) handleStatusUpdate(env transport.Envelope) {
	var update models.StatusUpdate
	if err := json.Unmarshal(env.Body, &update); err != nil || update.TaskID == "" {
		return
	}

	d.mu.Lock()
	if _, done := d.completed[update.TaskID]; done {
		d.mu.Unlock()
		return
	}
	d.completed[update.TaskID] = struct{}{}

	lateness := update.FinishedTS - update.DeadlineTS
	if lateness < 0 {
		lateness = 0
	}
	status := "ON_TIME"
	d.stats.TasksCompleted++
	d.stats.TotalDistance += update.Distance
	d.stats.TotalLatenessAllSec += lateness
	if lateness <= onTimeEpsilonSec {
		d.stats.TasksOnTime++
	} else {
		d.stats.TasksLate++
		d.stats.TotalLatenessSec += lateness
		status = fmt.Sprintf("LATE(+%.1fs)", lateness)
	}
	d.mu.Unlock()

	log.Printf("[DISPATCH] DONE %s by %s | %s | dist=%.0f", update.TaskID, update.Vehicle, status, update.Distance)
	d.events.Log(eventlog.EventDone, eventlog.Fields{
		"task_id":     update.TaskID,
		"vehicle":     update.Vehicle,
		"finished_ts": update.FinishedTS,
		"deadline_ts": update.DeadlineTS,
		"distance":    update.Distance,
	})

	if d.sink != nil {
		if update.DeliveredLatLon != nil {
			if err := d.sink.AddDelivery(update.TaskID, update.Vehicle, *update.DeliveredLatLon,
				update.FinishedTS, update.DeadlineTS, update.Distance); err != nil {
				log.Printf("[DISPATCH] Viewer add_delivery failed: err=%v", err)
			}
		}
		if err := d.sink.ClearTask(); err != nil {
			log.Printf("[DISPATCH] Viewer clear_task failed: err=%v", err)
		}
	}
}

// maybeAward settles the open auction once every vehicle has responded
// or the bid window has elapsed. With no valid bids the task is
// dropped; otherwise the lowest bid wins, first received breaking
// ties.
func (d *Dispatcher) maybeAward() {
	d.mu.Lock()

	if d.current == nil || d.awardedTaskID == d.current.TaskID {
		d.mu.Unlock()
		return
	}
	taskID := d.current.TaskID

	allResponded := len(d.bids)+len(d.noBids) >= len(d.cfg.Vehicles)
	timedOut := d.auctionOpenTS > 0 && d.now()-d.auctionOpenTS >= d.cfg.BidWait.Seconds()
	if !allResponded && !timedOut {
		d.mu.Unlock()
		return
	}

	if len(d.bids) == 0 {
		d.awardedTaskID = taskID
		d.mu.Unlock()

		log.Printf("[DISPATCH] No valid bids for %s -> dropping task", taskID)
		d.events.Log(eventlog.EventNoBids, eventlog.Fields{"task_id": taskID})
		if d.sink != nil {
			if err := d.sink.ClearTask(); err != nil {
				log.Printf("[DISPATCH] Viewer clear_task failed: err=%v", err)
			}
		}
		return
	}

	winner := d.bidOrder[0]
	for _, vjid := range d.bidOrder[1:] {
		if d.bids[vjid] < d.bids[winner] {
			winner = vjid
		}
	}
	winBid := d.bids[winner]

	d.stats.TasksAwarded++
	if announceTS, ok := d.announceTS[taskID]; ok {
		d.stats.TotalAssignmentTimeSec += d.now() - announceTS
		d.stats.AssignmentSamples++
	}
	d.current.Winner = winner
	d.awardedTaskID = taskID
	awarded := *d.current
	losers := make([]string, 0, len(d.cfg.Vehicles))
	for _, vjid := range d.cfg.Vehicles {
		if vjid != winner {
			losers = append(losers, vjid)
		}
	}
	d.mu.Unlock()

	log.Printf("[DISPATCH] AWARD %s -> %s (bid=%.2f)", taskID, winner, winBid)
	d.events.Log(eventlog.EventAward, eventlog.Fields{"task_id": taskID, "winner": winner, "bid": winBid})
	if d.sink != nil {
		if err := d.sink.UpdateAward(taskID, winner); err != nil {
			log.Printf("[DISPATCH] Viewer update_award failed: err=%v", err)
		}
	}

	d.send(winner, models.IntentAward, awarded)
	for _, vjid := range losers {
		d.send(vjid, models.IntentReject, models.Reject{TaskID: taskID, Winner: winner, Bid: winBid})
	}
}

// maybeAutoStop reports true once the task budget is spent, the last
// auction is settled and nothing awarded is still in flight.
func (d *Dispatcher) maybeAutoStop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cfg.AutoStop || d.stopping || d.cfg.MaxTasks <= 0 {
		return false
	}
	if d.current != nil && d.awardedTaskID != d.current.TaskID {
		return false
	}
	if d.stats.TasksAnnounced >= d.cfg.MaxTasks && d.stats.Pending() <= 0 {
		d.stopping = true
		log.Printf("[DISPATCH] Auto-stop: max_tasks reached and no pending tasks")
		return true
	}
	return false
}

// ResultsRow summarizes the run for the results sinks.
func (d *Dispatcher) ResultsRow() results.Row {
	d.mu.Lock()
	s := d.stats
	d.mu.Unlock()

	row := results.Row{
		RunID:            d.runID,
		Scenario:         d.cfg.Scenario,
		Seed:             d.cfg.Seed,
		Vehicles:         len(d.cfg.Vehicles),
		TaskPeriodSec:    int(d.cfg.TaskPeriod / time.Second),
		DeadlineMinSec:   d.cfg.DeadlineRangeSec[0],
		DeadlineMaxSec:   d.cfg.DeadlineRangeSec[1],
		BidWaitSec:       d.cfg.BidWait.Seconds(),
		MaxTasks:         d.cfg.MaxTasks,
		TasksAnnounced:   s.TasksAnnounced,
		TasksAwarded:     s.TasksAwarded,
		TasksCompleted:   s.TasksCompleted,
		Pending:          s.Pending(),
		MessagesSent:     s.MessagesSent,
		MessagesReceived: s.MessagesReceived,
		TotalDistanceM:   s.TotalDistance,
	}
	if s.TasksCompleted > 0 {
		row.OnTimePct = float64(s.TasksOnTime) / float64(s.TasksCompleted) * 100
		row.LatePct = float64(s.TasksLate) / float64(s.TasksCompleted) * 100
		row.AvgLatenessAllSec = s.TotalLatenessAllSec / float64(s.TasksCompleted)
	}
	if s.TasksLate > 0 {
		row.AvgLatenessSec = s.TotalLatenessSec / float64(s.TasksLate)
	}
	if s.AssignmentSamples > 0 {
		row.AvgAssignmentTimeSec = s.TotalAssignmentTimeSec / float64(s.AssignmentSamples)
	}
	if s.TasksAnnounced > 0 {
		row.MessagesPerTask = float64(s.MessagesSent+s.MessagesReceived) / float64(s.TasksAnnounced)
	}
	return row
}

func (d *Dispatcher) now() float64 {
	return float64(d.clock.Now().UnixNano()) / 1e9
}

func (d *Dispatcher) send(to string, intent models.Intent, payload any) {
	env, err := transport.NewEnvelope(d.cfg.ID, to, intent, payload)
	if err == nil {
		err = d.bus.Send(env)
	}
	if err != nil {
		log.Printf("[DISPATCH] Send failed: to=%s intent=%s err=%v", to, intent, err)
		return
	}
	d.mu.Lock()
	d.stats.MessagesSent++
	d.mu.Unlock()
}
