// Package vehicle implements the bidding and task-execution agent. A
// vehicle listens for auction announcements, bids according to its
// strategy when it has capacity, and works its queue of won tasks one
// at a time, replaying the route geometry for the map viewer.
package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-dispatch/internal/eventlog"
	"fleet-dispatch/internal/models"
	"fleet-dispatch/internal/transport"
	"fleet-dispatch/internal/world"
)

// Defaults mirroring the usual simulation setup.
const (
	DefaultCapacity           = 3
	DefaultSpeedMPS           = 8.0
	DefaultLatenessWeight     = 5.0
	DefaultQueuePenaltyWeight = 1.0
	DefaultAnimatePickupSec   = 2.5
	DefaultViewerEveryN       = 4
)

// animateSteps is the number of interpolation points for the approach
// animation.
const animateSteps = 12

// maxRouteSteps caps how many waypoints of the job route are replayed.
const maxRouteSteps = 30

// idlePoll is how often an idle worker rechecks its queue.
const idlePoll = 200 * time.Millisecond

// StateSink receives vehicle marker updates for the viewer. A nil sink
// disables publishing.
type StateSink interface {
	UpdateVehicle(jid string, pos models.LatLon, busy bool, taskID string, queue []string) error
}

// Config parameterizes one vehicle agent.
type Config struct {
	ID           string
	DispatcherID string
	StartPos     models.LatLon

	Capacity int
	SpeedMPS float64
	Strategy Strategy
	Seed     int64

	// TrafficRange and ServiceRange are uniform draw bounds: traffic is
	// a slowdown multiplier, service is the handover pause in seconds.
	TrafficRange [2]float64
	ServiceRange [2]float64

	LatenessWeight     float64
	QueuePenaltyWeight float64

	// AnimatePickupSec caps the wall time spent animating the approach
	// leg; zero jumps straight to the pickup.
	AnimatePickupSec float64
	// ViewerEveryN thins route waypoint publishes to every Nth point.
	ViewerEveryN int
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.SpeedMPS <= 0 {
		c.SpeedMPS = DefaultSpeedMPS
	}
	if c.Strategy == "" {
		c.Strategy = StrategyNearest
	}
	if c.TrafficRange == [2]float64{} {
		c.TrafficRange = [2]float64{0.9, 1.6}
	}
	if c.ServiceRange == [2]float64{} {
		c.ServiceRange = [2]float64{1.0, 3.0}
	}
	if c.LatenessWeight == 0 {
		c.LatenessWeight = DefaultLatenessWeight
	}
	if c.QueuePenaltyWeight == 0 {
		c.QueuePenaltyWeight = DefaultQueuePenaltyWeight
	}
	if c.ViewerEveryN <= 0 {
		c.ViewerEveryN = DefaultViewerEveryN
	}
}

// DeriveSeed combines the shared run seed with a stable per-vehicle
// salt so vehicles draw independent but reproducible randomness.
func DeriveSeed(base int64, id string) int64 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return base*10_000 + int64(h.Sum32()%10_000)
}

// Agent is one vehicle.
type Agent struct {
	cfg    Config
	bus    transport.Transport
	events eventlog.Logger
	sink   StateSink
	clock  clockwork.Clock
	inbox  <-chan transport.Envelope

	mu        sync.Mutex
	rng       *rand.Rand
	pos       models.LatLon
	busy      bool
	busyUntil float64
	queue     []models.Task

	wake chan struct{}
	wg   sync.WaitGroup
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock injects the clock used for sleeps and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// New registers the vehicle on the bus and prepares it for Start.
func New(cfg Config, bus transport.Transport, events eventlog.Logger, sink StateSink, opts ...Option) *Agent {
	cfg.applyDefaults()
	a := &Agent{
		cfg:    cfg,
		bus:    bus,
		events: events,
		sink:   sink,
		clock:  clockwork.NewRealClock(),
		rng:    rand.New(rand.NewSource(DeriveSeed(cfg.Seed, cfg.ID))),
		pos:    cfg.StartPos,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.inbox = bus.Register(cfg.ID)
	return a
}

// ID returns the agent's bus identity.
func (a *Agent) ID() string { return a.cfg.ID }

// Start launches the listener and worker loops. They stop when ctx is
// canceled; Wait blocks until both have exited.
func (a *Agent) Start(ctx context.Context) {
	log.Printf("[%s] Started: pos=[%.5f, %.5f] cap=%d speed_mps=%.1f strategy=%s",
		a.cfg.ID, a.pos.Lat, a.pos.Lon, a.cfg.Capacity, a.cfg.SpeedMPS, a.cfg.Strategy)
	a.events.Log(eventlog.EventSpawn, eventlog.Fields{"vehicle": a.cfg.ID, "pickup": a.pos})
	a.publish("", false)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.listen(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.work(ctx)
	}()
}

// Wait blocks until both loops have returned.
func (a *Agent) Wait() { a.wg.Wait() }

// ActiveLoad is the busy flag plus the queue depth; admission compares
// it against capacity.
func (a *Agent) ActiveLoad() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	load := len(a.queue)
	if a.busy {
		load++
	}
	return load
}

// Pos returns the current marker position.
func (a *Agent) Pos() models.LatLon {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

// QueueIDs lists the queued task IDs in order.
func (a *Agent) QueueIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queueIDsLocked()
}

func (a *Agent) queueIDsLocked() []string {
	ids := make([]string, len(a.queue))
	for i, t := range a.queue {
		ids[i] = t.TaskID
	}
	return ids
}

func (a *Agent) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-a.inbox:
			if env.Ontology != models.Ontology {
				continue
			}
			switch env.Intent {
			case models.IntentAnnounceTask:
				a.handleAnnounce(env)
			case models.IntentAward:
				a.handleAward(env)
			case models.IntentReject:
				a.handleReject(env)
			}
		}
	}
}

func (a *Agent) handleAnnounce(env transport.Envelope) {
	var task models.Task
	if err := json.Unmarshal(env.Body, &task); err != nil || task.TaskID == "" {
		return
	}

	load := a.ActiveLoad()
	if load >= a.cfg.Capacity {
		log.Printf("[%s] NO_BID for %s (load=%d/%d)", a.cfg.ID, task.TaskID, load, a.cfg.Capacity)
		a.events.Log(eventlog.EventNoBid, eventlog.Fields{"task_id": task.TaskID, "vehicle": a.cfg.ID})
		a.sendBid(env.From, models.Bid{TaskID: task.TaskID, NoBid: true})
		return
	}

	a.mu.Lock()
	in := BidInput{
		Now:                a.now(),
		Task:               task,
		Pos:                a.pos,
		BusyUntil:          a.busyUntil,
		QueueLen:           len(a.queue),
		SpeedMPS:           a.cfg.SpeedMPS,
		TrafficRange:       a.cfg.TrafficRange,
		ServiceRange:       a.cfg.ServiceRange,
		LatenessWeight:     a.cfg.LatenessWeight,
		QueuePenaltyWeight: a.cfg.QueuePenaltyWeight,
		Noise:              a.rng.Float64(),
	}
	a.mu.Unlock()

	bid := a.cfg.Strategy.Bid(in)
	log.Printf("[%s] (%s) Bid for %s: %.2f (load=%d/%d)",
		a.cfg.ID, a.cfg.Strategy, task.TaskID, bid, load, a.cfg.Capacity)
	a.events.Log(eventlog.EventBid, eventlog.Fields{"task_id": task.TaskID, "vehicle": a.cfg.ID, "bid": bid})
	a.sendBid(env.From, models.Bid{TaskID: task.TaskID, Bid: &bid})
}

func (a *Agent) handleAward(env transport.Envelope) {
	var task models.Task
	if err := json.Unmarshal(env.Body, &task); err != nil || task.TaskID == "" {
		return
	}

	a.mu.Lock()
	a.queue = append(a.queue, task)
	depth := len(a.queue)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}

	log.Printf("[%s] WON %s -> queued (q=%d)", a.cfg.ID, task.TaskID, depth)
	a.events.Log(eventlog.EventAssigned, eventlog.Fields{"task_id": task.TaskID, "vehicle": a.cfg.ID})
	a.publishCurrent(task.TaskID)
}

func (a *Agent) handleReject(env transport.Envelope) {
	var rej models.Reject
	if err := json.Unmarshal(env.Body, &rej); err != nil {
		return
	}
	log.Printf("[%s] Lost %s", a.cfg.ID, rej.TaskID)
}

func (a *Agent) sendBid(to string, bid models.Bid) {
	env, err := transport.NewEnvelope(a.cfg.ID, to, models.IntentBid, bid)
	if err == nil {
		err = a.bus.Send(env)
	}
	if err != nil {
		log.Printf("[%s] Bid send failed: task=%s err=%v", a.cfg.ID, bid.TaskID, err)
	}
}

func (a *Agent) work(ctx context.Context) {
	for {
		task, ok := a.popTask()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
			case <-a.clock.After(idlePoll):
			}
			continue
		}
		a.execute(ctx, task)
	}
}

// popTask dequeues the next task and marks the agent busy in the same
// critical section, so the listener never observes a task that is
// neither queued nor in progress. The busy window ends in execute (or
// finishNoRoute).
func (a *Agent) popTask() (models.Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return models.Task{}, false
	}
	task := a.queue[0]
	a.queue = a.queue[1:]
	a.busy = true
	return task, true
}

func (a *Agent) execute(ctx context.Context, task models.Task) {
	route := task.RouteLatLon
	jobM := task.DistanceM

	// A task with endpoint coordinates but no routed geometry degrades
	// to a straight pickup->dropoff hop.
	if len(route) == 0 && task.PickupLatLon != nil && task.DropoffLatLon != nil {
		route = []models.LatLon{*task.PickupLatLon, *task.DropoffLatLon}
		if jobM <= 0 {
			jobM = world.HaversineM(route[0], route[1])
		}
	}

	if len(route) < 2 {
		a.finishNoRoute(task)
		return
	}

	a.mu.Lock()
	traffic := a.cfg.TrafficRange[0] + a.rng.Float64()*(a.cfg.TrafficRange[1]-a.cfg.TrafficRange[0])
	service := a.cfg.ServiceRange[0] + a.rng.Float64()*(a.cfg.ServiceRange[1]-a.cfg.ServiceRange[0])
	current := a.pos
	a.mu.Unlock()

	effectiveSpeed := a.cfg.SpeedMPS / max(0.0001, traffic)
	pickup := route[0]
	approachM := world.HaversineM(current, pickup)
	approachSec := approachM / max(0.001, effectiveSpeed)
	jobMoveSec := jobM / max(0.001, effectiveSpeed)

	a.mu.Lock()
	a.busyUntil = a.now() + approachSec + jobMoveSec + service
	a.mu.Unlock()
	a.publishCurrent(task.TaskID)

	log.Printf("[%s] Executing %s: approach=%.0fm job=%.0fm traffic=%.2f speed=%.2fm/s service=%.1fs",
		a.cfg.ID, task.TaskID, approachM, jobM, traffic, effectiveSpeed, service)
	a.events.Log(eventlog.EventStart, eventlog.Fields{"task_id": task.TaskID, "vehicle": a.cfg.ID})

	// Approach leg: animate up to the configured cap, then sleep out
	// the rest of the travel time at the pickup.
	animSec := 0.0
	if a.cfg.AnimatePickupSec > 0 {
		animSec = min(a.cfg.AnimatePickupSec, approachSec)
	}
	if animSec > 0 {
		a.animateLine(ctx, current, pickup, animSec, task.TaskID)
	}
	a.setPos(pickup)
	a.publishCurrent(task.TaskID)
	if remaining := approachSec - animSec; remaining > 0 {
		a.sleep(ctx, remaining)
	}

	a.traverseRoute(ctx, route, jobMoveSec, task.TaskID)
	a.sleep(ctx, service)

	finishedTS := a.now()
	lateness := max(0, finishedTS-task.DeadlineTS)
	status := "ON_TIME"
	if lateness > 1e-4 {
		status = fmt.Sprintf("LATE(+%.1fs)", lateness)
	}

	a.mu.Lock()
	a.busy = false
	a.busyUntil = 0
	delivered := a.pos
	a.mu.Unlock()

	log.Printf("[%s] Finished %s: %s", a.cfg.ID, task.TaskID, status)
	a.events.Log(eventlog.EventFinish, eventlog.Fields{"task_id": task.TaskID, "vehicle": a.cfg.ID, "status": status})
	a.publishCurrent("")

	a.sendStatus(models.StatusUpdate{
		TaskID:          task.TaskID,
		Vehicle:         a.cfg.ID,
		FinishedTS:      finishedTS,
		DeadlineTS:      task.DeadlineTS,
		Distance:        max(0, approachM) + max(0, jobM),
		DeliveredLatLon: &delivered,
	})
}

// finishNoRoute completes a task that carries no usable geometry: the
// vehicle does not move and reports zero distance, so the auction
// still settles.
func (a *Agent) finishNoRoute(task models.Task) {
	log.Printf("[%s] WARNING: task %s has no route, finishing as NO_ROUTE", a.cfg.ID, task.TaskID)
	a.events.Log(eventlog.EventFinish, eventlog.Fields{"task_id": task.TaskID, "vehicle": a.cfg.ID, "status": "NO_ROUTE"})

	a.mu.Lock()
	a.busy = false
	a.busyUntil = 0
	delivered := a.pos
	a.mu.Unlock()
	a.publishCurrent("")

	a.sendStatus(models.StatusUpdate{
		TaskID:          task.TaskID,
		Vehicle:         a.cfg.ID,
		FinishedTS:      a.now(),
		DeadlineTS:      task.DeadlineTS,
		Distance:        0,
		DeliveredLatLon: &delivered,
	})
}

func (a *Agent) sendStatus(update models.StatusUpdate) {
	env, err := transport.NewEnvelope(a.cfg.ID, a.cfg.DispatcherID, models.IntentStatusUpdate, update)
	if err == nil {
		err = a.bus.Send(env)
	}
	if err != nil {
		log.Printf("[%s] Status send failed: task=%s err=%v", a.cfg.ID, update.TaskID, err)
	}
}

// animateLine moves the marker from start to end in evenly spaced
// interpolation steps over durationSec.
func (a *Agent) animateLine(ctx context.Context, start, end models.LatLon, durationSec float64, taskID string) {
	stepSleep := durationSec / float64(animateSteps-1)
	for i := 0; i < animateSteps; i++ {
		t := float64(i) / float64(animateSteps-1)
		a.setPos(models.LatLon{
			Lat: start.Lat + (end.Lat-start.Lat)*t,
			Lon: start.Lon + (end.Lon-start.Lon)*t,
		})
		a.publishCurrent(taskID)
		if i < animateSteps-1 {
			a.sleep(ctx, stepSleep)
		}
	}
}

// traverseRoute replays up to maxRouteSteps waypoints of the route,
// spread uniformly over the job travel time, publishing every Nth
// position plus the last.
func (a *Agent) traverseRoute(ctx context.Context, route []models.LatLon, jobMoveSec float64, taskID string) {
	n := len(route)
	if n < 2 {
		return
	}

	steps := maxRouteSteps
	if n-1 < steps {
		steps = n - 1
	}
	idxs := make([]int, 0, steps+1)
	prev := -1
	for i := 0; i <= steps; i++ {
		idx := i * (n - 1) / steps
		if idx != prev {
			idxs = append(idxs, idx)
			prev = idx
		}
	}

	stepSleep := 0.0
	if len(idxs) > 1 {
		stepSleep = jobMoveSec / float64(len(idxs)-1)
	}
	for i, idx := range idxs {
		if i > 0 {
			a.sleep(ctx, stepSleep)
		}
		a.setPos(route[idx])
		if i%a.cfg.ViewerEveryN == 0 || i == len(idxs)-1 {
			a.publishCurrent(taskID)
		}
	}
}

func (a *Agent) setPos(p models.LatLon) {
	a.mu.Lock()
	a.pos = p
	a.mu.Unlock()
}

// publishCurrent snapshots position, busy flag and queue under the
// lock and pushes them to the sink.
func (a *Agent) publishCurrent(taskID string) {
	a.mu.Lock()
	pos, busy, ids := a.pos, a.busy, a.queueIDsLocked()
	a.mu.Unlock()
	a.publishWith(pos, busy, taskID, ids)
}

func (a *Agent) publish(taskID string, busy bool) {
	a.mu.Lock()
	pos, ids := a.pos, a.queueIDsLocked()
	a.mu.Unlock()
	a.publishWith(pos, busy, taskID, ids)
}

func (a *Agent) publishWith(pos models.LatLon, busy bool, taskID string, queue []string) {
	if a.sink == nil {
		return
	}
	if err := a.sink.UpdateVehicle(a.cfg.ID, pos, busy, taskID, queue); err != nil {
		log.Printf("[%s] Viewer update failed: err=%v", a.cfg.ID, err)
	}
}

func (a *Agent) sleep(ctx context.Context, sec float64) {
	if sec <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-a.clock.After(time.Duration(sec * float64(time.Second))):
	}
}

func (a *Agent) now() float64 {
	return float64(a.clock.Now().UnixNano()) / 1e9
}
