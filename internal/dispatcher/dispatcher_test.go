package dispatcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-dispatch/internal/eventlog"
	"fleet-dispatch/internal/models"
	"fleet-dispatch/internal/transport"
	"fleet-dispatch/internal/world"
)

var fleet = []string{"vehicle1@localhost", "vehicle2@localhost", "vehicle3@localhost"}

type fixture struct {
	d      *Dispatcher
	bus    *transport.Bus
	clock  *clockwork.FakeClock
	events *eventlog.Memory
	inbox  map[string]<-chan transport.Envelope
}

func newFixture(t *testing.T, cfg Config, w *world.RoadWorld) *fixture {
	t.Helper()
	bus := transport.NewBus()
	inbox := map[string]<-chan transport.Envelope{}
	for _, vjid := range fleet {
		inbox[vjid] = bus.Register(vjid)
	}

	if cfg.ID == "" {
		cfg.ID = "dispatcher@localhost"
	}
	if cfg.Vehicles == nil {
		cfg.Vehicles = fleet
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}

	clock := clockwork.NewFakeClock()
	events := eventlog.NewMemory()
	return &fixture{
		d:      New(cfg, bus, w, events, nil, WithClock(clock)),
		bus:    bus,
		clock:  clock,
		events: events,
		inbox:  inbox,
	}
}

func (f *fixture) drain(t *testing.T, vjid string) []transport.Envelope {
	t.Helper()
	var out []transport.Envelope
	for {
		select {
		case env := <-f.inbox[vjid]:
			out = append(out, env)
		default:
			return out
		}
	}
}

// announce fires one tick and returns the announced task as the
// vehicles received it.
func (f *fixture) announce(t *testing.T) models.Task {
	t.Helper()
	f.d.announceTick()

	envs := f.drain(t, fleet[0])
	require.NotEmpty(t, envs)
	last := envs[len(envs)-1]
	require.Equal(t, models.IntentAnnounceTask, last.Intent)

	var task models.Task
	require.NoError(t, json.Unmarshal(last.Body, &task))
	for _, vjid := range fleet[1:] {
		f.drain(t, vjid)
	}
	return task
}

func (f *fixture) bid(t *testing.T, from, taskID string, value float64) {
	t.Helper()
	v := value
	env, err := transport.NewEnvelope(from, f.d.cfg.ID, models.IntentBid, models.Bid{TaskID: taskID, Bid: &v})
	require.NoError(t, err)
	f.d.handleEnvelope(env)
}

func (f *fixture) noBid(t *testing.T, from, taskID string) {
	t.Helper()
	env, err := transport.NewEnvelope(from, f.d.cfg.ID, models.IntentBid, models.Bid{TaskID: taskID, NoBid: true})
	require.NoError(t, err)
	f.d.handleEnvelope(env)
}

func (f *fixture) status(t *testing.T, update models.StatusUpdate) {
	t.Helper()
	env, err := transport.NewEnvelope(update.Vehicle, f.d.cfg.ID, models.IntentStatusUpdate, update)
	require.NoError(t, err)
	f.d.handleEnvelope(env)
}

func TestAnnounceBroadcastsToFleet(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	task := f.announce(t)

	assert.NotEmpty(t, task.TaskID)
	assert.NotNil(t, task.PickupLatLon)
	assert.NotNil(t, task.DropoffLatLon)
	assert.GreaterOrEqual(t, task.DeadlineTS-task.ReleaseTS, 40.0)
	assert.LessOrEqual(t, task.DeadlineTS-task.ReleaseTS, 90.0)

	assert.Equal(t, 1, f.d.Stats().TasksAnnounced)
	assert.Equal(t, len(fleet), f.d.Stats().MessagesSent)
	assert.Len(t, f.events.Named(eventlog.EventAnnounce), 1)
}

func TestAnnounceGatedWhileAuctionOpen(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.announce(t)

	f.d.announceTick()
	assert.Equal(t, 1, f.d.Stats().TasksAnnounced)
	assert.Empty(t, f.drain(t, fleet[0]))
}

func TestAwardLowestBidder(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	task := f.announce(t)

	f.bid(t, fleet[0], task.TaskID, 10)
	f.bid(t, fleet[1], task.TaskID, 5)
	f.bid(t, fleet[2], task.TaskID, 7)
	f.d.maybeAward()

	envs := f.drain(t, fleet[1])
	require.Len(t, envs, 1)
	assert.Equal(t, models.IntentAward, envs[0].Intent)

	var awarded models.Task
	require.NoError(t, json.Unmarshal(envs[0].Body, &awarded))
	assert.Equal(t, task.TaskID, awarded.TaskID)
	assert.Equal(t, fleet[1], awarded.Winner)

	for _, loser := range []string{fleet[0], fleet[2]} {
		envs := f.drain(t, loser)
		require.Len(t, envs, 1)
		assert.Equal(t, models.IntentReject, envs[0].Intent)

		var rej models.Reject
		require.NoError(t, json.Unmarshal(envs[0].Body, &rej))
		assert.Equal(t, fleet[1], rej.Winner)
		assert.Equal(t, 5.0, rej.Bid)
	}

	assert.Equal(t, 1, f.d.Stats().TasksAwarded)
	assert.Len(t, f.events.Named(eventlog.EventAward), 1)

	// A second check must not settle the same auction twice.
	f.d.maybeAward()
	assert.Equal(t, 1, f.d.Stats().TasksAwarded)
}

func TestAwardTieBreaksByArrival(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	task := f.announce(t)

	f.bid(t, fleet[2], task.TaskID, 5)
	f.bid(t, fleet[0], task.TaskID, 5)
	f.bid(t, fleet[1], task.TaskID, 5)
	f.d.maybeAward()

	envs := f.drain(t, fleet[2])
	require.Len(t, envs, 1)
	assert.Equal(t, models.IntentAward, envs[0].Intent)
}

func TestDuplicateBidKeepsRankUpdatesValue(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	task := f.announce(t)

	f.bid(t, fleet[0], task.TaskID, 9)
	f.bid(t, fleet[1], task.TaskID, 8)
	f.bid(t, fleet[0], task.TaskID, 8) // ties with fleet[1], but arrived first
	f.bid(t, fleet[2], task.TaskID, 20)
	f.d.maybeAward()

	envs := f.drain(t, fleet[0])
	require.Len(t, envs, 1)
	assert.Equal(t, models.IntentAward, envs[0].Intent)
}

func TestStaleBidIgnored(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	task := f.announce(t)

	f.bid(t, fleet[0], "T-stale", 1)
	f.bid(t, fleet[1], task.TaskID, 5)
	f.bid(t, fleet[2], task.TaskID, 6)
	f.d.maybeAward()

	// Two of three responded and the window is still open.
	assert.Equal(t, 0, f.d.Stats().TasksAwarded)
	assert.Empty(t, f.drain(t, fleet[1]))
}

func TestBidWindowTimeout(t *testing.T) {
	f := newFixture(t, Config{BidWait: 2 * time.Second}, nil)
	task := f.announce(t)

	f.bid(t, fleet[0], task.TaskID, 12)
	f.d.maybeAward()
	assert.Equal(t, 0, f.d.Stats().TasksAwarded)

	f.clock.Advance(2 * time.Second)
	f.d.maybeAward()

	assert.Equal(t, 1, f.d.Stats().TasksAwarded)
	envs := f.drain(t, fleet[0])
	require.Len(t, envs, 1)
	assert.Equal(t, models.IntentAward, envs[0].Intent)
}

func TestInvalidBidCountsAsNoBid(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	task := f.announce(t)

	env, err := transport.NewEnvelope(fleet[0], f.d.cfg.ID, models.IntentBid,
		map[string]any{"task_id": task.TaskID, "bid": "not-a-number"})
	require.NoError(t, err)
	f.d.handleEnvelope(env)

	f.noBid(t, fleet[1], task.TaskID)
	f.bid(t, fleet[2], task.TaskID, 4)
	f.d.maybeAward()

	// All three responded (two as no-bid), the only valid bid wins.
	assert.Equal(t, 1, f.d.Stats().TasksAwarded)
	envs := f.drain(t, fleet[2])
	require.Len(t, envs, 1)
	assert.Equal(t, models.IntentAward, envs[0].Intent)
}

func TestAllNoBidsDropsTask(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	task := f.announce(t)

	for _, vjid := range fleet {
		f.noBid(t, vjid, task.TaskID)
	}
	f.d.maybeAward()

	assert.Equal(t, 0, f.d.Stats().TasksAwarded)
	assert.Len(t, f.events.Named(eventlog.EventNoBids), 1)
	for _, vjid := range fleet {
		assert.Empty(t, f.drain(t, vjid))
	}

	// The dropped auction is settled, announcing may resume.
	f.announce(t)
	assert.Equal(t, 2, f.d.Stats().TasksAnnounced)
}

func TestStatusUpdateStats(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	now := float64(f.clock.Now().UnixNano()) / 1e9
	at := models.LatLon{Lat: 44.1, Lon: 15.2}

	f.status(t, models.StatusUpdate{
		TaskID: "T1", Vehicle: fleet[0],
		FinishedTS: now, DeadlineTS: now + 10, Distance: 1200, DeliveredLatLon: &at,
	})
	f.status(t, models.StatusUpdate{
		TaskID: "T2", Vehicle: fleet[1],
		FinishedTS: now + 8, DeadlineTS: now, Distance: 800, DeliveredLatLon: &at,
	})
	// Duplicate report for T1 must not double count.
	f.status(t, models.StatusUpdate{
		TaskID: "T1", Vehicle: fleet[0],
		FinishedTS: now, DeadlineTS: now + 10, Distance: 1200, DeliveredLatLon: &at,
	})

	s := f.d.Stats()
	assert.Equal(t, 2, s.TasksCompleted)
	assert.Equal(t, 1, s.TasksOnTime)
	assert.Equal(t, 1, s.TasksLate)
	assert.InDelta(t, 8, s.TotalLatenessSec, 1e-9)
	assert.InDelta(t, 8, s.TotalLatenessAllSec, 1e-9)
	assert.InDelta(t, 2000, s.TotalDistance, 1e-9)
	assert.Len(t, f.events.Named(eventlog.EventDone), 2)
}

func TestMaxTasksAndAutoStop(t *testing.T) {
	f := newFixture(t, Config{MaxTasks: 1, AutoStop: true}, nil)
	task := f.announce(t)

	// Auction open: not stoppable, not announceable.
	assert.False(t, f.d.maybeAutoStop())
	f.d.announceTick()
	assert.Equal(t, 1, f.d.Stats().TasksAnnounced)

	f.bid(t, fleet[0], task.TaskID, 3)
	f.bid(t, fleet[1], task.TaskID, 4)
	f.bid(t, fleet[2], task.TaskID, 5)
	f.d.maybeAward()

	// Awarded but still pending completion.
	assert.False(t, f.d.maybeAutoStop())

	now := float64(f.clock.Now().UnixNano()) / 1e9
	f.status(t, models.StatusUpdate{
		TaskID: task.TaskID, Vehicle: fleet[0], FinishedTS: now, DeadlineTS: now + 5,
	})
	assert.True(t, f.d.maybeAutoStop())

	// Further announce ticks stay silent.
	f.d.announceTick()
	assert.Equal(t, 1, f.d.Stats().TasksAnnounced)
}

func TestScenarioPresetOverridesTiming(t *testing.T) {
	f := newFixture(t, Config{Scenario: "high", TaskPeriod: time.Hour}, nil)
	assert.Equal(t, 6*time.Second, f.d.cfg.TaskPeriod)
	assert.Equal(t, [2]int{18, 40}, f.d.cfg.DeadlineRangeSec)

	task := f.announce(t)
	slack := task.DeadlineTS - task.ReleaseTS
	assert.GreaterOrEqual(t, slack, 18.0)
	assert.LessOrEqual(t, slack, 40.0)
}

func TestResultsRowDerivedRates(t *testing.T) {
	f := newFixture(t, Config{Scenario: "medium", MaxTasks: 4}, nil)
	task := f.announce(t)

	f.bid(t, fleet[0], task.TaskID, 3)
	f.noBid(t, fleet[1], task.TaskID)
	f.noBid(t, fleet[2], task.TaskID)
	f.clock.Advance(time.Second)
	f.d.maybeAward()

	now := float64(f.clock.Now().UnixNano()) / 1e9
	f.status(t, models.StatusUpdate{
		TaskID: task.TaskID, Vehicle: fleet[0],
		FinishedTS: now + 4, DeadlineTS: now, Distance: 500,
	})

	row := f.d.ResultsRow()
	assert.Equal(t, "medium", row.Scenario)
	assert.Equal(t, 10, row.TaskPeriodSec)
	assert.Equal(t, 4, row.MaxTasks)
	assert.Equal(t, 3, row.Vehicles)
	assert.Equal(t, 1, row.TasksAnnounced)
	assert.Equal(t, 1, row.TasksAwarded)
	assert.Equal(t, 1, row.TasksCompleted)
	assert.Equal(t, 0, row.Pending)
	assert.InDelta(t, 0, row.OnTimePct, 1e-9)
	assert.InDelta(t, 100, row.LatePct, 1e-9)
	assert.InDelta(t, 4, row.AvgLatenessSec, 1e-9)
	assert.InDelta(t, 4, row.AvgLatenessAllSec, 1e-9)
	assert.InDelta(t, 1, row.AvgAssignmentTimeSec, 1e-9)
	assert.Equal(t, 500.0, row.TotalDistanceM)
	assert.Greater(t, row.MessagesPerTask, 0.0)
}

func TestRoadModeAnnounce(t *testing.T) {
	w, err := world.New(
		[]world.Node{
			{ID: "1", Lat: 44.10, Lon: 15.20},
			{ID: "2", Lat: 44.11, Lon: 15.21},
			{ID: "3", Lat: 44.12, Lon: 15.22},
		},
		[]world.Edge{
			{From: "1", To: "2", LengthM: 1000},
			{From: "2", To: "3", LengthM: 500},
			{From: "1", To: "3", LengthM: 2000},
			{From: "3", To: "1", LengthM: 2000},
		},
		1,
	)
	require.NoError(t, err)

	f := newFixture(t, Config{}, w)
	task := f.announce(t)

	assert.NotEmpty(t, task.PickupNode)
	assert.NotEmpty(t, task.DropoffNode)
	assert.NotEqual(t, task.PickupNode, task.DropoffNode)
	assert.Greater(t, task.DistanceM, 0.0)
	assert.GreaterOrEqual(t, len(task.RouteLatLon), 2)
}

func TestRoadModeRouteFail(t *testing.T) {
	// Two isolated nodes: sampling can never find a routable pair.
	w, err := world.New(
		[]world.Node{
			{ID: "1", Lat: 44.10, Lon: 15.20},
			{ID: "2", Lat: 44.11, Lon: 15.21},
		},
		nil, 1, world.WithMaxSampleTries(5),
	)
	require.NoError(t, err)

	f := newFixture(t, Config{MaxRouteResample: 3}, w)
	f.d.announceTick()

	assert.Equal(t, 0, f.d.Stats().TasksAnnounced)
	assert.Len(t, f.events.Named(eventlog.EventRouteFail), 1)
	assert.Empty(t, f.drain(t, fleet[0]))

	// The failed tick leaves no auction open; the next tick may try again.
	f.d.announceTick()
	assert.Len(t, f.events.Named(eventlog.EventRouteFail), 2)
}
