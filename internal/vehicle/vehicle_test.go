package vehicle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-dispatch/internal/eventlog"
	"fleet-dispatch/internal/models"
	"fleet-dispatch/internal/transport"
)

const dispatcherID = "dispatcher@localhost"

type sinkCall struct {
	JID    string
	Pos    models.LatLon
	Busy   bool
	TaskID string
	Queue  []string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) UpdateVehicle(jid string, pos models.LatLon, busy bool, taskID string, queue []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{JID: jid, Pos: pos, Busy: busy, TaskID: taskID, Queue: queue})
	return nil
}

func (r *recordingSink) last() (sinkCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return sinkCall{}, false
	}
	return r.calls[len(r.calls)-1], true
}

func testAgent(t *testing.T, cfg Config) (*Agent, *transport.Bus, <-chan transport.Envelope, *eventlog.Memory) {
	t.Helper()
	bus := transport.NewBus()
	dispatcherInbox := bus.Register(dispatcherID)
	events := eventlog.NewMemory()

	if cfg.ID == "" {
		cfg.ID = "vehicle1@localhost"
	}
	cfg.DispatcherID = dispatcherID
	agent := New(cfg, bus, events, nil)
	return agent, bus, dispatcherInbox, events
}

func recv(t *testing.T, ch <-chan transport.Envelope) transport.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return transport.Envelope{}
	}
}

func announceEnv(t *testing.T, task models.Task) transport.Envelope {
	t.Helper()
	env, err := transport.NewEnvelope(dispatcherID, "vehicle1@localhost", models.IntentAnnounceTask, task)
	require.NoError(t, err)
	return env
}

func awardEnv(t *testing.T, task models.Task) transport.Envelope {
	t.Helper()
	env, err := transport.NewEnvelope(dispatcherID, "vehicle1@localhost", models.IntentAward, task)
	require.NoError(t, err)
	return env
}

func sampleTask(id string) models.Task {
	now := float64(time.Now().UnixNano()) / 1e9
	return models.Task{
		TaskID:        id,
		ReleaseTS:     now,
		DeadlineTS:    now + 60,
		PickupLatLon:  &models.LatLon{Lat: 44.11, Lon: 15.22},
		DropoffLatLon: &models.LatLon{Lat: 44.13, Lon: 15.24},
		RouteLatLon:   []models.LatLon{{44.11, 15.22}, {44.12, 15.23}, {44.13, 15.24}},
		DistanceM:     2000,
		Size:          1,
	}
}

func TestAnnounceProducesBid(t *testing.T) {
	agent, _, inbox, events := testAgent(t, Config{Seed: 1})

	agent.handleAnnounce(announceEnv(t, sampleTask("T1")))

	env := recv(t, inbox)
	assert.Equal(t, models.IntentBid, env.Intent)

	var bid models.Bid
	require.NoError(t, json.Unmarshal(env.Body, &bid))
	assert.Equal(t, "T1", bid.TaskID)
	v, ok := bid.Value()
	require.True(t, ok)
	assert.Greater(t, v, 0.0)

	assert.Len(t, events.Named(eventlog.EventBid), 1)
}

func TestAnnounceAtCapacityNoBid(t *testing.T) {
	agent, _, inbox, events := testAgent(t, Config{Seed: 1, Capacity: 2})

	agent.handleAward(awardEnv(t, sampleTask("T1")))
	agent.handleAward(awardEnv(t, sampleTask("T2")))
	require.Equal(t, 2, agent.ActiveLoad())

	agent.handleAnnounce(announceEnv(t, sampleTask("T3")))

	env := recv(t, inbox)
	var bid models.Bid
	require.NoError(t, json.Unmarshal(env.Body, &bid))
	assert.True(t, bid.NoBid)
	_, ok := bid.Value()
	assert.False(t, ok)

	assert.Len(t, events.Named(eventlog.EventNoBid), 1)
	assert.Empty(t, events.Named(eventlog.EventBid))
}

func TestAwardQueuesFIFO(t *testing.T) {
	agent, _, _, events := testAgent(t, Config{Seed: 1})

	agent.handleAward(awardEnv(t, sampleTask("T1")))
	agent.handleAward(awardEnv(t, sampleTask("T2")))

	assert.Equal(t, []string{"T1", "T2"}, agent.QueueIDs())
	assert.Len(t, events.Named(eventlog.EventAssigned), 2)
}

// Dequeuing a task must flip the busy flag in the same critical
// section, or an announcement arriving between the dequeue and the
// start of execution would see load 0 on a full vehicle and get a bid
// instead of a refusal.
func TestDequeuedTaskStillCountsAgainstCapacity(t *testing.T) {
	agent, _, inbox, events := testAgent(t, Config{Seed: 1, Capacity: 1})

	agent.handleAward(awardEnv(t, sampleTask("T1")))
	require.Equal(t, 1, agent.ActiveLoad())

	task, ok := agent.popTask()
	require.True(t, ok)
	assert.Equal(t, "T1", task.TaskID)

	// The queue is empty but the popped task is in progress.
	assert.Empty(t, agent.QueueIDs())
	assert.Equal(t, 1, agent.ActiveLoad())

	agent.handleAnnounce(announceEnv(t, sampleTask("T2")))

	env := recv(t, inbox)
	var bid models.Bid
	require.NoError(t, json.Unmarshal(env.Body, &bid))
	assert.Equal(t, "T2", bid.TaskID)
	assert.True(t, bid.NoBid)
	_, valid := bid.Value()
	assert.False(t, valid)

	assert.Len(t, events.Named(eventlog.EventNoBid), 1)
	assert.Empty(t, events.Named(eventlog.EventBid))
}

func TestExecuteNoRoute(t *testing.T) {
	agent, _, inbox, events := testAgent(t, Config{Seed: 1})

	task := sampleTask("T1")
	task.RouteLatLon = nil
	task.PickupLatLon = nil
	task.DropoffLatLon = nil
	task.DistanceM = 0

	start := agent.Pos()
	agent.execute(context.Background(), task)

	env := recv(t, inbox)
	assert.Equal(t, models.IntentStatusUpdate, env.Intent)

	var update models.StatusUpdate
	require.NoError(t, json.Unmarshal(env.Body, &update))
	assert.Equal(t, "T1", update.TaskID)
	assert.Equal(t, 0.0, update.Distance)
	require.NotNil(t, update.DeliveredLatLon)
	assert.Equal(t, start, *update.DeliveredLatLon)

	finishes := events.Named(eventlog.EventFinish)
	require.Len(t, finishes, 1)
	assert.Equal(t, "NO_ROUTE", finishes[0].Fields["status"])
	assert.Equal(t, 0, agent.ActiveLoad())
}

// Full path: award over the bus, worker picks it up, drives the route
// and reports completion. Travel is made near-instant so the test runs
// in wall-clock milliseconds.
func TestAwardedTaskRunsToCompletion(t *testing.T) {
	sink := &recordingSink{}
	bus := transport.NewBus()
	dispatcherInbox := bus.Register(dispatcherID)
	events := eventlog.NewMemory()

	agent := New(Config{
		ID:           "vehicle1@localhost",
		DispatcherID: dispatcherID,
		StartPos:     models.LatLon{Lat: 44.10, Lon: 15.20},
		SpeedMPS:     1e6,
		Seed:         1,
		TrafficRange: [2]float64{1, 1},
		ServiceRange: [2]float64{0.001, 0.001},
	}, bus, events, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent.Start(ctx)

	task := sampleTask("T1")
	env, err := transport.NewEnvelope(dispatcherID, agent.ID(), models.IntentAward, task)
	require.NoError(t, err)
	require.NoError(t, bus.Send(env))

	update := recv(t, dispatcherInbox)
	assert.Equal(t, models.IntentStatusUpdate, update.Intent)

	var status models.StatusUpdate
	require.NoError(t, json.Unmarshal(update.Body, &status))
	assert.Equal(t, "T1", status.TaskID)
	assert.Equal(t, "vehicle1@localhost", status.Vehicle)
	assert.Greater(t, status.Distance, 2000.0)
	assert.LessOrEqual(t, status.FinishedTS, status.DeadlineTS)

	// Vehicle ends at the dropoff, idle again.
	require.NotNil(t, status.DeliveredLatLon)
	assert.Equal(t, models.LatLon{Lat: 44.13, Lon: 15.24}, *status.DeliveredLatLon)

	counts := events.Counts()
	assert.Equal(t, 1, counts[eventlog.EventAssigned])
	assert.Equal(t, 1, counts[eventlog.EventStart])
	assert.Equal(t, 1, counts[eventlog.EventFinish])

	last, ok := sink.last()
	require.True(t, ok)
	assert.False(t, last.Busy)

	cancel()
	agent.Wait()
}
