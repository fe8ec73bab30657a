// Package sim wires one complete simulation run: the in-memory message
// bus, the road world, the vehicle fleet, the dispatcher and all of the
// output sinks (event log, viewer state, results CSV, SQLite).
package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fleet-dispatch/internal/dispatcher"
	"fleet-dispatch/internal/eventlog"
	"fleet-dispatch/internal/models"
	"fleet-dispatch/internal/results"
	"fleet-dispatch/internal/sqlite"
	"fleet-dispatch/internal/state"
	"fleet-dispatch/internal/transport"
	"fleet-dispatch/internal/vehicle"
	"fleet-dispatch/internal/world"
)

// VehicleSpec places one vehicle in the fleet.
type VehicleSpec struct {
	ID       string
	Start    models.LatLon
	Strategy vehicle.Strategy
}

// DefaultFleet is the four-vehicle Zadar setup used by the stock runs.
func DefaultFleet(strategy vehicle.Strategy) []VehicleSpec {
	return []VehicleSpec{
		{ID: "vehicle1@localhost", Start: models.LatLon{Lat: 44.1156, Lon: 15.2278}, Strategy: strategy}, // Poluotok
		{ID: "vehicle2@localhost", Start: models.LatLon{Lat: 44.1235, Lon: 15.2405}, Strategy: strategy}, // Voštarnica
		{ID: "vehicle3@localhost", Start: models.LatLon{Lat: 44.1320, Lon: 15.2160}, Strategy: strategy}, // Borik
		{ID: "vehicle4@localhost", Start: models.LatLon{Lat: 44.1080, Lon: 15.2625}, Strategy: strategy}, // Bili brig
	}
}

// Config describes one run.
type Config struct {
	DispatcherID string
	Vehicles     []VehicleSpec

	Scenario         string
	Seed             int64
	TaskPeriod       time.Duration
	DeadlineRangeSec [2]int
	BidWait          time.Duration
	MaxTasks         int
	AutoStop         bool
	PollInterval     time.Duration

	// World takes precedence over GraphMLPath; with neither set the
	// dispatcher falls back to grid tasks.
	World       *world.RoadWorld
	GraphMLPath string

	// Output paths; each empty path disables that sink.
	EventLogPath   string
	StatePath      string
	ResultsCSVPath string
	DBPath         string

	// Fleet-wide vehicle parameters; zero values take the vehicle
	// package defaults.
	VehicleCapacity    int
	VehicleSpeedMPS    float64
	TrafficRange       [2]float64
	ServiceRange       [2]float64
	LatenessWeight     float64
	QueuePenaltyWeight float64
	AnimatePickupSec   float64
	ViewerEveryN       int

	MaxDeliveriesKeep int
}

// Run executes one simulation to completion (auto-stop or ctx
// cancellation) and returns the summary row after flushing it to the
// configured sinks.
func Run(ctx context.Context, cfg Config) (results.Row, error) {
	if cfg.DispatcherID == "" {
		cfg.DispatcherID = "dispatcher@localhost"
	}
	if len(cfg.Vehicles) == 0 {
		cfg.Vehicles = DefaultFleet(vehicle.StrategyNearest)
	}

	var events eventlog.Logger = eventlog.Nop{}
	if cfg.EventLogPath != "" {
		csvLog, err := eventlog.NewCSVLogger(cfg.EventLogPath)
		if err != nil {
			return results.Row{}, fmt.Errorf("sim: event log: %w", err)
		}
		defer csvLog.Close()
		events = csvLog
	}

	var db *sqlite.Store
	if cfg.DBPath != "" {
		var err error
		db, err = sqlite.New(cfg.DBPath)
		if err != nil {
			return results.Row{}, fmt.Errorf("sim: sqlite: %w", err)
		}
		defer db.Close()
	}

	w := cfg.World
	if w == nil && cfg.GraphMLPath != "" {
		var worldOpts []world.Option
		if db != nil {
			worldOpts = append(worldOpts, world.WithDistanceCache(db.DistanceCache()))
		}
		var err error
		w, err = world.Load(cfg.GraphMLPath, cfg.Seed, worldOpts...)
		if err != nil {
			return results.Row{}, fmt.Errorf("sim: road world: %w", err)
		}
	}

	var taskSink dispatcher.TaskSink
	var vehicleSink vehicle.StateSink
	if cfg.StatePath != "" {
		var stateOpts []state.Option
		if cfg.MaxDeliveriesKeep > 0 {
			stateOpts = append(stateOpts, state.WithMaxDeliveries(cfg.MaxDeliveriesKeep))
		}
		store := state.NewStore(cfg.StatePath, stateOpts...)
		if err := store.Reset(); err != nil {
			return results.Row{}, fmt.Errorf("sim: state: %w", err)
		}
		taskSink = store
		vehicleSink = store
	}

	bus := transport.NewBus()

	vehicleIDs := make([]string, len(cfg.Vehicles))
	agents := make([]*vehicle.Agent, len(cfg.Vehicles))
	for i, spec := range cfg.Vehicles {
		vehicleIDs[i] = spec.ID
		agents[i] = vehicle.New(vehicle.Config{
			ID:                 spec.ID,
			DispatcherID:       cfg.DispatcherID,
			StartPos:           spec.Start,
			Strategy:           spec.Strategy,
			Seed:               cfg.Seed,
			Capacity:           cfg.VehicleCapacity,
			SpeedMPS:           cfg.VehicleSpeedMPS,
			TrafficRange:       cfg.TrafficRange,
			ServiceRange:       cfg.ServiceRange,
			LatenessWeight:     cfg.LatenessWeight,
			QueuePenaltyWeight: cfg.QueuePenaltyWeight,
			AnimatePickupSec:   cfg.AnimatePickupSec,
			ViewerEveryN:       cfg.ViewerEveryN,
		}, bus, events, vehicleSink)
	}

	d := dispatcher.New(dispatcher.Config{
		ID:               cfg.DispatcherID,
		Vehicles:         vehicleIDs,
		Scenario:         cfg.Scenario,
		Seed:             cfg.Seed,
		TaskPeriod:       cfg.TaskPeriod,
		DeadlineRangeSec: cfg.DeadlineRangeSec,
		BidWait:          cfg.BidWait,
		MaxTasks:         cfg.MaxTasks,
		AutoStop:         cfg.AutoStop,
		PollInterval:     cfg.PollInterval,
	}, bus, w, events, taskSink)

	vctx, stopVehicles := context.WithCancel(context.Background())
	defer stopVehicles()
	for _, a := range agents {
		a.Start(vctx)
	}

	err := d.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return results.Row{}, fmt.Errorf("sim: dispatcher: %w", err)
	}

	stopVehicles()
	for _, a := range agents {
		a.Wait()
	}

	row := d.ResultsRow()
	if cfg.ResultsCSVPath != "" {
		if err := results.AppendCSV(cfg.ResultsCSVPath, row); err != nil {
			return row, err
		}
		log.Printf("[DISPATCH] Exported results to %s", cfg.ResultsCSVPath)
	}
	if db != nil {
		if err := db.InsertRun(row); err != nil {
			return row, err
		}
	}
	return row, nil
}
