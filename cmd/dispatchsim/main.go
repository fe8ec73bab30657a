package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"fleet-dispatch/internal/scenario"
	"fleet-dispatch/internal/sim"
	"fleet-dispatch/internal/vehicle"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("dispatchsim: %v", err)
	}
}

func run() error {
	// Optional .env next to the binary; real environment wins.
	_ = godotenv.Load()

	var (
		scenarioName = pflag.String("scenario", "medium", "load preset: "+fmt.Sprint(scenario.Names())+" or custom")
		seed         = pflag.Int64("seed", 1, "run seed; drives task sampling and vehicle randomness")
		strategyName = pflag.String("strategy", "nearest", "bidding strategy: nearest or marginal")
		fleetSize    = pflag.Int("vehicles", 4, "number of vehicles (1-4 of the stock fleet)")
		graphmlPath  = pflag.String("graphml", "zadar.graphml", "road graph file; empty switches to grid tasks")
		bidWaitSec   = pflag.Float64("bid-wait", 2.0, "seconds an auction stays open without full response")
		maxTasks     = pflag.Int("max-tasks", 20, "announce budget; 0 runs unbounded")
		autoStop     = pflag.Bool("auto-stop", true, "stop once the budget is announced and completed")
		taskPeriod   = pflag.Duration("task-period", 0, "announce period override; 0 uses the scenario preset")
		deadlineMin  = pflag.Int("deadline-min", 40, "custom scenario: min deadline slack seconds")
		deadlineMax  = pflag.Int("deadline-max", 90, "custom scenario: max deadline slack seconds")
		resultsPath  = pflag.String("results", "results.csv", "per-run summary CSV; empty disables")
		eventsPath   = pflag.String("events", "events.csv", "event log CSV; empty disables")
		dbPath       = pflag.String("db", "dispatch.db", "SQLite store for distance cache and run history; empty disables")
	)
	pflag.Parse()

	strategy, err := vehicle.ParseStrategy(*strategyName)
	if err != nil {
		return err
	}
	if *scenarioName != "custom" {
		if _, err := scenario.Lookup(*scenarioName); err != nil {
			return err
		}
	}

	fleet := sim.DefaultFleet(strategy)
	if *fleetSize < 1 || *fleetSize > len(fleet) {
		return fmt.Errorf("vehicles must be between 1 and %d", len(fleet))
	}
	fleet = fleet[:*fleetSize]

	cfg := sim.Config{
		DispatcherID: getEnv("DISPATCHER_JID", "dispatcher@localhost"),
		Vehicles:     fleet,

		Scenario:         *scenarioName,
		Seed:             *seed,
		TaskPeriod:       *taskPeriod,
		DeadlineRangeSec: [2]int{*deadlineMin, *deadlineMax},
		BidWait:          time.Duration(*bidWaitSec * float64(time.Second)),
		MaxTasks:         *maxTasks,
		AutoStop:         *autoStop,

		GraphMLPath: *graphmlPath,

		EventLogPath:   *eventsPath,
		StatePath:      getEnv("STATE_PATH", "map_viewer/state.json"),
		ResultsCSVPath: *resultsPath,
		DBPath:         *dbPath,

		AnimatePickupSec:  getEnvFloat("ANIMATE_PICKUP_SEC", vehicle.DefaultAnimatePickupSec),
		ViewerEveryN:      getEnvInt("VIEWER_EVERY_N", vehicle.DefaultViewerEveryN),
		MaxDeliveriesKeep: getEnvInt("MAX_DELIVERIES_KEEP", 500),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	row, err := sim.Run(ctx, cfg)
	if err != nil {
		return err
	}

	log.Printf("[DISPATCH] Summary: run_id=%s scenario=%s seed=%d announced=%d awarded=%d completed=%d pending=%d on_time_pct=%.2f total_distance=%.0fm",
		row.RunID, row.Scenario, row.Seed, row.TasksAnnounced, row.TasksAwarded,
		row.TasksCompleted, row.Pending, row.OnTimePct, row.TotalDistanceM)
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("Invalid %s=%q, using %g", key, v, fallback)
	}
	return fallback
}
