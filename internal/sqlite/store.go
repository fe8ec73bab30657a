// Package sqlite persists the road-distance cache and the per-run
// result rows in a single SQLite file, so repeated experiment batches
// on the same graph reuse shortest-path work and accumulate a queryable
// run history.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"fleet-dispatch/internal/results"
)

const DefaultDBFileName = "dispatch.db"

// Store is the SQLite-backed store for distance cache entries and run
// results. database/sql handles connection-level locking; SQLite's
// busy_timeout covers writer contention.
type Store struct {
	db     *sql.DB
	dbPath string
}

// New opens (or creates) the store at dbPath.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Printf("[SQLITE] Opened store: path=%s", dbPath)
	return store, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS distance_cache (
		from_node TEXT NOT NULL,
		to_node   TEXT NOT NULL,
		meters    REAL NOT NULL,
		PRIMARY KEY (from_node, to_node)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id                  TEXT NOT NULL,
		scenario                TEXT NOT NULL,
		seed                    INTEGER NOT NULL,
		vehicles                INTEGER NOT NULL,
		task_period_sec         INTEGER NOT NULL,
		deadline_min_sec        INTEGER NOT NULL,
		deadline_max_sec        INTEGER NOT NULL,
		bid_wait_sec            REAL NOT NULL,
		max_tasks               INTEGER,
		tasks_announced         INTEGER NOT NULL,
		tasks_awarded           INTEGER NOT NULL,
		tasks_completed         INTEGER NOT NULL,
		pending                 INTEGER NOT NULL,
		on_time_pct             REAL NOT NULL,
		late_pct                REAL NOT NULL,
		avg_lateness_sec        REAL NOT NULL,
		avg_lateness_all_sec    REAL NOT NULL,
		avg_assignment_time_sec REAL NOT NULL,
		messages_sent           INTEGER NOT NULL,
		messages_received       INTEGER NOT NULL,
		messages_per_task       REAL NOT NULL,
		total_distance          REAL NOT NULL,
		created_at              TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_scenario_seed ON runs(scenario, seed);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// DBPath returns the database file path.
func (s *Store) DBPath() string {
	return s.dbPath
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DistanceCache returns the cache view backed by the distance_cache
// table. It satisfies world.DistanceCache: lookups and stores never
// fail the caller, a broken database just disables caching.
func (s *Store) DistanceCache() *DistanceCache {
	return &DistanceCache{store: s}
}

// DistanceCache adapts the distance_cache table to the road-world
// cache interface.
type DistanceCache struct {
	store *Store
}

// Get looks up a cached distance in meters.
func (c *DistanceCache) Get(from, to string) (float64, bool) {
	var meters float64
	err := c.store.db.QueryRow(
		"SELECT meters FROM distance_cache WHERE from_node = ? AND to_node = ?",
		from, to,
	).Scan(&meters)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		log.Printf("[SQLITE] Distance cache lookup failed: from=%s to=%s err=%v", from, to, err)
		return 0, false
	}
	return meters, true
}

// Put stores a distance in meters, overwriting any previous entry.
func (c *DistanceCache) Put(from, to string, meters float64) {
	_, err := c.store.db.Exec(
		`INSERT INTO distance_cache (from_node, to_node, meters) VALUES (?, ?, ?)
		 ON CONFLICT(from_node, to_node) DO UPDATE SET meters = excluded.meters`,
		from, to, meters,
	)
	if err != nil {
		log.Printf("[SQLITE] Distance cache store failed: from=%s to=%s err=%v", from, to, err)
	}
}

// InsertRun records one finished run.
func (s *Store) InsertRun(row results.Row) error {
	var maxTasks any
	if row.MaxTasks > 0 {
		maxTasks = row.MaxTasks
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (
			run_id, scenario, seed, vehicles, task_period_sec,
			deadline_min_sec, deadline_max_sec, bid_wait_sec, max_tasks,
			tasks_announced, tasks_awarded, tasks_completed, pending,
			on_time_pct, late_pct, avg_lateness_sec, avg_lateness_all_sec,
			avg_assignment_time_sec, messages_sent, messages_received,
			messages_per_task, total_distance
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RunID, row.Scenario, row.Seed, row.Vehicles, row.TaskPeriodSec,
		row.DeadlineMinSec, row.DeadlineMaxSec, row.BidWaitSec, maxTasks,
		row.TasksAnnounced, row.TasksAwarded, row.TasksCompleted, row.Pending,
		row.OnTimePct, row.LatePct, row.AvgLatenessSec, row.AvgLatenessAllSec,
		row.AvgAssignmentTimeSec, row.MessagesSent, row.MessagesReceived,
		row.MessagesPerTask, row.TotalDistanceM,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", row.RunID, err)
	}
	return nil
}

// Runs returns all recorded runs, newest first.
func (s *Store) Runs() ([]results.Row, error) {
	rows, err := s.db.Query(`
		SELECT run_id, scenario, seed, vehicles, task_period_sec,
			deadline_min_sec, deadline_max_sec, bid_wait_sec, max_tasks,
			tasks_announced, tasks_awarded, tasks_completed, pending,
			on_time_pct, late_pct, avg_lateness_sec, avg_lateness_all_sec,
			avg_assignment_time_sec, messages_sent, messages_received,
			messages_per_task, total_distance
		FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []results.Row
	for rows.Next() {
		var r results.Row
		var maxTasks sql.NullInt64
		if err := rows.Scan(
			&r.RunID, &r.Scenario, &r.Seed, &r.Vehicles, &r.TaskPeriodSec,
			&r.DeadlineMinSec, &r.DeadlineMaxSec, &r.BidWaitSec, &maxTasks,
			&r.TasksAnnounced, &r.TasksAwarded, &r.TasksCompleted, &r.Pending,
			&r.OnTimePct, &r.LatePct, &r.AvgLatenessSec, &r.AvgLatenessAllSec,
			&r.AvgAssignmentTimeSec, &r.MessagesSent, &r.MessagesReceived,
			&r.MessagesPerTask, &r.TotalDistanceM,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if maxTasks.Valid {
			r.MaxTasks = int(maxTasks.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
