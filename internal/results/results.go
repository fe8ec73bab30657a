// Package results writes the per-run summary rows used for batch
// experiment analysis.
package results

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
)

// Row is one finished run, derived rates included, in the column order
// of the results file.
type Row struct {
	RunID          string
	Scenario       string
	Seed           int64
	Vehicles       int
	TaskPeriodSec  int
	DeadlineMinSec int
	DeadlineMaxSec int
	BidWaitSec     float64
	// MaxTasks <= 0 means the run was unbounded and the column is
	// written empty.
	MaxTasks int

	TasksAnnounced int
	TasksAwarded   int
	TasksCompleted int
	Pending        int

	OnTimePct            float64
	LatePct              float64
	AvgLatenessSec       float64
	AvgLatenessAllSec    float64
	AvgAssignmentTimeSec float64

	MessagesSent     int
	MessagesReceived int
	MessagesPerTask  float64
	TotalDistanceM   float64
}

var header = []string{
	"run_id", "scenario", "seed", "vehicles", "task_period_sec",
	"deadline_min_sec", "deadline_max_sec", "bid_wait_sec", "max_tasks",
	"tasks_announced", "tasks_awarded", "tasks_completed", "pending",
	"on_time_pct", "late_pct", "avg_lateness_sec", "avg_lateness_all_sec",
	"avg_assignment_time_sec", "messages_sent", "messages_received",
	"messages_per_task", "total_distance",
}

// Header returns the CSV column names.
func Header() []string {
	out := make([]string, len(header))
	copy(out, header)
	return out
}

func (r Row) record() []string {
	maxTasks := ""
	if r.MaxTasks > 0 {
		maxTasks = strconv.Itoa(r.MaxTasks)
	}
	return []string{
		r.RunID,
		r.Scenario,
		strconv.FormatInt(r.Seed, 10),
		strconv.Itoa(r.Vehicles),
		strconv.Itoa(r.TaskPeriodSec),
		strconv.Itoa(r.DeadlineMinSec),
		strconv.Itoa(r.DeadlineMaxSec),
		format2(r.BidWaitSec),
		maxTasks,
		strconv.Itoa(r.TasksAnnounced),
		strconv.Itoa(r.TasksAwarded),
		strconv.Itoa(r.TasksCompleted),
		strconv.Itoa(r.Pending),
		format2(r.OnTimePct),
		format2(r.LatePct),
		format2(r.AvgLatenessSec),
		format2(r.AvgLatenessAllSec),
		format2(r.AvgAssignmentTimeSec),
		strconv.Itoa(r.MessagesSent),
		strconv.Itoa(r.MessagesReceived),
		format2(r.MessagesPerTask),
		format2(r.TotalDistanceM),
	}
}

// format2 rounds to two decimals and drops a trailing ".00" the way the
// plotting scripts expect ("33.33", "5", "0.5").
func format2(v float64) string {
	rounded := math.Round(v*100) / 100
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

// AppendCSV appends the row to filename, writing the header first when
// the file is new or empty.
func AppendCSV(filename string, row Row) error {
	info, err := os.Stat(filename)
	fresh := err != nil || info.Size() == 0

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("results: open %s: %w", filename, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("results: write header: %w", err)
		}
	}
	if err := w.Write(row.record()); err != nil {
		return fmt.Errorf("results: write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("results: flush %s: %w", filename, err)
	}
	return nil
}
