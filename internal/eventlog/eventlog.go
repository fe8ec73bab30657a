package eventlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"sync"
	"time"
)

// Simulation event names as they appear in the event column.
const (
	EventSpawn     = "SPAWN"
	EventAnnounce  = "ANNOUNCE"
	EventBid       = "BID"
	EventNoBid     = "NO_BID"
	EventAward     = "AWARD"
	EventNoBids    = "NO_BIDS"
	EventAssigned  = "ASSIGNED"
	EventStart     = "START"
	EventFinish    = "FINISH"
	EventDone      = "DONE"
	EventRouteFail = "ROUTE_FAIL"
)

// Fields carries the per-event attributes. Keys outside the CSV column
// set are ignored by the CSV logger.
type Fields map[string]any

// Logger records simulation events. Implementations must be safe for
// concurrent use and must never fail the caller: logging problems are
// reported to stderr and swallowed.
type Logger interface {
	Log(event string, fields Fields)
}

// columns is the fixed CSV schema. Every row has all of them; fields
// absent from a given event are left empty.
var columns = []string{
	"ts", "event", "task_id", "vehicle", "winner", "bid", "status",
	"release_ts", "deadline_ts", "finished_ts", "pickup", "dropoff", "distance",
}

// CSVLogger appends events to a CSV file, writing the header when it
// creates the file.
type CSVLogger struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	now  func() time.Time
}

// NewCSVLogger opens (or creates) the event log at path.
func NewCSVLogger(path string) (*CSVLogger, error) {
	info, err := os.Stat(path)
	fresh := err != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	l := &CSVLogger{file: f, w: csv.NewWriter(f), now: time.Now}
	if fresh {
		if err := l.w.Write(columns); err != nil {
			f.Close()
			return nil, fmt.Errorf("eventlog: write header: %w", err)
		}
		l.w.Flush()
		if err := l.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("eventlog: write header: %w", err)
		}
	}
	return l, nil
}

// Log appends one event row. The ts column is filled by the logger.
func (l *CSVLogger) Log(event string, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := make([]string, len(columns))
	for i, col := range columns {
		switch col {
		case "ts":
			row[i] = formatValue(float64(l.now().UnixNano()) / 1e9)
		case "event":
			row[i] = event
		default:
			if v, ok := fields[col]; ok {
				row[i] = formatValue(v)
			}
		}
	}

	if err := l.w.Write(row); err != nil {
		log.Printf("[EVENTLOG] Write failed: event=%s err=%v", event, err)
		return
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		log.Printf("[EVENTLOG] Flush failed: event=%s err=%v", event, err)
	}
}

// Close flushes and closes the underlying file.
func (l *CSVLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return formatValue(float64(x))
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Log(string, Fields) {}

// Memory keeps events in order for test inspection.
type Memory struct {
	mu     sync.Mutex
	events []Recorded
}

// Recorded is one captured event.
type Recorded struct {
	Event  string
	Fields Fields
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Log(event string, fields Fields) {
	copied := make(Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.mu.Lock()
	m.events = append(m.events, Recorded{Event: event, Fields: copied})
	m.mu.Unlock()
}

// Events returns a snapshot of everything logged so far.
func (m *Memory) Events() []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Recorded, len(m.events))
	copy(out, m.events)
	return out
}

// Named returns the logged events with the given name, in order.
func (m *Memory) Named(event string) []Recorded {
	var out []Recorded
	for _, r := range m.Events() {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

// Counts tallies events by name, useful for asserting protocol shape.
func (m *Memory) Counts() map[string]int {
	counts := make(map[string]int)
	for _, r := range m.Events() {
		counts[r.Event]++
	}
	return counts
}

// Columns returns a copy of the CSV schema, mainly for tests.
func Columns() []string {
	out := make([]string, len(columns))
	copy(out, columns)
	return out
}
