package eventlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVLoggerWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")

	l, err := NewCSVLogger(path)
	require.NoError(t, err)
	l.Log(EventSpawn, Fields{"task_id": "T1"})
	require.NoError(t, l.Close())

	// Reopening an existing log must append without a second header.
	l, err = NewCSVLogger(path)
	require.NoError(t, err)
	l.Log(EventDone, Fields{"task_id": "T1"})
	require.NoError(t, l.Close())

	rows := readAll(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns(), rows[0])
	assert.Equal(t, EventSpawn, rows[1][1])
	assert.Equal(t, EventDone, rows[2][1])
}

func TestCSVLoggerRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	l, err := NewCSVLogger(path)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Unix(1700000000, 500000000) }

	l.Log(EventAward, Fields{
		"task_id": "T1700000000-abcd",
		"winner":  "vehicle2@localhost",
		"bid":     123.456,
		"extra":   "ignored",
	})
	require.NoError(t, l.Close())

	rows := readAll(t, path)
	require.Len(t, rows, 2)
	row := rows[1]
	cols := Columns()
	byName := make(map[string]string, len(cols))
	for i, c := range cols {
		byName[c] = row[i]
	}

	assert.Equal(t, "1700000000.5", byName["ts"])
	assert.Equal(t, EventAward, byName["event"])
	assert.Equal(t, "T1700000000-abcd", byName["task_id"])
	assert.Equal(t, "vehicle2@localhost", byName["winner"])
	assert.Equal(t, "123.456", byName["bid"])
	assert.Equal(t, "", byName["vehicle"])
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "abc", formatValue("abc"))
	assert.Equal(t, "7", formatValue(7))
	assert.Equal(t, "2.5", formatValue(2.5))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, `["a","b"]`, formatValue([]string{"a", "b"}))
}

func TestMemoryLogger(t *testing.T) {
	m := NewMemory()
	m.Log(EventBid, Fields{"vehicle": "v1", "bid": 10.0})
	m.Log(EventNoBid, Fields{"vehicle": "v2"})
	m.Log(EventBid, Fields{"vehicle": "v3", "bid": 5.0})

	assert.Equal(t, map[string]int{EventBid: 2, EventNoBid: 1}, m.Counts())

	bids := m.Named(EventBid)
	require.Len(t, bids, 2)
	assert.Equal(t, "v1", bids[0].Fields["vehicle"])
	assert.Equal(t, "v3", bids[1].Fields["vehicle"])
}

func TestMemoryLoggerCopiesFields(t *testing.T) {
	m := NewMemory()
	f := Fields{"task_id": "T1"}
	m.Log(EventSpawn, f)
	f["task_id"] = "mutated"

	assert.Equal(t, "T1", m.Events()[0].Fields["task_id"])
}
