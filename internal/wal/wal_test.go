package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.wal")

	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(Record{
		Event: EventAdd,
		Task: &TaskSnapshot{
			ID:       "t1",
			Service:  "echo",
			Payload:  map[string]any{"v": float64(1)},
			Priority: 0,
			Status:   "pending",
		},
	}))
	require.NoError(t, w.Append(Record{
		Event:  EventStatus,
		TaskID: "t1",
		Status: "succeeded",
	}))
	require.NoError(t, w.Close())

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, EventAdd, records[0].Event)
	assert.Equal(t, "t1", records[0].Task.ID)
	assert.Equal(t, EventStatus, records[1].Event)
	assert.Equal(t, "succeeded", records[1].Status)
}

func TestLoadMissingFile(t *testing.T) {
	records, err := Load(filepath.Join(t.TempDir(), "missing.wal"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoadIgnoresTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.wal")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(Record{Event: EventAdd, Task: &TaskSnapshot{ID: "t1", Status: "pending"}}))
	require.NoError(t, w.Close())

	// simulate a crash mid-write of a second record: append a truncated,
	// non-newline-terminated partial JSON line directly.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"event":"status","task_id":"t1","stat`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].Task.ID)
}

func TestLoadFailsOnCorruptEarlierLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.wal")

	require.NoError(t, os.WriteFile(path, []byte(
		"{not json}\n"+
			`{"event":"add","task":{"id":"t1","status":"pending"}}`+"\n",
	), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	var corrupt *ErrCorrupt
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, 1, corrupt.Line)
}

func TestAppendSerializesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.wal")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	const n = 50
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			done <- w.Append(Record{Event: EventStatus, TaskID: "t", Status: "pending", Seq: uint64(i)})
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}

	records, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, records, n)
}
