package telemetry

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

func TestRecorder_DisabledByDefaultWritesNothing(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: false, Path: dir})
	r.Record(Snapshot{Operation: "driving"})
	r.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files written while disabled, got %d", len(entries))
	}
}

func TestRecorder_WritesHeaderAndRow(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, IntervalMs: 1})
	r.Record(Snapshot{
		Operation: "driving",
		PumpPulse: 1500,
		Channels:  map[string]float64{"boom": 1600, "stick": 1400},
	})
	r.Close()

	path := onlyCSV(t, dir)
	rows := readCSV(t, path)
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	if rows[0][1] != "operation" {
		t.Errorf("header[1] = %q, want %q", rows[0][1], "operation")
	}
	if rows[1][1] != "driving" {
		t.Errorf("row[1] = %q, want %q", rows[1][1], "driving")
	}
}

func TestRecorder_IntervalGatingSkipsRapidCalls(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, IntervalMs: 1000})
	r.Record(Snapshot{Operation: "driving"})
	r.Record(Snapshot{Operation: "driving"})
	r.Record(Snapshot{Operation: "driving"})
	r.Close()

	path := onlyCSV(t, dir)
	rows := readCSV(t, path)
	if len(rows) != 2 {
		t.Errorf("expected only one row to survive the interval gate, got %d rows", len(rows)-1)
	}
}

func TestRecorder_SetEnabledClosesFileWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, IntervalMs: 1})
	r.Record(Snapshot{Operation: "mirroring"})
	if !r.IsEnabled() {
		t.Fatal("expected recorder to be enabled")
	}

	r.SetEnabled(false)
	if r.IsEnabled() {
		t.Error("expected recorder to report disabled after SetEnabled(false)")
	}

	// A disabled recorder must not append further rows.
	r.Record(Snapshot{Operation: "mirroring"})
	path := onlyCSV(t, dir)
	rows := readCSV(t, path)
	if len(rows) != 2 {
		t.Errorf("expected exactly one recorded row, got %d", len(rows)-1)
	}
}

func onlyCSV(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one CSV file, got %d", len(entries))
	}
	return filepath.Join(dir, entries[0].Name())
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}
