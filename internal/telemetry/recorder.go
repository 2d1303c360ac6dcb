// Package telemetry records timestamped operational snapshots of the
// excavator's control loops to rotating CSV files, adapted from the
// teacher's internal/logger CSV flight recorder: same rotation,
// interval-gating and row-building shape, re-fielded for PWM/orientation/
// session data instead of ECU/GPS data.
package telemetry

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config controls whether and where snapshots are recorded.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const maxRowsPerFile = 100_000 // rotate after ~2.7 hrs at 10 Hz

// Snapshot is one row: the coordinator's active operation plus whatever
// subsystem state is live at the time (pump/channel pulses, the latest
// orientation sample, and datagram session counters).
type Snapshot struct {
	Operation  string
	PumpPulse  float64
	Channels   map[string]float64 // channel name -> last commanded pulse, µs
	HasOrient  bool
	OrientFmt  string
	Euler      [3]float64
	Quat       [4]float64
	HasSession bool
	PacketsIn  uint64
	PacketsOut uint64
}

// channelColumns is the fixed set of excavator channel names the CSV
// header names explicitly (spec.md §3's driving channels); a command
// for any other channel name is simply not recorded as its own column.
var channelColumns = []string{"boom", "stick", "bucket", "swing", "track_left", "track_right"}

var csvHeader = append([]string{
	"timestamp", "operation", "pump_pulse_us",
}, append(append([]string{}, channelColumnHeaders()...),
	"orientation_format", "euler_roll", "euler_pitch", "euler_yaw",
	"quat_w", "quat_x", "quat_y", "quat_z",
	"packets_in", "packets_out")...)

func channelColumnHeaders() []string {
	out := make([]string, len(channelColumns))
	for i, name := range channelColumns {
		out[i] = name + "_pulse_us"
	}
	return out
}

// Recorder is the rotating-file CSV writer.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// New constructs a Recorder from Config. An IntervalMs under 50 (zero
// included) defaults to 10 Hz, matching the teacher's default recording
// rate.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/excavator-server"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Recorder{dir: cfg.Path, interval: interval, enabled: cfg.Enabled}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled reports whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes one snapshot row if the minimum interval has elapsed
// since the last write.
func (r *Recorder) Record(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	now := time.Now()
	if now.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(now); err != nil {
			log.Printf("[telemetry] rotate failed: %v", err)
			return
		}
	}

	row := r.buildRow(now, snap)
	if err := r.writer.Write(row); err != nil {
		log.Printf("[telemetry] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("excavator_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[telemetry] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *Recorder) buildRow(ts time.Time, snap Snapshot) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = snap.Operation
	row[2] = fmt.Sprintf("%.1f", snap.PumpPulse)

	for i, name := range channelColumns {
		if v, ok := snap.Channels[name]; ok {
			row[3+i] = fmt.Sprintf("%.1f", v)
		}
	}
	offset := 3 + len(channelColumns)

	if snap.HasOrient {
		row[offset] = snap.OrientFmt
		row[offset+1] = fmt.Sprintf("%.4f", snap.Euler[0])
		row[offset+2] = fmt.Sprintf("%.4f", snap.Euler[1])
		row[offset+3] = fmt.Sprintf("%.4f", snap.Euler[2])
		row[offset+4] = fmt.Sprintf("%.4f", snap.Quat[0])
		row[offset+5] = fmt.Sprintf("%.4f", snap.Quat[1])
		row[offset+6] = fmt.Sprintf("%.4f", snap.Quat[2])
		row[offset+7] = fmt.Sprintf("%.4f", snap.Quat[3])
	}
	offset += 8

	if snap.HasSession {
		row[offset] = fmt.Sprintf("%d", snap.PacketsIn)
		row[offset+1] = fmt.Sprintf("%d", snap.PacketsOut)
	}

	return row
}
