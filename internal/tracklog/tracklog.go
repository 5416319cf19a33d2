// Package tracklog records valid fixes to CSV files with automatic rotation.
package tracklog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/gps"
	"github.com/shaunagostinho/gpsbridge/internal/provider"
)

// Logger is a provider listener that writes one row per fix, at most once
// per interval.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *zap.Logger
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int

	inView int
	used   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool
	Path       string
	IntervalMs int
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~28 hrs at 1 Hz)
)

var csvHeader = []string{
	"timestamp", "fix_time", "lat", "lon", "alt_m",
	"speed_ms", "bearing_deg", "accuracy_m", "sats_tracked",
	"quality", "pdop", "hdop", "vdop",
	"sats_in_view", "sats_used",
}

// New creates a new Logger.
func New(cfg Config, log *zap.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gpsbridge"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log,
		now:      time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Deliver implements provider.Listener. Disk errors are logged, not
// returned, so a full disk does not unregister the logger.
func (l *Logger) Deliver(ev provider.Event) error {
	switch ev.Type {
	case provider.EventSatellites:
		if ev.Satellites != nil {
			l.mu.Lock()
			l.inView = ev.Satellites.Count
			l.used = usedCount(ev.Satellites)
			l.mu.Unlock()
		}
	case provider.EventFix:
		if ev.Fix != nil && ev.Fix.Valid {
			l.Record(ev.Timestamp, *ev.Fix)
		}
	case provider.EventStatus:
		if ev.Status == provider.StatusStopped {
			l.Close()
		}
	}
	return nil
}

// Record writes a fix if the minimum interval has elapsed.
func (l *Logger) Record(ts time.Time, fix gps.Fix) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if ts.IsZero() {
		ts = l.now()
	}
	if !l.lastTs.IsZero() && ts.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = ts

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(ts); err != nil {
			l.log.Error("tracklog: rotate failed", zap.Error(err))
			return
		}
	}

	if err := l.writer.Write(l.buildRow(ts, fix)); err != nil {
		l.log.Error("tracklog: write failed", zap.Error(err))
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("track_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info("tracklog: opened", zap.String("path", path))
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *Logger) buildRow(ts time.Time, f gps.Fix) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.UTC().Format(time.RFC3339Nano)
	if !f.Time.IsZero() {
		row[1] = f.Time.UTC().Format(time.RFC3339Nano)
	}
	row[2] = fmt.Sprintf("%.6f", f.Latitude)
	row[3] = fmt.Sprintf("%.6f", f.Longitude)
	row[4] = optional(f.Altitude, "%.1f")
	row[5] = optional(f.Speed, "%.2f")
	row[6] = optional(f.Bearing, "%.1f")
	row[7] = fmt.Sprintf("%.1f", f.Accuracy)
	row[8] = strconv.Itoa(f.Satellites)
	row[9] = strconv.Itoa(f.Quality)
	row[10] = fmt.Sprintf("%.1f", f.PDOP)
	row[11] = fmt.Sprintf("%.1f", f.HDOP)
	row[12] = fmt.Sprintf("%.1f", f.VDOP)
	row[13] = strconv.Itoa(l.inView)
	row[14] = strconv.Itoa(l.used)
	return row
}

func optional(v *float64, format string) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf(format, *v)
}

func usedCount(s *gps.SatelliteStatus) int {
	n := 0
	for i := 0; i < s.Count && i < gps.MaxSatellites; i++ {
		if s.UsedInFix(s.PRNs[i]) {
			n++
		}
	}
	return n
}
