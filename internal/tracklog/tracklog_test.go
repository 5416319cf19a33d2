package tracklog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/gpsbridge/internal/gps"
	"github.com/shaunagostinho/gpsbridge/internal/provider"
)

func readRows(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "track_*.csv"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	f, err := os.Open(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestLogger_RecordsValidFixesAtInterval(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 1000}, zaptest.NewLogger(t))
	defer l.Close()

	alt := 76.0
	base := time.Date(2025, 12, 22, 12, 0, 0, 0, time.UTC)
	sats := &gps.SatelliteStatus{Count: 2}
	sats.PRNs[0], sats.PRNs[1] = 5, 7
	sats.UsedInFixMask = 1 << 4

	l.Deliver(provider.Event{Type: provider.EventSatellites, Timestamp: base, Satellites: sats})
	for i, off := range []time.Duration{0, 300 * time.Millisecond, time.Second, 2 * time.Second} {
		fix := gps.Fix{Latitude: 43.6532, Longitude: -79.3832 + float64(i)*1e-4, Altitude: &alt, Valid: true, Satellites: 9}
		if err := l.Deliver(provider.Event{Type: provider.EventFix, Timestamp: base.Add(off), Fix: &fix}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	invalid := gps.Fix{Latitude: 1, Longitude: 1}
	l.Deliver(provider.Event{Type: provider.EventFix, Timestamp: base.Add(5 * time.Second), Fix: &invalid})

	rows := readRows(t, dir)
	if len(rows) != 4 { // header + 3 rows; the 300ms fix is inside the interval
		t.Fatalf("rows=%d: %v", len(rows), rows)
	}
	if rows[0][0] != "timestamp" {
		t.Fatalf("header=%v", rows[0])
	}
	r := rows[1]
	if r[2] != "43.653200" || r[4] != "76.0" || r[5] != "" || r[8] != "9" || r[13] != "2" || r[14] != "1" {
		t.Fatalf("row=%v", r)
	}
}

func TestLogger_DisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir}, zaptest.NewLogger(t))
	fix := gps.Fix{Valid: true}
	l.Deliver(provider.Event{Type: provider.EventFix, Timestamp: time.Now(), Fix: &fix})
	if files, _ := filepath.Glob(filepath.Join(dir, "*.csv")); len(files) != 0 {
		t.Fatalf("disabled logger wrote %v", files)
	}
	l.SetEnabled(true)
	if !l.IsEnabled() {
		t.Fatalf("SetEnabled(true) ignored")
	}
	l.Deliver(provider.Event{Type: provider.EventFix, Timestamp: time.Now(), Fix: &fix})
	l.Deliver(provider.Event{Type: provider.EventStatus, Status: provider.StatusStopped})
	if rows := readRows(t, dir); len(rows) != 2 {
		t.Fatalf("rows=%d", len(rows))
	}
}
