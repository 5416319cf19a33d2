package transport

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/gpsbridge/internal/gps"
)

// DemoCapability simulates a receiver driving in a circle. Every connect
// returns a fresh stream that emits RMC, GGA, GSA and GSV once per Interval.
type DemoCapability struct {
	Interval time.Duration
	Now      func() time.Time
}

// NewDemo creates a simulated receiver at 1 Hz.
func NewDemo() *DemoCapability {
	return &DemoCapability{Interval: time.Second, Now: time.Now}
}

func (c *DemoCapability) Name() string        { return "Demo GPS (Simulated)" }
func (c *DemoCapability) ListenEnabled() bool { return true }

func (c *DemoCapability) Connect(ctx context.Context, deviceID string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "connect", Device: deviceID, Err: err}
	}
	interval := c.Interval
	if interval <= 0 {
		interval = time.Second
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	pr, pw := io.Pipe()
	s := &demoStream{pr: pr, pw: pw, done: make(chan struct{})}
	go s.run(interval, now)
	return s, nil
}

type demoStream struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func (s *demoStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Write accepts and discards commands sent to the receiver.
func (s *demoStream) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
		return len(p), nil
	}
}

func (s *demoStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.pr.Close()
	})
	return nil
}

func (s *demoStream) run(interval time.Duration, now func() time.Time) {
	defer s.pw.Close()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var t float64
	for {
		block := demoSentences(now().UTC(), t)
		if _, err := io.WriteString(s.pw, block); err != nil {
			return
		}
		t += interval.Seconds()
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// demoSatellites are the PRNs in view; the first eight are used in the fix.
var demoSatellites = []int{2, 5, 7, 9, 13, 16, 20, 23, 26, 29, 30}

// demoSentences renders one epoch of the simulated drive at time t seconds.
func demoSentences(ts time.Time, t float64) string {
	const (
		centerLat = 43.6532 // Toronto
		centerLon = -79.3832
		radius    = 0.005 // ~500m
	)
	lat := centerLat + radius*math.Sin(t*0.01)
	lon := centerLon + radius*math.Cos(t*0.01)
	speedKmh := 50 + 30*math.Sin(t*0.03) + rand.Float64()*5
	heading := math.Mod(t*10, 360)
	const hdop = 0.8

	hms := ts.Format("150405.00")
	dmy := ts.Format("020106")
	latS, latH := formatNMEACoord(lat, 'N', 'S', 2)
	lonS, lonH := formatNMEACoord(lon, 'E', 'W', 3)

	var b strings.Builder
	line := func(payload string) {
		b.WriteString(gps.FormatSentence(payload))
		b.WriteString("\r\n")
	}
	line(fmt.Sprintf("GPRMC,%s,A,%s,%c,%s,%c,%.1f,%.1f,%s,,,A",
		hms, latS, latH, lonS, lonH, speedKmh/1.852, heading, dmy))
	line(fmt.Sprintf("GPGGA,%s,%s,%c,%s,%c,1,%02d,%.1f,76.0,M,-35.0,M,,",
		hms, latS, latH, lonS, lonH, len(demoSatellites), hdop))

	used := make([]string, 12)
	for i := 0; i < 8; i++ {
		used[i] = fmt.Sprintf("%02d", demoSatellites[i])
	}
	line(fmt.Sprintf("GPGSA,A,3,%s,1.5,%.1f,1.2", strings.Join(used, ","), hdop))

	total := (len(demoSatellites) + 3) / 4
	for idx := 0; idx < total; idx++ {
		var sats []string
		for j := idx * 4; j < len(demoSatellites) && j < idx*4+4; j++ {
			prn := demoSatellites[j]
			elev := 15 + (prn*7)%70
			az := (prn*37 + int(t)) % 360
			snr := 25 + (prn*3)%20
			sats = append(sats, fmt.Sprintf("%02d,%02d,%03d,%02d", prn, elev, az, snr))
		}
		line(fmt.Sprintf("GPGSV,%d,%d,%02d,%s", total, idx+1, len(demoSatellites), strings.Join(sats, ",")))
	}
	return b.String()
}

// formatNMEACoord renders decimal degrees as (d)ddmm.mmmm with a hemisphere.
func formatNMEACoord(v float64, pos, neg byte, degDigits int) (string, byte) {
	h := pos
	if v < 0 {
		h = neg
		v = -v
	}
	deg := math.Floor(v)
	mins := (v - deg) * 60
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(deg), mins), h
}
