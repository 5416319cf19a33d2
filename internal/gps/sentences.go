package gps

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SentenceType is the closed set of sentences the decoder understands.
type SentenceType int

const (
	SentenceUnknown SentenceType = iota
	SentenceRMC
	SentenceGGA
	SentenceGSA
	SentenceGSV
)

func (t SentenceType) String() string {
	switch t {
	case SentenceRMC:
		return "RMC"
	case SentenceGGA:
		return "GGA"
	case SentenceGSA:
		return "GSA"
	case SentenceGSV:
		return "GSV"
	default:
		return "unknown"
	}
}

// sentenceIDs maps the five-character sentence id to its type. GPS, GNSS,
// GLONASS and Galileo talkers share the same layouts.
//
// Only GPGSV feeds the satellite snapshot: the masks index GPS PRNs 1-32 and
// a multi-GNSS receiver sends one GSV group per constellation.
var sentenceIDs = func() map[string]SentenceType {
	m := make(map[string]SentenceType)
	for _, talker := range []string{"GP", "GN", "GL", "GA"} {
		m[talker+"RMC"] = SentenceRMC
		m[talker+"GGA"] = SentenceGGA
		m[talker+"GSA"] = SentenceGSA
		m[talker+"GSV"] = SentenceGSV
	}
	return m
}()

// sentence is the parsed, not yet applied, content of one line.
type sentence interface {
	apply(d *Decoder, now time.Time)
}

// parsers is indexed by SentenceType. Parse functions only read their
// fields; all state changes happen in apply.
var parsers = [...]func(f []string) (sentence, error){
	SentenceRMC: parseRMC,
	SentenceGGA: parseGGA,
	SentenceGSA: parseGSA,
	SentenceGSV: parseGSV,
}

const gpsTalker = "GP"

var (
	errShortSentence = errors.New("too few fields")
	errEmptyField    = errors.New("empty field")
	errBadHemisphere = errors.New("bad hemisphere")
	errShortChecksum = errors.New("short checksum")
)

// rmcSentence: Recommended Minimum Specific GNSS Data
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
type rmcSentence struct {
	tod     time.Duration
	hasTime bool
	date    time.Time
	hasDate bool
	active  bool

	lat, lon float64
	speedKn  *float64
	course   *float64
}

func parseRMC(f []string) (sentence, error) {
	if len(f) < 10 {
		return nil, &ParseError{Sentence: f[0], Field: len(f), Err: errShortSentence}
	}
	var r rmcSentence
	var err error
	if r.tod, r.hasTime, err = parseTimeOfDay(f[1]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 1, Err: err}
	}
	if r.date, r.hasDate, err = parseDate(f[9]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 9, Err: err}
	}
	if strings.TrimSpace(f[2]) != "A" {
		return r, nil
	}
	r.active = true
	if r.lat, err = parseNMEACoord(f[3], f[4]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 3, Err: err}
	}
	if r.lon, err = parseNMEACoord(f[5], f[6]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 5, Err: err}
	}
	if r.speedKn, err = parseOptionalFloat(f[7]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 7, Err: err}
	}
	if r.course, err = parseOptionalFloat(f[8]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 8, Err: err}
	}
	return r, nil
}

func (r rmcSentence) apply(d *Decoder, now time.Time) {
	if r.hasTime {
		ts := combineDateTime(now, r.date, r.hasDate, r.tod)
		d.fix.Time = ts
		d.rmcTime = true
		d.rate.observe(ts)
	}
	if !r.active {
		return
	}
	d.fix.Latitude = r.lat
	d.fix.Longitude = r.lon
	if r.speedKn != nil {
		v := *r.speedKn * knotsToMetersPerSecond
		d.fix.Speed = &v
	}
	if r.course != nil {
		v := math.Mod(*r.course+360.0, 360.0)
		d.fix.Bearing = &v
	}
	d.fix.Valid = true
}

// ggaSentence: Global Positioning System Fix Data
//
//	0: talker+type
//	1: time
//	2: latitude
//	3: N/S
//	4: longitude
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters)
type ggaSentence struct {
	tod     time.Duration
	hasTime bool
	quality int

	lat, lon float64
	sats     int
	hdop     float64
	alt      *float64
}

func parseGGA(f []string) (sentence, error) {
	if len(f) < 10 {
		return nil, &ParseError{Sentence: f[0], Field: len(f), Err: errShortSentence}
	}
	var g ggaSentence
	var err error
	if q := strings.TrimSpace(f[6]); q != "" {
		if g.quality, err = strconv.Atoi(q); err != nil {
			return nil, &ParseError{Sentence: f[0], Field: 6, Err: err}
		}
	}
	if g.quality == 0 {
		return g, nil
	}
	if g.tod, g.hasTime, err = parseTimeOfDay(f[1]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 1, Err: err}
	}
	if g.lat, err = parseNMEACoord(f[2], f[3]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 2, Err: err}
	}
	if g.lon, err = parseNMEACoord(f[4], f[5]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 4, Err: err}
	}
	if s := strings.TrimSpace(f[7]); s != "" {
		if g.sats, err = strconv.Atoi(s); err != nil {
			return nil, &ParseError{Sentence: f[0], Field: 7, Err: err}
		}
	}
	if hdop, err := parseOptionalFloat(f[8]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 8, Err: err}
	} else if hdop != nil {
		g.hdop = *hdop
	}
	if g.alt, err = parseOptionalFloat(f[9]); err != nil {
		return nil, &ParseError{Sentence: f[0], Field: 9, Err: err}
	}
	return g, nil
}

func (g ggaSentence) apply(d *Decoder, now time.Time) {
	d.fix.Quality = g.quality
	if g.quality == 0 {
		d.fix.Valid = false
		return
	}
	if g.hasTime && !d.rmcTime {
		d.fix.Time = combineDateTime(now, time.Time{}, false, g.tod)
	}
	d.fix.Latitude = g.lat
	d.fix.Longitude = g.lon
	d.fix.Satellites = g.sats
	d.fix.Altitude = g.alt
	d.fix.Accuracy = g.hdop * hdopAccuracyFactor
	d.fix.Valid = true
}

// gsaSentence: GNSS DOP and Active Satellites
//
//	0: talker+type
//	1: selection mode (A/M)
//	2: fix type (1=none, 2=2D, 3=3D)
//	3-14: PRNs used for fix
//	15: PDOP
//	16: HDOP
//	17: VDOP
type gsaSentence struct {
	noFix            bool
	prns             []int
	pdop, hdop, vdop float64
}

func parseGSA(f []string) (sentence, error) {
	if len(f) < 18 {
		return nil, &ParseError{Sentence: f[0], Field: len(f), Err: errShortSentence}
	}
	if strings.TrimSpace(f[2]) == "1" {
		return gsaSentence{noFix: true}, nil
	}
	var g gsaSentence
	for i := 3; i <= 14; i++ {
		s := strings.TrimSpace(f[i])
		if s == "" {
			continue
		}
		prn, err := strconv.Atoi(s)
		if err != nil {
			return nil, &ParseError{Sentence: f[0], Field: i, Err: err}
		}
		g.prns = append(g.prns, prn)
	}
	dops := []*float64{&g.pdop, &g.hdop, &g.vdop}
	for i, dst := range dops {
		v, err := parseOptionalFloat(f[15+i])
		if err != nil {
			return nil, &ParseError{Sentence: f[0], Field: 15 + i, Err: err}
		}
		if v != nil {
			*dst = *v
		}
	}
	return g, nil
}

func (g gsaSentence) apply(d *Decoder, _ time.Time) {
	if g.noFix {
		return
	}
	if !d.gsaSeen {
		d.usedMask = 0
		d.gsaSeen = true
	}
	for _, prn := range g.prns {
		if prn >= 1 && prn <= MaxSatellites {
			d.usedMask |= 1 << uint(prn-1)
		}
	}
	d.fix.PDOP = g.pdop
	d.fix.HDOP = g.hdop
	d.fix.VDOP = g.vdop
}

// gsvSentence: GNSS Satellites in View
//
//	0: talker+type
//	1: total sentences in group
//	2: this sentence index (1-based)
//	3: satellites in view
//	4+4n: PRN, elevation, azimuth, SNR
type gsvSentence struct {
	talker              string
	total, index, count int
	sats                [4]gsvSatellite
	n                   int
}

type gsvSatellite struct {
	present   bool
	prn       int
	elevation float64
	azimuth   float64
	snr       float64
	hasOrbit  bool
}

func parseGSV(f []string) (sentence, error) {
	if len(f) < 4 {
		return nil, &ParseError{Sentence: f[0], Field: len(f), Err: errShortSentence}
	}
	var g gsvSentence
	if len(f[0]) >= 2 {
		g.talker = f[0][:2]
	}
	ints := []*int{&g.total, &g.index, &g.count}
	for i, dst := range ints {
		v, err := strconv.Atoi(strings.TrimSpace(f[1+i]))
		if err != nil {
			return nil, &ParseError{Sentence: f[0], Field: 1 + i, Err: err}
		}
		*dst = v
	}
	if g.total < 1 || g.index < 1 || g.index > g.total || g.count < 0 {
		return nil, &ParseError{Sentence: f[0], Field: 2, Err: fmt.Errorf("bad group %d/%d", g.index, g.total)}
	}
	for j := 0; j < 4; j++ {
		base := 4 + j*4
		if base >= len(f) {
			break
		}
		g.n = j + 1
		s := strings.TrimSpace(f[base])
		if s == "" {
			continue
		}
		prn, err := strconv.Atoi(s)
		if err != nil {
			return nil, &ParseError{Sentence: f[0], Field: base, Err: err}
		}
		sat := gsvSatellite{present: true, prn: prn}
		vals := []*float64{&sat.elevation, &sat.azimuth, &sat.snr}
		seen := 0
		for k, dst := range vals {
			if base+1+k >= len(f) {
				break
			}
			v, err := parseOptionalFloat(f[base+1+k])
			if err != nil {
				return nil, &ParseError{Sentence: f[0], Field: base + 1 + k, Err: err}
			}
			if v != nil {
				*dst = *v
				if k < 2 {
					seen++
				}
			}
		}
		sat.hasOrbit = seen == 2
		g.sats[j] = sat
	}
	return g, nil
}

func (g gsvSentence) apply(d *Decoder, _ time.Time) {
	if g.talker != gpsTalker {
		return
	}
	if g.index == 1 {
		d.work = SatelliteStatus{}
		d.workTotal = g.total
		d.workNext = 1
		d.inGroup = true
	}
	if !d.inGroup || g.index != d.workNext || g.total != d.workTotal {
		// Out of sequence; drop the group and wait for the next index 1.
		d.inGroup = false
		return
	}

	count := g.count
	if count > MaxSatellites {
		count = MaxSatellites
	}
	d.work.Count = count
	for j := 0; j < g.n; j++ {
		slot := (g.index-1)*4 + j
		if slot >= count {
			break
		}
		sat := g.sats[j]
		if !sat.present {
			continue
		}
		d.work.PRNs[slot] = sat.prn
		d.work.Elevations[slot] = sat.elevation
		d.work.Azimuths[slot] = sat.azimuth
		d.work.SNRs[slot] = sat.snr
		if sat.hasOrbit && sat.prn >= 1 && sat.prn <= MaxSatellites {
			bit := uint32(1) << uint(sat.prn-1)
			d.work.EphemerisMask |= bit
			d.work.AlmanacMask |= bit
		}
	}
	d.workNext++

	if g.index == g.total {
		d.sats = d.work
		d.satGen++
		d.inGroup = false
	}
}

func parseOptionalFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parseTimeOfDay parses hhmmss[.sss] into an offset from midnight.
func parseTimeOfDay(s string) (time.Duration, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	if len(s) < 6 {
		return 0, false, fmt.Errorf("bad time %q", s)
	}
	hh, err1 := strconv.Atoi(s[0:2])
	mm, err2 := strconv.Atoi(s[2:4])
	sec, err3 := strconv.ParseFloat(s[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil || hh > 23 || mm > 59 || sec < 0 || sec >= 61 {
		return 0, false, fmt.Errorf("bad time %q", s)
	}
	tod := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute +
		time.Duration(math.Round(sec*1000))*time.Millisecond
	return tod, true, nil
}

// parseDate parses ddmmyy.
func parseDate(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse("020106", s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad date %q", s)
	}
	return t, true, nil
}

// combineDateTime builds an absolute UTC timestamp. Without a sentence date
// the receive clock supplies the day; a time-of-day more than 12h away from
// the clock is taken to be on the neighbouring day.
func combineDateTime(now time.Time, date time.Time, hasDate bool, tod time.Duration) time.Time {
	if hasDate {
		y, m, d := date.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(tod)
	}
	now = now.UTC()
	y, m, d := now.Date()
	ts := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(tod)
	switch {
	case ts.Sub(now) > 12*time.Hour:
		ts = ts.AddDate(0, 0, -1)
	case now.Sub(ts) > 12*time.Hour:
		ts = ts.AddDate(0, 0, 1)
	}
	return ts
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) (float64, error) {
	raw = strings.TrimSpace(raw)
	dir = strings.ToUpper(strings.TrimSpace(dir))
	if raw == "" {
		return 0, errEmptyField
	}
	if dir != "N" && dir != "S" && dir != "E" && dir != "W" {
		return 0, errBadHemisphere
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result, nil
}
