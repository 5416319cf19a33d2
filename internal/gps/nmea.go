package gps

import (
	"strconv"
	"strings"
	"time"
)

const (
	knotsToMetersPerSecond = 0.514444
	// hdopAccuracyFactor turns HDOP into a horizontal error estimate in meters.
	hdopAccuracyFactor = 4.0
)

// Sentence is one checksum-clean line of a batch, kept verbatim for raw
// NMEA passthrough whether or not it was parsed.
type Sentence struct {
	Type SentenceType
	ID   string
	Text string
}

// Batch is the outcome of decoding one received chunk.
type Batch struct {
	Sentences []Sentence
	// Errors holds the per-line checksum and parse failures. They never
	// abort the remaining lines.
	Errors []error
}

// Decoder turns NMEA 0183 sentences into a Fix and SatelliteStatus.
// It is not safe for concurrent use; one owner drives Reset/Decode and
// reads the accessors between batches.
type Decoder struct {
	fix     Fix
	rmcTime bool // RMC supplied Fix.Time in this batch
	gsaSeen bool // used-for-fix mask restarted in this batch

	usedMask uint32 // latest GSA, applied to the snapshot on read

	// GSV group under construction. Only copied to sats once complete.
	work      SatelliteStatus
	workNext  int
	workTotal int
	inGroup   bool

	sats   SatelliteStatus
	satGen uint64

	rate refreshEstimator
}

// NewDecoder returns a Decoder with an empty fix and no satellite group.
func NewDecoder() *Decoder {
	return &Decoder{rate: refreshEstimator{rate: MaxRefreshRate}}
}

// Reset clears the transient fix fields before a new batch. Satellite state
// and the refresh-rate estimate are kept.
func (d *Decoder) Reset() {
	d.fix = Fix{}
	d.rmcTime = false
	d.gsaSeen = false
}

// Decode applies every line of one chunk. now supplies the calendar date for
// sentences that only carry a time of day.
func (d *Decoder) Decode(now time.Time, lines []string) Batch {
	var b Batch
	for _, line := range lines {
		s, ok, err := d.DecodeLine(now, line)
		if ok {
			b.Sentences = append(b.Sentences, s)
		}
		if err != nil {
			b.Errors = append(b.Errors, err)
		}
	}
	return b
}

// DecodeLine applies a single line. ok is false when the line was dropped
// (blank, not NMEA, or a checksum failure); a parse error still reports
// ok so the raw sentence can be passed through.
func (d *Decoder) DecodeLine(now time.Time, line string) (Sentence, bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, false, nil
	}
	payload, err := verifySentence(line)
	if err != nil {
		return Sentence{}, false, err
	}

	id := payload
	if len(id) > 5 {
		id = id[:5]
	}
	typ := sentenceIDs[id]
	s := Sentence{Type: typ, ID: id, Text: line}
	if typ == SentenceUnknown {
		return s, true, nil
	}

	parsed, err := parsers[typ](strings.Split(payload, ","))
	if err != nil {
		return s, true, err
	}
	parsed.apply(d, now)
	return s, true, nil
}

// Fix returns a copy of the current fix.
func (d *Decoder) Fix() Fix { return d.fix }

// Valid reports whether a sentence in the current batch asserted a usable fix.
func (d *Decoder) Valid() bool { return d.fix.Valid }

// Satellites returns the last completed GSV group with the current
// used-for-fix mask. gen increases each time a group completes; ready is
// false until the first group has completed.
func (d *Decoder) Satellites() (status SatelliteStatus, gen uint64, ready bool) {
	status = d.sats
	status.UsedInFixMask = d.usedMask
	return status, d.satGen, d.satGen > 0
}

// RefreshRate returns the current fix interval estimate.
func (d *Decoder) RefreshRate() time.Duration { return d.rate.current() }

// verifySentence strips '$' and the optional checksum token and validates
// the XOR checksum when present.
func verifySentence(line string) (string, error) {
	body := line[1:]
	idx := strings.LastIndexByte(body, '*')
	if idx < 0 {
		return body, nil
	}
	payload := body[:idx]
	token := strings.TrimSpace(body[idx+1:])
	if len(token) < 2 {
		return "", &ParseError{Sentence: line, Field: -1, Err: errShortChecksum}
	}
	want, err := strconv.ParseUint(token[:2], 16, 8)
	if err != nil {
		return "", &ParseError{Sentence: line, Field: -1, Err: err}
	}
	if got := Checksum(payload); got != byte(want) {
		return "", &ChecksumError{Line: line, Want: byte(want), Got: got}
	}
	return payload, nil
}

// Checksum is the XOR of every byte between '$' and '*'.
func Checksum(payload string) byte {
	var calc byte
	for i := 0; i < len(payload); i++ {
		calc ^= payload[i]
	}
	return calc
}

// FormatSentence renders a payload as a complete checksummed NMEA line
// without the trailing CR/LF.
func FormatSentence(payload string) string {
	const hex = "0123456789ABCDEF"
	ck := Checksum(payload)
	return "$" + payload + "*" + string([]byte{hex[ck>>4], hex[ck&0x0F]})
}
