package gps

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

var testNow = time.Date(2025, 12, 22, 12, 0, 0, 0, time.UTC)

func nmeaLine(payload string) string {
	return FormatSentence(payload)
}

func near(a, b, eps float64) bool { return math.Abs(a-b) <= eps }

func TestChecksum_KnownSentence(t *testing.T) {
	line := nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
	want := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	if line != want {
		t.Fatalf("FormatSentence=%q want %q", line, want)
	}
}

func TestDecoder_GGAScenario(t *testing.T) {
	d := NewDecoder()
	b := d.Decode(testNow, []string{"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"})
	if len(b.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", b.Errors)
	}
	fix := d.Fix()
	if !fix.Valid || !d.Valid() {
		t.Fatalf("expected valid fix")
	}
	if !near(fix.Latitude, 48.1173, 1e-4) {
		t.Fatalf("lat=%v", fix.Latitude)
	}
	if !near(fix.Longitude, 11.5167, 1e-4) {
		t.Fatalf("lon=%v", fix.Longitude)
	}
	if fix.Satellites != 8 {
		t.Fatalf("satellites=%d want 8", fix.Satellites)
	}
	if !near(fix.Accuracy, 3.6, 1e-9) {
		t.Fatalf("accuracy=%v want 3.6", fix.Accuracy)
	}
	if fix.Altitude == nil || !near(*fix.Altitude, 545.4, 1e-9) {
		t.Fatalf("altitude=%v", fix.Altitude)
	}
	if fix.Quality != 1 {
		t.Fatalf("quality=%d", fix.Quality)
	}
	if fix.Time.Hour() != 12 || fix.Time.Minute() != 35 || fix.Time.Second() != 19 {
		t.Fatalf("time=%v", fix.Time)
	}
}

func TestDecoder_GGAQualityZeroKeepsPreviousPosition(t *testing.T) {
	d := NewDecoder()
	d.Decode(testNow, []string{"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"})
	before := d.Fix()

	b := d.Decode(testNow, []string{"$GPGGA,123519,4807.038,N,01131.000,E,0,08,0.9,545.4,M,46.9,M,,*46"})
	if len(b.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", b.Errors)
	}
	after := d.Fix()
	if after.Valid {
		t.Fatalf("expected invalid fix")
	}
	if after.Latitude != before.Latitude || after.Longitude != before.Longitude {
		t.Fatalf("position changed: before=%v,%v after=%v,%v", before.Latitude, before.Longitude, after.Latitude, after.Longitude)
	}
}

func TestDecoder_GGAQualityZeroOverridesRMC(t *testing.T) {
	d := NewDecoder()
	d.Reset()
	d.Decode(testNow, []string{
		nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		nmeaLine("GPGGA,123519,,,,,0,00,,,M,,M,,"),
	})
	if d.Valid() {
		t.Fatalf("GGA quality 0 must clear validity set by RMC")
	}
	if d.Fix().Latitude == 0 {
		t.Fatalf("RMC position should still be present")
	}
}

func TestDecoder_CorruptRMCThenGGA(t *testing.T) {
	d := NewDecoder()
	d.Reset()
	rmc := nmeaLine("GPRMC,120000,A,5130.000,N,00007.000,W,010.0,090.0,010125,,")
	bad := rmc[:len(rmc)-2] + "00"
	b := d.Decode(testNow, []string{
		bad,
		"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47",
	})

	if len(b.Errors) != 1 {
		t.Fatalf("errors=%v want exactly one", b.Errors)
	}
	var ce *ChecksumError
	if !errors.As(b.Errors[0], &ce) {
		t.Fatalf("expected ChecksumError, got %T", b.Errors[0])
	}
	if len(b.Sentences) != 1 || b.Sentences[0].Type != SentenceGGA {
		t.Fatalf("sentences=%+v", b.Sentences)
	}

	fix := d.Fix()
	if !fix.Valid || !near(fix.Latitude, 48.1173, 1e-4) || !near(fix.Longitude, 11.5167, 1e-4) {
		t.Fatalf("fix does not reflect GGA: %+v", fix)
	}
	if fix.Speed != nil || fix.Bearing != nil {
		t.Fatalf("corrupt RMC leaked speed/bearing: %+v", fix)
	}
	if fix.Time.Minute() != 35 {
		t.Fatalf("time from corrupt RMC leaked: %v", fix.Time)
	}
	if got := d.RefreshRate(); got != MaxRefreshRate {
		t.Fatalf("refresh rate changed by corrupt line: %v", got)
	}
}

func TestDecoder_RMCActive(t *testing.T) {
	d := NewDecoder()
	d.Decode(testNow, []string{nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")})
	fix := d.Fix()
	if !fix.Valid {
		t.Fatalf("expected valid")
	}
	want := time.Date(1994, 3, 23, 12, 35, 19, 0, time.UTC)
	if !fix.Time.Equal(want) {
		t.Fatalf("time=%v want %v", fix.Time, want)
	}
	if fix.Speed == nil || !near(*fix.Speed, 22.4*knotsToMetersPerSecond, 1e-9) {
		t.Fatalf("speed=%v", fix.Speed)
	}
	if fix.Bearing == nil || !near(*fix.Bearing, 84.4, 1e-9) {
		t.Fatalf("bearing=%v", fix.Bearing)
	}
}

func TestDecoder_RMCVoidIgnoresPosition(t *testing.T) {
	d := NewDecoder()
	d.Decode(testNow, []string{nmeaLine("GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")})
	fix := d.Fix()
	if fix.Valid {
		t.Fatalf("void RMC must not assert a fix")
	}
	if fix.Latitude != 0 || fix.Longitude != 0 || fix.Speed != nil || fix.Bearing != nil {
		t.Fatalf("void RMC applied position: %+v", fix)
	}
}

func TestDecoder_RMCWithoutDateUsesClock(t *testing.T) {
	d := NewDecoder()
	now := time.Date(2025, 6, 1, 0, 0, 5, 0, time.UTC)
	d.Decode(now, []string{nmeaLine("GPRMC,235959,A,4807.038,N,01131.000,E,,,,,")})
	want := time.Date(2025, 5, 31, 23, 59, 59, 0, time.UTC)
	if got := d.Fix().Time; !got.Equal(want) {
		t.Fatalf("time=%v want %v (day rollover)", got, want)
	}
}

func TestDecoder_LineWithoutChecksumAccepted(t *testing.T) {
	d := NewDecoder()
	b := d.Decode(testNow, []string{"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"})
	if len(b.Errors) != 0 || !d.Valid() {
		t.Fatalf("errors=%v valid=%v", b.Errors, d.Valid())
	}
}

func TestDecoder_UnknownSentencePassedThrough(t *testing.T) {
	d := NewDecoder()
	vtg := nmeaLine("GPVTG,054.7,T,034.4,M,005.5,N,010.2,K")
	b := d.Decode(testNow, []string{vtg, "garbage", ""})
	if len(b.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", b.Errors)
	}
	if len(b.Sentences) != 1 {
		t.Fatalf("sentences=%+v", b.Sentences)
	}
	s := b.Sentences[0]
	if s.Type != SentenceUnknown || s.ID != "GPVTG" || s.Text != vtg {
		t.Fatalf("sentence=%+v", s)
	}
	if d.Valid() {
		t.Fatalf("unknown sentence must not assert a fix")
	}
}

func TestDecoder_ParseErrorDoesNotAbortBatch(t *testing.T) {
	d := NewDecoder()
	b := d.Decode(testNow, []string{
		nmeaLine("GPRMC,12xx19,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47",
	})
	if len(b.Errors) != 1 {
		t.Fatalf("errors=%v", b.Errors)
	}
	var pe *ParseError
	if !errors.As(b.Errors[0], &pe) || pe.Field != 1 {
		t.Fatalf("expected ParseError on field 1, got %v", b.Errors[0])
	}
	// Both lines are still forwarded raw; only the GGA was applied.
	if len(b.Sentences) != 2 {
		t.Fatalf("sentences=%d", len(b.Sentences))
	}
	if !d.Valid() || d.Fix().Speed != nil {
		t.Fatalf("fix=%+v", d.Fix())
	}
}

func TestDecoder_GSAUsedMaskAndDOP(t *testing.T) {
	d := NewDecoder()
	d.Reset()
	d.Decode(testNow, []string{nmeaLine("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1")})
	fix := d.Fix()
	if fix.PDOP != 2.5 || fix.HDOP != 1.3 || fix.VDOP != 2.1 {
		t.Fatalf("dop=%v/%v/%v", fix.PDOP, fix.HDOP, fix.VDOP)
	}
	if fix.Valid || fix.Latitude != 0 || fix.Satellites != 0 {
		t.Fatalf("GSA touched fields it does not own: %+v", fix)
	}
	want := uint32(1<<3 | 1<<4 | 1<<8 | 1<<11 | 1<<23)
	if d.usedMask != want {
		t.Fatalf("used mask=%b want %b", d.usedMask, want)
	}
}

func TestDecoder_GSANoFixIgnored(t *testing.T) {
	d := NewDecoder()
	d.Decode(testNow, []string{nmeaLine("GPGSA,A,1,04,05,,,,,,,,,,,9.9,9.9,9.9")})
	if d.usedMask != 0 || d.Fix().PDOP != 0 {
		t.Fatalf("no-fix GSA applied: mask=%b fix=%+v", d.usedMask, d.Fix())
	}
}

func gsvGroup() []string {
	return []string{
		nmeaLine("GPGSV,2,1,07,04,45,120,40,05,30,200,35,09,10,300,,12,60,045,42"),
		nmeaLine("GPGSV,2,2,07,24,20,090,30,25,,,,29,05,010,18"),
	}
}

func TestDecoder_GSVReadyOnlyAfterLastSentence(t *testing.T) {
	d := NewDecoder()
	group := gsvGroup()

	d.Decode(testNow, group[:1])
	if _, _, ready := d.Satellites(); ready {
		t.Fatalf("ready before the group completed")
	}

	d.Decode(testNow, group[1:])
	st, gen, ready := d.Satellites()
	if !ready || gen != 1 {
		t.Fatalf("ready=%v gen=%d", ready, gen)
	}
	if st.Count != 7 {
		t.Fatalf("count=%d", st.Count)
	}
	wantPRN := []int{4, 5, 9, 12, 24, 25, 29}
	for i, prn := range wantPRN {
		if st.PRNs[i] != prn {
			t.Fatalf("prn[%d]=%d want %d", i, st.PRNs[i], prn)
		}
	}
	if st.SNRs[3] != 42 || st.Elevations[4] != 20 || st.Azimuths[6] != 10 {
		t.Fatalf("arrays=%+v", st)
	}
	// PRN 25 has no elevation/azimuth, so no orbit bits.
	if st.EphemerisMask&(1<<24) != 0 || st.EphemerisMask&(1<<3) == 0 || st.AlmanacMask != st.EphemerisMask {
		t.Fatalf("masks eph=%b alm=%b", st.EphemerisMask, st.AlmanacMask)
	}
}

func TestDecoder_GSVPartialGroupKeepsPreviousSnapshot(t *testing.T) {
	d := NewDecoder()
	d.Decode(testNow, gsvGroup())
	first, gen, _ := d.Satellites()

	d.Decode(testNow, []string{nmeaLine("GPGSV,3,1,10,01,45,120,40,02,30,200,35,03,10,300,20,06,60,045,42")})
	mid, midGen, ready := d.Satellites()
	if !ready || midGen != gen || mid != first {
		t.Fatalf("partial group leaked into snapshot")
	}
}

func TestDecoder_GSVOutOfSequenceAbandonsGroup(t *testing.T) {
	d := NewDecoder()
	d.Decode(testNow, []string{
		nmeaLine("GPGSV,3,1,10,01,45,120,40,02,30,200,35,03,10,300,20,06,60,045,42"),
		nmeaLine("GPGSV,3,3,10,07,45,120,40,08,30,200,35"),
	})
	if _, _, ready := d.Satellites(); ready {
		t.Fatalf("out-of-sequence group must not complete")
	}
}

func TestDecoder_UsedMaskCarriedIntoSnapshot(t *testing.T) {
	d := NewDecoder()
	d.Reset()
	lines := append([]string{nmeaLine("GPGSA,A,3,04,12,,,,,,,,,,,2.5,1.3,2.1")}, gsvGroup()...)
	d.Decode(testNow, lines)
	st, _, _ := d.Satellites()
	if !st.UsedInFix(4) || !st.UsedInFix(12) || st.UsedInFix(5) {
		t.Fatalf("used mask=%b", st.UsedInFixMask)
	}
}

func TestDecoder_ResetKeepsSatellitesAndRate(t *testing.T) {
	d := NewDecoder()
	for i := 0; i < 6; i++ {
		d.Reset()
		d.Decode(testNow, []string{nmeaLine(fmt.Sprintf("GPRMC,1200%02d.%d0,A,4807.038,N,01131.000,E,,,010125,,", i/5, (i%5)*2))})
	}
	d.Decode(testNow, gsvGroup())
	rate := d.RefreshRate()
	st, gen, _ := d.Satellites()

	d.Reset()
	if d.Valid() || d.Fix().Latitude != 0 {
		t.Fatalf("reset left transient fields: %+v", d.Fix())
	}
	if d.RefreshRate() != rate {
		t.Fatalf("reset changed refresh rate")
	}
	if st2, gen2, ready := d.Satellites(); !ready || gen2 != gen || st2 != st {
		t.Fatalf("reset changed satellites")
	}
}

func TestDecoder_RefreshRateEstimate(t *testing.T) {
	tests := []struct {
		name   string
		stepMs int
		want   time.Duration
		tol    time.Duration
	}{
		{"1Hz", 1000, 1000 * time.Millisecond, 0},
		{"5Hz", 200, 200 * time.Millisecond, 5 * time.Millisecond},
		{"20Hz clamps", 50, MinRefreshRate, 0},
		{"slow clamps", 3000, MaxRefreshRate, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDecoder()
			start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 20; i++ {
				ts := start.Add(time.Duration(i*tc.stepMs) * time.Millisecond)
				payload := fmt.Sprintf("GPRMC,%s,A,4807.038,N,01131.000,E,,,010125,,", ts.Format("150405.000"))
				d.Reset()
				d.Decode(testNow, []string{nmeaLine(payload)})
			}
			got := d.RefreshRate()
			if got < tc.want-tc.tol || got > tc.want+tc.tol {
				t.Fatalf("rate=%v want %v±%v", got, tc.want, tc.tol)
			}
		})
	}
}

func TestDecoder_MatchesGoNMEA(t *testing.T) {
	lines := []string{
		nmeaLine("GPRMC,081836,A,3751.65,S,14507.36,E,000.0,360.0,130998,011.3,E"),
		"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47",
	}
	for _, line := range lines {
		ref, err := nmea.Parse(line)
		if err != nil {
			t.Fatalf("go-nmea parse %q: %v", line, err)
		}
		d := NewDecoder()
		d.Decode(testNow, []string{line})
		fix := d.Fix()

		var lat, lon float64
		switch v := ref.(type) {
		case nmea.RMC:
			lat, lon = v.Latitude, v.Longitude
		case nmea.GGA:
			lat, lon = v.Latitude, v.Longitude
			if int64(fix.Satellites) != v.NumSatellites {
				t.Fatalf("satellites=%d reference=%d", fix.Satellites, v.NumSatellites)
			}
		default:
			t.Fatalf("unexpected reference type %T", ref)
		}
		if !near(fix.Latitude, lat, 1e-9) || !near(fix.Longitude, lon, 1e-9) {
			t.Fatalf("%s: got %v,%v reference %v,%v", ref.DataType(), fix.Latitude, fix.Longitude, lat, lon)
		}
	}
}

func TestDecoder_OtherConstellationGSVDoesNotReplaceGPS(t *testing.T) {
	d := NewDecoder()
	d.Reset()
	b := d.Decode(testNow, []string{
		nmeaLine("GPGSA,A,3,04,05,09,,,,,,,,,,2.5,1.3,2.1"),
		nmeaLine("GPGSV,1,1,03,04,45,120,40,05,30,200,35,09,10,300,20"),
		nmeaLine("GLGSV,1,1,02,65,40,100,38,72,25,210,30"),
	})
	if len(b.Sentences) != 3 {
		t.Fatalf("GLGSV must still pass through: %d sentences", len(b.Sentences))
	}
	st, gen, ready := d.Satellites()
	if !ready || gen != 1 {
		t.Fatalf("ready=%v gen=%d, want one GPS group", ready, gen)
	}
	if st.Count != 3 || st.PRNs[0] != 4 || st.PRNs[1] != 5 || st.PRNs[2] != 9 {
		t.Fatalf("snapshot count=%d prns=%v", st.Count, st.PRNs[:st.Count])
	}
	for _, prn := range []int{4, 5, 9} {
		bit := uint32(1) << uint(prn-1)
		if !st.UsedInFix(prn) || st.EphemerisMask&bit == 0 {
			t.Fatalf("prn %d: used=%b eph=%b", prn, st.UsedInFixMask, st.EphemerisMask)
		}
	}

	// A GLONASS group on its own never publishes a snapshot.
	d2 := NewDecoder()
	d2.Decode(testNow, []string{nmeaLine("GLGSV,1,1,02,65,40,100,38,72,25,210,30")})
	if _, _, ready := d2.Satellites(); ready {
		t.Fatalf("GLGSV group published a snapshot")
	}
}

func TestDecoder_GSAAfterGSVAppliesToSnapshot(t *testing.T) {
	d := NewDecoder()
	d.Reset()
	lines := append(gsvGroup(), nmeaLine("GPGSA,A,3,04,12,,,,,,,,,,,2.5,1.3,2.1"))
	d.Decode(testNow, lines)
	st, _, _ := d.Satellites()
	if !st.UsedInFix(4) || !st.UsedInFix(12) || st.UsedInFix(5) {
		t.Fatalf("used mask=%b", st.UsedInFixMask)
	}
}
