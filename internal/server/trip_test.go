package server

import (
	"context"
	"math"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/gpsbridge/internal/config"
	"github.com/shaunagostinho/gpsbridge/internal/gps"
	"github.com/shaunagostinho/gpsbridge/internal/provider"
)

func fixEvent(lat, lon, speed float64) provider.Event {
	return provider.Event{Type: provider.EventFix, Fix: &gps.Fix{Latitude: lat, Longitude: lon, Speed: &speed, Valid: true}}
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is about 111.19 km.
	d := haversineM(0, 0, 1, 0)
	if math.Abs(d-111195) > 10 {
		t.Fatalf("haversine = %.1f m", d)
	}
	if d := haversineM(43.65, -79.38, 43.65, -79.38); d != 0 {
		t.Fatalf("same point = %v", d)
	}
}

func TestTripMeter_Accumulates(t *testing.T) {
	kv := newMemKV()
	m := NewTripMeter(context.Background(), config.TripConfig{MinSpeedMS: 0.5, MaxJumpM: 500}, kv, zaptest.NewLogger(t))

	// ~111 m north per step.
	m.Deliver(fixEvent(43.0000, -79.0, 10))
	m.Deliver(fixEvent(43.0010, -79.0, 10))
	m.Deliver(fixEvent(43.0020, -79.0, 10))

	got := m.Totals()
	if got.Total != 0.2 || got.Trip != 0.2 {
		t.Fatalf("totals %+v, want 0.2 km", got)
	}

	if err := m.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded := NewTripMeter(context.Background(), config.TripConfig{}, kv, zaptest.NewLogger(t))
	if got := reloaded.Totals(); got.Total != 0.2 {
		t.Fatalf("reloaded %+v", got)
	}
}

func TestTripMeter_IgnoresSlowJumpsAndInvalid(t *testing.T) {
	m := NewTripMeter(context.Background(), config.TripConfig{MinSpeedMS: 0.5, MaxJumpM: 500}, nil, zaptest.NewLogger(t))

	m.Deliver(fixEvent(43.0, -79.0, 10))
	m.Deliver(fixEvent(43.0010, -79.0, 0.1)) // stationary drift
	m.Deliver(fixEvent(44.0, -79.0, 10))     // glitch, reseeds
	m.Deliver(provider.Event{Type: provider.EventFix, Fix: &gps.Fix{Latitude: 45, Longitude: -79}})
	if got := m.Totals(); got.Total != 0 {
		t.Fatalf("totals %+v, want 0", got)
	}

	m.Deliver(fixEvent(44.0010, -79.0, 10))
	if got := m.Totals(); got.Total != 0.1 {
		t.Fatalf("totals %+v, want 0.1", got)
	}
}

func TestTripMeter_StoppedReseeds(t *testing.T) {
	m := NewTripMeter(context.Background(), config.TripConfig{MaxJumpM: 500}, nil, zaptest.NewLogger(t))
	m.Deliver(fixEvent(43.0, -79.0, 10))
	m.Deliver(provider.Event{Type: provider.EventStatus, Status: provider.StatusStopped})
	m.Deliver(fixEvent(43.0010, -79.0, 10))
	if got := m.Totals(); got.Total != 0 {
		t.Fatalf("distance counted across a restart: %+v", got)
	}
}

func TestTripMeter_SaveOnlyWhenDirty(t *testing.T) {
	kv := newMemKV()
	m := NewTripMeter(context.Background(), config.TripConfig{}, kv, zaptest.NewLogger(t))
	if err := m.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(kv.m) != 0 {
		t.Fatalf("clean meter wrote %v", kv.m)
	}
	m.ResetTrip()
	m.Save(context.Background())
	if kv.m["trip.trip_m"] != "0.000" || kv.m["trip.total_m"] != "0.000" {
		t.Fatalf("kv=%v", kv.m)
	}
}
