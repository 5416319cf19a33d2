package server

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/config"
	"github.com/shaunagostinho/gpsbridge/internal/provider"
	"github.com/shaunagostinho/gpsbridge/internal/settings"
)

// KV is the persistence the trip meter needs; settings.Store satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// TripData is the trip meter info sent to clients.
type TripData struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// minMoveM is the smallest position change that counts as movement.
const minMoveM = 2.0

// TripMeter accumulates distance from valid fixes. It is a provider
// listener; totals are persisted through a KV store.
type TripMeter struct {
	mu       sync.Mutex
	minSpeed float64
	maxJump  float64
	store    KV
	log      *zap.Logger

	total, trip float64 // meters
	lastLat     float64
	lastLon     float64
	lastValid   bool
	dirty       bool
}

// NewTripMeter creates a trip meter and loads persisted totals.
func NewTripMeter(ctx context.Context, cfg config.TripConfig, store KV, log *zap.Logger) *TripMeter {
	m := &TripMeter{
		minSpeed: cfg.MinSpeedMS,
		maxJump:  cfg.MaxJumpM,
		store:    store,
		log:      log,
	}
	if m.maxJump <= 0 {
		m.maxJump = 500
	}
	m.total = m.load(ctx, settings.KeyOdometerTotal)
	m.trip = m.load(ctx, settings.KeyTripDistance)
	log.Info("trip: loaded", zap.Float64("total_km", m.total/1000), zap.Float64("trip_km", m.trip/1000))
	return m
}

func (m *TripMeter) load(ctx context.Context, key string) float64 {
	if m.store == nil {
		return 0
	}
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.log.Warn("trip: load failed", zap.String("key", key), zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		m.log.Warn("trip: bad stored value", zap.String("key", key), zap.String("value", v))
		return 0
	}
	return f
}

// Deliver implements provider.Listener.
func (m *TripMeter) Deliver(ev provider.Event) error {
	switch {
	case ev.Type == provider.EventFix && ev.Fix != nil && ev.Fix.Valid:
		if ev.Fix.Speed != nil && *ev.Fix.Speed < m.minSpeed {
			return nil // Only accumulate if moving
		}
		m.update(ev.Fix.Latitude, ev.Fix.Longitude)
	case ev.Type == provider.EventStatus && ev.Status == provider.StatusStopped:
		// Next fix after a restart seeds a new position.
		m.mu.Lock()
		m.lastValid = false
		m.mu.Unlock()
	}
	return nil
}

func (m *TripMeter) update(lat, lon float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastValid {
		// First valid fix seeds the position
		m.lastLat, m.lastLon, m.lastValid = lat, lon, true
		return
	}

	dist := haversineM(m.lastLat, m.lastLon, lat, lon)

	// Ignore jumps (receiver glitch or reconnect far away)
	if dist > m.maxJump {
		m.lastLat, m.lastLon = lat, lon
		return
	}

	if dist > minMoveM {
		m.total += dist
		m.trip += dist
		m.lastLat, m.lastLon = lat, lon
		m.dirty = true
	}
}

// Totals returns the current totals in km.
func (m *TripMeter) Totals() TripData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TripData{
		Total: math.Round(m.total/100) / 10,
		Trip:  math.Round(m.trip/100) / 10,
	}
}

// ResetTrip zeroes the trip distance.
func (m *TripMeter) ResetTrip() {
	m.mu.Lock()
	m.trip = 0
	m.dirty = true
	m.mu.Unlock()
}

// Save persists the totals if they changed.
func (m *TripMeter) Save(ctx context.Context) error {
	m.mu.Lock()
	total, trip, dirty := m.total, m.trip, m.dirty
	m.dirty = false
	m.mu.Unlock()

	if !dirty || m.store == nil {
		return nil
	}
	if err := m.store.Set(ctx, settings.KeyOdometerTotal, strconv.FormatFloat(total, 'f', 3, 64)); err != nil {
		return err
	}
	return m.store.Set(ctx, settings.KeyTripDistance, strconv.FormatFloat(trip, 'f', 3, 64))
}

// Run persists the totals every interval and once more on shutdown.
func (m *TripMeter) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.Save(context.Background()); err != nil {
				m.log.Error("trip: save failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := m.Save(ctx); err != nil {
				m.log.Error("trip: save failed", zap.Error(err))
			}
		}
	}
}

// haversineM calculates the great-circle distance between two lat/lon points.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0 // Earth radius m
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
