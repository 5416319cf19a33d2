package provider

import (
	"time"

	"github.com/shaunagostinho/gpsbridge/internal/gps"
)

// EventType identifies the payload of an Event.
type EventType string

const (
	EventFix        EventType = "fix"
	EventSatellites EventType = "satellites"
	EventNMEA       EventType = "nmea"
	EventStatus     EventType = "status"
)

// StatusKind is the lifecycle change carried by an EventStatus.
type StatusKind string

const (
	StatusStarted     StatusKind = "started"
	StatusStopped     StatusKind = "stopped"
	StatusAvailable   StatusKind = "available"
	StatusUnavailable StatusKind = "unavailable"
	StatusFirstFix    StatusKind = "first_fix"
)

// Event is what listeners receive. Exactly one payload field is set,
// matching Type. Events are values; listeners may keep them.
type Event struct {
	Type       EventType            `json:"type"`
	Timestamp  time.Time            `json:"timestamp"`
	Fix        *gps.Fix             `json:"fix,omitempty"`
	Satellites *gps.SatelliteStatus `json:"satellites,omitempty"`
	NMEA       string               `json:"nmea,omitempty"`
	Status     StatusKind           `json:"status,omitempty"`
	TTFFMs     int64                `json:"ttff_ms,omitempty"`
	DeviceID   string               `json:"deviceId,omitempty"`
}

// Listener receives events from the provider loop. Deliver must not block
// for long; returning an error unregisters the listener.
type Listener interface {
	Deliver(Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event) error

func (f ListenerFunc) Deliver(ev Event) error { return f(ev) }
