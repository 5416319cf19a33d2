package gps

import (
	"encoding/json"
	"time"
)

// MaxSatellites is the capacity of the per-satellite arrays in SatelliteStatus.
// PRNs above this value cannot be represented in the bitmasks.
const MaxSatellites = 32

// Fix holds a single resolved position/velocity/time estimate.
type Fix struct {
	Time       time.Time `json:"time"`
	Latitude   float64   `json:"lat"`               // Decimal degrees
	Longitude  float64   `json:"lon"`               // Decimal degrees
	Altitude   *float64  `json:"alt,omitempty"`     // Meters above MSL
	Speed      *float64  `json:"speed,omitempty"`   // m/s
	Bearing    *float64  `json:"bearing,omitempty"` // Degrees true
	Accuracy   float64   `json:"accuracy"`          // Meters, HDOP × 4
	Satellites int       `json:"satsUsed"`          // Sats tracked (GGA)
	Quality    int       `json:"quality"`           // 0=none, 1=GPS, 2=DGPS
	PDOP       float64   `json:"pdop,omitempty"`    // Positional dilution
	HDOP       float64   `json:"hdop,omitempty"`    // Horizontal dilution
	VDOP       float64   `json:"vdop,omitempty"`    // Vertical dilution
	Valid      bool      `json:"valid"`             // Fix asserted in this batch
}

// SatelliteStatus is a completed satellite-visibility snapshot. Arrays are
// fixed capacity; only the first Count entries are meaningful.
type SatelliteStatus struct {
	Count      int
	PRNs       [MaxSatellites]int
	SNRs       [MaxSatellites]float64
	Elevations [MaxSatellites]float64
	Azimuths   [MaxSatellites]float64

	EphemerisMask uint32
	AlmanacMask   uint32
	UsedInFixMask uint32
}

// MarshalJSON trims the arrays to Count.
func (s SatelliteStatus) MarshalJSON() ([]byte, error) {
	n := s.Count
	if n > MaxSatellites {
		n = MaxSatellites
	}
	return json.Marshal(struct {
		Count         int       `json:"count"`
		PRNs          []int     `json:"ids"`
		SNRs          []float64 `json:"snrs"`
		Elevations    []float64 `json:"elevations"`
		Azimuths      []float64 `json:"azimuths"`
		EphemerisMask uint32    `json:"ephemerisMask"`
		AlmanacMask   uint32    `json:"almanacMask"`
		UsedInFixMask uint32    `json:"usedForFixMask"`
	}{
		Count:         s.Count,
		PRNs:          s.PRNs[:n],
		SNRs:          s.SNRs[:n],
		Elevations:    s.Elevations[:n],
		Azimuths:      s.Azimuths[:n],
		EphemerisMask: s.EphemerisMask,
		AlmanacMask:   s.AlmanacMask,
		UsedInFixMask: s.UsedInFixMask,
	})
}

// UsedInFix reports whether the satellite with the given PRN contributed to the fix.
func (s SatelliteStatus) UsedInFix(prn int) bool {
	if prn < 1 || prn > MaxSatellites {
		return false
	}
	return s.UsedInFixMask&(1<<uint(prn-1)) != 0
}
