// Package geofence detects when positions cross circular fences.
package geofence

import (
	"math"
	"sync"
	"time"
)

// Transition is the kind of fence crossing.
type Transition uint8

const (
	Enter Transition = iota + 1
	Exit
)

func (t Transition) String() string {
	switch t {
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

// MarshalText lets Transition render as its name in JSON.
func (t Transition) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Fence is a circle on the ground.
type Fence struct {
	ID        string  `yaml:"id" json:"id" validate:"required"`
	Latitude  float64 `yaml:"latitude" json:"latitude" validate:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude" validate:"longitude"`
	RadiusM   float64 `yaml:"radius_m" json:"radiusM" validate:"gt=0"`
}

// Event reports one crossing.
type Event struct {
	FenceID    string     `json:"fenceId"`
	Transition Transition `json:"transition"`
	At         time.Time  `json:"at"`
	DistanceM  float64    `json:"distanceM"` // From the fence center
}

// Monitor tracks which fences the last position was inside.
// It is safe for concurrent use.
type Monitor struct {
	fences []Fence

	mu     sync.Mutex
	inside map[string]bool
	seen   bool
}

// NewMonitor creates a monitor for fences.
func NewMonitor(fences []Fence) *Monitor {
	return &Monitor{
		fences: append([]Fence(nil), fences...),
		inside: make(map[string]bool, len(fences)),
	}
}

// Fences returns the monitored fences.
func (m *Monitor) Fences() []Fence {
	return append([]Fence(nil), m.fences...)
}

// Update feeds a position. The first position inside a fence counts as an
// Enter; the first position outside does not produce an Exit.
func (m *Monitor) Update(lat, lon float64, at time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	for _, f := range m.fences {
		dist := HaversineM(f.Latitude, f.Longitude, lat, lon)
		in := dist <= f.RadiusM
		was := m.inside[f.ID]
		switch {
		case in && !was:
			events = append(events, Event{FenceID: f.ID, Transition: Enter, At: at, DistanceM: dist})
		case !in && was && m.seen:
			events = append(events, Event{FenceID: f.ID, Transition: Exit, At: at, DistanceM: dist})
		}
		m.inside[f.ID] = in
	}
	m.seen = true
	return events
}

// Inside returns the IDs of fences containing the last position.
func (m *Monitor) Inside() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, f := range m.fences {
		if m.inside[f.ID] {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// HaversineM calculates the great-circle distance in meters.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0 // Earth radius m
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
