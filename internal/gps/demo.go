package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoConfig controls the simulated receiver.
type DemoConfig struct {
	Name      string  `yaml:"name" json:"name"`
	Latitude  float64 `yaml:"latitude" json:"latitude"`   // Circle center
	Longitude float64 `yaml:"longitude" json:"longitude"` // Circle center
	// StallEvery and StallFor script a periodic loss of fix so failover can
	// be watched without hardware. Zero disables stalling.
	StallEvery time.Duration `yaml:"stall_every" json:"stallEvery"`
	StallFor   time.Duration `yaml:"stall_for" json:"stallFor"`
}

// DemoGPS generates simulated GPS data for testing.
type DemoGPS struct {
	cfg DemoConfig
	now func() time.Time

	mu        sync.Mutex
	t         float64
	connected time.Time
}

func NewDemoGPS(cfg DemoConfig) *DemoGPS {
	if cfg.Name == "" {
		cfg.Name = "Demo GPS (Simulated)"
	}
	if cfg.Latitude == 0 && cfg.Longitude == 0 {
		cfg.Latitude, cfg.Longitude = 39.4745312, -0.3580658 // Valencia
	}
	return &DemoGPS{cfg: cfg, now: time.Now}
}

func (d *DemoGPS) Name() string { return d.cfg.Name }

func (d *DemoGPS) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = d.now()
	return nil
}

func (d *DemoGPS) Close() error { return nil }

// Stalled reports whether the scripted outage is active.
func (d *DemoGPS) Stalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalledLocked(d.now())
}

func (d *DemoGPS) stalledLocked(now time.Time) bool {
	if d.cfg.StallEvery <= 0 || d.cfg.StallFor <= 0 || d.connected.IsZero() {
		return false
	}
	period := d.cfg.StallEvery + d.cfg.StallFor
	return now.Sub(d.connected)%period >= d.cfg.StallEvery
}

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now().UTC()

	if d.stalledLocked(now) {
		return &Data{Valid: false, Timestamp: now.Format("150405.00")}, nil
	}
	d.t += 0.1

	radius := 0.005 // ~500m

	return &Data{
		Valid:      true,
		Latitude:   d.cfg.Latitude + radius*math.Sin(d.t*0.1),
		Longitude:  d.cfg.Longitude + radius*math.Cos(d.t*0.1),
		Speed:      50 + 30*math.Sin(d.t*0.3) + rand.Float64()*5,
		Heading:    math.Mod(d.t*10, 360),
		Altitude:   15,
		Satellites: 12,
		FixQuality: 1,
		HDOP:       0.8,
		Timestamp:  now.Format("150405.00"),
		Time:       now,
	}, nil
}
