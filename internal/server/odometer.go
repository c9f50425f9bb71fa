package server

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gps-failover/internal/geofence"
)

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// odometer accumulates distance over the failover output, whichever source
// is active, and persists it next to the config file.
type odometer struct {
	mu        sync.Mutex
	total     float64 // km
	trip      float64 // km
	lastLat   float64
	lastLon   float64
	lastValid bool

	path string
	log  *zap.Logger
}

func odometerPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "odometer.dat")
}

func newOdometer(path string, logger *zap.Logger) *odometer {
	o := &odometer{path: path, log: logger}
	o.load()
	return o
}

// update accumulates distance from position changes.
func (o *odometer) update(lat, lon float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.lastValid {
		// First fix: seed position, don't accumulate
		o.lastLat, o.lastLon, o.lastValid = lat, lon, true
		return
	}

	dist := geofence.HaversineM(o.lastLat, o.lastLon, lat, lon) / 1000

	// Ignore jumps > 500m between fixes. A failover between receivers
	// with different offsets lands here too.
	if dist > 0.5 {
		o.lastLat, o.lastLon = lat, lon
		return
	}

	// Minimum movement threshold: ~2 meters
	if dist > 0.002 {
		o.total += dist
		o.trip += dist
		o.lastLat, o.lastLon = lat, lon
	}
}

func (o *odometer) snapshot() *OdoData {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &OdoData{Total: math.Round(o.total*10) / 10, Trip: math.Round(o.trip*10) / 10}
}

func (o *odometer) resetTrip() {
	o.mu.Lock()
	o.trip = 0
	o.mu.Unlock()
}

// load reads persisted odometer values from disk.
func (o *odometer) load() {
	data, err := os.ReadFile(o.path)
	if err != nil {
		o.log.Info("no saved odometer, starting at 0", zap.String("path", o.path))
		return
	}
	parts := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(parts) >= 1 {
		if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
			o.total = v
		}
	}
	if len(parts) >= 2 {
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			o.trip = v
		}
	}
	o.log.Info("odometer loaded", zap.Float64("total_km", o.total), zap.Float64("trip_km", o.trip))
}

// save persists odometer values to disk.
func (o *odometer) save() {
	o.mu.Lock()
	total, trip := o.total, o.trip
	o.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(o.path), 0755); err != nil {
		o.log.Warn("odometer save failed", zap.Error(err))
		return
	}
	data := fmt.Sprintf("%.6f\n%.6f\n", total, trip)
	if err := os.WriteFile(o.path, []byte(data), 0644); err != nil {
		o.log.Warn("odometer save failed", zap.Error(err))
	}
}
