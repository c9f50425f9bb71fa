// Package eventlog records failover transitions and geofence crossings to
// rotating CBOR files.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gps-failover/internal/failover"
	"github.com/shaunagostinho/gps-failover/internal/geofence"
)

// Kind says which payload a Record carries.
type Kind uint8

const (
	KindTransition Kind = iota + 1
	KindGeofence
)

func (k Kind) String() string {
	switch k {
	case KindTransition:
		return "transition"
	case KindGeofence:
		return "geofence"
	default:
		return "unknown"
	}
}

// MarshalText lets Kind render as its name in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Record is one log entry.
type Record struct {
	Kind       Kind                 `json:"kind" cbor:"1,keyasint"`
	At         time.Time            `json:"at" cbor:"2,keyasint"`
	Transition *failover.Transition `json:"transition,omitempty" cbor:"3,keyasint,omitempty"`
	Geofence   *geofence.Event      `json:"geofence,omitempty" cbor:"4,keyasint,omitempty"`
}

// Config holds event log configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path" validate:"required_if=Enabled true"`
	MaxRecords int    `yaml:"max_records" json:"maxRecords" validate:"gte=0"`
}

const (
	defaultPath       = "/var/log/gps-failover"
	defaultMaxRecords = 10_000
	filePrefix        = "failover_"
	fileExt           = ".cbor"
)

// Logger appends records to CBOR files with automatic rotation.
type Logger struct {
	mu         sync.Mutex
	dir        string
	maxRecords int
	enabled    bool
	closed     bool
	log        *zap.Logger

	file    *os.File
	encoder *cbor.Encoder
	records int
	now     func() time.Time
}

// New creates a new Logger. A nil zap logger disables diagnostics.
func New(cfg Config, logger *zap.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		dir:        cfg.Path,
		maxRecords: cfg.MaxRecords,
		enabled:    cfg.Enabled,
		log:        logger,
		now:        time.Now,
	}
}

// Dir returns the directory log files are written to.
func (l *Logger) Dir() string { return l.dir }

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled && !l.closed
}

// RecordTransition logs a failover transition. It matches the signature of
// failover.Controller.OnTransition.
func (l *Logger) RecordTransition(tr failover.Transition) {
	l.write(Record{Kind: KindTransition, At: tr.At, Transition: &tr})
}

// RecordGeofence logs a geofence crossing.
func (l *Logger) RecordGeofence(ev geofence.Event) {
	l.write(Record{Kind: KindGeofence, At: ev.At, Geofence: &ev})
}

func (l *Logger) write(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if l.closed {
		l.log.Debug("record after close dropped", zap.Stringer("kind", rec.Kind))
		return
	}
	if rec.At.IsZero() {
		rec.At = l.now()
	}

	if l.encoder == nil || l.records >= l.maxRecords {
		if err := l.rotateFile(l.now()); err != nil {
			l.log.Warn("rotate failed", zap.Error(err))
			return
		}
	}

	if err := l.encoder.Encode(rec); err != nil {
		l.log.Warn("write failed", zap.Stringer("kind", rec.Kind), zap.Error(err))
		return
	}
	l.records++
}

// Close closes the current log file. Records written afterwards are dropped.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	// Nanoseconds keep names unique when rotating several times a second.
	filename := filePrefix + now.UTC().Format("2006-01-02_150405.000000000") + fileExt
	path := filepath.Join(l.dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.encoder = encMode.NewEncoder(f)
	l.records = 0

	l.log.Info("opened event log", zap.String("path", path))
	return nil
}

func (l *Logger) closeFile() {
	l.encoder = nil
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.log.Warn("close failed", zap.Error(err))
		}
		l.file = nil
	}
}

// Files lists the log files in dir, oldest first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
