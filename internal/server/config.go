package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gps-failover/internal/discovery"
	"github.com/shaunagostinho/gps-failover/internal/eventlog"
	"github.com/shaunagostinho/gps-failover/internal/failover"
	"github.com/shaunagostinho/gps-failover/internal/geofence"
)

const defaultConfigPath = "/etc/gps-failover/config.yaml"

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Location sources
	GPS GPSConfig `yaml:"gps" json:"gps"`

	// Failover timing
	Failover FailoverConfig `yaml:"failover" json:"failover"`

	Geofences []geofence.Fence `yaml:"geofences" json:"geofences" validate:"dive"`

	EventLog eventlog.Config  `yaml:"eventlog" json:"eventlog"`
	MDNS     discovery.Config `yaml:"mdns" json:"mdns"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type GPSConfig struct {
	Primary   SourceConfig `yaml:"primary" json:"primary"`
	Secondary SourceConfig `yaml:"secondary" json:"secondary"`
}

// SourceConfig describes one location source.
type SourceConfig struct {
	Type          string        `yaml:"type" json:"type" validate:"oneof=nmea demo"`
	Name          string        `yaml:"name" json:"name"`
	PortPath      string        `yaml:"port_path" json:"portPath" validate:"required_if=Type nmea"` // e.g. /dev/ttyGPS
	BaudRate      int           `yaml:"baud_rate" json:"baudRate" validate:"gte=0"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"pollInterval" validate:"gte=0"`
	MaxReadErrors int           `yaml:"max_read_errors" json:"maxReadErrors" validate:"gte=0"`

	// Demo only
	Latitude   float64       `yaml:"latitude" json:"latitude" validate:"latitude"`
	Longitude  float64       `yaml:"longitude" json:"longitude" validate:"longitude"`
	StallEvery time.Duration `yaml:"stall_every" json:"stallEvery" validate:"gte=0"`
	StallFor   time.Duration `yaml:"stall_for" json:"stallFor" validate:"gte=0"`
}

type FailoverConfig struct {
	StaleAfter time.Duration `yaml:"stale_after" json:"staleAfter" validate:"gt=0"`
	Dwell      time.Duration `yaml:"dwell" json:"dwell" validate:"gt=0"`
}

type ServerConfig struct {
	ListenAddr  string   `yaml:"listen_addr" json:"listenAddr" validate:"required"`
	CORSOrigins []string `yaml:"cors_origins" json:"corsOrigins"` // Empty disables CORS
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Primary: SourceConfig{
				Type:         "demo",
				Name:         "primary",
				PortPath:     "/dev/ttyGPS",
				BaudRate:     9600,
				PollInterval: 200 * time.Millisecond,
				Latitude:     39.4745312,
				Longitude:    -0.3580658,
				StallEvery:   2 * time.Minute,
				StallFor:     30 * time.Second,
			},
			Secondary: SourceConfig{
				Type:         "demo",
				Name:         "secondary",
				PortPath:     "/dev/ttyGPS1",
				BaudRate:     9600,
				PollInterval: time.Second,
				Latitude:     39.4745312,
				Longitude:    -0.3580658,
			},
		},
		Failover: FailoverConfig{
			StaleAfter: failover.DefaultStaleAfter,
			Dwell:      failover.DefaultDwell,
		},
		EventLog: eventlog.Config{
			Enabled:    false,
			Path:       "/var/log/gps-failover",
			MaxRecords: 10_000,
		},
		MDNS: discovery.Config{
			Enabled: false,
			TTL:     2 * time.Minute,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides, then validates. Falls back to defaults if the YAML is
// missing or unparsable; only a validation failure is returned as an error.
func LoadConfig(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		logger.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		logger.Info("config loaded", zap.String("path", path))
	}

	// .env next to the config, then in CWD. Real env takes precedence.
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := godotenv.Load(ep); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn(".env load failed", zap.String("path", ep), zap.Error(err))
			}
			continue
		}
		logger.Info(".env loaded", zap.String("path", ep))
	}

	cfg.applyEnvOverrides(logger)

	return cfg, cfg.Validate()
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_PRIMARY_TYPE, GPS_PRIMARY_PORT, GPS_PRIMARY_BAUD,
// GPS_SECONDARY_TYPE, GPS_SECONDARY_PORT, GPS_SECONDARY_BAUD,
// FAILOVER_STALE_AFTER, FAILOVER_DWELL, LISTEN_ADDR, EVENTLOG_ENABLED,
// EVENTLOG_PATH, MDNS_ENABLED, MDNS_INSTANCE
func (c *Config) applyEnvOverrides(logger *zap.Logger) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				logger.Warn("ignoring env override", zap.String("key", key), zap.Error(err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				logger.Warn("ignoring env override", zap.String("key", key), zap.Error(err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				// Accept "yes" like the .env files in the field do.
				b = v == "yes"
			}
			*dst = b
		}
	}

	str("GPS_PRIMARY_TYPE", &c.GPS.Primary.Type)
	str("GPS_PRIMARY_PORT", &c.GPS.Primary.PortPath)
	num("GPS_PRIMARY_BAUD", &c.GPS.Primary.BaudRate)
	str("GPS_SECONDARY_TYPE", &c.GPS.Secondary.Type)
	str("GPS_SECONDARY_PORT", &c.GPS.Secondary.PortPath)
	num("GPS_SECONDARY_BAUD", &c.GPS.Secondary.BaudRate)
	dur("FAILOVER_STALE_AFTER", &c.Failover.StaleAfter)
	dur("FAILOVER_DWELL", &c.Failover.Dwell)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	flag("EVENTLOG_ENABLED", &c.EventLog.Enabled)
	str("EVENTLOG_PATH", &c.EventLog.Path)
	flag("MDNS_ENABLED", &c.MDNS.Enabled)
	str("MDNS_INSTANCE", &c.MDNS.Instance)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return defaultConfigPath
	}
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	data, err := yaml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// Fences returns a copy of the configured geofences.
func (c *Config) Fences() []geofence.Fence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]geofence.Fence(nil), c.Geofences...)
}

// EventLogEnabled reports whether the event log is switched on.
func (c *Config) EventLogEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EventLog.Enabled
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that fails validation is rolled back.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	if err := json.Unmarshal(merged, c); err != nil {
		_ = json.Unmarshal(currentBytes, c)
		return fmt.Errorf("apply merged config: %w", err)
	}
	if err := c.validateLocked(); err != nil {
		_ = json.Unmarshal(currentBytes, c)
		return err
	}
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
