package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/gps-failover/internal/failover"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, failover.DefaultStaleAfter, cfg.Failover.StaleAfter)
	assert.Equal(t, failover.DefaultDwell, cfg.Failover.Dwell)
	assert.Equal(t, "demo", cfg.GPS.Primary.Type)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadConfigMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().GPS, cfg.GPS)
	assert.Equal(t, path, cfg.Path())
}

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
gps:
  primary:
    type: nmea
    port_path: /dev/ttyUSB0
    baud_rate: 38400
failover:
  stale_after: 10s
  dwell: 45s
geofences:
  - id: depot
    latitude: 39.47
    longitude: -0.37
    radius_m: 250
server:
  listen_addr: ":8081"
`)
	writeFile(t, filepath.Join(dir, ".env"), `
# overrides for the bench rig
FAILOVER_DWELL=90s
LISTEN_ADDR=":9000"
`)
	// godotenv writes straight into the process env.
	t.Cleanup(func() { os.Unsetenv("FAILOVER_DWELL") })
	t.Setenv("LISTEN_ADDR", ":7000")

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "nmea", cfg.GPS.Primary.Type)
	assert.Equal(t, "/dev/ttyUSB0", cfg.GPS.Primary.PortPath)
	assert.Equal(t, 38400, cfg.GPS.Primary.BaudRate)
	// Untouched fields keep their defaults.
	assert.Equal(t, 200*time.Millisecond, cfg.GPS.Primary.PollInterval)
	assert.Equal(t, "demo", cfg.GPS.Secondary.Type)

	assert.Equal(t, 10*time.Second, cfg.Failover.StaleAfter)
	assert.Equal(t, 90*time.Second, cfg.Failover.Dwell, ".env beats YAML")
	assert.Equal(t, ":7000", cfg.Server.ListenAddr, "real env beats .env")

	fences := cfg.Fences()
	require.Len(t, fences, 1)
	assert.Equal(t, "depot", fences[0].ID)
	assert.Equal(t, 250.0, fences[0].RadiusM)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("GPS_SECONDARY_TYPE", "nmea")
	t.Setenv("GPS_SECONDARY_PORT", "/dev/ttyACM0")
	t.Setenv("GPS_SECONDARY_BAUD", "115200")
	t.Setenv("FAILOVER_STALE_AFTER", "5s")
	t.Setenv("EVENTLOG_ENABLED", "yes")
	t.Setenv("EVENTLOG_PATH", "/tmp/events")
	t.Setenv("MDNS_ENABLED", "true")
	t.Setenv("MDNS_INSTANCE", "truck-7")

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "nmea", cfg.GPS.Secondary.Type)
	assert.Equal(t, "/dev/ttyACM0", cfg.GPS.Secondary.PortPath)
	assert.Equal(t, 115200, cfg.GPS.Secondary.BaudRate)
	assert.Equal(t, 5*time.Second, cfg.Failover.StaleAfter)
	assert.True(t, cfg.EventLog.Enabled)
	assert.Equal(t, "/tmp/events", cfg.EventLog.Path)
	assert.True(t, cfg.MDNS.Enabled)
	assert.Equal(t, "truck-7", cfg.MDNS.Instance)
}

func TestLoadConfigBadEnvIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("FAILOVER_STALE_AFTER", "soon")
	t.Setenv("GPS_PRIMARY_BAUD", "fast")

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, failover.DefaultStaleAfter, cfg.Failover.StaleAfter)
	assert.Equal(t, 9600, cfg.GPS.Primary.BaudRate)
}

func TestLoadConfigUnparsableFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "failover: [not, a, map\n")

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, failover.DefaultDwell, cfg.Failover.Dwell)
	assert.Equal(t, path, cfg.Path())
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"NegativeStale", "failover:\n  stale_after: -1s\n"},
		{"ZeroDwell", "failover:\n  dwell: 0s\n"},
		{"UnknownType", "gps:\n  primary:\n    type: carrier-pigeon\n"},
		{"NMEAWithoutPort", "gps:\n  secondary:\n    type: nmea\n    port_path: \"\"\n"},
		{"BadFence", "geofences:\n  - id: x\n    latitude: 95\n    longitude: 0\n    radius_m: 10\n"},
		{"FenceWithoutRadius", "geofences:\n  - id: x\n    latitude: 1\n    longitude: 1\n"},
		{"NoListen", "server:\n  listen_addr: \"\"\n"},
		{"EventLogWithoutPath", "eventlog:\n  enabled: true\n  path: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.yaml)
			_, err := LoadConfig(path, zaptest.NewLogger(t))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestUpdateFromJSONDeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"failover":{"dwell":30000000000},"gps":{"primary":{"baudRate":4800}}}`)))

	assert.Equal(t, 30*time.Second, cfg.Failover.Dwell)
	assert.Equal(t, failover.DefaultStaleAfter, cfg.Failover.StaleAfter)
	assert.Equal(t, 4800, cfg.GPS.Primary.BaudRate)
	assert.Equal(t, "/dev/ttyGPS", cfg.GPS.Primary.PortPath)
	assert.Equal(t, "demo", cfg.GPS.Secondary.Type)
}

func TestUpdateFromJSONReplacesFences(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"geofences":[{"id":"home","latitude":1,"longitude":2,"radiusM":100}]}`)))
	fences := cfg.Fences()
	require.Len(t, fences, 1)
	assert.Equal(t, "home", fences[0].ID)
}

func TestUpdateFromJSONRollsBack(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.UpdateFromJSON([]byte(`{"failover":{"staleAfter":0},"server":{"listenAddr":":1"}}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, failover.DefaultStaleAfter, cfg.Failover.StaleAfter)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`{not json`)))
	assert.Error(t, cfg.UpdateFromJSON([]byte(`{"failover":{"dwell":"long"}}`)))
	assert.Equal(t, failover.DefaultDwell, cfg.Failover.Dwell)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"failover":{"staleAfter":20000000000}}`)))
	require.NoError(t, cfg.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stale_after: 20s")

	again, err := LoadConfig(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, again.Failover.StaleAfter)
}
