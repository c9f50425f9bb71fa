package gps

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

const (
	rmcValencia = "$GPRMC,123519.00,A,3928.4719,N,00021.4839,W,022.4,084.4,150326,003.1,W*56"
	ggaValencia = "$GPGGA,123519.00,3928.4719,N,00021.4839,W,1,08,0.9,545.4,M,46.9,M,,*77"
	rmcNoFix    = "$GNRMC,123520.50,V,,,,,,,150326,,,N*62"
	rmcSydney   = "$GPRMC,123521.00,A,3351.0000,S,15112.0000,E,000.0,000.0,150326,,,A*44"
	ggaSydney   = "$GPGGA,123521.00,3351.0000,S,15112.0000,E,2,11,0.7,20.0,M,0.0,M,,*73"
)

type scriptedPort struct {
	r      io.Reader
	closed bool
}

func (p *scriptedPort) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *scriptedPort) Close() error               { p.closed = true; return nil }

type silentPort struct{}

func (silentPort) Read([]byte) (int, error) { return 0, nil }
func (silentPort) Close() error             { return nil }

type brokenPort struct{}

func (brokenPort) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }
func (brokenPort) Close() error             { return nil }

func newTestNMEA(port io.ReadCloser) *NMEAProvider {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/ttyTEST"}, nil)
	n.openPort = func(string, *serial.Mode) (io.ReadCloser, error) { return port, nil }
	return n
}

func TestValidateNMEAChecksum(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"RMC", rmcValencia, true},
		{"GGA", ggaValencia, true},
		{"BadSum", strings.Replace(rmcValencia, "*56", "*57", 1), false},
		{"Corrupted", strings.Replace(rmcValencia, "3928", "3929", 1), false},
		{"NoStar", "$GPRMC,123519.00,A", false},
		{"ShortSum", "$GPRMC,1*5", false},
		{"NotHex", "$GPRMC,1*ZZ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validateNMEAChecksum(tt.line))
		})
	}
}

func TestParseNMEACoord(t *testing.T) {
	assert.InDelta(t, 39.4745317, parseNMEACoord("3928.4719", "N"), 1e-6)
	assert.InDelta(t, -0.3580650, parseNMEACoord("00021.4839", "W"), 1e-6)
	assert.InDelta(t, -33.85, parseNMEACoord("3351.0000", "S"), 1e-9)
	assert.Zero(t, parseNMEACoord("", "N"))
	assert.Zero(t, parseNMEACoord("3928.4719", ""))
	assert.Zero(t, parseNMEACoord("abc", "N"))
}

func TestParseNMEATime(t *testing.T) {
	got, ok := parseNMEATime("123519.50", "150326")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 15, 12, 35, 19, 500_000_000, time.UTC), got)

	_, ok = parseNMEATime("1235", "150326")
	assert.False(t, ok)
	_, ok = parseNMEATime("123519", "")
	assert.False(t, ok)
	_, ok = parseNMEATime("993519", "150326")
	assert.False(t, ok)
}

func TestSplitNMEA(t *testing.T) {
	parts := splitNMEA(rmcNoFix)
	require.Len(t, parts, 13)
	assert.Equal(t, "GNRMC", parts[0])
	assert.Equal(t, "V", parts[2])
	assert.Equal(t, "N", parts[12])
}

func TestNMEAReadSequence(t *testing.T) {
	stream := strings.Join([]string{
		"garbage line",
		rmcValencia,
		ggaValencia,
		rmcNoFix,
		rmcSydney,
		ggaSydney,
	}, "\r\n") + "\r\n"
	port := &scriptedPort{r: strings.NewReader(stream)}
	n := newTestNMEA(port)

	_, err := n.Read()
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, n.Connect())

	d, err := n.Read()
	require.NoError(t, err)
	assert.True(t, d.Valid)
	assert.InDelta(t, 39.4745317, d.Latitude, 1e-6)
	assert.InDelta(t, -0.3580650, d.Longitude, 1e-6)
	assert.InDelta(t, 22.4*1.852, d.Speed, 1e-9)
	assert.Equal(t, 84.4, d.Heading)
	assert.Equal(t, 8, d.Satellites)
	assert.Equal(t, 1, d.FixQuality)
	assert.Equal(t, 0.9, d.HDOP)
	assert.Equal(t, 545.4, d.Altitude)
	assert.Equal(t, "123519.00", d.Timestamp)
	assert.Equal(t, time.Date(2026, 3, 15, 12, 35, 19, 0, time.UTC), d.Time)

	d, err = n.Read()
	require.NoError(t, err)
	assert.True(t, d.Valid)
	assert.InDelta(t, -33.85, d.Latitude, 1e-9)
	assert.InDelta(t, 151.2, d.Longitude, 1e-9)
	assert.Equal(t, 11, d.Satellites)
	assert.Equal(t, "123521.00", d.Timestamp)

	// End of stream: last fix comes back unchanged.
	again, err := n.Read()
	require.NoError(t, err)
	assert.Equal(t, d, again)

	require.NoError(t, n.Close())
	assert.True(t, port.closed)
	_, err = n.Read()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNMEAReadReturnsCopy(t *testing.T) {
	port := &scriptedPort{r: strings.NewReader(rmcValencia + "\n" + ggaValencia + "\n")}
	n := newTestNMEA(port)
	require.NoError(t, n.Connect())

	d, err := n.Read()
	require.NoError(t, err)
	d.Latitude = 0

	again, err := n.Read()
	require.NoError(t, err)
	assert.NotZero(t, again.Latitude)
}

func TestNMEANoFix(t *testing.T) {
	port := &scriptedPort{r: strings.NewReader(rmcNoFix + "\n")}
	n := newTestNMEA(port)
	require.NoError(t, n.Connect())

	d, err := n.Read()
	require.NoError(t, err)
	assert.False(t, d.Valid)
	assert.Zero(t, d.Latitude)
}

func TestNMEASilentPortKeepsScanner(t *testing.T) {
	n := newTestNMEA(silentPort{})
	require.NoError(t, n.Connect())

	d, err := n.Read()
	require.NoError(t, err)
	assert.False(t, d.Valid)

	// Still connected after a quiet read.
	_, err = n.Read()
	assert.NoError(t, err)
}

func TestNMEABrokenPortNeedsReconnect(t *testing.T) {
	n := newTestNMEA(brokenPort{})
	require.NoError(t, n.Connect())

	_, err := n.Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unplugged")

	_, err = n.Read()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNMEAConnectFailure(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/ttyMISSING"}, nil)
	n.openPort = func(string, *serial.Mode) (io.ReadCloser, error) {
		return nil, errors.New("no such file or directory")
	}
	err := n.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyMISSING")
}

func TestNewNMEADefaults(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/ttyGPS"}, nil)
	assert.Equal(t, 9600, n.baudRate)
	assert.Equal(t, "NMEA GPS /dev/ttyGPS", n.Name())

	n = NewNMEA(NMEAConfig{Name: "u-blox", PortPath: "/dev/ttyGPS", BaudRate: 38400}, nil)
	assert.Equal(t, 38400, n.baudRate)
	assert.Equal(t, "u-blox", n.Name())
}
