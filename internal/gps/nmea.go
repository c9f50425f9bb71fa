package gps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Read before Connect succeeds.
var ErrNotConnected = errors.New("gps: not connected")

// errReadTimeout marks a serial read that returned nothing within the port
// read timeout.
var errReadTimeout = errors.New("gps: read timeout")

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS.
type NMEAProvider struct {
	name     string
	portPath string
	baudRate int
	log      *zap.Logger

	// openPort is swapped in tests.
	openPort func(path string, mode *serial.Mode) (io.ReadCloser, error)

	connMu  sync.Mutex // guards port and scanner
	port    io.ReadCloser
	scanner *bufio.Scanner

	readMu sync.Mutex // serializes Read, guards last
	last   Data
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	Name     string `yaml:"name" json:"name"`
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig, logger *zap.Logger) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	if cfg.Name == "" {
		cfg.Name = "NMEA GPS " + cfg.PortPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NMEAProvider{
		name:     cfg.Name,
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		log:      logger,
		openPort: openSerial,
	}
}

func openSerial(path string, mode *serial.Mode) (io.ReadCloser, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// timeoutReader turns the (0, nil) that a serial port returns on read
// timeout into an error, so a silent receiver does not hold the scanner.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}

func (n *NMEAProvider) Name() string { return n.name }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := n.openPort(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}

	n.connMu.Lock()
	if n.port != nil {
		n.port.Close()
	}
	n.port = port
	n.scanner = bufio.NewScanner(timeoutReader{port})
	n.connMu.Unlock()

	n.readMu.Lock()
	n.last = Data{}
	n.readMu.Unlock()

	n.log.Info("connected", zap.String("port", n.portPath), zap.Int("baud", n.baudRate))
	return nil
}

// Close releases the port. A Read blocked on the port returns.
func (n *NMEAProvider) Close() error {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	n.scanner = nil
	if n.port != nil {
		err := n.port.Close()
		n.port = nil
		return err
	}
	return nil
}

// Read reads NMEA sentences until we have a complete fix update, or timeout.
// A quiet receiver yields the previous fix unchanged.
func (n *NMEAProvider) Read() (*Data, error) {
	n.readMu.Lock()
	defer n.readMu.Unlock()

	n.connMu.Lock()
	sc := n.scanner
	n.connMu.Unlock()
	if sc == nil {
		return nil, ErrNotConnected
	}

	// Read up to 20 lines to find RMC + GGA
	gotRMC := false
	gotGGA := false
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		if !validateNMEAChecksum(line) {
			continue
		}

		if strings.HasPrefix(line, "$GPRMC") || strings.HasPrefix(line, "$GNRMC") {
			n.parseRMC(line)
			gotRMC = true
		} else if strings.HasPrefix(line, "$GPGGA") || strings.HasPrefix(line, "$GNGGA") {
			n.parseGGA(line)
			gotGGA = true
		}
	}

	if err := sc.Err(); err != nil {
		// A scanner stops for good after an error. Start a fresh one on a
		// timeout; anything else needs a reconnect.
		n.connMu.Lock()
		if n.scanner == sc {
			if errors.Is(err, errReadTimeout) && n.port != nil {
				n.scanner = bufio.NewScanner(timeoutReader{n.port})
			} else {
				n.scanner = nil
			}
		}
		n.connMu.Unlock()
		if !errors.Is(err, errReadTimeout) {
			return nil, fmt.Errorf("gps: read %s: %w", n.portPath, err)
		}
	}

	out := n.last
	return &out, nil
}

func (n *NMEAProvider) parseRMC(line string) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 {
		return
	}

	n.last.Timestamp = parts[1]
	n.last.Valid = parts[2] == "A"
	n.last.Time, _ = parseNMEATime(parts[1], parts[9])

	if n.last.Valid {
		n.last.Latitude = parseNMEACoord(parts[3], parts[4])
		n.last.Longitude = parseNMEACoord(parts[5], parts[6])

		if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
			n.last.Speed = spd * 1.852 // Knots to km/h
		}
		if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
			n.last.Heading = hdg
		}
	}
}

func (n *NMEAProvider) parseGGA(line string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	parts := splitNMEA(line)
	if len(parts) < 11 {
		return
	}

	if fix, err := strconv.Atoi(parts[6]); err == nil {
		n.last.FixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		n.last.Satellites = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		n.last.HDOP = hdop
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		n.last.Altitude = alt
	}
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// parseNMEATime combines RMC hhmmss.ss and ddmmyy into a UTC time.
func parseNMEATime(hms, dmy string) (time.Time, bool) {
	if len(hms) < 6 || len(dmy) != 6 {
		return time.Time{}, false
	}
	t, err := time.Parse("020106150405", dmy+hms[:6])
	if err != nil {
		return time.Time{}, false
	}
	if len(hms) > 7 && hms[6] == '.' {
		if frac, err := strconv.ParseFloat("0"+hms[6:], 64); err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return t.UTC(), true
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx] // Between $ and *
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}
