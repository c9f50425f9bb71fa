// Package discovery advertises the daemon's HTTP endpoint over mDNS and
// finds other instances on the local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"go.uber.org/zap"
)

const (
	ServiceType = "_gpsfailover._tcp"
	Domain      = "local."

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

var hostname = os.Hostname

// Config holds discovery configuration.
type Config struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Instance  string        `yaml:"instance" json:"instance" validate:"max=63"`
	Interface string        `yaml:"interface" json:"interface"`
	TTL       time.Duration `yaml:"ttl" json:"ttl" validate:"gte=0"`
}

// Info is what gets advertised.
type Info struct {
	Port    int
	Version string
	WSPath  string
}

// Service is an instance found by Browse.
type Service struct {
	Instance  string   `json:"instance"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Addresses []string `json:"addresses"`
	Version   string   `json:"version"`
	WSPath    string   `json:"wsPath"`
}

// Advertiser registers the service with zeroconf.
type Advertiser struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser. A nil logger disables logging.
func NewAdvertiser(cfg Config, logger *zap.Logger) *Advertiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advertiser{cfg: cfg, log: logger}
}

// Advertise starts (or restarts) advertising info.
func (a *Advertiser) Advertise(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.cfg.TTL.Seconds())))
	}

	name := InstanceName(a.cfg.Instance)
	server, err := zeroconf.Register(
		name,
		ServiceType,
		Domain,
		info.Port,
		EncodeTXT(info),
		interfaces(a.cfg.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", ServiceType, err)
	}
	a.server = server

	a.log.Info("advertising", zap.String("instance", name), zap.Int("port", info.Port))
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.log.Info("advertisement withdrawn")
	}
}

// Browse collects instances seen until ctx is done, merging addresses
// reported on several interfaces.
func Browse(ctx context.Context, iface string) ([]Service, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(iface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	found := make(map[string]*Service)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			svc := entryToService(entry)
			if existing, ok := found[svc.Instance]; ok {
				existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
				continue
			}
			found[svc.Instance] = &svc
		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			delete(found, entry.Instance)
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("browse %s: %w", ServiceType, err)
			}
			errCh = nil
		case <-ctx.Done():
			return collect(found), nil
		}
	}
}

func collect(found map[string]*Service) []Service {
	out := make([]Service, 0, len(found))
	for _, s := range found {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func entryToService(entry *zeroconf.ServiceEntry) Service {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	info := DecodeTXT(entry.Text)
	return Service{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		Version:   info.Version,
		WSPath:    info.WSPath,
	}
}

// InstanceName returns a DNS-safe instance name, falling back to the host name.
func InstanceName(name string) string {
	if name == "" {
		host, err := hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		name = "gps-failover-" + host
	}
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}

// EncodeTXT builds the TXT record strings for info.
func EncodeTXT(info Info) []string {
	var txt []string
	if info.Version != "" {
		txt = append(txt, "ver="+info.Version)
	}
	if info.WSPath != "" {
		txt = append(txt, "ws="+info.WSPath)
	}
	return txt
}

// DecodeTXT parses TXT strings produced by EncodeTXT. Unknown keys are ignored.
func DecodeTXT(txt []string) Info {
	var info Info
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "ver":
			info.Version = v
		case "ws":
			info.WSPath = v
		}
	}
	return info
}

func mergeAddresses(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			a = append(a, s)
			seen[s] = true
		}
	}
	return a
}

// interfaces returns nil (all interfaces) unless name resolves.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}
