package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gps-failover/internal/discovery"
	"github.com/shaunagostinho/gps-failover/internal/eventlog"
	"github.com/shaunagostinho/gps-failover/internal/failover"
	"github.com/shaunagostinho/gps-failover/internal/gps"
	"github.com/shaunagostinho/gps-failover/internal/server"
	"github.com/shaunagostinho/gps-failover/web"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/gps-failover/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Use simulated primary and secondary receivers")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Human-readable debug logging")
	dump := flag.String("dump", "", "Print an event log file as JSON lines and exit")
	discover := flag.Duration("discover", 0, "Browse the LAN for other instances for this long and exit")
	flag.Parse()

	logger, err := initLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch {
	case *dump != "":
		if err := dumpEventLog(os.Stdout, *dump); err != nil {
			logger.Fatal("dump failed", zap.Error(err))
		}
		return
	case *discover > 0:
		ctx, cancel := context.WithTimeout(context.Background(), *discover)
		defer cancel()
		if err := printPeers(ctx, os.Stdout, ""); err != nil {
			logger.Fatal("discover failed", zap.Error(err))
		}
		return
	}

	logger.Info("gps-failover starting", zap.String("version", version))

	cfg, err := server.LoadConfig(*configPath, logger.Named("config"))
	if err != nil {
		logger.Fatal("bad config", zap.Error(err))
	}
	if *demo {
		cfg.GPS.Primary.Type = "demo"
		cfg.GPS.Secondary.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	gpsLog := logger.Named("gps")
	ctrl, err := failover.New(
		newSource(cfg.GPS.Primary, gpsLog),
		newSource(cfg.GPS.Secondary, gpsLog),
		failover.Config{StaleAfter: cfg.Failover.StaleAfter, Dwell: cfg.Failover.Dwell},
		logger.Named("failover"),
	)
	if err != nil {
		logger.Fatal("failover controller", zap.Error(err))
	}

	srv := server.New(cfg, ctrl, web.FS, logger.Named("server"))
	ctrl.OnTransition(srv.OnTransition)

	// Sessions start as soon as the sources are up; the page catches up on connect.
	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		runWithRetry(ctx, ctrl, srv, defaultRetry, logger)
	}()

	if cfg.MDNS.Enabled {
		adv := discovery.NewAdvertiser(cfg.MDNS, logger.Named("discovery"))
		go advertise(ctx, adv, srv, logger)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited", zap.Error(err))
	}

	// The session's final transition is recorded before the event log closes.
	cancel()
	<-retryDone
	srv.Close()
}

// initLogger builds a JSON production logger, or a console logger at debug
// level. LOG_LEVEL overrides the level either way.
func initLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		lvl, err := zap.ParseAtomicLevel(strings.ToLower(v))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", v, err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

// newSource builds the pull provider named by sc and wraps it for failover.
func newSource(sc server.SourceConfig, logger *zap.Logger) *gps.PolledSource {
	var prov gps.Provider
	switch sc.Type {
	case "nmea":
		prov = gps.NewNMEA(gps.NMEAConfig{
			Name:     sc.Name,
			PortPath: sc.PortPath,
			BaudRate: sc.BaudRate,
		}, logger)
	default:
		prov = gps.NewDemoGPS(gps.DemoConfig{
			Name:       sc.Name,
			Latitude:   sc.Latitude,
			Longitude:  sc.Longitude,
			StallEvery: sc.StallEvery,
			StallFor:   sc.StallFor,
		})
	}
	return gps.NewPolledSource(prov, gps.PolledConfig{
		Interval:      sc.PollInterval,
		MaxReadErrors: sc.MaxReadErrors,
	}, logger)
}

type retryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

var defaultRetry = retryPolicy{Initial: time.Second, Max: 60 * time.Second}

// starter is the part of failover.Controller the retry loop drives.
type starter interface {
	Start(ctx context.Context, sub failover.Subscriber) (failover.Handle, error)
	Stop(h failover.Handle)
}

// runWithRetry keeps a failover session alive. The controller never retries
// by itself: a session that ends with a terminal error is restarted with
// exponential backoff. Starts at Initial, doubles each attempt up to Max, and
// resets once a session has stayed up longer than Max.
func runWithRetry(ctx context.Context, ctrl starter, sub failover.Subscriber, p retryPolicy, logger *zap.Logger) {
	delay := p.Initial
	attempt := 0

	for {
		failed := make(chan error, 1)
		h, err := ctrl.Start(ctx, failover.SubscriberFuncs{
			Sample: sub.OnSample,
			Error: func(err error) {
				sub.OnError(err)
				select {
				case failed <- err:
				default:
				}
			},
		})
		started := time.Now()

		if err == nil {
			select {
			case <-ctx.Done():
				ctrl.Stop(h)
				return
			case err = <-failed:
			}
			if time.Since(started) > p.Max {
				delay, attempt = p.Initial, 0
			}
		}

		attempt++
		logger.Warn("failover session ended, restarting",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.Max {
			delay = p.Max
		}
	}
}

// advertise publishes the bound HTTP port over mDNS until ctx is done.
func advertise(ctx context.Context, adv *discovery.Advertiser, srv *server.Server, logger *zap.Logger) {
	addr, err := srv.Addr(ctx)
	if err != nil {
		return
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		logger.Warn("not advertising non-TCP listener", zap.Stringer("addr", addr))
		return
	}
	if err := adv.Advertise(discovery.Info{Port: tcp.Port, Version: version, WSPath: "/ws"}); err != nil {
		logger.Warn("mdns advertise failed", zap.Error(err))
		return
	}
	<-ctx.Done()
	adv.Stop()
}

// dumpEventLog writes every record in path to w as one JSON object per line.
// A truncated tail (power cut mid-write) is reported after the good records.
func dumpEventLog(w io.Writer, path string) error {
	r, err := eventlog.NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	enc := json.NewEncoder(w)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
}

func printPeers(ctx context.Context, w io.Writer, iface string) error {
	peers, err := discovery.Browse(ctx, iface)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, p := range peers {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	return nil
}
