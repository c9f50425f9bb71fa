package gps

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gps-failover/internal/failover"
)

// ErrUnknownToken is returned by Unsubscribe for a token it did not issue.
var ErrUnknownToken = errors.New("gps: unknown subscription token")

// PolledConfig controls how a Provider is polled.
type PolledConfig struct {
	Interval      time.Duration // Poll period, default 200ms
	MaxReadErrors int           // Consecutive read errors before giving up, default 10
}

// PolledSource turns a polled Provider into a push-based failover.Source.
// Only valid fixes with a new timestamp are pushed, so a receiver that lost
// its fix goes quiet instead of repeating the last position.
type PolledSource struct {
	prov Provider
	cfg  PolledConfig
	log  *zap.Logger
	now  func() time.Time

	mu  sync.Mutex
	sub *polledSub
}

type polledSub struct {
	token failover.Token
	stop  chan struct{}
	done  chan struct{}
}

var _ failover.Source = (*PolledSource)(nil)

// NewPolledSource wraps prov. A nil logger disables logging.
func NewPolledSource(prov Provider, cfg PolledConfig, logger *zap.Logger) *PolledSource {
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.MaxReadErrors <= 0 {
		cfg.MaxReadErrors = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolledSource{
		prov: prov,
		cfg:  cfg,
		log:  logger.With(zap.String("source", prov.Name())),
		now:  time.Now,
	}
}

func (p *PolledSource) Name() string { return p.prov.Name() }

// Provider returns the wrapped provider.
func (p *PolledSource) Provider() Provider { return p.prov }

// Subscribe connects the provider and starts polling it.
func (p *PolledSource) Subscribe(onSample func(failover.Sample), onError func(error)) (failover.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub != nil {
		return "", fmt.Errorf("%w: %s already subscribed", failover.ErrSubscriptionFailed, p.prov.Name())
	}
	if err := p.prov.Connect(); err != nil {
		return "", fmt.Errorf("%w: %w", failover.ErrProviderUnavailable, err)
	}

	sub := &polledSub{
		token: failover.Token(uuid.NewString()),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	p.sub = sub
	go p.poll(sub, onSample, onError)

	p.log.Debug("subscribed", zap.String("token", string(sub.token)), zap.Duration("interval", p.cfg.Interval))
	return sub.token, nil
}

// Unsubscribe stops polling and closes the provider.
func (p *PolledSource) Unsubscribe(tok failover.Token) error {
	p.mu.Lock()
	sub := p.sub
	if sub == nil || sub.token != tok {
		p.mu.Unlock()
		return ErrUnknownToken
	}
	p.sub = nil
	p.mu.Unlock()

	close(sub.stop)
	// Closing first unblocks a Read in progress.
	err := p.prov.Close()
	<-sub.done

	p.log.Debug("unsubscribed", zap.String("token", string(tok)))
	return err
}

func (p *PolledSource) poll(sub *polledSub, onSample func(failover.Sample), onError func(error)) {
	defer close(sub.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var lastStamp string
	fails := 0

	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
		}

		data, err := p.prov.Read()

		select {
		case <-sub.stop:
			return
		default:
		}

		if err != nil {
			fails++
			p.log.Debug("read failed", zap.Int("consecutive", fails), zap.Error(err))
			if fails >= p.cfg.MaxReadErrors {
				onError(fmt.Errorf("%w: %d consecutive read errors: %w",
					failover.ErrProviderUnavailable, fails, err))
				return
			}
			continue
		}
		fails = 0

		if data == nil || !data.Valid || data.Timestamp == "" || data.Timestamp == lastStamp {
			continue
		}
		lastStamp = data.Timestamp
		onSample(p.toSample(data))
	}
}

func (p *PolledSource) toSample(d *Data) failover.Sample {
	ts := d.Time
	if ts.IsZero() {
		ts = p.now()
	}
	return failover.Sample{
		Latitude:   d.Latitude,
		Longitude:  d.Longitude,
		Time:       ts,
		Speed:      d.Speed,
		Heading:    d.Heading,
		Altitude:   d.Altitude,
		Satellites: d.Satellites,
		HDOP:       d.HDOP,
		Source:     p.prov.Name(),
	}
}
