package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Controller defaults.
const (
	// DefaultStaleAfter is how long the primary may stay silent.
	DefaultStaleAfter = 15 * time.Second

	// DefaultDwell is how long the secondary runs before the primary is retried.
	DefaultDwell = 60 * time.Second
)

// Controller errors.
var (
	ErrProviderUnavailable = errors.New("location provider unavailable")
	ErrSubscriptionFailed  = errors.New("location subscription rejected")
	ErrTimerScheduling     = errors.New("timer could not be armed")
	ErrAlreadyRunning      = errors.New("failover controller already running")
	ErrInvalidDuration     = errors.New("invalid failover duration")
	ErrNilSubscriber       = errors.New("nil subscriber")
)

// Config holds controller configuration. Zero durations take the defaults.
type Config struct {
	StaleAfter time.Duration
	Dwell      time.Duration
	Clock      Clock
}

// Controller delivers one logical stream of samples from either of two
// sources. It is safe for concurrent use.
type Controller struct {
	primary    Source
	secondary  Source
	staleAfter time.Duration
	dwell      time.Duration
	clock      Clock
	log        *zap.Logger

	mu           sync.RWMutex
	status       Status
	sess         *session
	onTransition func(Transition)
}

// New creates a controller. A nil logger disables logging.
func New(primary, secondary Source, cfg Config, logger *zap.Logger) (*Controller, error) {
	if primary == nil || secondary == nil {
		return nil, fmt.Errorf("%w: both sources are required", ErrProviderUnavailable)
	}
	if cfg.StaleAfter < 0 || cfg.Dwell < 0 {
		return nil, ErrInvalidDuration
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Dwell == 0 {
		cfg.Dwell = DefaultDwell
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		primary:    primary,
		secondary:  secondary,
		staleAfter: cfg.StaleAfter,
		dwell:      cfg.Dwell,
		clock:      cfg.Clock,
		log:        logger,
		status:     Status{State: StateIdle},
	}, nil
}

// OnTransition sets a callback for state changes. It runs on the session
// goroutine and must neither block nor call back into the controller.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// StaleAfter returns the configured staleness timeout.
func (c *Controller) StaleAfter() time.Duration { return c.staleAfter }

// Dwell returns the configured dwell duration.
func (c *Controller) Dwell() time.Duration { return c.dwell }

// Start begins a session on the primary source. Cancelling ctx stops it.
// Registration failures are reported to sub, not returned.
func (c *Controller) Start(ctx context.Context, sub Subscriber) (Handle, error) {
	if sub == nil {
		return Handle{}, ErrNilSubscriber
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return Handle{}, ErrAlreadyRunning
	}
	s := &session{
		id:     uuid.New(),
		events: make(chan event, 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		out:    newDispatcher(sub),
		state:  StateIdle,
	}
	c.sess = s
	c.status = Status{
		State:   StateUsingPrimary,
		Active:  Primary,
		Running: true,
		Since:   c.clock.Now(),
		Last:    c.status.Last,
	}
	c.mu.Unlock()

	c.log.Info("session started",
		zap.Stringer("handle", s.id),
		zap.String("primary", c.primary.Name()),
		zap.String("secondary", c.secondary.Name()),
		zap.Duration("stale_after", c.staleAfter),
		zap.Duration("dwell", c.dwell))

	go c.run(ctx, s)
	return Handle{id: s.id}, nil
}

// Stop ends the session identified by h. Stale or zero handles are ignored.
// After Stop returns no timer transition or subscriber callback happens for
// that session. A callback already running is waited for, unless Stop is
// called from that callback.
func (c *Controller) Stop(h Handle) {
	c.mu.RLock()
	s := c.sess
	c.mu.RUnlock()

	if s == nil || s.id != h.id {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.out.close()
	<-s.done
	s.out.wait()
}

// CurrentSample returns the last delivered sample.
func (c *Controller) CurrentSample() (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status.Last == nil {
		return Sample{}, false
	}
	return *c.status.Last, true
}

// IsActive reports whether a session is running.
func (c *Controller) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Running
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.status
	if st.Last != nil {
		last := *st.Last
		st.Last = &last
	}
	return st
}

type eventKind uint8

const (
	evSample eventKind = iota
	evError
	evStale
	evDwell
	evSync
)

type event struct {
	kind   eventKind
	gen    uint64
	sample Sample
	err    error
	ack    chan struct{}
}

// session is the state of one Start..Stop cycle. Fields from state on are
// owned by the session goroutine.
type session struct {
	id       uuid.UUID
	events   chan event
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	out      *dispatcher

	state    State
	switches int
	subGen   uint64
	timerGen uint64
	timer    Timer
	token    Token
	active   Source
	subQuit  chan struct{}
}

// post hands an event to the session goroutine, or drops it once the
// session is over.
func (s *session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// postFrom is post for provider callbacks: it also gives up once the
// subscription is released, so a provider never blocks its own Unsubscribe.
func (s *session) postFrom(quit <-chan struct{}, ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	case <-quit:
	}
}

func (c *Controller) run(ctx context.Context, s *session) {
	defer close(s.done)

	if err := c.enterPrimary(s, "started"); err != nil {
		c.fail(s, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown(s, "context done")
			s.out.close()
			return
		case <-s.stopCh:
			c.shutdown(s, "stopped")
			return
		case ev := <-s.events:
			if err := c.handle(s, ev); err != nil {
				c.fail(s, err)
				return
			}
		}
	}
}

func (c *Controller) handle(s *session, ev event) error {
	switch ev.kind {
	case evSample:
		if ev.gen != s.subGen {
			return nil
		}
		smp := ev.sample
		c.mu.Lock()
		c.status.Last = &smp
		c.mu.Unlock()
		s.out.push(delivery{sample: smp})
		if s.state == StateUsingPrimary {
			return c.arm(s, c.staleAfter, evStale)
		}
	case evError:
		if ev.gen != s.subGen {
			return nil
		}
		return fmt.Errorf("%s source %s: %w", c.kindOf(s), s.active.Name(), classify(ev.err, ErrProviderUnavailable))
	case evStale:
		if ev.gen != s.timerGen || s.state != StateUsingPrimary {
			return nil
		}
		return c.enterSecondary(s)
	case evDwell:
		if ev.gen != s.timerGen || s.state != StateUsingSecondary {
			return nil
		}
		return c.enterPrimary(s, "dwell elapsed")
	case evSync:
		close(ev.ack)
	}
	return nil
}

func (c *Controller) enterPrimary(s *session, reason string) error {
	c.release(s)
	if err := c.subscribe(s, c.primary); err != nil {
		return err
	}
	if err := c.arm(s, c.staleAfter, evStale); err != nil {
		return err
	}
	c.transition(s, StateUsingPrimary, Primary, reason)
	return nil
}

func (c *Controller) enterSecondary(s *session) error {
	c.release(s)
	s.switches++
	if err := c.subscribe(s, c.secondary); err != nil {
		return err
	}
	if err := c.arm(s, c.dwell, evDwell); err != nil {
		return err
	}
	c.transition(s, StateUsingSecondary, Secondary, fmt.Sprintf("no sample for %v", c.staleAfter))
	return nil
}

// subscribe registers with src under a fresh generation.
func (c *Controller) subscribe(s *session, src Source) error {
	s.subGen++
	gen := s.subGen
	quit := make(chan struct{})
	tok, err := src.Subscribe(
		func(smp Sample) { s.postFrom(quit, event{kind: evSample, gen: gen, sample: smp}) },
		func(err error) { s.postFrom(quit, event{kind: evError, gen: gen, err: err}) },
	)
	if err != nil {
		close(quit)
		return fmt.Errorf("subscribe %s: %w", src.Name(), classify(err, ErrSubscriptionFailed))
	}
	s.subQuit = quit
	s.active = src
	s.token = tok
	return nil
}

// release stops the timer and unsubscribes from the active source.
func (c *Controller) release(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	if s.subQuit != nil {
		close(s.subQuit)
		s.subQuit = nil
	}
	if s.active != nil {
		if err := s.active.Unsubscribe(s.token); err != nil {
			c.log.Warn("unsubscribe failed", zap.String("source", s.active.Name()), zap.Error(err))
		}
		s.active = nil
		s.token = ""
	}
	s.subGen++
}

// arm replaces the session timer.
func (c *Controller) arm(s *session, d time.Duration, kind eventKind) error {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	t, err := c.clock.AfterFunc(d, func() { s.post(event{kind: kind, gen: gen}) })
	if err != nil {
		s.timer = nil
		return fmt.Errorf("arm %v timer: %w", d, classify(err, ErrTimerScheduling))
	}
	s.timer = t
	return nil
}

func (c *Controller) transition(s *session, to State, active ProviderKind, reason string) {
	from := s.state
	s.state = to
	now := c.clock.Now()

	c.log.Info("state change",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
		zap.Int("switches", s.switches))

	c.mu.Lock()
	if c.sess == s {
		c.status.State = to
		c.status.Active = active
		c.status.Switches = s.switches
		c.status.Running = to != StateIdle
		c.status.Since = now
	}
	fn := c.onTransition
	c.mu.Unlock()

	if fn != nil {
		fn(Transition{At: now, From: from, To: to, Reason: reason, Switches: s.switches})
	}
}

// shutdown releases everything and returns the controller to Idle.
func (c *Controller) shutdown(s *session, reason string) {
	c.release(s)
	c.transition(s, StateIdle, Primary, reason)

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.status = Status{State: StateIdle, Since: c.status.Since, Last: c.status.Last}
	}
	c.mu.Unlock()
}

// fail reports err once and ends the session.
func (c *Controller) fail(s *session, err error) {
	c.log.Error("session failed", zap.Stringer("handle", s.id), zap.Error(err))
	s.out.push(delivery{err: err})
	s.out.finish()
	c.shutdown(s, "error: "+err.Error())
}

func (c *Controller) kindOf(s *session) ProviderKind {
	if s.state == StateUsingSecondary {
		return Secondary
	}
	return Primary
}

// classify keeps a known error kind, or marks err with fallback.
func classify(err, fallback error) error {
	switch {
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrSubscriptionFailed),
		errors.Is(err, ErrTimerScheduling):
		return err
	default:
		return fmt.Errorf("%w: %w", fallback, err)
	}
}
