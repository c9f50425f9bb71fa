package failover

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	failArm error
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) (Timer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failArm != nil {
		return nil, c.failArm
	}
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t, nil
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// pending returns the number of armed timers.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeSource records subscriptions and lets tests push samples and errors.
type fakeSource struct {
	name string

	mu        sync.Mutex
	subErr    error
	subs      int
	unsubs    int
	live      Token
	onSample  func(Sample)
	onError   func(error)
	lastAlive func(Sample)
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Subscribe(onSample func(Sample), onError func(error)) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return "", f.subErr
	}
	f.subs++
	f.live = Token(fmt.Sprintf("%s-%d", f.name, f.subs))
	f.onSample = onSample
	f.onError = onError
	f.lastAlive = onSample
	return f.live, nil
}

func (f *fakeSource) Unsubscribe(tok Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tok != f.live || f.live == "" {
		return errors.New("unknown token")
	}
	f.unsubs++
	f.live = ""
	f.onSample = nil
	f.onError = nil
	return nil
}

// Emit pushes a sample if subscribed.
func (f *fakeSource) Emit(s Sample) bool {
	f.mu.Lock()
	fn := f.onSample
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(s)
	return true
}

// EmitLate pushes through the most recent callback even after Unsubscribe,
// like a provider whose last fix races with being stopped.
func (f *fakeSource) EmitLate(s Sample) {
	f.mu.Lock()
	fn := f.lastAlive
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Fail reports a runtime error if subscribed.
func (f *fakeSource) Fail(err error) bool {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(err)
	return true
}

func (f *fakeSource) counts() (subs, unsubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs, f.unsubs
}

// recorder is a Subscriber that keeps everything it receives.
type recorder struct {
	mu      sync.Mutex
	samples []Sample
	errs    []error
}

func (r *recorder) OnSample(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) sampleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func (r *recorder) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) sampleList() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

// transitionLog collects OnTransition callbacks.
type transitionLog struct {
	mu   sync.Mutex
	list []Transition
}

func (l *transitionLog) add(tr Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, tr)
}

func (l *transitionLog) into(s State) []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transition
	for _, tr := range l.list {
		if tr.To == s {
			out = append(out, tr)
		}
	}
	return out
}

func (l *transitionLog) all() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.list...)
}
