package swr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-swr/broadcast"
	"github.com/ipni/go-swr/cache"
	"github.com/ipni/go-swr/key"
)

// Subscription is one consumer of a key. It holds the consumer's options,
// polling timer and throttle state. Close it when done.
type Subscription struct {
	engine    *Engine
	res       key.Resolved
	absent    bool
	cfg       atomic.Pointer[config]
	handle    broadcast.Handle
	listening bool
	unwatch   context.CancelFunc
	closed    atomic.Bool

	mutex           sync.Mutex
	pollTimer       *clock.Timer
	pollGen         uint64
	nextFocusAt     time.Time
	nextReconnectAt time.Time
	timers          map[*clock.Timer]struct{}
}

// Key returns the normalized key, or an empty string if the key is absent.
func (s *Subscription) Key() string {
	return s.res.ID
}

// Snapshot returns the current record of the key. If the key has no cached
// data, the subscription's initial data is reported instead.
func (s *Subscription) Snapshot() cache.Record {
	var rec cache.Record
	if !s.absent {
		rec, _ = s.engine.store.Get(s.res.ID)
	}
	if rec.Data == nil {
		rec.Data = s.config().initialData
	}
	return rec
}

// Revalidate starts a new fetch of the key and waits for it to settle. An
// error is only returned if ctx is canceled.
func (s *Subscription) Revalidate(ctx context.Context) error {
	return s.revalidate(ctx, RevalidateOptions{})
}

// Mutate is Engine.Mutate for the subscription's key.
func (s *Subscription) Mutate(ctx context.Context, m Mutation, shouldRevalidate bool) (any, error) {
	if s.absent {
		return nil, nil
	}
	return s.engine.mutate(ctx, s.res, m, shouldRevalidate)
}

// SetOptions replaces the subscription's options. The new options are
// applied on top of the engine defaults, and take effect at the next event
// that reads them. A changed refresh interval reschedules polling.
func (s *Subscription) SetOptions(options ...Option) error {
	cfg, err := getOpts(s.engine.cfg, options)
	if err != nil {
		return err
	}
	old := s.cfg.Swap(&cfg)
	if s.absent || s.closed.Load() || old.refreshInterval == cfg.refreshInterval {
		return nil
	}
	s.mutex.Lock()
	s.schedulePollLocked(&cfg)
	s.mutex.Unlock()
	return nil
}

// Close stops the subscription. Its listener is not called again, its timers
// are stopped, and its callbacks no longer fire. A fetch that is in flight
// still updates the cache.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.absent {
		return
	}
	if s.listening {
		s.engine.bcast.Unsubscribe(s.handle)
	}
	if s.unwatch != nil {
		s.unwatch()
	}

	s.mutex.Lock()
	s.pollGen++
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	for t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mutex.Unlock()

	s.engine.removeSub(s)
	log.Debugw("Unsubscribed", "key", s.res.ID)
}

func (s *Subscription) config() *config {
	return s.cfg.Load()
}

func (s *Subscription) wrapListener(listener broadcast.Listener) broadcast.Listener {
	return func(id string, rec cache.Record) {
		if rec.Data == nil {
			rec.Data = s.config().initialData
		}
		listener(id, rec)
	}
}

// afterFunc starts a timer that is stopped when the subscription closes. It
// returns nil if the subscription is already closed.
func (s *Subscription) afterFunc(d time.Duration, fn func()) *clock.Timer {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.timers == nil {
		return nil
	}
	var t *clock.Timer
	t = s.engine.clock.AfterFunc(d, func() {
		s.mutex.Lock()
		delete(s.timers, t)
		s.mutex.Unlock()
		fn()
	})
	s.timers[t] = struct{}{}
	return t
}

func (s *Subscription) stopTimer(t *clock.Timer) {
	if t == nil {
		return
	}
	t.Stop()
	s.mutex.Lock()
	delete(s.timers, t)
	s.mutex.Unlock()
}

// schedulePollLocked replaces any pending poll with one that fires after the
// refresh interval of cfg. Must be called with mutex held.
func (s *Subscription) schedulePollLocked(cfg *config) {
	s.pollGen++
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	if cfg.refreshInterval <= 0 || s.timers == nil {
		return
	}
	gen := s.pollGen
	s.pollTimer = s.engine.clock.AfterFunc(cfg.refreshInterval, func() {
		s.poll(gen)
	})
}

func (s *Subscription) poll(gen uint64) {
	s.mutex.Lock()
	current := gen == s.pollGen
	s.mutex.Unlock()
	if !current || s.closed.Load() {
		return
	}

	cfg := s.config()
	e := s.engine
	rec, _ := e.store.Get(s.res.ID)
	switch {
	case rec.Err != nil:
		log.Debugw("Skipped poll of failing key", "key", s.res.ID)
	case !cfg.refreshWhenHidden && !e.env.IsVisible():
	case !cfg.refreshWhenOffline && !e.env.IsOnline():
	default:
		_ = s.revalidate(e.ctx, RevalidateOptions{Dedupe: true})
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if gen == s.pollGen {
		// Use the interval that is current now.
		s.schedulePollLocked(s.config())
	}
}

func (s *Subscription) onFocus() {
	cfg := s.config()
	if !cfg.revalidateOnFocus || !s.throttle(&s.nextFocusAt, cfg.focusThrottleInterval) {
		return
	}
	s.begin(RevalidateOptions{Dedupe: true})
}

func (s *Subscription) onReconnect() {
	cfg := s.config()
	if !cfg.revalidateOnReconnect || !s.throttle(&s.nextReconnectAt, cfg.focusThrottleInterval) {
		return
	}
	s.begin(RevalidateOptions{Dedupe: true})
}

// throttle reports whether an event is accepted, and if so blocks further
// events of the same kind for interval.
func (s *Subscription) throttle(next *time.Time, interval time.Duration) bool {
	if s.absent || s.closed.Load() {
		return false
	}
	now := s.engine.clock.Now()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if now.Before(*next) {
		return false
	}
	*next = now.Add(interval)
	return true
}
