package swr

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-swr/broadcast"
	"github.com/ipni/go-swr/cache"
	"github.com/ipni/go-swr/dedup"
	"github.com/ipni/go-swr/env"
	"github.com/ipni/go-swr/key"
)

var log = logging.Logger("swr")

// Engine coordinates the cache, fetches and subscribers of a set of keys.
type Engine struct {
	cfg   config
	clock clock.Clock
	env   env.Environment
	store *cache.Store
	bcast *broadcast.Broadcaster
	dedup *dedup.Deduplicator

	ctx    context.Context
	cancel context.CancelFunc

	// loop serializes state transitions together with their broadcast.
	loop sync.Mutex

	// mutex guards the fields below. It is never held while calling out.
	mutex  sync.Mutex
	keys   map[string]*keyState
	closed bool

	stopFocus     func()
	stopReconnect func()
}

type keyState struct {
	subs []*Subscription
	// mutatedSeq is the key's fetch sequence when it was last mutated.
	// Fetches at or below it are not applied.
	mutatedSeq uint64
	mutations  uint64
}

// New creates an Engine. The options given to New are the defaults for every
// subscription, and also configure the engine-wide clock, environment, store
// and listener error hook.
func New(options ...Option) (*Engine, error) {
	cfg, err := getOpts(defaultConfig(), options)
	if err != nil {
		return nil, err
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.env == nil {
		cfg.env = env.Static{}
	}
	if cfg.store == nil {
		cfg.store = cache.NewStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		clock:  cfg.clock,
		env:    cfg.env,
		store:  cfg.store,
		bcast:  broadcast.New(cfg.listenerErrHook),
		dedup:  dedup.New(cfg.clock),
		ctx:    ctx,
		cancel: cancel,
		keys:   make(map[string]*keyState),
	}
	e.stopFocus = e.env.OnFocus(e.onFocus)
	e.stopReconnect = e.env.OnReconnect(e.onReconnect)
	return e, nil
}

// Subscribe registers listener for updates to the record of k and returns
// the subscription. The options override the engine defaults for this
// subscription only.
//
// Subscribing to an absent key succeeds, but the subscription never fetches
// and its listener is never called. Unless disabled, the key is revalidated
// right away. Subscribe must not be called from a listener.
func (e *Engine) Subscribe(k key.Key, listener broadcast.Listener, options ...Option) (*Subscription, error) {
	return e.subscribe(k, options, func(s *Subscription) {
		if listener != nil {
			s.handle = e.bcast.Subscribe(s.res.ID, s.wrapListener(listener))
			s.listening = true
		}
	})
}

// Watch subscribes to k the same as Subscribe, but delivers the updates of
// k on the returned channel. The records are delivered as cached, without
// initial data. The channel does not block the engine, and is closed when
// cancel is called or the engine is closed. For an absent key the channel is
// already closed.
func (e *Engine) Watch(k key.Key, options ...Option) (<-chan cache.Record, context.CancelFunc, error) {
	var updates <-chan cache.Record
	s, err := e.subscribe(k, options, func(s *Subscription) {
		updates, s.unwatch = e.bcast.Watch(s.res.ID)
	})
	if err != nil {
		return nil, nil, err
	}
	if s.absent {
		ch := make(chan cache.Record)
		close(ch)
		return ch, func() {}, nil
	}
	return updates, s.Close, nil
}

// subscribe creates a subscription to k. The listen function registers the
// subscription's listeners before any fetch starts.
func (e *Engine) subscribe(k key.Key, options []Option, listen func(*Subscription)) (*Subscription, error) {
	cfg, err := getOpts(e.cfg, options)
	if err != nil {
		return nil, err
	}
	e.mutex.Lock()
	closed := e.closed
	e.mutex.Unlock()
	if closed {
		return nil, ErrClosed
	}

	s := &Subscription{
		engine: e,
		timers: make(map[*clock.Timer]struct{}),
	}
	s.cfg.Store(&cfg)

	res, err := key.Normalize(k)
	if err != nil {
		s.absent = true
		return s, nil
	}
	s.res = res

	listen(s)
	if !e.addSub(s) {
		s.Close()
		return nil, ErrClosed
	}
	log.Debugw("Subscribed", "key", res.ID)

	s.mutex.Lock()
	s.schedulePollLocked(&cfg)
	s.mutex.Unlock()

	if cfg.revalidatesOnMount() {
		s.begin(RevalidateOptions{Dedupe: true})
	}
	return s, nil
}

// Unsubscribe closes sub. It is the same as calling sub.Close.
func (e *Engine) Unsubscribe(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// GetSnapshot returns the cached record of k. An absent key returns an empty
// record.
func (e *Engine) GetSnapshot(k key.Key) cache.Record {
	res, err := key.Normalize(k)
	if err != nil {
		return cache.Record{}
	}
	rec, _ := e.store.Get(res.ID)
	return rec
}

// Revalidate fetches k for every subscription of k and waits for the fetches
// to settle. The first subscription starts a new fetch, and the others share
// it. If k has no subscriptions, then it is fetched with the engine's
// default fetcher, if any.
//
// The returned record holds any fetch error. An error is only returned if
// ctx is canceled or the engine is closed.
func (e *Engine) Revalidate(ctx context.Context, k key.Key) (cache.Record, error) {
	if e.isClosed() {
		return cache.Record{}, ErrClosed
	}
	res, err := key.Normalize(k)
	if err != nil {
		return cache.Record{}, nil
	}
	if err = e.trigger(ctx, res); err != nil {
		return cache.Record{}, err
	}
	rec, _ := e.store.Get(res.ID)
	return rec, nil
}

// Reset clears the cache and forgets all in-flight fetches. Subscribers of
// each key are notified with an empty record.
func (e *Engine) Reset() {
	e.loop.Lock()
	defer e.loop.Unlock()

	cached := e.store.Keys()
	e.store.Clear()
	e.dedup.Reset()

	e.mutex.Lock()
	// Fetches started before the reset must not repopulate the cache.
	for _, id := range cached {
		e.keyStateLocked(id).mutatedSeq = e.dedup.Seq(id)
	}
	ids := make([]string, 0, len(e.keys))
	for id, ks := range e.keys {
		if len(ks.subs) != 0 {
			ids = append(ids, id)
		}
	}
	e.mutex.Unlock()

	for _, id := range ids {
		e.notify(id, cache.Record{})
	}
	log.Info("Cache reset")
}

// Close closes all subscriptions, stops listening to the environment and
// cancels in-flight fetches. Results of canceled fetches are discarded.
func (e *Engine) Close() {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return
	}
	e.closed = true
	var subs []*Subscription
	for _, ks := range e.keys {
		subs = append(subs, ks.subs...)
	}
	e.mutex.Unlock()

	e.stopFocus()
	e.stopReconnect()
	for _, s := range subs {
		s.Close()
	}
	inFlight := e.dedup.InFlight()
	e.cancel()
	log.Debugw("Engine closed", "canceledFetches", inFlight)
}

func (e *Engine) isClosed() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closed
}

// notify broadcasts rec to the subscribers of id. Must be called with loop
// held. Listener failures are reported by the broadcaster.
func (e *Engine) notify(id string, rec cache.Record) {
	_ = e.bcast.Notify(id, rec)
}

func (e *Engine) addSub(s *Subscription) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.closed {
		return false
	}
	ks := e.keyStateLocked(s.res.ID)
	ks.subs = append(ks.subs, s)
	return true
}

func (e *Engine) removeSub(s *Subscription) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	ks, ok := e.keys[s.res.ID]
	if !ok {
		return
	}
	for i, sub := range ks.subs {
		if sub == s {
			ks.subs = append(ks.subs[:i:i], ks.subs[i+1:]...)
			break
		}
	}
	if len(ks.subs) == 0 && ks.mutations == 0 && ks.mutatedSeq == 0 {
		delete(e.keys, s.res.ID)
	}
}

func (e *Engine) keyStateLocked(id string) *keyState {
	ks, ok := e.keys[id]
	if !ok {
		ks = &keyState{}
		e.keys[id] = ks
	}
	return ks
}

// subscriptions returns the open subscriptions of id in subscription order.
func (e *Engine) subscriptions(id string) []*Subscription {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	ks, ok := e.keys[id]
	if !ok {
		return nil
	}
	subs := make([]*Subscription, len(ks.subs))
	copy(subs, ks.subs)
	return subs
}

func (e *Engine) allSubscriptions() []*Subscription {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	var subs []*Subscription
	for _, ks := range e.keys {
		subs = append(subs, ks.subs...)
	}
	return subs
}

func (e *Engine) onFocus() {
	if !e.env.IsVisible() || !e.env.IsOnline() {
		return
	}
	for _, s := range e.allSubscriptions() {
		s.onFocus()
	}
}

func (e *Engine) onReconnect() {
	if !e.env.IsVisible() || !e.env.IsOnline() {
		return
	}
	for _, s := range e.allSubscriptions() {
		s.onReconnect()
	}
}
