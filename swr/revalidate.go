package swr

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-swr/cache"
	"github.com/ipni/go-swr/dedup"
	"github.com/ipni/go-swr/key"
	"github.com/ipni/go-swr/retry"
)

// RevalidateOptions controls one revalidation.
type RevalidateOptions struct {
	// Dedupe joins a fetch of the key that is in flight or within its dedup
	// window instead of starting a new one.
	Dedupe bool
	// RetryCount is the number of failed attempts before this one.
	RetryCount int
}

// Revalidator revalidates a key and reports whether the revalidation ran. It
// blocks until the fetch settles.
type Revalidator func(RevalidateOptions) bool

// RetryFunc decides whether and when to retry a failed fetch. Attempt is the
// number of the retry being considered, starting at 1. To retry, call
// revalidate with RetryCount set to attempt, typically from a timer. The
// revalidation does nothing if a newer fetch of the key has started since
// the failure.
type RetryFunc func(err error, key string, attempt int, revalidate Revalidator)

// revalidate fetches the subscription's key and waits for the fetch to
// settle.
func (s *Subscription) revalidate(ctx context.Context, ro RevalidateOptions) error {
	call := s.begin(ro)
	if call == nil {
		return nil
	}
	return wait(ctx, call)
}

// begin starts or joins a fetch of the subscription's key. It returns nil if
// nothing is fetched.
func (s *Subscription) begin(ro RevalidateOptions) *dedup.Call {
	if s.absent || s.closed.Load() {
		return nil
	}
	return s.engine.begin(s, s.res, s.config(), ro)
}

// trigger revalidates every subscription of res. The first one starts a new
// fetch and the others share it.
func (e *Engine) trigger(ctx context.Context, res key.Resolved) error {
	subs := e.subscriptions(res.ID)
	if len(subs) == 0 {
		call := e.begin(nil, res, &e.cfg, RevalidateOptions{})
		if call == nil {
			return nil
		}
		return wait(ctx, call)
	}

	calls := make([]*dedup.Call, 0, len(subs))
	for i, s := range subs {
		if call := s.begin(RevalidateOptions{Dedupe: i > 0}); call != nil {
			calls = append(calls, call)
		}
	}
	for _, call := range calls {
		if err := wait(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func wait(ctx context.Context, call *dedup.Call) error {
	_, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// begin starts or joins a fetch of res using cfg. Sub is the subscription
// that owns the fetch, or nil for a fetch with no subscribers.
func (e *Engine) begin(sub *Subscription, res key.Resolved, cfg *config, ro RevalidateOptions) *dedup.Call {
	fetcher := cfg.chainedFetcher()
	if fetcher == nil {
		log.Debugw("No fetcher for key", "key", res.ID)
		return nil
	}
	if e.ctx.Err() != nil {
		return nil
	}

	e.loop.Lock()
	call, fresh := e.dedup.Begin(res.ID, ro.Dedupe, cfg.dedupingInterval)
	if !fresh {
		e.loop.Unlock()
		return call
	}
	prev, _ := e.store.Get(res.ID)
	e.notify(res.ID, e.store.Set(res.ID, cache.WithValidating(true)))
	e.loop.Unlock()

	log.Debugw("Fetching", "key", res.ID, "seq", call.Seq, "retry", ro.RetryCount)
	var slow *clock.Timer
	if sub != nil && prev.Data == nil && cfg.loadingTimeout > 0 && cfg.onLoadingSlow != nil {
		slow = sub.watchSlow(call, cfg.loadingTimeout)
	}
	go e.runFetch(sub, call, res, fetcher, cfg, ro, slow)
	return call
}

func (e *Engine) runFetch(sub *Subscription, call *dedup.Call, res key.Resolved, fetcher Fetcher, cfg *config, ro RevalidateOptions, slow *clock.Timer) {
	val, err := callFetcher(e.ctx, fetcher, res.Args)
	var ferr *FetchError
	if err != nil {
		ferr = &FetchError{Key: res.ID, Attempt: ro.RetryCount, Err: err}
		val = nil
	}

	applied := e.settle(call, val, ferr, cfg)
	if ferr != nil {
		log.Errorw("Fetch failed", "key", res.ID, "retry", ro.RetryCount, "applied", applied, "err", err)
		e.dedup.Finish(call, nil, ferr)
	} else {
		e.dedup.Finish(call, val, nil)
	}

	if sub == nil {
		return
	}
	if slow != nil {
		sub.stopTimer(slow)
	}
	if sub.closed.Load() {
		return
	}
	cur := sub.config()
	if ferr == nil {
		if cur.onSuccess != nil {
			cur.onSuccess(val, res.ID)
		}
		return
	}
	if !applied {
		return
	}
	if cur.onError != nil {
		cur.onError(ferr, res.ID)
	}
	if cur.shouldRetryOnError {
		e.scheduleRetry(sub, call, ferr, cur, ro)
	}
}

// settle applies the outcome of call to the store and broadcasts it, unless a
// newer fetch or a mutation superseded the call. It reports whether the
// outcome was applied.
func (e *Engine) settle(call *dedup.Call, val any, ferr *FetchError, cfg *config) bool {
	id := call.Key
	e.loop.Lock()
	defer e.loop.Unlock()

	if e.ctx.Err() != nil {
		return false
	}
	if call.Seq != e.dedup.Seq(id) {
		log.Debugw("Dropped superseded fetch", "key", id, "seq", call.Seq)
		return false
	}

	e.mutex.Lock()
	var mutatedSeq uint64
	if ks, ok := e.keys[id]; ok {
		mutatedSeq = ks.mutatedSeq
	}
	e.mutex.Unlock()
	if call.Seq <= mutatedSeq {
		log.Debugw("Dropped fetch started before mutation", "key", id, "seq", call.Seq)
		// A reset removed the record, and it stays removed.
		if _, ok := e.store.Get(id); ok {
			e.notify(id, e.store.Set(id, cache.WithValidating(false)))
		}
		return false
	}

	fields := []cache.Field{
		cache.WithValidating(false),
		cache.WithUpdatedAt(e.clock.Now()),
	}
	if ferr != nil {
		fields = append(fields, cache.WithError(ferr))
	} else {
		fields = append(fields, cache.WithError(nil))
		old, _ := e.store.Get(id)
		if !cfg.compare(old.Data, val) {
			fields = append(fields, cache.WithData(val))
		}
	}
	e.notify(id, e.store.Set(id, fields...))
	return true
}

// scheduleRetry runs the retry policy for a failed fetch that was applied.
func (e *Engine) scheduleRetry(sub *Subscription, call *dedup.Call, ferr *FetchError, cfg *config, ro RevalidateOptions) {
	id := call.Key
	token := call.Seq
	attempt := ro.RetryCount + 1
	current := func() uint64 {
		return e.dedup.Seq(id)
	}
	revalidate := func(opts RevalidateOptions) bool {
		if current() != token || sub.closed.Load() {
			log.Debugw("Dropped superseded retry", "key", id, "retry", opts.RetryCount)
			return false
		}
		return sub.revalidate(e.ctx, opts) == nil
	}

	if cfg.onErrorRetry != nil {
		cfg.onErrorRetry(ferr, id, attempt, revalidate)
		return
	}
	if !e.env.IsVisible() {
		return
	}
	policy := retry.Policy{MaxRetries: cfg.errorRetryCount, Backoff: cfg.backoff}
	if policy.Exhausted(attempt) {
		log.Warnw("Giving up fetching key", "key", id, "retries", cfg.errorRetryCount, "err", ferr.Err)
		return
	}
	delay := policy.Delay(attempt)
	log.Debugw("Scheduling retry", "key", id, "retry", attempt, "delay", delay)
	retry.Schedule(sub.afterFunc, delay, token, current, func() {
		revalidate(RevalidateOptions{Dedupe: true, RetryCount: attempt})
	})
}

// watchSlow calls the slow loading callback if call has not settled after
// timeout.
func (s *Subscription) watchSlow(call *dedup.Call, timeout time.Duration) *clock.Timer {
	return s.afterFunc(timeout, func() {
		select {
		case <-call.Done():
			return
		default:
		}
		if s.closed.Load() {
			return
		}
		if fn := s.config().onLoadingSlow; fn != nil {
			fn(s.res.ID)
		}
	})
}
