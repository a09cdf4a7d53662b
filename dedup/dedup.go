// Package dedup tracks in-flight fetches per key so that concurrent requests
// for the same key share one fetch.
//
// Every fresh call for a key is assigned the next value of that key's
// sequence counter. A call is shareable until the dedup window, measured from
// the call's start, has passed. A call that fails is forgotten as soon as it
// settles, so that a retry always gets a fresh call.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Call is one fetch for a key, shared by every caller that joins it.
type Call struct {
	// Key is the serialized key the call is for.
	Key string
	// Seq is the key's sequence number when the call was started.
	Seq uint64
	// StartedAt is when the call was started.
	StartedAt time.Time

	window time.Duration
	done   chan struct{}
	val    any
	err    error
}

// Done returns a channel that is closed when the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait waits for the call to settle and returns its outcome, or returns the
// context error if ctx is done first. Canceling ctx does not cancel the call.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a settled call. It must only be called after
// Done is closed.
func (c *Call) Result() (any, error) {
	return c.val, c.err
}

type keyCalls struct {
	seq  uint64
	call *Call
}

// Deduplicator registers in-flight calls per key. It is safe for concurrent
// use.
type Deduplicator struct {
	clock clock.Clock
	mutex sync.Mutex
	keys  map[string]*keyCalls
}

// New creates a Deduplicator that uses clk for timestamps and window timers.
// A nil clk uses the system clock.
func New(clk clock.Clock) *Deduplicator {
	if clk == nil {
		clk = clock.New()
	}
	return &Deduplicator{
		clock: clk,
		keys:  make(map[string]*keyCalls),
	}
}

// Begin returns the call to use for a fetch of id. If dedupe is true and a
// call for id started less than window ago, then that call is returned and
// fresh is false. Otherwise a new call is registered with the
// next sequence number for id and fresh is true; the caller must then run the
// fetch and settle the call with Finish.
func (d *Deduplicator) Begin(id string, dedupe bool, window time.Duration) (call *Call, fresh bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	kc, ok := d.keys[id]
	if !ok {
		kc = &keyCalls{}
		d.keys[id] = kc
	}
	if dedupe && kc.call != nil && d.clock.Since(kc.call.StartedAt) < window {
		return kc.call, false
	}

	kc.seq++
	call = &Call{
		Key:       id,
		Seq:       kc.seq,
		StartedAt: d.clock.Now(),
		window:    window,
		done:      make(chan struct{}),
	}
	if window > 0 {
		kc.call = call
	} else {
		kc.call = nil
	}
	return call, true
}

// Finish settles call with the fetch outcome and releases everyone waiting
// on it. A successful call stays registered until its dedup window ends.
func (d *Deduplicator) Finish(call *Call, val any, err error) {
	call.val = val
	call.err = err
	close(call.done)

	remaining := call.window - d.clock.Since(call.StartedAt)
	if err != nil || remaining <= 0 {
		d.forgetCall(call)
		return
	}
	d.clock.AfterFunc(remaining, func() {
		d.forgetCall(call)
	})
}

func (d *Deduplicator) forgetCall(call *Call) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	// Only remove the call if a newer one has not replaced it.
	if kc, ok := d.keys[call.Key]; ok && kc.call == call {
		kc.call = nil
	}
}

// Seq returns the highest sequence number issued for id.
func (d *Deduplicator) Seq(id string) uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if kc, ok := d.keys[id]; ok {
		return kc.seq
	}
	return 0
}

// Reset forgets every registered call. Sequence counters are kept, so that
// calls started before the reset are still recognized as superseded.
func (d *Deduplicator) Reset() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, kc := range d.keys {
		kc.call = nil
	}
}

// InFlight returns the number of registered calls that have not settled.
func (d *Deduplicator) InFlight() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var n int
	for _, kc := range d.keys {
		if kc.call == nil {
			continue
		}
		select {
		case <-kc.call.done:
		default:
			n++
		}
	}
	return n
}
