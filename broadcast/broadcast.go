// Package broadcast fans out cache record updates to the subscribers of each
// key.
//
// Delivery is synchronous: when Notify returns, every listener registered for
// the key has been called with the new record, in registration order. A
// listener that panics is isolated from the others; the failure is logged,
// passed to an optional error hook, and returned from Notify, but delivery
// continues.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/channelqueue"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-swr/cache"
)

var log = logging.Logger("swr/broadcast")

// Listener is called with the key and the updated record.
type Listener func(id string, rec cache.Record)

// Handle identifies one registered listener.
type Handle struct {
	id string
	n  uint64
}

// Key returns the key the listener is registered for.
func (h Handle) Key() string {
	return h.id
}

// ListenerError describes a listener that panicked during delivery.
type ListenerError struct {
	Key   string
	Value any
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener for key %q panicked: %v", e.Key, e.Value)
}

func (e *ListenerError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

type entry struct {
	n  uint64
	fn Listener
}

// Broadcaster holds the listeners for each key. It is safe for concurrent
// use.
type Broadcaster struct {
	mutex     sync.Mutex
	next      uint64
	listeners map[string][]entry
	errHook   func(*ListenerError)
}

// New creates a Broadcaster. If errHook is not nil, it is called with each
// listener failure.
func New(errHook func(*ListenerError)) *Broadcaster {
	return &Broadcaster{
		listeners: make(map[string][]entry),
		errHook:   errHook,
	}
}

// Subscribe registers fn to receive updates for id.
func (b *Broadcaster) Subscribe(id string, fn Listener) Handle {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.next++
	// Copy on write so that a Notify in progress keeps its own view.
	old := b.listeners[id]
	entries := make([]entry, len(old), len(old)+1)
	copy(entries, old)
	b.listeners[id] = append(entries, entry{n: b.next, fn: fn})
	return Handle{id: id, n: b.next}
}

// Unsubscribe removes the listener identified by h. Returns false if it was
// not registered.
func (b *Broadcaster) Unsubscribe(h Handle) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	old := b.listeners[h.id]
	for i := range old {
		if old[i].n != h.n {
			continue
		}
		if len(old) == 1 {
			delete(b.listeners, h.id)
			return true
		}
		entries := make([]entry, 0, len(old)-1)
		entries = append(entries, old[:i]...)
		b.listeners[h.id] = append(entries, old[i+1:]...)
		return true
	}
	return false
}

// Count returns the number of listeners registered for id.
func (b *Broadcaster) Count(id string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.listeners[id])
}

// Notify calls every listener registered for id with rec. Any listener
// failures are returned together as a multierror.
func (b *Broadcaster) Notify(id string, rec cache.Record) error {
	b.mutex.Lock()
	entries := b.listeners[id]
	b.mutex.Unlock()

	var errs error
	for _, ent := range entries {
		// A listener earlier in the list may have removed this one.
		if !b.registered(id, ent.n) {
			continue
		}
		if err := b.deliver(id, ent.fn, rec); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (b *Broadcaster) registered(id string, n uint64) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, ent := range b.listeners[id] {
		if ent.n == n {
			return true
		}
	}
	return false
}

func (b *Broadcaster) deliver(id string, fn Listener, rec cache.Record) (err *ListenerError) {
	defer func() {
		if r := recover(); r != nil {
			err = &ListenerError{Key: id, Value: r}
			log.Errorw("Listener failed", "key", id, "err", err)
			if b.errHook != nil {
				b.errHook(err)
			}
		}
	}()
	fn(id, rec)
	return nil
}

// Watch creates a channel that receives the updates for id, and registers
// that channel as a listener. The channel is unbounded so that Notify never
// blocks on a slow reader.
//
// Calling the returned cancel function unsubscribes the channel and closes it
// to allow any reading goroutines to stop waiting on the channel.
func (b *Broadcaster) Watch(id string) (<-chan cache.Record, context.CancelFunc) {
	cq := channelqueue.New[cache.Record](-1)
	in := cq.In()

	var mutex sync.Mutex
	var closed bool
	h := b.Subscribe(id, func(_ string, rec cache.Record) {
		mutex.Lock()
		defer mutex.Unlock()
		if !closed {
			in <- rec
		}
	})

	cancel := func() {
		mutex.Lock()
		defer mutex.Unlock()
		if closed {
			return
		}
		closed = true
		b.Unsubscribe(h)
		close(in)
	}
	log.Debugw("Watch configured", "key", id)
	return cq.Out(), cancel
}

// IsListenerError returns true if err contains a listener failure.
func IsListenerError(err error) bool {
	var lerr *ListenerError
	return errors.As(err, &lerr)
}
