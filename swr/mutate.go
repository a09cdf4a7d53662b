package swr

import (
	"context"

	"github.com/ipni/go-swr/cache"
	"github.com/ipni/go-swr/key"
)

// Mutation is a local change to the data of a key. Create one with Value or
// Updater.
type Mutation interface {
	apply(old any) (any, error)
}

type valueMutation struct {
	data any
}

func (m valueMutation) apply(any) (any, error) {
	return m.data, nil
}

type updaterMutation func(old any) (any, error)

func (m updaterMutation) apply(old any) (any, error) {
	return m(old)
}

// Value returns a Mutation that replaces the data of a key with data. A nil
// data leaves the cached data unchanged and clears any error.
func Value(data any) Mutation {
	return valueMutation{data: data}
}

// Updater returns a Mutation that computes new data from the cached data. If
// fn returns an error, that error is stored in the key's record and the data
// is left unchanged.
func Updater(fn func(old any) (any, error)) Mutation {
	return updaterMutation(fn)
}

// Mutate applies m to the cached data of k and broadcasts the new record to
// the subscribers of k. Fetches of k that started before the mutation are not
// applied when they complete. If shouldRevalidate is true, then k is
// revalidated after the mutation, the same as with Revalidate.
//
// If m is nil, then Mutate only revalidates k. The returned values are the
// mutated data and any updater error. If another mutation or a fetch of k
// starts while an updater is running, the updater's result is not applied.
func (e *Engine) Mutate(ctx context.Context, k key.Key, m Mutation, shouldRevalidate bool) (any, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	res, err := key.Normalize(k)
	if err != nil {
		return nil, nil
	}
	return e.mutate(ctx, res, m, shouldRevalidate)
}

func (e *Engine) mutate(ctx context.Context, res key.Resolved, m Mutation, shouldRevalidate bool) (any, error) {
	id := res.ID
	if m == nil {
		if err := e.trigger(ctx, res); err != nil {
			return nil, err
		}
		rec, _ := e.store.Get(id)
		return rec.Data, nil
	}

	e.loop.Lock()
	seq := e.dedup.Seq(id)
	e.mutex.Lock()
	ks := e.keyStateLocked(id)
	ks.mutations++
	ks.mutatedSeq = seq
	mutation := ks.mutations
	e.mutex.Unlock()
	old, _ := e.store.Get(id)
	e.loop.Unlock()

	data, uerr := m.apply(old.Data)

	e.loop.Lock()
	if e.superseded(id, mutation, seq) {
		e.loop.Unlock()
		log.Debugw("Dropped superseded mutation", "key", id)
		return data, uerr
	}
	fields := []cache.Field{
		cache.WithError(uerr),
		cache.WithUpdatedAt(e.clock.Now()),
	}
	if uerr == nil && data != nil {
		fields = append(fields, cache.WithData(data))
	}
	e.notify(id, e.store.Set(id, fields...))
	e.loop.Unlock()

	if shouldRevalidate {
		if err := e.trigger(ctx, res); err != nil {
			return data, err
		}
	}
	return data, uerr
}

// superseded reports whether another mutation or a fetch of id started after
// the mutation numbered mutation began. Must be called with loop held.
func (e *Engine) superseded(id string, mutation, seq uint64) bool {
	if e.dedup.Seq(id) != seq {
		return true
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	ks, ok := e.keys[id]
	return !ok || ks.mutations != mutation
}
