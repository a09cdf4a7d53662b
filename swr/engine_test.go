package swr_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-swr/broadcast"
	"github.com/ipni/go-swr/cache"
	"github.com/ipni/go-swr/env"
	"github.com/ipni/go-swr/key"
	"github.com/ipni/go-swr/swr"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newEngine(t *testing.T, options ...swr.Option) (*swr.Engine, *clock.Mock, *env.Manual) {
	mock := clock.NewMock()
	man := env.NewManual()
	options = append([]swr.Option{swr.WithClock(mock), swr.WithEnvironment(man)}, options...)
	e, err := swr.New(options...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, mock, man
}

type recorder struct {
	mutex sync.Mutex
	recs  []cache.Record
}

func (r *recorder) listen(_ string, rec cache.Record) {
	r.mutex.Lock()
	r.recs = append(r.recs, rec)
	r.mutex.Unlock()
}

func (r *recorder) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.recs)
}

func (r *recorder) last() cache.Record {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.recs) == 0 {
		return cache.Record{}
	}
	return r.recs[len(r.recs)-1]
}

// countingFetcher returns a fetcher that counts its calls and returns the
// call number.
func countingFetcher(calls *atomic.Int32) swr.Fetcher {
	return func(ctx context.Context, args ...any) (any, error) {
		return int(calls.Add(1)), nil
	}
}

// blockingFetcher returns a fetcher that waits for release before returning
// data.
func blockingFetcher(calls *atomic.Int32, release <-chan struct{}, data any) swr.Fetcher {
	return func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		select {
		case <-release:
			return data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func hasData(s *swr.Subscription, data any) func() bool {
	return func() bool {
		return s.Snapshot().Data == data
	}
}

func TestNewInvalidOption(t *testing.T) {
	_, err := swr.New(swr.WithDedupingInterval(-time.Second))
	require.ErrorContains(t, err, "option 0 failed")

	_, err = swr.New(swr.WithRefreshInterval(time.Second), swr.WithLoadingTimeout(-1))
	require.ErrorContains(t, err, "option 1 failed")
}

func TestConcurrentSubscribeFetchesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	e, _, _ := newEngine(t, swr.WithFetcher(blockingFetcher(&calls, release, "data")))

	const n = 10
	subs := make([]*swr.Subscription, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i], errs[i] = e.Subscribe(key.String("shared"), nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	close(release)

	for _, s := range subs {
		require.Eventually(t, hasData(s, "data"), waitFor, tick)
	}
	require.Equal(t, int32(1), calls.Load())
	require.False(t, e.GetSnapshot(key.String("shared")).IsValidating)
}

func TestFanOutToSubscribers(t *testing.T) {
	var calls atomic.Int32
	e, _, _ := newEngine(t, swr.WithFetcher(countingFetcher(&calls)))

	k := key.String("counter")
	recs := make([]*recorder, 3)
	subs := make([]*swr.Subscription, 3)
	for i := range subs {
		recs[i] = &recorder{}
		s, err := e.Subscribe(k, recs[i].listen)
		require.NoError(t, err)
		subs[i] = s
	}
	for _, s := range subs {
		require.Eventually(t, hasData(s, 1), waitFor, tick)
	}
	require.Equal(t, int32(1), calls.Load())

	rec, err := e.Revalidate(context.Background(), k)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Data)
	require.Equal(t, int32(2), calls.Load())

	// Every subscriber was notified before Revalidate returned.
	for i, r := range recs {
		last := r.last()
		require.Equal(t, 2, last.Data, "subscriber %d", i)
		require.False(t, last.IsValidating)
		require.Equal(t, 2, subs[i].Snapshot().Data)
	}
}

func TestLastStartedFetchWins(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetcher := func(ctx context.Context, args ...any) (any, error) {
		if calls.Add(1) == 1 {
			<-release
			return "stale", nil
		}
		return "fresh", nil
	}
	succeeded := make(chan any, 2)
	e, _, _ := newEngine(t, swr.WithFetcher(fetcher))

	s, err := e.Subscribe(key.String("race"), nil, swr.WithOnSuccess(func(data any, _ string) {
		succeeded <- data
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	// The second fetch starts after the first and completes first.
	require.NoError(t, s.Revalidate(context.Background()))
	require.Equal(t, "fresh", s.Snapshot().Data)
	require.Equal(t, "fresh", <-succeeded)

	close(release)
	require.Equal(t, "stale", <-succeeded)
	rec := s.Snapshot()
	require.Equal(t, "fresh", rec.Data)
	require.False(t, rec.IsValidating)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchErrorKeepsData(t *testing.T) {
	var calls atomic.Int32
	errFetch := errors.New("unavailable")
	fetcher := func(ctx context.Context, args ...any) (any, error) {
		if calls.Add(1) == 1 {
			return "cached", nil
		}
		return nil, errFetch
	}
	var onErr atomic.Int32
	e, _, _ := newEngine(t, swr.WithFetcher(fetcher), swr.WithShouldRetryOnError(false))

	k := key.String("flaky")
	s, err := e.Subscribe(k, nil, swr.WithOnError(func(err error, id string) {
		if id == "flaky" {
			onErr.Add(1)
		}
	}))
	require.NoError(t, err)
	require.Eventually(t, hasData(s, "cached"), waitFor, tick)

	require.NoError(t, s.Revalidate(context.Background()))
	rec := e.GetSnapshot(k)
	require.Equal(t, "cached", rec.Data)
	require.ErrorIs(t, rec.Err, errFetch)
	var fetchErr *swr.FetchError
	require.ErrorAs(t, rec.Err, &fetchErr)
	require.Equal(t, "flaky", fetchErr.Key)
	require.Eventually(t, func() bool { return onErr.Load() == 1 }, waitFor, tick)

	// A fetcher panic is stored as a fetch error.
	s2, err := e.Subscribe(key.String("panics"), nil, swr.WithFetcher(func(context.Context, ...any) (any, error) {
		panic("boom")
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s2.Snapshot().Err != nil
	}, waitFor, tick)
	require.ErrorContains(t, s2.Snapshot().Err, "boom")
}

func TestArgsKeyPassesArguments(t *testing.T) {
	type query struct {
		Page int
	}
	fetcher := func(ctx context.Context, args ...any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("expected 2 args, got %d", len(args))
		}
		return fmt.Sprintf("%s:%d", args[0], args[1].(query).Page), nil
	}
	e, _, _ := newEngine(t, swr.WithFetcher(fetcher))

	s1, err := e.Subscribe(key.Args("/items", query{Page: 2}), nil)
	require.NoError(t, err)
	require.Eventually(t, hasData(s1, "/items:2"), waitFor, tick)

	// Deeply equal arguments identify the same record.
	s2, err := e.Subscribe(key.Args("/items", query{Page: 2}), nil, swr.WithRevalidateOnMount(false))
	require.NoError(t, err)
	require.Equal(t, s1.Key(), s2.Key())
	require.Equal(t, "/items:2", s2.Snapshot().Data)
}

func TestAbsentKey(t *testing.T) {
	var calls atomic.Int32
	e, _, _ := newEngine(t, swr.WithFetcher(countingFetcher(&calls)))

	absent := key.Func(func() (key.Key, error) {
		return nil, errors.New("not ready")
	})
	r := &recorder{}
	s, err := e.Subscribe(absent, r.listen)
	require.NoError(t, err)
	require.Empty(t, s.Key())
	require.Equal(t, cache.Record{}, s.Snapshot())
	require.NoError(t, s.Revalidate(context.Background()))

	data, err := s.Mutate(context.Background(), swr.Value("x"), true)
	require.NoError(t, err)
	require.Nil(t, data)

	rec, err := e.Revalidate(context.Background(), key.String(""))
	require.NoError(t, err)
	require.Equal(t, cache.Record{}, rec)
	require.Equal(t, cache.Record{}, e.GetSnapshot(absent))

	s.Close()
	require.Zero(t, calls.Load())
	require.Zero(t, r.count())
}

func TestInitialData(t *testing.T) {
	var calls atomic.Int32
	e, _, _ := newEngine(t, swr.WithFetcher(countingFetcher(&calls)))

	r := &recorder{}
	s, err := e.Subscribe(key.String("init"), r.listen, swr.WithInitialData("initial"))
	require.NoError(t, err)
	require.Equal(t, "initial", s.Snapshot().Data)
	// Initial data disables revalidation on mount.
	require.Zero(t, calls.Load())
	require.Nil(t, e.GetSnapshot(key.String("init")).Data)

	// Listeners see the initial data until data is fetched.
	require.NoError(t, s.Revalidate(context.Background()))
	require.Equal(t, 1, s.Snapshot().Data)
	require.Equal(t, "initial", r.recs[0].Data)
	require.Equal(t, 1, r.last().Data)

	s2, err := e.Subscribe(key.String("init2"), nil, swr.WithInitialData("initial"), swr.WithRevalidateOnMount(true))
	require.NoError(t, err)
	require.Eventually(t, hasData(s2, 2), waitFor, tick)
}

func TestMiddleware(t *testing.T) {
	suffix := func(sfx string) swr.Middleware {
		return func(next swr.Fetcher) swr.Fetcher {
			return func(ctx context.Context, args ...any) (any, error) {
				v, err := next(ctx, args...)
				if err != nil {
					return nil, err
				}
				return fmt.Sprint(v, sfx), nil
			}
		}
	}
	fetcher := func(ctx context.Context, args ...any) (any, error) {
		return args[0], nil
	}
	e, _, _ := newEngine(t, swr.WithFetcher(fetcher), swr.WithMiddleware(suffix("-1")))

	s, err := e.Subscribe(key.String("mw"), nil, swr.WithMiddleware(suffix("-2")))
	require.NoError(t, err)
	require.Eventually(t, hasData(s, "mw-2-1"), waitFor, tick)

	// Subscription middleware does not leak into the engine defaults.
	s2, err := e.Subscribe(key.String("plain"), nil)
	require.NoError(t, err)
	require.Eventually(t, hasData(s2, "plain-1"), waitFor, tick)
}

func TestCallbacksStopAfterClose(t *testing.T) {
	var calls, succeeded atomic.Int32
	release := make(chan struct{})
	e, _, _ := newEngine(t, swr.WithFetcher(blockingFetcher(&calls, release, "late")))

	r := &recorder{}
	k := key.String("closed")
	s, err := e.Subscribe(k, r.listen, swr.WithOnSuccess(func(any, string) {
		succeeded.Add(1)
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	notified := r.count()

	e.Unsubscribe(s)
	close(release)

	// The fetch still updates the cache.
	require.Eventually(t, func() bool {
		return e.GetSnapshot(k).Data == "late"
	}, waitFor, tick)
	require.Zero(t, succeeded.Load())
	require.Equal(t, notified, r.count())
}

func TestLoadingSlow(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	slow := make(chan string, 2)
	e, mock, _ := newEngine(t,
		swr.WithFetcher(blockingFetcher(&calls, release, "done")),
		swr.WithLoadingTimeout(time.Second),
		swr.WithOnLoadingSlow(func(id string) { slow <- id }))

	s, err := e.Subscribe(key.String("slow"), nil)
	require.NoError(t, err)

	mock.Add(time.Second)
	select {
	case id := <-slow:
		require.Equal(t, "slow", id)
	case <-time.After(waitFor):
		t.Fatal("slow loading callback not called")
	}
	close(release)
	require.Eventually(t, hasData(s, "done"), waitFor, tick)

	// Fast fetches do not report slow loading.
	s2, err := e.Subscribe(key.String("fast"), nil, swr.WithFetcher(func(context.Context, ...any) (any, error) {
		return "fast", nil
	}))
	require.NoError(t, err)
	require.Eventually(t, hasData(s2, "fast"), waitFor, tick)
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, slow)
}

func TestListenerPanicIsolated(t *testing.T) {
	var hooked atomic.Int32
	e, _, _ := newEngine(t, swr.WithListenerErrorHook(func(le *broadcast.ListenerError) {
		require.Equal(t, "k", le.Key)
		hooked.Add(1)
	}))

	r := &recorder{}
	_, err := e.Subscribe(key.String("k"), func(string, cache.Record) {
		panic("listener failed")
	})
	require.NoError(t, err)
	_, err = e.Subscribe(key.String("k"), r.listen)
	require.NoError(t, err)

	_, err = e.Mutate(context.Background(), key.String("k"), swr.Value("v"), false)
	require.NoError(t, err)
	require.Equal(t, "v", r.last().Data)
	require.Equal(t, int32(1), hooked.Load())
	require.Equal(t, "v", e.GetSnapshot(key.String("k")).Data)
}

func TestRevalidateWithoutSubscribers(t *testing.T) {
	var calls atomic.Int32
	e, _, _ := newEngine(t, swr.WithFetcher(countingFetcher(&calls)))

	rec, err := e.Revalidate(context.Background(), key.String("direct"))
	require.NoError(t, err)
	require.Equal(t, 1, rec.Data)
	require.False(t, rec.IsValidating)
	require.False(t, rec.UpdatedAt.IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	release := make(chan struct{})
	defer close(release)
	e2, _, _ := newEngine(t, swr.WithFetcher(blockingFetcher(&calls, release, nil)))
	_, err = e2.Revalidate(ctx, key.String("direct"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestReset(t *testing.T) {
	var calls atomic.Int32
	e, _, _ := newEngine(t, swr.WithFetcher(countingFetcher(&calls)))

	r := &recorder{}
	s, err := e.Subscribe(key.String("reset"), r.listen)
	require.NoError(t, err)
	require.Eventually(t, hasData(s, 1), waitFor, tick)

	e.Reset()
	require.Equal(t, cache.Record{}, r.last())
	require.Equal(t, cache.Record{}, e.GetSnapshot(key.String("reset")))

	// Fetching again repopulates the cache.
	require.NoError(t, s.Revalidate(context.Background()))
	require.Equal(t, 2, s.Snapshot().Data)
}

func TestClose(t *testing.T) {
	var calls atomic.Int32
	e, _, man := newEngine(t, swr.WithFetcher(countingFetcher(&calls)), swr.WithDedupingInterval(0))

	s, err := e.Subscribe(key.String("k"), nil)
	require.NoError(t, err)
	require.Eventually(t, hasData(s, 1), waitFor, tick)

	e.Close()
	e.Close()

	_, err = e.Subscribe(key.String("k"), nil)
	require.ErrorIs(t, err, swr.ErrClosed)
	_, err = e.Revalidate(context.Background(), key.String("k"))
	require.ErrorIs(t, err, swr.ErrClosed)
	_, err = e.Mutate(context.Background(), key.String("k"), swr.Value(2), false)
	require.ErrorIs(t, err, swr.ErrClosed)

	// Environment events no longer reach the engine.
	man.Focus()
	man.Reconnect()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestLoadingSlowNotCalledAfterClose(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	defer close(release)
	slow := make(chan string, 1)
	e, mock, _ := newEngine(t,
		swr.WithFetcher(blockingFetcher(&calls, release, "done")),
		swr.WithLoadingTimeout(time.Second),
		swr.WithOnLoadingSlow(func(id string) { slow <- id }))

	s, err := e.Subscribe(key.String("slow"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	s.Close()
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, slow)
}

func TestResetDropsInFlightFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	store := cache.NewStore()
	settled := make(chan any, 1)
	e, _, _ := newEngine(t,
		swr.WithStore(store),
		swr.WithFetcher(blockingFetcher(&calls, release, "stale")))

	r := &recorder{}
	k := key.String("k")
	_, err := e.Subscribe(k, r.listen, swr.WithOnSuccess(func(data any, _ string) {
		settled <- data
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	require.True(t, e.GetSnapshot(k).IsValidating)

	e.Reset()
	notified := r.count()
	close(release)
	require.Equal(t, "stale", <-settled)

	require.Zero(t, store.Len())
	require.Equal(t, cache.Record{}, e.GetSnapshot(k))
	require.Equal(t, notified, r.count())
}

func nextRecord(t *testing.T, updates <-chan cache.Record) (cache.Record, bool) {
	select {
	case rec, ok := <-updates:
		return rec, ok
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for update")
	}
	return cache.Record{}, false
}

func TestWatch(t *testing.T) {
	var calls atomic.Int32
	e, _, _ := newEngine(t, swr.WithFetcher(countingFetcher(&calls)))
	k := key.String("watched")

	updates, cancel, err := e.Watch(k)
	require.NoError(t, err)

	// Mounting is observed from the start of the fetch.
	rec, ok := nextRecord(t, updates)
	require.True(t, ok)
	require.True(t, rec.IsValidating)
	rec, _ = nextRecord(t, updates)
	require.Equal(t, 1, rec.Data)
	require.False(t, rec.IsValidating)

	_, err = e.Mutate(context.Background(), k, swr.Value(5), false)
	require.NoError(t, err)
	rec, _ = nextRecord(t, updates)
	require.Equal(t, 5, rec.Data)

	cancel()
	_, ok = nextRecord(t, updates)
	require.False(t, ok)

	// An absent key gives a closed channel.
	absent, cancel, err := e.Watch(key.String(""))
	require.NoError(t, err)
	defer cancel()
	_, ok = nextRecord(t, absent)
	require.False(t, ok)

	// Closing the engine closes the channel.
	updates, _, err = e.Watch(k, swr.WithRevalidateOnMount(false))
	require.NoError(t, err)
	e.Close()
	_, ok = nextRecord(t, updates)
	require.False(t, ok)

	_, _, err = e.Watch(k)
	require.ErrorIs(t, err, swr.ErrClosed)
}
