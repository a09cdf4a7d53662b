package swr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("engine closed")

// Fetcher retrieves the data for a key. It is called with the arguments of
// the normalized key: the string itself for a string key, or the original
// argument values for an argument key.
type Fetcher func(ctx context.Context, args ...any) (any, error)

// Middleware wraps a Fetcher with additional behavior.
type Middleware func(next Fetcher) Fetcher

// FetchError is stored in a record when fetching its key fails. The record
// keeps any data it already had.
type FetchError struct {
	Key string
	// Attempt is the number of failed attempts before this one.
	Attempt int
	Err     error
}

func (e *FetchError) Error() string {
	if e.Attempt == 0 {
		return fmt.Sprintf("cannot fetch %q: %s", e.Key, e.Err)
	}
	return fmt.Sprintf("cannot fetch %q (retry %d): %s", e.Key, e.Attempt, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func chain(f Fetcher, mws []Middleware) Fetcher {
	for i := len(mws) - 1; i >= 0; i-- {
		f = mws[i](f)
	}
	return f
}

// callFetcher runs f, turning a panic into an error.
func callFetcher(ctx context.Context, f Fetcher, args []any) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = fmt.Errorf("fetcher panicked: %v", r)
		}
	}()
	return f(ctx, args...)
}

// defaultCompare reports equality of comparable values, and identity of
// maps, slices and functions.
func defaultCompare(a, b any) (equal bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta.Comparable() {
		// Structs holding uncomparable interface values panic.
		defer func() {
			if recover() != nil {
				equal = false
			}
		}()
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch ta.Kind() {
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Func:
		return va.Pointer() == vb.Pointer()
	}
	return false
}
