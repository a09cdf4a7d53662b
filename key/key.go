// Package key turns cache keys into stable string identities.
//
// A Key is one of three shapes: a single string, an ordered list of
// arguments, or a function that lazily produces one of the other shapes when
// the key is accessed. Normalizing a Key yields a Resolved value whose ID is
// the identity used by the cache, and whose Args are the original arguments,
// unchanged and in order, to pass to a fetcher.
//
// Argument lists with deep-equal contents normalize to the same ID, even when
// the argument values are distinct objects. Values that cannot be serialized,
// such as cyclic structures, functions, and channels, are represented by a
// token tied to the identity of the object.
package key

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unsafe"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("swr/key")

// ErrAbsent is returned when a key resolves to nothing. Absent keys are never
// cached or fetched.
var ErrAbsent = errors.New("key absent")

const (
	argsPrefix = "args@"
	// stringPrefix marks a string key whose text starts with one of the
	// prefixes, so that it cannot collide with an argument list.
	stringPrefix = "str@"
	// maxFuncDepth limits how many key functions may return other key
	// functions before resolution gives up.
	maxFuncDepth = 8
)

// ResolutionError is returned when a key function fails or panics. The key
// is treated as absent.
type ResolutionError struct {
	Err error
}

func (e *ResolutionError) Error() string {
	return "cannot resolve key: " + e.Err.Error()
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Key is a cache key. Create one with String, Args, or Func.
type Key interface {
	normalize(depth int) (Resolved, error)
}

// Resolved is a normalized key.
type Resolved struct {
	// ID is the serialized key identity.
	ID string
	// Args are the arguments passed to the fetcher.
	Args []any
}

type stringKey string

// String returns a key that identifies a resource by a single string. The
// string is also the only fetcher argument, and is the key's ID unless it
// starts with "args@" or "str@", in which case the ID is prefixed with
// "str@". An empty string is absent.
func String(s string) Key {
	return stringKey(s)
}

func (k stringKey) normalize(int) (Resolved, error) {
	if k == "" {
		return Resolved{}, ErrAbsent
	}
	id := string(k)
	if strings.HasPrefix(id, argsPrefix) || strings.HasPrefix(id, stringPrefix) {
		id = stringPrefix + id
	}
	return Resolved{
		ID:   id,
		Args: []any{string(k)},
	}, nil
}

type argsKey []any

// Args returns a key made of multiple fetcher arguments. An empty argument
// list is absent.
func Args(args ...any) Key {
	return argsKey(args)
}

func (k argsKey) normalize(int) (Resolved, error) {
	if len(k) == 0 {
		return Resolved{}, ErrAbsent
	}
	parts := make([]string, len(k))
	for i, arg := range k {
		parts[i] = stringify(arg)
	}
	args := make([]any, len(k))
	copy(args, k)
	return Resolved{
		ID:   argsPrefix + strings.Join(parts, ","),
		Args: args,
	}, nil
}

type funcKey func() (Key, error)

// Func returns a key that is produced by calling fn each time the key is
// accessed. If fn returns an error, panics, or returns nil, then the key is
// absent.
func Func(fn func() (Key, error)) Key {
	return funcKey(fn)
}

func (k funcKey) normalize(depth int) (res Resolved, err error) {
	if k == nil {
		return Resolved{}, ErrAbsent
	}
	if depth >= maxFuncDepth {
		return Resolved{}, &ResolutionError{Err: errors.New("too many nested key functions")}
	}
	defer func() {
		if r := recover(); r != nil {
			res = Resolved{}
			err = &ResolutionError{Err: fmt.Errorf("key function panic: %v", r)}
		}
	}()

	next, err := k()
	if err != nil {
		return Resolved{}, &ResolutionError{Err: err}
	}
	if next == nil {
		return Resolved{}, ErrAbsent
	}
	return next.normalize(depth + 1)
}

// Normalize resolves k into its serialized identity and fetcher arguments.
// ErrAbsent, or a *ResolutionError, is returned if the key is absent.
func Normalize(k Key) (Resolved, error) {
	if k == nil {
		return Resolved{}, ErrAbsent
	}
	res, err := k.normalize(0)
	if err != nil {
		var resErr *ResolutionError
		if errors.As(err, &resErr) {
			log.Warnw("Key function failed, treating key as absent", "err", resErr.Err)
		}
		return Resolved{}, err
	}
	return res, nil
}

// identities assigns tokens to objects that cannot be serialized. Tokens are
// kept for the life of the process, the same as the cache entries they name.
// The table holds a reference to each object, so that an address is never
// reused by another object while it has a token.
var identities = struct {
	sync.Mutex
	next uint64
	ids  map[identity]string
}{
	ids: make(map[identity]string),
}

type identity struct {
	typ reflect.Type
	ptr unsafe.Pointer
}

func stringify(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err == nil {
		return string(b)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		// A func value points to its closure, which tells apart closures
		// of the same function.
		return identityToken(identity{rv.Type(), (*[2]unsafe.Pointer)(unsafe.Pointer(&v))[1]})
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.UnsafePointer:
		return identityToken(identity{rv.Type(), rv.UnsafePointer()})
	}
	// Not a reference, so the value itself is its identity.
	return "~" + fmt.Sprintf("%#v", v)
}

func identityToken(id identity) string {
	identities.Lock()
	defer identities.Unlock()

	tok, ok := identities.ids[id]
	if !ok {
		identities.next++
		tok = fmt.Sprintf("#%d", identities.next)
		identities.ids[id] = tok
	}
	return tok
}
