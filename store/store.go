/*
	Package store provides typed, keyed, lazily-built futures shared
	across a build: a Key[T] carries both a type identity and an
	initializer, and Get either returns the future already bound to that
	key or builds one by calling the initializer directly on the caller's
	stack, caching the result for every later caller. Get takes a fiber
	queue, not a memoizer: it creates no sub-memoizer and attaches no
	mark to anything the initializer does.

	Go's generics give this the type safety spec §9 asks for directly --
	no runtime type-id registry is needed, since a Key[T]'s T parameter
	is the type identity, and the compiler rejects any attempt to Get a
	Key[T] as anything but a *fiber.Future known (by convention) to
	settle with a T.
*/
package store

import (
	"reflect"
	"sync"

	"github.com/polydawn/memo/fiber"
)

// Key identifies a lazily-built value of type T. The zero Key is not
// usable; construct one with NewKey.
type Key[T any] struct {
	name string
	typ  reflect.Type
}

// NewKey returns a Key for values of type T, tagged with name for
// diagnostics (key collisions across different T's with the same name
// are legal and distinct; the type parameter is the real identity).
func NewKey[T any](name string) *Key[T] {
	var zero T
	return &Key[T]{name: name, typ: reflect.TypeOf(zero)}
}

// Name returns the diagnostic name the key was constructed with.
func (k *Key[T]) Name() string { return k.name }

type entry struct {
	typ    reflect.Type
	future *fiber.Future
}

// Store holds one future per distinct key across a build.
type Store struct {
	mu      sync.Mutex
	entries map[interface{}]*entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[interface{}]*entry)}
}

// Get returns the future bound to k, building it by calling det (which
// must eventually call the given setter with a value of type T, or
// mark the future Never) the first time k is requested. Concurrent
// requests for the same key within a single stir loop iteration are not
// expected -- Get is a driver-thread-only call, like everything else in
// this module -- so no locking is required around the lookup-or-build
// decision beyond defending against accidental cross-goroutine misuse.
func Get[T any](s *Store, q *fiber.Queue, k *Key[T], det func(set func(T), setNever func())) *fiber.Future {
	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		s.mu.Unlock()
		if e.typ != k.typ {
			panic("store: type identity mismatch for key " + k.name)
		}
		return e.future
	}
	f := fiber.NewFuture(q)
	s.entries[k] = &entry{typ: k.typ, future: f}
	s.mu.Unlock()

	det(func(v T) { f.Set(v) }, func() { f.SetNever() })
	return f
}

// Peek returns the future already bound to k without building it, and
// reports whether one exists.
func Peek[T any](s *Store, k *Key[T]) (*fiber.Future, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	if e.typ != k.typ {
		panic("store: type identity mismatch for key " + k.name)
	}
	return e.future, true
}
