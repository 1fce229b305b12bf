package bindings

import (
	"errors"
	"strconv"
	"strings"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("bindings: store closed")

// Store is the binding store the engine reads from. Reads are synchronous;
// writers announce changes to subscribers after the write is durable.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Put(key, value string) error
	Delete(key string) error
	All() (map[string]string, error)
	Subscribe(fn func(Change)) *Subscription
}

// Change describes one store mutation. A Change with an empty Key asks
// subscribers to re-read everything.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Refresh reports whether the change carries no diff.
func (c Change) Refresh() bool { return c.Key == "" }

// String reads key, returning def when it is absent, empty or unreadable.
func String(s Store, key, def string) string {
	v, ok, err := s.Get(key)
	if err != nil || !ok || v == "" {
		return def
	}
	return v
}

// Int reads key as an integer. ok is false when the value is absent or not
// a number.
func Int(s Store, key string) (n int, ok bool) {
	v, present, err := s.Get(key)
	if err != nil || !present {
		return 0, false
	}
	n, err = strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool reads an integer flag where 1 means true, returning def when the
// value is missing or malformed.
func Bool(s Store, key string, def bool) bool {
	n, ok := Int(s, key)
	if !ok {
		return def
	}
	return n == 1
}
