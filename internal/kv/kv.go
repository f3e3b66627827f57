// Package kv defines the transactional key-value abstraction the
// registry is built on: point reads with version tokens, atomic
// multi-key commits with preconditions, prefix listing, and a per-key
// change feed.
package kv

import (
	"context"
	"errors"
	"iter"
	"net/url"
	"strings"
)

var (
	// ErrVersionMismatch is returned by Commit when a precondition
	// registered with Atomic.Check no longer holds.
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrUnavailable is returned when the underlying store cannot serve
	// the operation for infrastructural reasons.
	ErrUnavailable = errors.New("store unavailable")
)

// Key is a tuple key. The first element names the namespace, the rest
// identify the entry within it. Elements may contain arbitrary bytes.
type Key []string

// String renders the key as an escaped, slash-joined path. The encoding
// is injective, so string forms are safe to use as map keys, LISTEN
// payloads and pub/sub topics.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Namespace returns the first key element.
func (k Key) Namespace() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// Path renders the key elements after the namespace as an escaped,
// slash-joined string, the form backends persist as the row key.
func (k Key) Path() string {
	if len(k) < 2 {
		return ""
	}
	return Key(k[1:]).String()
}

// ParseKey is the inverse of Key.String. Elements that fail to unescape
// are kept verbatim.
func ParseKey(s string) Key {
	parts := strings.Split(s, "/")
	key := make(Key, len(parts))
	for i, p := range parts {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			key[i] = p
			continue
		}
		key[i] = unescaped
	}
	return key
}

// Entry is a stored value together with its version token. A zero
// Version means the key is absent; versions of successive writes to the
// same key are strictly increasing.
type Entry struct {
	Key     Key
	Value   []byte
	Version int64
}

// Exists reports whether the entry was present at read time.
func (e Entry) Exists() bool {
	return e.Version != 0
}

// Check is a commit precondition: the key must still be at the given
// version (zero asserts absence).
type Check struct {
	Key     Key
	Version int64
}

// Mutation is a pending write of Value under Key.
type Mutation struct {
	Key   Key
	Value []byte
}

// Atomic accumulates preconditions and writes for a single all-or-nothing
// commit. The zero value is ready to use.
type Atomic struct {
	Checks    []Check
	Mutations []Mutation
}

// NewAtomic returns an empty transaction builder.
func NewAtomic() *Atomic {
	return &Atomic{}
}

// Check asserts that key is still at version when the transaction commits.
func (a *Atomic) Check(key Key, version int64) *Atomic {
	a.Checks = append(a.Checks, Check{Key: key, Version: version})
	return a
}

// Set stages a write of value under key.
func (a *Atomic) Set(key Key, value []byte) *Atomic {
	a.Mutations = append(a.Mutations, Mutation{Key: key, Value: value})
	return a
}

// Store is a transactional key-value store. Implementations must apply
// Commit atomically: either every mutation lands and every check held,
// or nothing is written. A successful commit wakes all subscriptions
// watching a mutated key, in commit order.
type Store interface {
	// Get returns the entry stored under key. An absent key yields an
	// entry with Version 0, not an error.
	Get(ctx context.Context, key Key) (Entry, error)

	// GetMany performs a batched point read. The result has one entry per
	// requested key, in request order; absent keys have Version 0.
	GetMany(ctx context.Context, keys []Key) ([]Entry, error)

	// List returns a lazy, restartable sequence over the entries whose
	// keys start with prefix. Each range over the sequence re-reads the
	// store.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// Commit atomically applies the transaction. It fails with
	// ErrVersionMismatch if any check no longer holds.
	Commit(ctx context.Context, tx *Atomic) error

	// Watch subscribes to mutations of key. Commits that happened before
	// Watch returns are not replayed.
	Watch(key Key) *Subscription

	// Close releases the store's resources.
	Close() error
}
