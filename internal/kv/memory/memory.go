// Package memory provides an in-process kv.Store used by unit tests and
// the dev storage backend. Versions come from a store-wide counter, so
// every committed write is observable through the optimistic checks the
// registry relies on.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/vadimbarashkov/shortlink-registry/internal/kv"
)

type record struct {
	value   []byte
	version int64
}

type Store struct {
	mu      sync.Mutex
	entries map[string]record
	lastVer int64
	hub     *kv.Hub
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[string]record),
		hub:     kv.NewHub(),
	}
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Entry, error) {
	if err := ctx.Err(); err != nil {
		return kv.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entryLocked(key), nil
}

func (s *Store) GetMany(ctx context.Context, keys []kv.Key) ([]kv.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]kv.Entry, len(keys))
	for i, key := range keys {
		entries[i] = s.entryLocked(key)
	}

	return entries, nil
}

func (s *Store) entryLocked(key kv.Key) kv.Entry {
	rec, ok := s.entries[key.String()]
	if !ok {
		return kv.Entry{Key: key}
	}

	value := make([]byte, len(rec.value))
	copy(value, rec.value)

	return kv.Entry{Key: key, Value: value, Version: rec.version}
}

func (s *Store) List(ctx context.Context, prefix kv.Key) iter.Seq2[kv.Entry, error] {
	want := prefix.String() + "/"

	return func(yield func(kv.Entry, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(kv.Entry{}, err)
			return
		}

		s.mu.Lock()
		matched := make([]kv.Entry, 0)
		for ks, rec := range s.entries {
			if !strings.HasPrefix(ks, want) {
				continue
			}

			value := make([]byte, len(rec.value))
			copy(value, rec.value)
			matched = append(matched, kv.Entry{Key: kv.ParseKey(ks), Value: value, Version: rec.version})
		}
		s.mu.Unlock()

		sort.Slice(matched, func(i, j int) bool {
			return matched[i].Key.String() < matched[j].Key.String()
		})

		for _, e := range matched {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) Commit(ctx context.Context, tx *kv.Atomic) error {
	const op = "kv.memory.Store.Commit"

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, check := range tx.Checks {
		rec := s.entries[check.Key.String()]
		if rec.version != check.Version {
			return fmt.Errorf("%s: %q: %w", op, check.Key.String(), kv.ErrVersionMismatch)
		}
	}

	for _, m := range tx.Mutations {
		s.lastVer++

		value := make([]byte, len(m.Value))
		copy(value, m.Value)
		s.entries[m.Key.String()] = record{value: value, version: s.lastVer}
	}

	// Broadcasting under the lock keeps notifications in commit order.
	for _, m := range tx.Mutations {
		s.hub.Broadcast(m.Key.String())
	}

	return nil
}

func (s *Store) Watch(key kv.Key) *kv.Subscription {
	return s.hub.Subscribe(key)
}

func (s *Store) Close() error {
	return nil
}
