// Package redis implements kv.Store on Redis. Entries are stored as a
// value/version key pair, commits run as WATCH-guarded MULTI/EXEC
// transactions (the version read and the optimistic check share one
// critical section), and the change feed rides on pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vadimbarashkov/shortlink-registry/internal/kv"
)

const (
	valuePrefix   = "kv:"
	versionPrefix = "kvver:"

	// channel carries string forms of mutated keys.
	channel = "kv:changes"
)

type Store struct {
	client *redis.Client
	hub    *kv.Hub
}

// New wraps an open Redis client.
func New(client *redis.Client) *Store {
	return &Store{
		client: client,
		hub:    kv.NewHub(),
	}
}

// Connect opens and pings a Redis client.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	const op = "kv.redis.Connect"

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: failed to ping redis: %w", op, err)
	}

	return client, nil
}

func valueKey(key kv.Key) string   { return valuePrefix + key.String() }
func versionKey(key kv.Key) string { return versionPrefix + key.String() }

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Entry, error) {
	const op = "kv.redis.Store.Get"

	pipe := s.client.Pipeline()
	valueCmd := pipe.Get(ctx, valueKey(key))
	versionCmd := pipe.Get(ctx, versionKey(key))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return kv.Entry{}, fmt.Errorf("%s: failed to read entry: %w", op, errors.Join(kv.ErrUnavailable, err))
	}

	entry := kv.Entry{Key: key}
	if version, err := versionCmd.Int64(); err == nil {
		entry.Version = version
	}
	if value, err := valueCmd.Bytes(); err == nil {
		entry.Value = value
	}

	return entry, nil
}

func (s *Store) GetMany(ctx context.Context, keys []kv.Key) ([]kv.Entry, error) {
	const op = "kv.redis.Store.GetMany"

	entries := make([]kv.Entry, len(keys))
	if len(keys) == 0 {
		return entries, nil
	}

	pipe := s.client.Pipeline()
	valueCmds := make([]*redis.StringCmd, len(keys))
	versionCmds := make([]*redis.StringCmd, len(keys))

	for i, key := range keys {
		valueCmds[i] = pipe.Get(ctx, valueKey(key))
		versionCmds[i] = pipe.Get(ctx, versionKey(key))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: failed to read entries: %w", op, errors.Join(kv.ErrUnavailable, err))
	}

	for i, key := range keys {
		entries[i] = kv.Entry{Key: key}
		if version, err := versionCmds[i].Int64(); err == nil {
			entries[i].Version = version
		}
		if value, err := valueCmds[i].Bytes(); err == nil {
			entries[i].Value = value
		}
	}

	return entries, nil
}

func (s *Store) List(ctx context.Context, prefix kv.Key) iter.Seq2[kv.Entry, error] {
	const op = "kv.redis.Store.List"

	match := valuePrefix + escapeGlob(prefix.String()) + "/*"

	return func(yield func(kv.Entry, error) bool) {
		var names []string

		it := s.client.Scan(ctx, 0, match, 100).Iterator()
		for it.Next(ctx) {
			names = append(names, it.Val())
		}
		if err := it.Err(); err != nil {
			yield(kv.Entry{}, fmt.Errorf("%s: failed to scan entries: %w", op, errors.Join(kv.ErrUnavailable, err)))
			return
		}

		sort.Strings(names)

		keys := make([]kv.Key, len(names))
		for i, name := range names {
			keys[i] = kv.ParseKey(strings.TrimPrefix(name, valuePrefix))
		}

		entries, err := s.GetMany(ctx, keys)
		if err != nil {
			yield(kv.Entry{}, fmt.Errorf("%s: %w", op, err))
			return
		}

		for _, e := range entries {
			// Skip entries deleted between the scan and the resolve step.
			if !e.Exists() {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func (s *Store) Commit(ctx context.Context, tx *kv.Atomic) error {
	const op = "kv.redis.Store.Commit"

	watched := make([]string, len(tx.Checks))
	for i, check := range tx.Checks {
		watched[i] = versionKey(check.Key)
	}

	txf := func(rtx *redis.Tx) error {
		for _, check := range tx.Checks {
			version, err := rtx.Get(ctx, versionKey(check.Key)).Int64()
			switch {
			case errors.Is(err, redis.Nil):
				version = 0
			case err != nil:
				return fmt.Errorf("failed to check version: %w", errors.Join(kv.ErrUnavailable, err))
			}

			if version != check.Version {
				return fmt.Errorf("%q: %w", check.Key.String(), kv.ErrVersionMismatch)
			}
		}

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range tx.Mutations {
				pipe.Set(ctx, valueKey(m.Key), m.Value, 0)
				pipe.Incr(ctx, versionKey(m.Key))
				pipe.Publish(ctx, channel, m.Key.String())
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, watched...)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		// A writer slipped in between the version read and EXEC.
		return fmt.Errorf("%s: %w", op, kv.ErrVersionMismatch)
	case errors.Is(err, kv.ErrVersionMismatch):
		return fmt.Errorf("%s: %w", op, err)
	case err != nil:
		return fmt.Errorf("%s: failed to commit: %w", op, errors.Join(kv.ErrUnavailable, err))
	}

	return nil
}

func (s *Store) Watch(key kv.Key) *kv.Subscription {
	return s.hub.Subscribe(key)
}

// Listen subscribes to the pub/sub channel and fans commit notifications
// out to active subscriptions. It returns once ctx is cancelled.
func (s *Store) Listen(ctx context.Context) error {
	const op = "kv.redis.Store.Listen"

	sub := s.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("%s: failed to subscribe: %w", op, err)
	}

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.hub.Broadcast(msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}
