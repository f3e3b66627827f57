// Package postgres implements kv.Store on a single kv_entries table.
// Version tokens come from a global sequence, commits run as one SQL
// transaction with row locks backing the precondition checks, and the
// change feed rides on LISTEN/NOTIFY so subscribers observe commits made
// by other processes too.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"

	"github.com/vadimbarashkov/shortlink-registry/internal/kv"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// channel is the NOTIFY channel carrying string forms of mutated keys.
const channel = "kv_changes"

type Store struct {
	db     *sqlx.DB
	dsn    string
	hub    *kv.Hub
	logger *slog.Logger
}

// New wraps an open connection pool. The DSN is used by Listen for its
// dedicated notification connection.
func New(db *sqlx.DB, dsn string, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		dsn:    dsn,
		hub:    kv.NewHub(),
		logger: logger,
	}
}

// Connect opens a pgx-backed sqlx pool.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	const op = "kv.postgres.Connect"

	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to connect to database: %w", op, err)
	}

	return db, nil
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Entry, error) {
	const op = "kv.postgres.Store.Get"

	entry := kv.Entry{Key: key}
	query := `SELECT value, version FROM kv_entries WHERE namespace = $1 AND key = $2`

	err := s.db.QueryRowxContext(ctx, query, key.Namespace(), key.Path()).
		Scan(&entry.Value, &entry.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kv.Entry{Key: key}, nil
		}

		return kv.Entry{}, fmt.Errorf("%s: failed to read entry: %w", op, errors.Join(kv.ErrUnavailable, err))
	}

	return entry, nil
}

func (s *Store) GetMany(ctx context.Context, keys []kv.Key) ([]kv.Entry, error) {
	const op = "kv.postgres.Store.GetMany"

	entries := make([]kv.Entry, len(keys))
	if len(keys) == 0 {
		return entries, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)*2)
	index := make(map[string]int, len(keys))

	for i, key := range keys {
		placeholders[i] = fmt.Sprintf("($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, key.Namespace(), key.Path())
		index[key.String()] = i
		entries[i] = kv.Entry{Key: key}
	}

	query := `SELECT namespace, key, value, version FROM kv_entries WHERE (namespace, key) IN (` +
		strings.Join(placeholders, ", ") + `)`

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read entries: %w", op, errors.Join(kv.ErrUnavailable, err))
	}
	defer rows.Close()

	for rows.Next() {
		var ns, path string
		var value []byte
		var version int64

		if err := rows.Scan(&ns, &path, &value, &version); err != nil {
			return nil, fmt.Errorf("%s: failed to scan entry: %w", op, err)
		}

		ks := (kv.Key{ns}).String()
		if path != "" {
			ks += "/" + path
		}
		if i, ok := index[ks]; ok {
			entries[i].Value = value
			entries[i].Version = version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: failed to read entries: %w", op, errors.Join(kv.ErrUnavailable, err))
	}

	return entries, nil
}

func (s *Store) List(ctx context.Context, prefix kv.Key) iter.Seq2[kv.Entry, error] {
	const op = "kv.postgres.Store.List"

	query := `SELECT key, value, version FROM kv_entries WHERE namespace = $1`
	args := []any{prefix.Namespace()}

	if len(prefix) > 1 {
		query += ` AND key LIKE $2 ESCAPE '\'`
		args = append(args, escapeLike(prefix.Path())+"/%")
	}
	query += ` ORDER BY key`

	return func(yield func(kv.Entry, error) bool) {
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			yield(kv.Entry{}, fmt.Errorf("%s: failed to list entries: %w", op, errors.Join(kv.ErrUnavailable, err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var path string
			var value []byte
			var version int64

			if err := rows.Scan(&path, &value, &version); err != nil {
				yield(kv.Entry{}, fmt.Errorf("%s: failed to scan entry: %w", op, err))
				return
			}

			key := append(kv.Key{prefix.Namespace()}, kv.ParseKey(path)...)
			if !yield(kv.Entry{Key: key, Value: value, Version: version}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(kv.Entry{}, fmt.Errorf("%s: failed to list entries: %w", op, errors.Join(kv.ErrUnavailable, err)))
		}
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) Commit(ctx context.Context, tx *kv.Atomic) error {
	const op = "kv.postgres.Store.Commit"

	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", op, errors.Join(kv.ErrUnavailable, err))
	}
	defer dbTx.Rollback()

	for _, check := range tx.Checks {
		var version int64

		query := `SELECT version FROM kv_entries WHERE namespace = $1 AND key = $2 FOR UPDATE`
		err := dbTx.QueryRowxContext(ctx, query, check.Key.Namespace(), check.Key.Path()).Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			version = 0
		case err != nil:
			return fmt.Errorf("%s: failed to check version: %w", op, errors.Join(kv.ErrUnavailable, err))
		}

		if version != check.Version {
			return fmt.Errorf("%s: %q: %w", op, check.Key.String(), kv.ErrVersionMismatch)
		}
	}

	for _, m := range tx.Mutations {
		query := `INSERT INTO kv_entries(namespace, key, value, version)
			VALUES ($1, $2, $3, nextval('kv_entries_version_seq'))
			ON CONFLICT (namespace, key) DO UPDATE
			SET value = EXCLUDED.value, version = nextval('kv_entries_version_seq')`

		if _, err := dbTx.ExecContext(ctx, query, m.Key.Namespace(), m.Key.Path(), m.Value); err != nil {
			return fmt.Errorf("%s: failed to write entry: %w", op, errors.Join(kv.ErrUnavailable, err))
		}

		// Delivered on transaction commit, in commit order.
		if _, err := dbTx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, m.Key.String()); err != nil {
			return fmt.Errorf("%s: failed to notify: %w", op, errors.Join(kv.ErrUnavailable, err))
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("%s: failed to commit transaction: %w", op, errors.Join(kv.ErrUnavailable, err))
	}

	return nil
}

func (s *Store) Watch(key kv.Key) *kv.Subscription {
	return s.hub.Subscribe(key)
}

// Listen holds a dedicated connection on the notification channel and
// fans incoming commit notifications out to active subscriptions. It
// reconnects on connection loss and returns once ctx is cancelled.
func (s *Store) Listen(ctx context.Context) error {
	const op = "kv.postgres.Store.Listen"
	const reconnectDelay = time.Second

	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Error("notification connection lost, reconnecting",
			slog.String("op", op), slog.Any("err", err))

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	const op = "kv.postgres.Store.listenOnce"

	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("%s: failed to connect: %w", op, err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `LISTEN `+channel); err != nil {
		return fmt.Errorf("%s: failed to listen: %w", op, err)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("%s: failed to wait for notification: %w", op, err)
		}

		s.hub.Broadcast(n.Payload)
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
