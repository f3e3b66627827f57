package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadimbarashkov/shortlink-registry/internal/kv"
)

var errUnknown = errors.New("unknown error")

func setupStore(t testing.TB) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}

	db := sqlx.NewDb(mockDB, "sqlmock")
	store := New(db, "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Cleanup(func() {
		mockDB.Close()
		db.Close()
	})

	return store, mock
}

func TestStore_Get(t *testing.T) {
	key := kv.Key{"shortlinks", "abc"}

	t.Run("absent key yields zero version", func(t *testing.T) {
		store, mock := setupStore(t)

		mock.ExpectQuery(`SELECT value, version FROM kv_entries`).
			WithArgs("shortlinks", "abc").
			WillReturnError(sql.ErrNoRows)

		e, err := store.Get(context.TODO(), key)

		assert.NoError(t, err)
		assert.False(t, e.Exists())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown error", func(t *testing.T) {
		store, mock := setupStore(t)

		mock.ExpectQuery(`SELECT value, version FROM kv_entries`).
			WithArgs("shortlinks", "abc").
			WillReturnError(errUnknown)

		_, err := store.Get(context.TODO(), key)

		assert.Error(t, err)
		assert.ErrorIs(t, err, kv.ErrUnavailable)
		assert.ErrorIs(t, err, errUnknown)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success", func(t *testing.T) {
		store, mock := setupStore(t)

		rows := sqlmock.NewRows([]string{"value", "version"}).
			AddRow([]byte(`{"n":1}`), int64(7))

		mock.ExpectQuery(`SELECT value, version FROM kv_entries`).
			WithArgs("shortlinks", "abc").
			WillReturnRows(rows)

		e, err := store.Get(context.TODO(), key)

		assert.NoError(t, err)
		assert.True(t, e.Exists())
		assert.Equal(t, []byte(`{"n":1}`), e.Value)
		assert.Equal(t, int64(7), e.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Commit(t *testing.T) {
	linkKey := kv.Key{"shortlinks", "abc"}
	eventKey := kv.Key{"analytics", "abc", "1"}

	t.Run("version mismatch rolls back", func(t *testing.T) {
		store, mock := setupStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT version FROM kv_entries`).
			WithArgs("shortlinks", "abc").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(8)))
		mock.ExpectRollback()

		tx := kv.NewAtomic().
			Check(linkKey, 7).
			Set(linkKey, []byte(`{"n":2}`)).
			Set(eventKey, []byte(`{}`))

		err := store.Commit(context.TODO(), tx)

		assert.Error(t, err)
		assert.ErrorIs(t, err, kv.ErrVersionMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absence check fails when key exists", func(t *testing.T) {
		store, mock := setupStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT version FROM kv_entries`).
			WithArgs("shortlinks", "abc").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
		mock.ExpectRollback()

		err := store.Commit(context.TODO(), kv.NewAtomic().
			Check(linkKey, 0).
			Set(linkKey, []byte(`{}`)))

		assert.ErrorIs(t, err, kv.ErrVersionMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write error surfaces as unavailable", func(t *testing.T) {
		store, mock := setupStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO kv_entries`).
			WithArgs("shortlinks", "abc", []byte(`{"n":2}`)).
			WillReturnError(errUnknown)
		mock.ExpectRollback()

		err := store.Commit(context.TODO(), kv.NewAtomic().Set(linkKey, []byte(`{"n":2}`)))

		assert.Error(t, err)
		assert.ErrorIs(t, err, kv.ErrUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success", func(t *testing.T) {
		store, mock := setupStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT version FROM kv_entries`).
			WithArgs("shortlinks", "abc").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))
		mock.ExpectExec(`INSERT INTO kv_entries`).
			WithArgs("shortlinks", "abc", []byte(`{"n":2}`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`SELECT pg_notify`).
			WithArgs(channel, "shortlinks/abc").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO kv_entries`).
			WithArgs("analytics", "abc/1", []byte(`{}`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`SELECT pg_notify`).
			WithArgs(channel, "analytics/abc/1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		tx := kv.NewAtomic().
			Check(linkKey, 7).
			Set(linkKey, []byte(`{"n":2}`)).
			Set(eventKey, []byte(`{}`))

		err := store.Commit(context.TODO(), tx)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_List(t *testing.T) {
	t.Run("prefix scan is restartable", func(t *testing.T) {
		store, mock := setupStore(t)

		for i := 0; i < 2; i++ {
			rows := sqlmock.NewRows([]string{"key", "value", "version"}).
				AddRow("alice/abc", []byte(`"abc"`), int64(1)).
				AddRow("alice/def", []byte(`"def"`), int64(2))

			mock.ExpectQuery(`SELECT key, value, version FROM kv_entries`).
				WithArgs("owners", `alice/%`).
				WillReturnRows(rows)
		}

		seq := store.List(context.TODO(), kv.Key{"owners", "alice"})

		for i := 0; i < 2; i++ {
			var keys []string
			for e, err := range seq {
				require.NoError(t, err)
				keys = append(keys, e.Key.String())
			}
			assert.Equal(t, []string{"owners/alice/abc", "owners/alice/def"}, keys)
		}

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("namespace-only prefix scans everything", func(t *testing.T) {
		store, mock := setupStore(t)

		rows := sqlmock.NewRows([]string{"key", "value", "version"}).
			AddRow("abc", []byte(`{}`), int64(1))

		mock.ExpectQuery(`SELECT key, value, version FROM kv_entries`).
			WithArgs("shortlinks").
			WillReturnRows(rows)

		var count int
		for _, err := range store.List(context.TODO(), kv.Key{"shortlinks"}) {
			require.NoError(t, err)
			count++
		}

		assert.Equal(t, 1, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
