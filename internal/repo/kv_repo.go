package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/rex/internal/store"
)

// KVStore — реализация store.Store поверх PostgreSQL.
//
// Каждая запись — строка rex_kv с колонкой version. Проверка версии
// выполняется условным UPDATE/DELETE при commit, поэтому конкурентные
// транзакции с разных узлов не теряют обновления.
type KVStore struct {
	pool *pgxpool.Pool
}

// NewKVStore создаёт новый KVStore.
func NewKVStore(pool *pgxpool.Pool) *KVStore {
	return &KVStore{pool: pool}
}

// Begin начинает транзакцию БД.
func (s *KVStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &kvTx{tx: tx, buf: store.NewBuffer()}, nil
}

// Close закрывает пул.
func (s *KVStore) Close() error {
	s.pool.Close()
	return nil
}

type kvTx struct {
	tx  pgx.Tx
	buf *store.Buffer
}

func (t *kvTx) Get(ctx context.Context, bucket store.Bucket, key string) (store.Entry, error) {
	if t.buf.Done() {
		return store.Entry{}, store.ErrTxDone
	}
	if w, ok := t.buf.Lookup(bucket, key); ok {
		if w.Delete {
			return store.Entry{}, store.ErrNotFound
		}
		return store.Entry{Key: key, Value: w.Value, Version: w.Expected}, nil
	}

	query := `SELECT key, value, version FROM rex_kv WHERE bucket = $1 AND key = $2`
	e, err := scanEntry(t.tx.QueryRow(ctx, query, string(bucket), key))
	if errors.Is(err, store.ErrNotFound) {
		t.buf.Observe(bucket, key, store.VersionAbsent)
		return store.Entry{}, err
	}
	if err != nil {
		return store.Entry{}, err
	}
	t.buf.Observe(bucket, key, e.Version)
	return e, nil
}

func (t *kvTx) List(ctx context.Context, bucket store.Bucket, prefix string) ([]store.Entry, error) {
	if t.buf.Done() {
		return nil, store.ErrTxDone
	}

	query := `
		SELECT key, value, version
		FROM rex_kv
		WHERE bucket = $1 AND starts_with(key, $2)
		ORDER BY key ASC
	`
	rows, err := t.tx.Query(ctx, query, string(bucket), prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		t.buf.Observe(bucket, e.Key, e.Version)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}

	return t.buf.Overlay(bucket, prefix, entries), nil
}

func (t *kvTx) Put(bucket store.Bucket, key string, value []byte) {
	t.buf.Put(bucket, key, value)
}

func (t *kvTx) Delete(bucket store.Bucket, key string) {
	t.buf.Delete(bucket, key)
}

func (t *kvTx) Commit(ctx context.Context) error {
	if err := t.buf.Finish(); err != nil {
		return err
	}

	// Единый порядок блокировок строк уменьшает вероятность deadlock
	writes := t.buf.Writes()
	sort.Slice(writes, func(i, j int) bool {
		if writes[i].Bucket != writes[j].Bucket {
			return writes[i].Bucket < writes[j].Bucket
		}
		return writes[i].Key < writes[j].Key
	})

	for _, w := range writes {
		if err := t.apply(ctx, w); err != nil {
			_ = t.tx.Rollback(ctx)
			return err
		}
	}

	if err := t.tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *kvTx) Rollback(ctx context.Context) error {
	if t.buf.Done() {
		return nil
	}
	_ = t.buf.Finish()
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback tx: %w", err)
	}
	return nil
}

// apply выполняет одну условную запись.
func (t *kvTx) apply(ctx context.Context, w store.Write) error {
	var (
		query string
		args  []any
	)

	switch {
	case w.Delete && w.Expected == store.VersionAny:
		query = `DELETE FROM rex_kv WHERE bucket = $1 AND key = $2`
		args = []any{string(w.Bucket), w.Key}
	case w.Delete && w.Expected == store.VersionAbsent:
		// Ключа не было при чтении — удалять нечего
		return nil
	case w.Delete:
		query = `DELETE FROM rex_kv WHERE bucket = $1 AND key = $2 AND version = $3`
		args = []any{string(w.Bucket), w.Key, w.Expected}
	case w.Expected == store.VersionAbsent:
		query = `
			INSERT INTO rex_kv (bucket, key, value, version)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (bucket, key) DO NOTHING
		`
		args = []any{string(w.Bucket), w.Key, w.Value}
	default:
		query = `
			UPDATE rex_kv
			SET value = $3, version = version + 1, updated_at = now()
			WHERE bucket = $1 AND key = $2 AND version = $4
		`
		args = []any{string(w.Bucket), w.Key, w.Value, w.Expected}
	}

	result, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
		return fmt.Errorf("write %s/%s: %w", w.Bucket, w.Key, err)
	}

	if result.RowsAffected() == 0 && w.Expected != store.VersionAny {
		return fmt.Errorf("%w: %s/%s", store.ErrConflict, w.Bucket, w.Key)
	}
	return nil
}

// --- Helpers ---

func scanEntry(row pgx.Row) (store.Entry, error) {
	var e store.Entry
	err := row.Scan(&e.Key, &e.Value, &e.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Entry{}, store.ErrNotFound
	}
	if err != nil {
		return store.Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	return e, nil
}
