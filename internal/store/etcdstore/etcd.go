// Package etcdstore реализует store.Store поверх etcd v3.
//
// Версия записи — ModRevision ключа. Commit выполняется одной
// etcd-транзакцией: If(сравнения ревизий) Then(записи).
package etcdstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/shaiso/rex/internal/store"
)

const (
	defaultPrefix      = "/rex"
	defaultDialTimeout = 5 * time.Second
)

// Config — конфигурация etcd хранилища.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string // корневой префикс ключей (default: /rex)
}

// Store — etcd реализация store.Store.
type Store struct {
	cli    *clientv3.Client
	prefix string
}

// New подключается к etcd.
func New(cfg Config) (*Store, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}

	return NewWithClient(cli, cfg.Prefix), nil
}

// NewWithClient создаёт Store поверх существующего клиента.
func NewWithClient(cli *clientv3.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{cli: cli, prefix: strings.TrimSuffix(prefix, "/")}
}

// Begin начинает транзакцию.
func (s *Store) Begin(_ context.Context) (store.Tx, error) {
	return &tx{store: s, buf: store.NewBuffer()}, nil
}

// Close закрывает клиента.
func (s *Store) Close() error {
	return s.cli.Close()
}

func (s *Store) path(bucket store.Bucket, key string) string {
	return s.prefix + "/" + string(bucket) + "/" + key
}

type tx struct {
	store *Store
	buf   *store.Buffer
}

func (t *tx) Get(ctx context.Context, bucket store.Bucket, key string) (store.Entry, error) {
	if t.buf.Done() {
		return store.Entry{}, store.ErrTxDone
	}
	if w, ok := t.buf.Lookup(bucket, key); ok {
		if w.Delete {
			return store.Entry{}, store.ErrNotFound
		}
		return store.Entry{Key: key, Value: w.Value, Version: w.Expected}, nil
	}

	resp, err := t.store.cli.Get(ctx, t.store.path(bucket, key))
	if err != nil {
		return store.Entry{}, fmt.Errorf("etcd get %s/%s: %w", bucket, key, err)
	}
	if len(resp.Kvs) == 0 {
		t.buf.Observe(bucket, key, store.VersionAbsent)
		return store.Entry{}, store.ErrNotFound
	}

	kv := resp.Kvs[0]
	t.buf.Observe(bucket, key, kv.ModRevision)
	return store.Entry{Key: key, Value: kv.Value, Version: kv.ModRevision}, nil
}

func (t *tx) List(ctx context.Context, bucket store.Bucket, prefix string) ([]store.Entry, error) {
	if t.buf.Done() {
		return nil, store.ErrTxDone
	}

	bucketPath := t.store.path(bucket, "")
	resp, err := t.store.cli.Get(ctx, bucketPath+prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("etcd list %s: %w", bucket, err)
	}

	entries := make([]store.Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := strings.TrimPrefix(string(kv.Key), bucketPath)
		t.buf.Observe(bucket, key, kv.ModRevision)
		entries = append(entries, store.Entry{Key: key, Value: kv.Value, Version: kv.ModRevision})
	}

	return t.buf.Overlay(bucket, prefix, entries), nil
}

func (t *tx) Put(bucket store.Bucket, key string, value []byte) {
	t.buf.Put(bucket, key, value)
}

func (t *tx) Delete(bucket store.Bucket, key string) {
	t.buf.Delete(bucket, key)
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.buf.Finish(); err != nil {
		return err
	}

	writes := t.buf.Writes()
	if len(writes) == 0 {
		return nil
	}

	var (
		cmps []clientv3.Cmp
		ops  []clientv3.Op
	)
	for _, w := range writes {
		path := t.store.path(w.Bucket, w.Key)

		switch {
		case w.Delete && w.Expected == store.VersionAbsent:
			continue
		case w.Expected == store.VersionAbsent:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(path), "=", 0))
		case w.Expected != store.VersionAny:
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(path), "=", w.Expected))
		}

		if w.Delete {
			ops = append(ops, clientv3.OpDelete(path))
		} else {
			ops = append(ops, clientv3.OpPut(path, string(w.Value)))
		}
	}

	resp, err := t.store.cli.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return fmt.Errorf("etcd txn: %w", err)
	}
	if !resp.Succeeded {
		return store.ErrConflict
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.buf.Done() {
		return nil
	}
	return t.buf.Finish()
}
