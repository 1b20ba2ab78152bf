package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory — in-memory реализация Store.
//
// Используется в тестах и в режиме одного узла (STORE_BACKEND=memory).
type Memory struct {
	mu   sync.RWMutex
	data map[Bucket]map[string]Entry
}

// NewMemory создаёт пустое in-memory хранилище.
func NewMemory() *Memory {
	return &Memory{data: make(map[Bucket]map[string]Entry)}
}

// Begin начинает транзакцию.
func (m *Memory) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{store: m, buf: NewBuffer()}, nil
}

// Close ничего не делает.
func (m *Memory) Close() error {
	return nil
}

// Len возвращает количество ключей в bucket.
func (m *Memory) Len(bucket Bucket) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[bucket])
}

func (m *Memory) get(bucket Bucket, key string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[bucket][key]
	return e, ok
}

func (m *Memory) list(bucket Bucket, prefix string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Entry
	for k, e := range m.data[bucket] {
		if strings.HasPrefix(k, prefix) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// apply проверяет версии и применяет записи под одной блокировкой.
func (m *Memory) apply(writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range writes {
		current, exists := m.data[w.Bucket][w.Key]
		switch {
		case w.Expected == VersionAny:
		case w.Expected == VersionAbsent && exists:
			return fmt.Errorf("%w: %s/%s already exists", ErrConflict, w.Bucket, w.Key)
		case w.Expected != VersionAbsent && (!exists || current.Version != w.Expected):
			return fmt.Errorf("%w: %s/%s", ErrConflict, w.Bucket, w.Key)
		}
	}

	for _, w := range writes {
		bucket := m.data[w.Bucket]
		if bucket == nil {
			bucket = make(map[string]Entry)
			m.data[w.Bucket] = bucket
		}
		if w.Delete {
			delete(bucket, w.Key)
			continue
		}
		version := bucket[w.Key].Version + 1
		bucket[w.Key] = Entry{Key: w.Key, Value: w.Value, Version: version}
	}

	return nil
}

type memoryTx struct {
	store *Memory
	buf   *Buffer
}

func (tx *memoryTx) Get(_ context.Context, bucket Bucket, key string) (Entry, error) {
	if tx.buf.Done() {
		return Entry{}, ErrTxDone
	}
	if w, ok := tx.buf.Lookup(bucket, key); ok {
		if w.Delete {
			return Entry{}, ErrNotFound
		}
		return Entry{Key: key, Value: w.Value, Version: w.Expected}, nil
	}

	e, ok := tx.store.get(bucket, key)
	if !ok {
		tx.buf.Observe(bucket, key, VersionAbsent)
		return Entry{}, ErrNotFound
	}
	tx.buf.Observe(bucket, key, e.Version)
	return e, nil
}

func (tx *memoryTx) List(_ context.Context, bucket Bucket, prefix string) ([]Entry, error) {
	if tx.buf.Done() {
		return nil, ErrTxDone
	}
	entries := tx.store.list(bucket, prefix)
	for _, e := range entries {
		tx.buf.Observe(bucket, e.Key, e.Version)
	}
	return tx.buf.Overlay(bucket, prefix, entries), nil
}

func (tx *memoryTx) Put(bucket Bucket, key string, value []byte) {
	tx.buf.Put(bucket, key, value)
}

func (tx *memoryTx) Delete(bucket Bucket, key string) {
	tx.buf.Delete(bucket, key)
}

func (tx *memoryTx) Commit(_ context.Context) error {
	if err := tx.buf.Finish(); err != nil {
		return err
	}
	return tx.store.apply(tx.buf.Writes())
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	if tx.buf.Done() {
		return nil
	}
	return tx.buf.Finish()
}
