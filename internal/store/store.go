package store

import (
	"context"
	"errors"
)

// Bucket — пространство ключей в хранилище.
type Bucket string

// Buckets.
const (
	BucketTasks       Bucket = "tasks"
	BucketCounters    Bucket = "counters"
	BucketEnqueued    Bucket = "enqueued"
	BucketJobs        Bucket = "jobs"
	BucketInstances   Bucket = "instances"
	BucketConstraints Bucket = "constraints"
)

// Специальные значения ожидаемой версии.
const (
	// VersionAbsent — ключ не должен существовать в момент commit.
	VersionAbsent int64 = 0

	// VersionAny — запись без проверки версии.
	VersionAny int64 = -1
)

// Ошибки хранилища.
var (
	// ErrNotFound — ключ не найден.
	ErrNotFound = errors.New("key not found")

	// ErrConflict — версия ключа изменилась с момента чтения.
	ErrConflict = errors.New("version conflict")

	// ErrTxDone — транзакция уже завершена.
	ErrTxDone = errors.New("transaction already finished")
)

// Entry — значение с версией.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

// Store — транзакционное версионированное key-value хранилище.
//
// Реализации: in-memory (NewMemory), PostgreSQL (repo.KVStore), etcd (etcdstore).
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx — оптимистичная транзакция.
//
// Записи буферизуются до Commit. Для каждого записываемого ключа при
// Commit проверяется, что его версия не изменилась с момента чтения
// через Get или List. Ключ, который не читался, можно только создать.
type Tx interface {
	// Get возвращает значение и версию. ErrNotFound, если ключа нет.
	Get(ctx context.Context, bucket Bucket, key string) (Entry, error)

	// List возвращает записи bucket с префиксом prefix, упорядоченные по ключу.
	List(ctx context.Context, bucket Bucket, prefix string) ([]Entry, error)

	// Put буферизует запись значения.
	Put(bucket Bucket, key string, value []byte)

	// Delete буферизует удаление ключа.
	Delete(bucket Bucket, key string)

	// Commit атомарно применяет все записи. ErrConflict при расхождении версий.
	Commit(ctx context.Context) error

	// Rollback отбрасывает буфер.
	Rollback(ctx context.Context) error
}

// IsConflict проверяет, является ли ошибка конфликтом версий.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
