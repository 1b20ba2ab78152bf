// Package queue хранит состояние очередей допуска: версионированные
// счётчики maximum/running и FIFO-учёт задач в ENQUEUED.
//
// Все операции выполняются внутри txn.Unit, поэтому счётчики
// меняются атомарно вместе с переходами задач.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/telemetry"
	"github.com/shaiso/rex/internal/txn"
)

const (
	defaultQueueLabel = "$default"
	namedQueuePrefix  = "q_"

	counterMaximum = "maximum"
	counterRunning = "running"
)

// Counters — значения счётчиков очереди.
type Counters struct {
	Maximum int `json:"maximum"`
	Running int `json:"running"`
}

// Room возвращает количество свободных слотов.
func (c Counters) Room() int {
	return max(0, c.Maximum-c.Running)
}

// Entry — запись учёта ENQUEUED.
type Entry struct {
	Task       string    `json:"task"`
	Queue      string    `json:"queue,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Ledger — доступ к счётчикам и учёту очередей.
type Ledger struct {
	defaultMaximum int
	logger         *slog.Logger
}

// NewLedger создаёт Ledger. defaultMaximum используется для очередей,
// лимит которых ещё не задан.
func NewLedger(defaultMaximum int, logger *slog.Logger) *Ledger {
	if defaultMaximum < 0 {
		defaultMaximum = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{defaultMaximum: defaultMaximum, logger: logger}
}

// DefaultMaximum возвращает лимит по умолчанию.
func (l *Ledger) DefaultMaximum() int {
	return l.defaultMaximum
}

// label кодирует имя очереди в ключ.
func label(queue string) string {
	if queue == "" {
		return defaultQueueLabel
	}
	return namedQueuePrefix + queue
}

// unlabel декодирует имя очереди из ключа.
func unlabel(l string) string {
	if l == defaultQueueLabel {
		return ""
	}
	return strings.TrimPrefix(l, namedQueuePrefix)
}

func counterKey(queue, counter string) string {
	return label(queue) + "/" + counter
}

// Counters читает оба счётчика очереди.
func (l *Ledger) Counters(ctx context.Context, u *txn.Unit, queue string) (Counters, error) {
	maximum, err := l.load(ctx, u, counterKey(queue, counterMaximum), l.defaultMaximum)
	if err != nil {
		return Counters{}, err
	}
	running, err := l.load(ctx, u, counterKey(queue, counterRunning), 0)
	if err != nil {
		return Counters{}, err
	}
	return Counters{Maximum: maximum, Running: running}, nil
}

// SetMaximum задаёт лимит параллелизма очереди.
func (l *Ledger) SetMaximum(ctx context.Context, u *txn.Unit, queue string, amount int) error {
	if amount < 0 {
		return fmt.Errorf("maximum must be non-negative, got %d", amount)
	}
	key := counterKey(queue, counterMaximum)
	if _, err := l.load(ctx, u, key, 0); err != nil {
		return err
	}
	return u.Store(store.BucketCounters, key, amount)
}

// InvolveMaximum включает лимит очереди в write-set транзакции,
// чтобы конкурентное изменение лимита вызвало конфликт.
// Если лимит ещё не сохранён, записывается значение по умолчанию.
func (l *Ledger) InvolveMaximum(ctx context.Context, u *txn.Unit, queue string) error {
	key := counterKey(queue, counterMaximum)
	value, err := l.load(ctx, u, key, l.defaultMaximum)
	if err != nil {
		return err
	}
	return u.Store(store.BucketCounters, key, value)
}

// SetRunning перезаписывает счётчик running.
func (l *Ledger) SetRunning(ctx context.Context, u *txn.Unit, queue string, amount int) error {
	key := counterKey(queue, counterRunning)
	if _, err := l.load(ctx, u, key, 0); err != nil {
		return err
	}
	return u.Store(store.BucketCounters, key, max(0, amount))
}

// AddRunning изменяет счётчик running на delta и возвращает новое значение.
// Значение не опускается ниже нуля; срабатывание этой границы означает
// расхождение счётчика с состояниями tasks и попадает в лог и метрику.
func (l *Ledger) AddRunning(ctx context.Context, u *txn.Unit, queue string, delta int) (int, error) {
	key := counterKey(queue, counterRunning)
	current, err := l.load(ctx, u, key, 0)
	if err != nil {
		return 0, err
	}
	next := current + delta
	if next < 0 {
		l.logger.Warn("running counter below zero, clamped",
			"queue", telemetry.QueueLabel(queue),
			"running", current,
			"delta", delta,
		)
		telemetry.QueueCounterDrift.WithLabelValues(telemetry.QueueLabel(queue)).Inc()
		next = 0
	}
	if err := u.Store(store.BucketCounters, key, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Queues возвращает имена очередей, у которых есть счётчики.
func (l *Ledger) Queues(ctx context.Context, u *txn.Unit) ([]string, error) {
	entries, err := u.List(ctx, store.BucketCounters, "")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var queues []string
	for _, e := range entries {
		idx := strings.LastIndex(e.Key, "/")
		if idx < 0 {
			continue
		}
		q := unlabel(e.Key[:idx])
		if !seen[q] {
			seen[q] = true
			queues = append(queues, q)
		}
	}
	sort.Strings(queues)
	return queues, nil
}

// --- ENQUEUED bookkeeping ---

func enqueuedKey(queue, task string) string {
	return label(queue) + "/" + task
}

// Enqueue добавляет task в учёт очереди.
func (l *Ledger) Enqueue(ctx context.Context, u *txn.Unit, queue, task string, at time.Time) error {
	key := enqueuedKey(queue, task)
	var existing Entry
	found, err := u.Load(ctx, store.BucketEnqueued, key, &existing)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	return u.Store(store.BucketEnqueued, key, Entry{Task: task, Queue: queue, EnqueuedAt: at})
}

// Dequeue удаляет task из учёта очереди без перехода состояния.
func (l *Ledger) Dequeue(ctx context.Context, u *txn.Unit, queue, task string) error {
	key := enqueuedKey(queue, task)
	var existing Entry
	found, err := u.Load(ctx, store.BucketEnqueued, key, &existing)
	if err != nil || !found {
		return err
	}
	u.Remove(store.BucketEnqueued, key)
	return nil
}

// Enqueued возвращает tasks очереди в порядке постановки (FIFO).
func (l *Ledger) Enqueued(ctx context.Context, u *txn.Unit, queue string) ([]Entry, error) {
	entries, err := u.List(ctx, store.BucketEnqueued, label(queue)+"/")
	if err != nil {
		return nil, err
	}
	decoded, err := decodeEntries(entries)
	if err != nil {
		return nil, err
	}

	// Префикс "q_a/" совпадает и с очередью "a/b"
	result := decoded[:0]
	for _, e := range decoded {
		if e.Queue == queue {
			result = append(result, e)
		}
	}
	return result, nil
}

// AllEnqueued возвращает учёт всех очередей.
func (l *Ledger) AllEnqueued(ctx context.Context, u *txn.Unit) ([]Entry, error) {
	entries, err := u.List(ctx, store.BucketEnqueued, "")
	if err != nil {
		return nil, err
	}
	return decodeEntries(entries)
}

func decodeEntries(entries []store.Entry) ([]Entry, error) {
	result := make([]Entry, 0, len(entries))
	for _, e := range entries {
		var entry Entry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			return nil, fmt.Errorf("decode enqueued %s: %w", e.Key, err)
		}
		result = append(result, entry)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].EnqueuedAt.Equal(result[j].EnqueuedAt) {
			return result[i].EnqueuedAt.Before(result[j].EnqueuedAt)
		}
		return result[i].Task < result[j].Task
	})
	return result, nil
}

func (l *Ledger) load(ctx context.Context, u *txn.Unit, key string, fallback int) (int, error) {
	var value int
	found, err := u.Load(ctx, store.BucketCounters, key, &value)
	if err != nil {
		return 0, err
	}
	if !found {
		return fallback, nil
	}
	return value, nil
}
