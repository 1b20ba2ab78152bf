package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/store"
)

// Unit — единица работы: транзакция хранилища, кеш прочитанных tasks
// и список отложенных эффектов.
//
// Unit не потокобезопасен и живёт ровно одну попытку транзакции.
type Unit struct {
	tx      store.Tx
	tasks   map[string]*cachedTask
	effects []Effect
}

type cachedTask struct {
	task    *domain.Task
	dirty   bool
	deleted bool
}

func newUnit(tx store.Tx) *Unit {
	return &Unit{
		tx:    tx,
		tasks: make(map[string]*cachedTask),
	}
}

// NewUnit создаёт Unit поверх существующей транзакции.
func NewUnit(tx store.Tx) *Unit {
	return newUnit(tx)
}

// Tx возвращает транзакцию хранилища.
func (u *Unit) Tx() store.Tx {
	return u.tx
}

// Defer планирует эффекты на выполнение после commit.
func (u *Unit) Defer(effects ...Effect) {
	u.effects = append(u.effects, effects...)
}

// Effects возвращает запланированные эффекты.
func (u *Unit) Effects() []Effect {
	return u.effects
}

// --- Tasks ---

// Task загружает task. Повторные вызовы возвращают тот же указатель.
// domain.ErrTaskMissing, если task не существует.
func (u *Unit) Task(ctx context.Context, name string) (*domain.Task, error) {
	if c, ok := u.tasks[name]; ok {
		if c.deleted {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskMissing, name)
		}
		return c.task, nil
	}

	entry, err := u.tx.Get(ctx, store.BucketTasks, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskMissing, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", name, err)
	}

	var task domain.Task
	if err := json.Unmarshal(entry.Value, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", name, err)
	}

	u.tasks[name] = &cachedTask{task: &task}
	return &task, nil
}

// TaskExists проверяет, существует ли task.
func (u *Unit) TaskExists(ctx context.Context, name string) (bool, error) {
	_, err := u.Task(ctx, name)
	if errors.Is(err, domain.ErrTaskMissing) {
		return false, nil
	}
	return err == nil, err
}

// CreateTask добавляет новый task. Коллизия имён обнаружится при commit.
func (u *Unit) CreateTask(task *domain.Task) {
	u.tasks[task.Name] = &cachedTask{task: task, dirty: true}
}

// SaveTask помечает task изменённым.
func (u *Unit) SaveTask(task *domain.Task) {
	c, ok := u.tasks[task.Name]
	if !ok {
		u.tasks[task.Name] = &cachedTask{task: task, dirty: true}
		return
	}
	c.task = task
	c.dirty = true
	c.deleted = false
}

// DeleteTask удаляет task.
func (u *Unit) DeleteTask(name string) {
	c, ok := u.tasks[name]
	if !ok {
		c = &cachedTask{}
		u.tasks[name] = c
	}
	c.deleted = true
	c.dirty = true
}

// Involve включает task в write-set транзакции без изменений.
// Конкурентная запись этого task приведёт к конфликту при commit.
func (u *Unit) Involve(ctx context.Context, name string) error {
	task, err := u.Task(ctx, name)
	if err != nil {
		return err
	}
	u.SaveTask(task)
	return nil
}

// Tasks возвращает все tasks, упорядоченные по имени, с учётом изменений в этой транзакции.
func (u *Unit) Tasks(ctx context.Context) ([]*domain.Task, error) {
	entries, err := u.tx.List(ctx, store.BucketTasks, "")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	result := make([]*domain.Task, 0, len(entries))
	for _, e := range entries {
		seen[e.Key] = true
		if c, ok := u.tasks[e.Key]; ok {
			if !c.deleted {
				result = append(result, c.task)
			}
			continue
		}

		var task domain.Task
		if err := json.Unmarshal(e.Value, &task); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", e.Key, err)
		}
		u.tasks[e.Key] = &cachedTask{task: &task}
		result = append(result, &task)
	}

	// Tasks, созданные в этой транзакции
	for name, c := range u.tasks {
		if !seen[name] && !c.deleted && c.task != nil {
			result = append(result, c.task)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// --- Generic values ---

// Load читает JSON значение. Возвращает false, если ключа нет.
func (u *Unit) Load(ctx context.Context, bucket store.Bucket, key string, v any) (bool, error) {
	entry, err := u.tx.Get(ctx, bucket, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Store буферизует JSON значение.
func (u *Unit) Store(bucket store.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	u.tx.Put(bucket, key, data)
	return nil
}

// Remove буферизует удаление ключа.
func (u *Unit) Remove(bucket store.Bucket, key string) {
	u.tx.Delete(bucket, key)
}

// List возвращает записи bucket по префиксу.
func (u *Unit) List(ctx context.Context, bucket store.Bucket, prefix string) ([]store.Entry, error) {
	entries, err := u.tx.List(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	return entries, nil
}

// flush записывает изменённые tasks в транзакцию.
func (u *Unit) flush() error {
	names := make([]string, 0, len(u.tasks))
	for name, c := range u.tasks {
		if c.dirty {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		c := u.tasks[name]
		if c.deleted {
			u.tx.Delete(store.BucketTasks, name)
			continue
		}
		data, err := json.Marshal(c.task)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", name, err)
		}
		u.tx.Put(store.BucketTasks, name, data)
	}
	return nil
}
