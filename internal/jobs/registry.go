// Package jobs хранит ссылки на кластерные контрольные job и запускает
// их таймеры на узле-владельце.
//
// Ссылка (ClusteredJobReference) сохраняется в той же транзакции, что и
// переход task, который её создал, и удаляется в транзакции, где job
// выполнил своё действие. Если узел-владелец перестал обновлять свою
// запись в bucket instances, его ссылки забирает другой узел.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/txn"
)

// Context — контекст job, достаточный для его запуска на любом узле.
type Context struct {
	// Deadline — когда job должен выполнить проверку.
	Deadline time.Time `json:"deadline"`
}

// DecodeContext извлекает Context из ссылки.
func DecodeContext(ref domain.ClusteredJobReference) (Context, error) {
	var c Context
	if len(ref.Context) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(ref.Context, &c); err != nil {
		return c, fmt.Errorf("decode job context %s: %w", ref.ID, err)
	}
	return c, nil
}

// WithDeadline возвращает копию ссылки с новым сроком.
func WithDeadline(ref domain.ClusteredJobReference, deadline time.Time) domain.ClusteredJobReference {
	data, _ := json.Marshal(Context{Deadline: deadline})
	ref.Context = data
	return ref
}

// Key возвращает ключ ссылки в bucket jobs. На один task приходится
// не больше одного job каждого типа.
func Key(jobType domain.JobType, task string) string {
	return string(jobType) + "/" + task
}

// Registry — доступ к ссылкам на job внутри txn.Unit.
type Registry struct {
	instanceID string
}

// NewRegistry создаёт Registry для узла instanceID.
func NewRegistry(instanceID string) *Registry {
	return &Registry{instanceID: instanceID}
}

// InstanceID возвращает идентификатор текущего узла.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Enlist сохраняет ссылку на новый job, владельцем становится текущий узел.
// Существующая ссылка того же типа для task перезаписывается.
func (r *Registry) Enlist(ctx context.Context, u *txn.Unit, jobType domain.JobType, task string, deadline, now time.Time) (domain.ClusteredJobReference, error) {
	ref := WithDeadline(domain.ClusteredJobReference{
		ID:        uuid.NewString(),
		Owner:     r.instanceID,
		Type:      jobType,
		TaskName:  task,
		CreatedAt: now,
	}, deadline)

	if _, err := r.Lookup(ctx, u, jobType, task); err != nil {
		return ref, err
	}
	if err := u.Store(store.BucketJobs, Key(jobType, task), ref); err != nil {
		return ref, err
	}
	return ref, nil
}

// Lookup возвращает ссылку или nil, если её нет.
func (r *Registry) Lookup(ctx context.Context, u *txn.Unit, jobType domain.JobType, task string) (*domain.ClusteredJobReference, error) {
	var ref domain.ClusteredJobReference
	found, err := u.Load(ctx, store.BucketJobs, Key(jobType, task), &ref)
	if err != nil || !found {
		return nil, err
	}
	return &ref, nil
}

// Owned проверяет, что ссылка всё ещё существует, это тот же job
// и он принадлежит текущему узлу.
func (r *Registry) Owned(ctx context.Context, u *txn.Unit, ref domain.ClusteredJobReference) (bool, error) {
	current, err := r.Lookup(ctx, u, ref.Type, ref.TaskName)
	if err != nil || current == nil {
		return false, err
	}
	return current.ID == ref.ID && current.Owner == r.instanceID, nil
}

// Update перезаписывает ссылку.
func (r *Registry) Update(u *txn.Unit, ref domain.ClusteredJobReference) error {
	return u.Store(store.BucketJobs, Key(ref.Type, ref.TaskName), ref)
}

// Delist удаляет ссылку, если она есть.
func (r *Registry) Delist(ctx context.Context, u *txn.Unit, jobType domain.JobType, task string) error {
	ref, err := r.Lookup(ctx, u, jobType, task)
	if err != nil || ref == nil {
		return err
	}
	u.Remove(store.BucketJobs, Key(jobType, task))
	return nil
}

// DelistTask удаляет все ссылки task.
func (r *Registry) DelistTask(ctx context.Context, u *txn.Unit, task string) error {
	for _, t := range []domain.JobType{domain.JobCancelTimeout, domain.JobHeartbeatVerify} {
		if err := r.Delist(ctx, u, t, task); err != nil {
			return err
		}
	}
	return nil
}

// List возвращает все ссылки.
func (r *Registry) List(ctx context.Context, u *txn.Unit) ([]domain.ClusteredJobReference, error) {
	entries, err := u.List(ctx, store.BucketJobs, "")
	if err != nil {
		return nil, err
	}
	refs := make([]domain.ClusteredJobReference, 0, len(entries))
	for _, e := range entries {
		var ref domain.ClusteredJobReference
		if err := json.Unmarshal(e.Value, &ref); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", e.Key, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// --- Instances ---

// Touch обновляет запись о текущем узле.
func (r *Registry) Touch(ctx context.Context, u *txn.Unit, now time.Time) error {
	var existing domain.Instance
	if _, err := u.Load(ctx, store.BucketInstances, r.instanceID, &existing); err != nil {
		return err
	}
	return u.Store(store.BucketInstances, r.instanceID, domain.Instance{ID: r.instanceID, LastSeen: now})
}

// Instances возвращает известные узлы.
func (r *Registry) Instances(ctx context.Context, u *txn.Unit) ([]domain.Instance, error) {
	entries, err := u.List(ctx, store.BucketInstances, "")
	if err != nil {
		return nil, err
	}
	result := make([]domain.Instance, 0, len(entries))
	for _, e := range entries {
		var inst domain.Instance
		if err := json.Unmarshal(e.Value, &inst); err != nil {
			return nil, fmt.Errorf("decode instance %s: %w", e.Key, err)
		}
		if inst.ID == "" {
			inst.ID = e.Key
		}
		result = append(result, inst)
	}
	return result, nil
}

// Forget удаляет запись об узле.
func (r *Registry) Forget(ctx context.Context, u *txn.Unit, instanceID string) error {
	var existing domain.Instance
	found, err := u.Load(ctx, store.BucketInstances, instanceID, &existing)
	if err != nil || !found {
		return err
	}
	u.Remove(store.BucketInstances, instanceID)
	return nil
}
