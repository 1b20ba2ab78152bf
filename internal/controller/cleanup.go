package controller

import (
	"context"
	"fmt"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/txn"
)

// Delete удаляет завершённый task без dependants.
func (c *Controller) Delete(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}
		if !task.State.IsFinal() {
			return fmt.Errorf("%w: task %s in state %s cannot be deleted",
				domain.ErrTaskConflict, task.Name, task.State)
		}
		if len(task.Dependants) > 0 {
			return fmt.Errorf("%w: task %s still has %d dependants",
				domain.ErrTaskConflict, task.Name, len(task.Dependants))
		}
		return c.deleteTask(ctx, u, task)
	})
}

// MarkForDisposal помечает task как disposable. pokeCleaner планирует
// попытку очистки после commit.
func (c *Controller) MarkForDisposal(ctx context.Context, name string, pokeCleaner bool) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}
		if !task.Disposable {
			task.Disposable = true
			u.SaveTask(task)
		}
		if pokeCleaner {
			u.Defer(txn.Effect{Kind: txn.KindCleanup, Task: task.Name})
		}
		return nil
	})
}

// TryClean удаляет завершённые disposable tasks без dependants и
// каскадно их зависимости, ставшие такими же. Каждый task удаляется в
// своей транзакции с повторной проверкой условий, поэтому вызов
// безопасен при конкурентной установке графов и повторных вызовах.
// Возвращает количество удалённых tasks.
func (c *Controller) TryClean(ctx context.Context) (int, error) {
	var candidates []string
	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		candidates = candidates[:0]
		tasks, err := u.Tasks(ctx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if disposable(t) {
				candidates = append(candidates, t.Name)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for len(candidates) > 0 {
		name := candidates[0]
		candidates = candidates[1:]

		var next []string
		removed := false
		err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
			next = next[:0]
			removed = false

			task, err := u.Task(ctx, name)
			if isMissing(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if !disposable(task) {
				return nil
			}
			if err := c.deleteTask(ctx, u, task); err != nil {
				return err
			}
			removed = true

			for _, dep := range task.Dependencies {
				d, err := u.Task(ctx, dep)
				if isMissing(err) {
					continue
				}
				if err != nil {
					return err
				}
				if disposable(d) {
					next = append(next, d.Name)
				}
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
		}
		candidates = append(candidates, next...)
	}

	if deleted > 0 {
		c.logger.Info("disposable tasks cleaned", "deleted", deleted)
	}
	return deleted, nil
}

// ClearAll удаляет все tasks, счётчики очередей, учёт ENQUEUED,
// ссылки на job и constraints.
func (c *Controller) ClearAll(ctx context.Context) error {
	removed := 0
	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		tasks, err := u.Tasks(ctx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			u.DeleteTask(t.Name)
		}
		removed = len(tasks)

		for _, bucket := range []store.Bucket{
			store.BucketCounters,
			store.BucketEnqueued,
			store.BucketJobs,
			store.BucketConstraints,
		} {
			entries, err := u.List(ctx, bucket, "")
			if err != nil {
				return err
			}
			for _, e := range entries {
				u.Remove(bucket, e.Key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Warn("all tasks cleared", "tasks", removed)
	return nil
}

// deleteTask удаляет task и его следы в зависимостях, constraints и job.
func (c *Controller) deleteTask(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	for _, name := range task.Dependencies {
		dep, err := u.Task(ctx, name)
		if isMissing(err) {
			continue
		}
		if err != nil {
			return err
		}
		if dep.HasDependant(task.Name) {
			dep.RemoveDependant(task.Name)
			u.SaveTask(dep)
		}
	}

	if err := c.releaseConstraint(ctx, u, task); err != nil {
		return err
	}
	if err := c.jobs.DelistTask(ctx, u, task.Name); err != nil {
		return err
	}
	u.DeleteTask(task.Name)

	c.logger.Debug("task deleted", "task", task.Name, "state", task.State)
	return nil
}

func disposable(t *domain.Task) bool {
	return t.Disposable && t.State.IsFinal() && len(t.Dependants) == 0
}
