package controller

import (
	"context"
	"fmt"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/txn"
)

// acquireConstraint закрепляет constraint за task.
// Constraint, удерживаемый живым task, даёт domain.ErrTaskConflict.
// Запись о завершённом или удалённом держателе перезаписывается.
func (c *Controller) acquireConstraint(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if task.Constraint == "" {
		return nil
	}

	var holder string
	found, err := u.Load(ctx, store.BucketConstraints, task.Constraint, &holder)
	if err != nil {
		return err
	}
	if found && holder != task.Name {
		h, err := u.Task(ctx, holder)
		if err != nil && !isMissing(err) {
			return err
		}
		if h != nil && h.Constraint == task.Constraint && !h.State.IsFinal() {
			return fmt.Errorf("%w: constraint %q is held by task %s",
				domain.ErrTaskConflict, task.Constraint, holder)
		}
	}
	return u.Store(store.BucketConstraints, task.Constraint, task.Name)
}

// releaseConstraint освобождает constraint, если он всё ещё за task.
func (c *Controller) releaseConstraint(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if task.Constraint == "" {
		return nil
	}

	var holder string
	found, err := u.Load(ctx, store.BucketConstraints, task.Constraint, &holder)
	if err != nil {
		return err
	}
	if found && holder == task.Name {
		u.Remove(store.BucketConstraints, task.Constraint)
	}
	return nil
}

// ClearConstraint освобождает constraint task, не дожидаясь его завершения.
func (c *Controller) ClearConstraint(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}
		if err := c.releaseConstraint(ctx, u, task); err != nil {
			return err
		}
		task.Constraint = ""
		u.SaveTask(task)
		return nil
	})
}

// InvolveInTransaction включает task в write-set текущей транзакции:
// конкурентное изменение task приведёт к конфликту и повтору.
// Вне транзакции операция открывает собственную.
func (c *Controller) InvolveInTransaction(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		return u.Involve(ctx, name)
	})
}
