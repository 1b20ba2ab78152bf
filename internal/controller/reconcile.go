package controller

import (
	"context"

	"go.uber.org/multierr"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/txn"
)

// Reconcile повторяет шаги, которые могли потеряться между commit и
// выполнением отложенных эффектов (например, при падении узла):
//
//   - результат завершённых и останавливающихся tasks заново доставляется dependants
//   - недоставленное финальное уведомление отправляется повторно
//   - для ROLLBACK_TRIGGERED заново запускается откат
//   - откат продолжается для TO_ROLLBACK и ROLLEDBACK
//
// Все шаги идемпотентны. Возвращает количество обработанных tasks.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	var tasks []*domain.Task
	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		var err error
		tasks, err = u.Tasks(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	var errs error
	handled := 0
	for _, t := range tasks {
		var err error
		switch {
		case awaitsNotification(t):
			if len(t.Dependants) == 0 {
				continue
			}
			err = c.renotify(ctx, t.Name)

		case t.State.IsFinal() || isStopping(t.State):
			if _, ok := outcomeOf(t); !ok || len(t.Dependants) == 0 {
				continue
			}
			err = c.repropagate(ctx, t.Name)

		case t.State == domain.StateRollbackTriggered:
			err = c.StartRollback(ctx, t.MilestoneTask, t.Name)

		case t.State == domain.StateToRollback:
			err = c.RollbackDependantDone(ctx, t.Name)

		case t.State == domain.StateRolledBack:
			err = c.ResetDependant(ctx, t.Name)

		default:
			continue
		}

		handled++
		errs = multierr.Append(errs, err)
	}

	if handled > 0 {
		c.logger.Debug("reconcile pass finished", "handled", handled)
	}
	return handled, errs
}

// repropagate доставляет текущий результат task его dependants.
func (c *Controller) repropagate(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if isMissing(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return c.propagate(ctx, u, task)
	})
}
