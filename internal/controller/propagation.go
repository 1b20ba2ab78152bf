package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/txn"
)

// outcomeOf возвращает результат, который task передаёт dependants
// в текущем состоянии, и false, если передавать нечего.
func outcomeOf(task *domain.Task) (txn.Outcome, bool) {
	switch {
	case task.State == domain.StateSuccessful:
		return txn.OutcomeSucceeded, true
	case task.State.StopsDependants():
		return txn.OutcomeStopped, true
	default:
		return "", false
	}
}

// propagate доставляет результат task всем dependants внутри транзакции.
func (c *Controller) propagate(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	outcome, ok := outcomeOf(task)
	if !ok {
		return nil
	}
	for _, name := range task.Dependants {
		if err := c.deliver(ctx, u, task.Name, name, outcome); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseDependants доставляет результат завершённого task его dependants
// после успешного финального уведомления вызывающего.
func (c *Controller) ReleaseDependants(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if isMissing(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !awaitsNotification(task) {
			return nil
		}
		return c.release(ctx, u, task)
	})
}

// release отмечает финальное уведомление обработанным и откладывает доставку
// результата каждому dependant отдельной транзакцией. Потерянную доставку
// повторит Reconcile.
func (c *Controller) release(_ context.Context, u *txn.Unit, task *domain.Task) error {
	task.FinalNotified = true
	u.SaveTask(task)

	outcome, ok := outcomeOf(task)
	if !ok {
		return nil
	}
	for _, name := range task.Dependants {
		u.Defer(txn.Effect{
			Kind:    txn.KindNotifyDependant,
			Task:    task.Name,
			Target:  name,
			Outcome: outcome,
		})
	}
	return nil
}

// renotify повторяет финальное уведомление вызывающего, если оно не дошло.
// После notificationLimit повторов dependants освобождаются без уведомления.
func (c *Controller) renotify(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if isMissing(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !awaitsNotification(task) || len(task.Timestamps) == 0 {
			return nil
		}

		if task.NotifyAttempts >= c.notificationLimit {
			c.logger.Warn("final notification undelivered, releasing dependants",
				"task", task.Name,
				"attempts", task.NotifyAttempts,
			)
			return c.release(ctx, u, task)
		}

		task.NotifyAttempts++
		u.SaveTask(task)
		c.logger.Info("resending final notification",
			"task", task.Name,
			"attempt", task.NotifyAttempts,
		)
		last := task.Timestamps[len(task.Timestamps)-1]
		then := []txn.Effect{{Kind: txn.KindReleaseDependants, Task: task.Name}}
		return c.notifyCaller(u, task.Clone(), last, then)
	})
}

// NotifyDependant доставляет результат зависимости одному dependant.
// Повторная доставка безопасна.
func (c *Controller) NotifyDependant(ctx context.Context, dependency, dependant string, outcome txn.Outcome) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		return c.deliver(ctx, u, dependency, dependant, outcome)
	})
}

// deliver применяет результат зависимости к dependant.
//
// Успех учитывается один раз на пару (зависимость, dependant).
// Остановка переводит в STOPPED только ещё не запущенных dependants.
func (c *Controller) deliver(ctx context.Context, u *txn.Unit, dependency, name string, outcome txn.Outcome) error {
	dependant, err := u.Task(ctx, name)
	if isMissing(err) {
		return nil
	}
	if err != nil {
		return err
	}

	// Участники отката пересчитают зависимости при сбросе
	if dependant.State.IsRollback() || dependant.State == domain.StateRollbackTriggered {
		return nil
	}
	if dependant.State.IsFinal() {
		return nil
	}

	switch outcome {
	case txn.OutcomeSucceeded:
		if !dependant.Resolve(dependency) {
			return nil
		}
		u.SaveTask(dependant)
		return c.advanceIdle(ctx, u, dependant)

	case txn.OutcomeStopped:
		if !dependant.State.IsNotStarted() {
			return nil
		}
		setStopFlag(dependant, domain.StopFlagDependencyFailed)
		c.logger.Info("dependency stopped, stopping dependant",
			"task", dependant.Name,
			"dependency", dependency,
		)
		return c.transition(ctx, u, dependant, domain.StateStopped, nil)

	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}
}

func isMissing(err error) bool {
	return errors.Is(err, domain.ErrTaskMissing)
}
