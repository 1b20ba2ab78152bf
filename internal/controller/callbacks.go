package controller

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/txn"
)

// Accept обрабатывает положительный callback по task.
//
// origin отличает настоящий ответ удалённой системы от синтезированного.
// isRollback направляет ответ в обработчики отката; он должен совпадать
// с тем, находится ли task в группе ROLLBACK.
//
// Callback сообщает о завершении работы. Если он пришёл раньше ответа на
// запрос старта, остановки или отката, подтверждение считается полученным.
func (c *Controller) Accept(ctx context.Context, name string, resp domain.Response, origin domain.Origin, isRollback bool) error {
	return c.respond(ctx, name, "", true, resp, origin, isRollback)
}

// Fail обрабатывает отрицательный callback по task.
func (c *Controller) Fail(ctx context.Context, name string, resp domain.Response, origin domain.Origin, isRollback bool) error {
	return c.respond(ctx, name, "", false, resp, origin, isRollback)
}

// Settle применяет ответ на отправленный запрос, если task всё ещё
// в состоянии expected. Если task уже ушёл из него (callback пришёл
// раньше ответа на запрос или task удалён), результат игнорируется.
func (c *Controller) Settle(ctx context.Context, name string, expected domain.State, positive bool, resp domain.Response, origin domain.Origin) error {
	err := c.respond(ctx, name, expected, positive, resp, origin, expected.IsRollback())
	if isMissing(err) {
		return nil
	}
	return err
}

// respond применяет ответ. Непустой expected означает подтверждение
// запроса, пустой — callback удалённой системы.
func (c *Controller) respond(ctx context.Context, name string, expected domain.State, positive bool, resp domain.Response, origin domain.Origin, isRollback bool) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}

		if expected != "" && task.State != expected {
			c.logger.Debug("stale response ignored",
				"task", name,
				"expected", expected,
				"state", task.State,
			)
			return nil
		}

		return c.applyResponse(ctx, u, task, positive, resp, origin, isRollback, expected != "")
	})
}

// applyResponse выбирает переход по текущему состоянию, знаку ответа
// и тому, подтверждение это или callback.
func (c *Controller) applyResponse(ctx context.Context, u *txn.Unit, task *domain.Task, positive bool, resp domain.Response, origin domain.Origin, isRollback, ack bool) error {
	if isRollback != task.State.IsRollback() {
		return fmt.Errorf("%w: task %s in state %s does not accept %s response",
			domain.ErrTaskConflict, task.Name, task.State, responseKind(isRollback))
	}

	record := &domain.ServerResponse{
		State:    task.State,
		Positive: positive,
		Body:     resp.Body,
		Origin:   origin,
		Flags:    resp.Flags,
		At:       c.clock.Now(),
	}

	if isRollback {
		return c.applyRollbackResponse(ctx, u, task, record, ack)
	}

	switch task.State {
	case domain.StateStarting:
		if ack {
			if positive {
				return c.transition(ctx, u, task, domain.StateUp, record)
			}
			return c.failRunning(ctx, u, task, domain.StateStartFailed, record)
		}
		// Callback обогнал ответ на запрос старта: выполнение уже закончено
		if err := c.transition(ctx, u, task, domain.StateUp, nil); err != nil {
			return err
		}
		record.State = domain.StateUp
		return c.finishExecution(ctx, u, task, record)

	case domain.StateUp:
		return c.finishExecution(ctx, u, task, record)

	case domain.StateStopRequested:
		if !positive {
			return c.transition(ctx, u, task, domain.StateStopFailed, record)
		}
		if ack {
			return c.transition(ctx, u, task, domain.StateStopping, record)
		}
		// Callback обогнал ответ на запрос остановки: task уже остановлен
		if err := c.transition(ctx, u, task, domain.StateStopping, nil); err != nil {
			return err
		}
		record.State = domain.StateStopping
		return c.transition(ctx, u, task, domain.StateStopped, record)

	case domain.StateStopping:
		if positive {
			return c.transition(ctx, u, task, domain.StateStopped, record)
		}
		return c.transition(ctx, u, task, domain.StateStopFailed, record)

	default:
		return fmt.Errorf("%w: task %s in state %s does not accept callbacks",
			domain.ErrTaskConflict, task.Name, task.State)
	}
}

// finishExecution завершает выполнение task в UP.
func (c *Controller) finishExecution(ctx context.Context, u *txn.Unit, task *domain.Task, record *domain.ServerResponse) error {
	if record.Positive {
		return c.transition(ctx, u, task, domain.StateSuccessful, record)
	}
	return c.failRunning(ctx, u, task, domain.StateFailed, record)
}

// failRunning обрабатывает ошибку выполнения: запускает откат от milestone
// или переводит task в failed.
func (c *Controller) failRunning(ctx context.Context, u *txn.Unit, task *domain.Task, failed domain.State, record *domain.ServerResponse) error {
	if c.shouldTriggerRollback(task, record) {
		task.RollbackTriggers++
		c.logger.Info("failure triggers rollback",
			"task", task.Name,
			"milestone", task.MilestoneTask,
			"triggers", task.RollbackTriggers,
		)
		return c.transition(ctx, u, task, domain.StateRollbackTriggered, record)
	}
	return c.transition(ctx, u, task, failed, record)
}

func (c *Controller) shouldTriggerRollback(task *domain.Task, record *domain.ServerResponse) bool {
	if task.MilestoneTask == "" || task.RollbackMilestone != "" || task.RollbackPrimed {
		return false
	}
	if slices.Contains(record.Flags, domain.FlagSkipRollback) {
		return false
	}
	return task.RollbackTriggers < c.rollbackLimitOf(task)
}

// Beat фиксирует heartbeat запущенного task. Состояние не меняется.
func (c *Controller) Beat(ctx context.Context, name string, resp domain.Response, at time.Time) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}
		if !task.State.IsRunning() {
			return fmt.Errorf("%w: task %s in state %s does not accept heartbeats",
				domain.ErrTaskConflict, task.Name, task.State)
		}

		if at.IsZero() {
			at = c.clock.Now()
		}
		if task.LastBeat != nil && at.Before(*task.LastBeat) {
			return nil
		}
		task.LastBeat = &at
		u.SaveTask(task)
		return nil
	})
}

func responseKind(isRollback bool) string {
	if isRollback {
		return "rollback"
	}
	return "execution"
}
