package controller

import (
	"context"
	"fmt"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/txn"
)

// Откат подграфа.
//
// Подграф — milestone и все его транзитивные dependants. При старте
// отката каждый участник получает RollbackMilestone и ожидаемые
// счётчики. Откат идёт снизу вверх: task откатывается, когда все его
// dependants из подграфа в ROLLEDBACK. Сброс идёт сверху вниз: milestone
// сбрасывается в NEW сразу после своего отката, остальные — когда
// сброшены все их зависимости из подграфа.
//
// Запущенные участники останавливаются и присоединяются к откату,
// когда доходят до финального состояния.

// StartRollback начинает откат от milestone. trigger — task, чья ошибка
// вызвала откат; если он не вошёл в подграф, он завершается с FAILED.
func (c *Controller) StartRollback(ctx context.Context, milestone, trigger string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		m, err := u.Task(ctx, milestone)
		if err != nil && !isMissing(err) {
			return err
		}

		switch {
		case m == nil:
			c.logger.Warn("rollback milestone missing", "milestone", milestone, "trigger", trigger)
		case m.RollbackMilestone != "":
			c.logger.Info("rollback already in progress",
				"milestone", milestone,
				"current", m.RollbackMilestone,
				"trigger", trigger,
			)
		default:
			if err := c.prime(ctx, u, m); err != nil {
				return err
			}
		}

		if trigger == "" {
			return nil
		}
		t, err := u.Task(ctx, trigger)
		if isMissing(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.State == domain.StateRollbackTriggered {
			c.logger.Warn("trigger is outside of rollback subgraph, failing it",
				"task", t.Name,
				"milestone", milestone,
			)
			return c.transition(ctx, u, t, domain.StateFailed, nil)
		}
		return nil
	})
}

// TriggerRollback начинает откат от milestone по запросу администратора.
func (c *Controller) TriggerRollback(ctx context.Context, milestone string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		m, err := u.Task(ctx, milestone)
		if err != nil {
			return err
		}
		if m.RollbackMilestone != "" {
			return fmt.Errorf("%w: task %s is already rolling back to %s",
				domain.ErrTaskConflict, m.Name, m.RollbackMilestone)
		}
		return c.prime(ctx, u, m)
	})
}

// prime готовит подграф milestone к откату.
func (c *Controller) prime(ctx context.Context, u *txn.Unit, milestone *domain.Task) error {
	members := map[string]*domain.Task{milestone.Name: milestone}
	order := []string{milestone.Name}

	for i := 0; i < len(order); i++ {
		for _, name := range members[order[i]].Dependants {
			if _, ok := members[name]; ok {
				continue
			}
			d, err := u.Task(ctx, name)
			if isMissing(err) {
				continue
			}
			if err != nil {
				return err
			}
			// Участник другого отката
			if d.RollbackMilestone != "" {
				continue
			}
			members[name] = d
			order = append(order, name)
		}
	}

	for _, name := range order {
		t := members[name]
		t.RollbackMilestone = milestone.Name
		t.RollbackAttempts = 0
		t.ModeBeforeRollback = t.Mode
		t.RollbackDependants = 0
		for _, d := range t.Dependants {
			if _, ok := members[d]; ok {
				t.RollbackDependants++
			}
		}
		t.RollbackDependencies = 0
		for _, p := range t.Dependencies {
			if _, ok := members[p]; ok {
				t.RollbackDependencies++
			}
		}
		u.SaveTask(t)
	}

	// Сначала все незапущенные и завершённые, чтобы остановка
	// запущенных не задела участников подграфа
	for _, name := range order {
		t := members[name]
		if t.State.IsRunning() {
			continue
		}
		if err := c.transition(ctx, u, t, domain.StateToRollback, nil); err != nil {
			return err
		}
	}

	for _, name := range order {
		t := members[name]
		if !t.State.IsRunning() {
			continue
		}
		t.RollbackPrimed = true
		u.SaveTask(t)
		if err := c.cancel(ctx, u, t); err != nil {
			return err
		}
	}

	c.logger.Info("rollback started",
		"milestone", milestone.Name,
		"subgraph", len(order),
	)

	for i := len(order) - 1; i >= 0; i-- {
		if err := c.unwind(ctx, u, members[order[i]]); err != nil {
			return err
		}
	}
	return nil
}

// joinRollback присоединяет к откату участника, который был запущен
// в момент старта отката и только что завершился.
func (c *Controller) joinRollback(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	task.RollbackPrimed = false
	if err := c.transition(ctx, u, task, domain.StateToRollback, nil); err != nil {
		return err
	}
	return c.unwind(ctx, u, task)
}

// unwind откатывает task, если все его dependants из подграфа уже откатились.
func (c *Controller) unwind(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if task.State != domain.StateToRollback {
		return nil
	}

	pending, err := c.countRollbackDependants(ctx, u, task)
	if err != nil {
		return err
	}
	if pending != task.RollbackDependants {
		task.RollbackDependants = pending
		u.SaveTask(task)
	}
	if pending > 0 {
		return nil
	}

	// Не запускавшиеся tasks откатываются без удалённого вызова
	if task.Executed && task.RemoteRollback != nil {
		return c.transition(ctx, u, task, domain.StateRollbackRequested, nil)
	}
	return c.transition(ctx, u, task, domain.StateRolledBack, nil)
}

// applyRollbackResponse обрабатывает ответ удалённого отката.
// ack — подтверждение запроса отката, иначе callback о его завершении.
func (c *Controller) applyRollbackResponse(ctx context.Context, u *txn.Unit, task *domain.Task, record *domain.ServerResponse, ack bool) error {
	switch task.State {
	case domain.StateRollbackRequested:
		if !record.Positive {
			return c.rollbackAttemptFailed(ctx, u, task, record)
		}
		if ack {
			return c.transition(ctx, u, task, domain.StateRollingBack, record)
		}
		// Callback обогнал ответ на запрос отката
		if err := c.transition(ctx, u, task, domain.StateRollingBack, nil); err != nil {
			return err
		}
		record.State = domain.StateRollingBack
		return c.transition(ctx, u, task, domain.StateRolledBack, record)

	case domain.StateRollingBack:
		if record.Positive {
			return c.transition(ctx, u, task, domain.StateRolledBack, record)
		}
		return c.rollbackAttemptFailed(ctx, u, task, record)

	default:
		return fmt.Errorf("%w: task %s in state %s does not accept rollback callbacks",
			domain.ErrTaskConflict, task.Name, task.State)
	}
}

// rollbackAttemptFailed повторяет откат до исчерпания лимита,
// после чего task считается откатившимся, чтобы не блокировать подграф.
func (c *Controller) rollbackAttemptFailed(ctx context.Context, u *txn.Unit, task *domain.Task, record *domain.ServerResponse) error {
	task.RollbackAttempts++
	if err := c.transition(ctx, u, task, domain.StateRollbackFailed, record); err != nil {
		return err
	}

	limit := c.rollbackLimitOf(task)
	if task.RollbackAttempts < limit {
		c.logger.Warn("rollback attempt failed, retrying",
			"task", task.Name,
			"attempt", task.RollbackAttempts,
			"limit", limit,
		)
		return c.transition(ctx, u, task, domain.StateRollbackRequested, nil)
	}

	c.logger.Error("rollback attempts exhausted",
		"task", task.Name,
		"attempts", task.RollbackAttempts,
	)
	return c.transition(ctx, u, task, domain.StateRolledBack, nil)
}

// onRolledBack — task откатился: milestone сразу сбрасывается,
// остальные сообщают зависимостям.
func (c *Controller) onRolledBack(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if task.RollbackMilestone == "" {
		return nil
	}
	if task.Name == task.RollbackMilestone {
		return c.reset(ctx, u, task)
	}
	for _, p := range task.Dependencies {
		u.Defer(txn.Effect{Kind: txn.KindRollbackDependantDone, Task: p, Target: task.Name})
	}
	return nil
}

// RollbackDependantDone продолжает откат task после отката одного из его dependants.
func (c *Controller) RollbackDependantDone(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if isMissing(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return c.unwind(ctx, u, task)
	})
}

// ResetDependant сбрасывает откатившийся task, если все его зависимости
// из подграфа уже сброшены.
func (c *Controller) ResetDependant(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if isMissing(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return c.resetIfReady(ctx, u, task)
	})
}

func (c *Controller) resetIfReady(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if task.State != domain.StateRolledBack || task.RollbackMilestone == "" {
		return nil
	}

	pending, err := c.countRollbackDependencies(ctx, u, task)
	if err != nil {
		return err
	}
	if pending != task.RollbackDependencies {
		task.RollbackDependencies = pending
		u.SaveTask(task)
	}
	if pending > 0 {
		return nil
	}
	return c.reset(ctx, u, task)
}

// Reset возвращает откатившийся task в NEW.
func (c *Controller) Reset(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}
		return c.reset(ctx, u, task)
	})
}

// reset переводит task из ROLLEDBACK в NEW, пересчитывает зависимости
// и восстанавливает режим, который был до отката.
func (c *Controller) reset(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if task.State != domain.StateRolledBack {
		return fmt.Errorf("%w: task %s in state %s cannot be reset",
			domain.ErrTaskConflict, task.Name, task.State)
	}

	unfinished := 0
	var resolved []string
	stopped := false
	for _, name := range task.Dependencies {
		dep, err := u.Task(ctx, name)
		if isMissing(err) {
			resolved = append(resolved, name)
			continue
		}
		if err != nil {
			return err
		}
		// Зависимость входит в write-set: её конкурентный переход
		// вызовет конфликт, и сброс пересчитает зависимости заново
		u.SaveTask(dep)
		switch {
		case dep.State == domain.StateSuccessful:
			resolved = append(resolved, name)
		case dep.State.StopsDependants():
			stopped = true
			unfinished++
		default:
			unfinished++
		}
	}

	mode := task.ModeBeforeRollback
	if mode == "" {
		mode = domain.ModeIdle
	}

	task.Mode = mode
	task.ModeBeforeRollback = ""
	task.StopFlag = domain.StopFlagNone
	task.UnfinishedDependencies = unfinished
	task.ResolvedDependencies = resolved
	task.RollbackMilestone = ""
	task.RollbackPrimed = false
	task.RollbackDependants = 0
	task.RollbackDependencies = 0
	task.RollbackAttempts = 0
	task.Executed = false
	task.LastBeat = nil
	task.FinalNotified = false
	task.NotifyAttempts = 0

	if err := c.transition(ctx, u, task, domain.StateNew, nil); err != nil {
		return err
	}

	c.logger.Info("task reset after rollback", "task", task.Name, "mode", mode)

	for _, d := range task.Dependants {
		u.Defer(txn.Effect{Kind: txn.KindResetDependant, Task: d, Target: task.Name})
	}

	switch {
	case stopped:
		setStopFlag(task, domain.StopFlagDependencyFailed)
		return c.transition(ctx, u, task, domain.StateStopped, nil)
	case mode == domain.ModeCancel:
		return c.cancel(ctx, u, task)
	default:
		return c.advanceIdle(ctx, u, task)
	}
}

// countRollbackDependants — dependants того же отката, ещё не дошедшие до ROLLEDBACK.
func (c *Controller) countRollbackDependants(ctx context.Context, u *txn.Unit, task *domain.Task) (int, error) {
	n := 0
	for _, name := range task.Dependants {
		d, err := u.Task(ctx, name)
		if isMissing(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if d.RollbackMilestone == task.RollbackMilestone && d.State != domain.StateRolledBack {
			n++
		}
	}
	return n, nil
}

// countRollbackDependencies — зависимости того же отката, ещё не сброшенные.
func (c *Controller) countRollbackDependencies(ctx context.Context, u *txn.Unit, task *domain.Task) (int, error) {
	n := 0
	for _, name := range task.Dependencies {
		p, err := u.Task(ctx, name)
		if isMissing(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if p.RollbackMilestone == task.RollbackMilestone {
			n++
		}
	}
	return n, nil
}
