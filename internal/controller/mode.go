package controller

import (
	"context"
	"fmt"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/txn"
)

// SetMode меняет режим task.
//
//   - ACTIVE продвигает task из NEW/WAITING (в WAITING или ENQUEUED)
//   - IDLE допустим только пока task не поставлен в очередь
//   - CANCEL останавливает task: не запущенный сразу уходит в STOPPED,
//     запущенный — в STOP_REQUESTED с вызовом remoteCancel
//
// poke планирует проверку очереди task после commit.
func (c *Controller) SetMode(ctx context.Context, name string, mode domain.Mode, poke bool) error {
	if !mode.IsValid() {
		return fmt.Errorf("%w: unknown mode %q", domain.ErrBadRequest, mode)
	}

	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}
		if err := c.setMode(ctx, u, task, mode); err != nil {
			return err
		}
		if poke {
			u.Defer(txn.Effect{Kind: txn.KindPokeQueue, Task: task.Name, Queue: task.Queue})
		}
		return nil
	})
}

func (c *Controller) setMode(ctx context.Context, u *txn.Unit, task *domain.Task, mode domain.Mode) error {
	switch mode {
	case domain.ModeActive:
		return c.activate(ctx, u, task)
	case domain.ModeCancel:
		return c.cancel(ctx, u, task)
	default:
		if !task.State.IsIdle() {
			return modeConflict(task, mode)
		}
		task.Mode = domain.ModeIdle
		u.SaveTask(task)
		return nil
	}
}

// activate переводит task в ACTIVE.
func (c *Controller) activate(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	switch {
	case task.State.IsIdle():
		if task.Mode == domain.ModeCancel {
			return modeConflict(task, domain.ModeActive)
		}
		task.Mode = domain.ModeActive
		u.SaveTask(task)
		return c.advanceIdle(ctx, u, task)

	case (task.State.IsQueued() || task.State.IsRunning()) && task.Mode == domain.ModeActive:
		return nil

	default:
		return modeConflict(task, domain.ModeActive)
	}
}

// advanceIdle продвигает ACTIVE task из группы IDLE:
// в WAITING, если есть незавершённые зависимости, иначе в ENQUEUED.
func (c *Controller) advanceIdle(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if task.Mode != domain.ModeActive || !task.State.IsIdle() {
		return nil
	}

	if task.UnfinishedDependencies > 0 {
		if task.State == domain.StateNew {
			return c.transition(ctx, u, task, domain.StateWaiting, nil)
		}
		return nil
	}
	return c.transition(ctx, u, task, domain.StateEnqueued, nil)
}

// cancel запускает остановку task.
func (c *Controller) cancel(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	switch task.State {
	case domain.StateNew, domain.StateWaiting, domain.StateEnqueued:
		task.Mode = domain.ModeCancel
		setStopFlag(task, domain.StopFlagCancelled)
		return c.transition(ctx, u, task, domain.StateStopped, nil)

	case domain.StateStarting, domain.StateUp:
		task.Mode = domain.ModeCancel
		return c.transition(ctx, u, task, domain.StateStopRequested, nil)

	case domain.StateStopRequested, domain.StateStopping:
		// Остановка уже идёт
		if task.Mode != domain.ModeCancel {
			task.Mode = domain.ModeCancel
			u.SaveTask(task)
		}
		return nil

	default:
		return modeConflict(task, domain.ModeCancel)
	}
}

func modeConflict(task *domain.Task, mode domain.Mode) error {
	return fmt.Errorf("%w: cannot set mode %s on task %s in state %s (mode %s)",
		domain.ErrTaskConflict, mode, task.Name, task.State, task.Mode)
}
