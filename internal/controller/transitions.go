package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/telemetry"
	"github.com/shaiso/rex/internal/txn"
)

// transitions — допустимые переходы (before → after).
// Любой другой переход отклоняется с domain.ErrTaskConflict.
var transitions = map[domain.State][]domain.State{
	domain.StateNew:      {domain.StateWaiting, domain.StateEnqueued, domain.StateStopped, domain.StateToRollback},
	domain.StateWaiting:  {domain.StateEnqueued, domain.StateStopped, domain.StateToRollback},
	domain.StateEnqueued: {domain.StateStarting, domain.StateStopped, domain.StateToRollback},

	domain.StateStarting:      {domain.StateUp, domain.StateStartFailed, domain.StateStopRequested, domain.StateRollbackTriggered},
	domain.StateUp:            {domain.StateSuccessful, domain.StateFailed, domain.StateStopRequested, domain.StateRollbackTriggered},
	domain.StateStopRequested: {domain.StateStopping, domain.StateStopFailed},
	domain.StateStopping:      {domain.StateStopped, domain.StateStopFailed},

	domain.StateStartFailed: {domain.StateToRollback},
	domain.StateStopFailed:  {domain.StateToRollback},
	domain.StateFailed:      {domain.StateToRollback},
	domain.StateSuccessful:  {domain.StateToRollback},
	domain.StateStopped:     {domain.StateToRollback},

	domain.StateRollbackTriggered: {domain.StateToRollback, domain.StateFailed},

	domain.StateToRollback:        {domain.StateRollbackRequested, domain.StateRolledBack},
	domain.StateRollbackRequested: {domain.StateRollingBack, domain.StateRollbackFailed},
	domain.StateRollingBack:       {domain.StateRolledBack, domain.StateRollbackFailed},
	domain.StateRollbackFailed:    {domain.StateRollbackRequested, domain.StateRolledBack},
	domain.StateRolledBack:        {domain.StateNew},
}

// CanTransition проверяет, что переход from → to допустим.
func CanTransition(from, to domain.State) bool {
	return slices.Contains(transitions[from], to)
}

// Transitions возвращает допустимые переходы из состояния from.
func Transitions(from domain.State) []domain.State {
	return slices.Clone(transitions[from])
}

// transition переводит task в состояние to и планирует побочные эффекты.
// resp — ответ, вызвавший переход (nil для внутренних переходов).
//
// Недопустимый переход не меняет task.
func (c *Controller) transition(ctx context.Context, u *txn.Unit, task *domain.Task, to domain.State, resp *domain.ServerResponse) error {
	from := task.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: task %s cannot move from %s to %s", domain.ErrTaskConflict, task.Name, from, to)
	}

	tt := domain.TransitionTime{Before: from, After: to, At: c.clock.Now()}
	task.State = to
	task.Timestamps = append(task.Timestamps, tt)
	if resp != nil {
		task.ServerResponses = append(task.ServerResponses, *resp)
	}
	u.SaveTask(task)

	c.logger.Debug("task transitioned",
		"task", task.Name,
		"from", from,
		"to", to,
	)

	if err := c.leave(ctx, u, task, from, to); err != nil {
		return err
	}

	prepare(task, to)

	delayed := to.IsFinal() && delaysDependants(task)
	var then []txn.Effect
	if delayed {
		then = []txn.Effect{{Kind: txn.KindReleaseDependants, Task: task.Name}}
	}
	if err := c.announce(u, task, tt, then); err != nil {
		return err
	}

	return c.enter(ctx, u, task, from, delayed)
}

// leave выполняет действия при выходе из состояния from.
func (c *Controller) leave(ctx context.Context, u *txn.Unit, task *domain.Task, from, to domain.State) error {
	if from == domain.StateEnqueued {
		if err := c.ledger.Dequeue(ctx, u, task.Queue, task.Name); err != nil {
			return err
		}
	}

	// Ровно один декремент на выход из RUNNING: он в той же транзакции, что и переход
	if from.IsRunning() && !to.IsRunning() {
		if err := c.adjustRunning(ctx, u, task.Queue, -1); err != nil {
			return err
		}
		u.Defer(txn.Effect{Kind: txn.KindPokeQueue, Task: task.Name, Queue: task.Queue})

		if err := c.jobs.Delist(ctx, u, domain.JobHeartbeatVerify, task.Name); err != nil {
			return err
		}
	}

	if isStopping(from) && !isStopping(to) {
		if err := c.jobs.Delist(ctx, u, domain.JobCancelTimeout, task.Name); err != nil {
			return err
		}
	}
	return nil
}

// prepare меняет поля task, видимые в уведомлении о переходе.
func prepare(task *domain.Task, to domain.State) {
	switch to {
	case domain.StateStarting:
		task.Executed = true
		task.LastBeat = nil
	case domain.StateStopRequested:
		setStopFlag(task, domain.StopFlagCancelled)
	case domain.StateFailed, domain.StateStartFailed, domain.StateStopFailed:
		setStopFlag(task, domain.StopFlagUnsuccessful)
	case domain.StateStopped:
		setStopFlag(task, domain.StopFlagCancelled)
	}
}

// enter выполняет действия при входе в новое состояние.
func (c *Controller) enter(ctx context.Context, u *txn.Unit, task *domain.Task, from domain.State, delayed bool) error {
	now := c.clock.Now()

	switch task.State {
	case domain.StateEnqueued:
		if err := c.ledger.Enqueue(ctx, u, task.Queue, task.Name, now); err != nil {
			return err
		}
		u.Defer(txn.Effect{Kind: txn.KindPokeQueue, Task: task.Name, Queue: task.Queue})
		return nil

	case domain.StateStarting:
		return c.enterStarting(ctx, u, task)

	case domain.StateStopRequested:
		return c.enterStopRequested(ctx, u, task)

	case domain.StateStopping:
		return c.propagate(ctx, u, task)

	case domain.StateRollbackTriggered:
		u.Defer(txn.Effect{Kind: txn.KindStartRollback, Task: task.MilestoneTask, Target: task.Name})
		return nil

	case domain.StateRollbackRequested:
		body, err := c.remoteBody(task, task.RemoteRollback, true)
		if err != nil {
			return err
		}
		u.Defer(txn.Effect{Kind: txn.KindRollbackRemote, Task: task.Name, Request: task.RemoteRollback, Body: body})
		return nil

	case domain.StateRolledBack:
		return c.onRolledBack(ctx, u, task)
	}

	if task.State.IsFinal() {
		return c.enterFinal(ctx, u, task, delayed)
	}
	return nil
}

func (c *Controller) enterStarting(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if err := c.adjustRunning(ctx, u, task.Queue, 1); err != nil {
		return err
	}

	body, err := c.startBody(ctx, u, task)
	if err != nil {
		return err
	}
	u.Defer(txn.Effect{Kind: txn.KindStartRemote, Task: task.Name, Request: task.RemoteStart, Body: body})

	if task.Configuration.Heartbeat {
		now := c.clock.Now()
		deadline := now.Add(task.Configuration.HeartbeatTolerance() + c.processingTolerance)
		ref, err := c.jobs.Enlist(ctx, u, domain.JobHeartbeatVerify, task.Name, deadline, now)
		if err != nil {
			return err
		}
		u.Defer(txn.Effect{Kind: txn.KindClusterJob, Task: task.Name, Job: &ref})
	}
	return nil
}

func (c *Controller) enterStopRequested(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if timeout := task.Configuration.CancelTimeout(); timeout > 0 {
		now := c.clock.Now()
		ref, err := c.jobs.Enlist(ctx, u, domain.JobCancelTimeout, task.Name, now.Add(timeout), now)
		if err != nil {
			return err
		}
		u.Defer(txn.Effect{Kind: txn.KindClusterJob, Task: task.Name, Job: &ref})
	}

	if err := c.propagate(ctx, u, task); err != nil {
		return err
	}

	if task.RemoteCancel != nil {
		body, err := c.remoteBody(task, task.RemoteCancel, false)
		if err != nil {
			return err
		}
		u.Defer(txn.Effect{Kind: txn.KindStopRemote, Task: task.Name, Request: task.RemoteCancel, Body: body})
		return nil
	}

	// Без remoteCancel остановку подтверждаем сами и ждём финального callback
	return c.transition(ctx, u, task, domain.StateStopping, &domain.ServerResponse{
		State:    domain.StateStopRequested,
		Positive: true,
		Origin:   domain.OriginInternal,
		At:       c.clock.Now(),
	})
}

func (c *Controller) enterFinal(ctx context.Context, u *txn.Unit, task *domain.Task, delayed bool) error {
	if err := c.releaseConstraint(ctx, u, task); err != nil {
		return err
	}

	if !delayed {
		if err := c.propagate(ctx, u, task); err != nil {
			return err
		}
	}

	if task.Disposable && c.cleanOnFinish {
		u.Defer(txn.Effect{Kind: txn.KindCleanup, Task: task.Name})
	}

	if task.RollbackPrimed {
		return c.joinRollback(ctx, u, task)
	}
	return nil
}

// announce планирует публикацию события и уведомление вызывающего.
func (c *Controller) announce(u *txn.Unit, task *domain.Task, tt domain.TransitionTime, then []txn.Effect) error {
	snapshot := task.Clone()

	event := tt
	u.Defer(txn.Effect{Kind: txn.KindPublishEvent, Task: task.Name, Transition: &event, Snapshot: snapshot})

	if task.CallerNotifications == nil {
		return nil
	}
	return c.notifyCaller(u, snapshot, tt, then)
}

// notifyCaller планирует уведомление вызывающего о переходе tt.
func (c *Controller) notifyCaller(u *txn.Unit, snapshot *domain.Task, tt domain.TransitionTime, then []txn.Effect) error {
	body, err := json.Marshal(notificationBody{
		Task:        snapshot,
		BeforeState: tt.Before,
		AfterState:  tt.After,
	})
	if err != nil {
		return fmt.Errorf("encode notification for %s: %w", snapshot.Name, err)
	}

	notified := tt
	u.Defer(txn.Effect{
		Kind:       txn.KindNotifyCaller,
		Task:       snapshot.Name,
		Request:    snapshot.CallerNotifications,
		Body:       body,
		Transition: &notified,
		Then:       then,
	})
	return nil
}

// adjustRunning меняет счётчик running очереди.
func (c *Controller) adjustRunning(ctx context.Context, u *txn.Unit, queueName string, delta int) error {
	n, err := c.ledger.AddRunning(ctx, u, queueName, delta)
	if err != nil {
		return err
	}
	telemetry.QueueRunning.WithLabelValues(telemetry.QueueLabel(queueName)).Set(float64(n))
	return nil
}

func isStopping(s domain.State) bool {
	return s == domain.StateStopRequested || s == domain.StateStopping
}

// delaysDependants — dependants освобождаются только после уведомления вызывающего.
func delaysDependants(task *domain.Task) bool {
	return task.Configuration.DelayDependantsForFinalNotification && task.CallerNotifications != nil
}

// awaitsNotification — завершённый task ещё держит dependants до уведомления вызывающего.
func awaitsNotification(task *domain.Task) bool {
	return task.State.IsFinal() && delaysDependants(task) && !task.FinalNotified
}
