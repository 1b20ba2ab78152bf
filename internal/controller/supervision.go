package controller

import (
	"context"
	"fmt"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/jobs"
	"github.com/shaiso/rex/internal/telemetry"
	"github.com/shaiso/rex/internal/txn"
)

// VerifyJob выполняет контрольный job по срабатыванию таймера.
//
// CANCEL_TIMEOUT переводит всё ещё останавливающийся task в STOP_FAILED.
// HEARTBEAT_VERIFY проверяет время последнего heartbeat: если срок ещё
// не истёк, возвращает ссылку с новым сроком, иначе завершает task
// ошибкой. Ссылка, которая уже не принадлежит узлу, пропускается.
func (c *Controller) VerifyJob(ctx context.Context, ref domain.ClusteredJobReference) (*domain.ClusteredJobReference, error) {
	var next *domain.ClusteredJobReference

	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		next = nil

		owned, err := c.jobs.Owned(ctx, u, ref)
		if err != nil || !owned {
			return err
		}

		task, err := u.Task(ctx, ref.TaskName)
		if isMissing(err) {
			return c.jobs.Delist(ctx, u, ref.Type, ref.TaskName)
		}
		if err != nil {
			return err
		}

		switch ref.Type {
		case domain.JobCancelTimeout:
			return c.verifyCancelTimeout(ctx, u, task)
		case domain.JobHeartbeatVerify:
			next, err = c.verifyHeartbeat(ctx, u, task, ref)
			return err
		default:
			return fmt.Errorf("unknown job type %q", ref.Type)
		}
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (c *Controller) verifyCancelTimeout(ctx context.Context, u *txn.Unit, task *domain.Task) error {
	if err := c.jobs.Delist(ctx, u, domain.JobCancelTimeout, task.Name); err != nil {
		return err
	}
	if !isStopping(task.State) {
		return nil
	}

	telemetry.WithTask(c.logger, task.Name).Warn("cancel timeout expired",
		"state", task.State,
		"timeout", task.Configuration.CancelTimeout(),
	)
	return c.transition(ctx, u, task, domain.StateStopFailed, &domain.ServerResponse{
		State:    task.State,
		Positive: false,
		Origin:   domain.OriginTimeout,
		At:       c.clock.Now(),
	})
}

func (c *Controller) verifyHeartbeat(ctx context.Context, u *txn.Unit, task *domain.Task, ref domain.ClusteredJobReference) (*domain.ClusteredJobReference, error) {
	if task.State != domain.StateStarting && task.State != domain.StateUp {
		return nil, c.jobs.Delist(ctx, u, domain.JobHeartbeatVerify, task.Name)
	}

	now := c.clock.Now()
	last, ok := task.EnteredAt(domain.StateStarting)
	if task.LastBeat != nil && (!ok || task.LastBeat.After(last)) {
		last = *task.LastBeat
	}
	deadline := last.Add(task.Configuration.HeartbeatTolerance() + c.processingTolerance)

	if now.Before(deadline) {
		updated := jobs.WithDeadline(ref, deadline)
		if err := c.jobs.Update(u, updated); err != nil {
			return nil, err
		}
		return &updated, nil
	}

	if err := c.jobs.Delist(ctx, u, domain.JobHeartbeatVerify, task.Name); err != nil {
		return nil, err
	}

	telemetry.WithTask(c.logger, task.Name).Warn("heartbeat missed",
		"state", task.State,
		"last_beat", last,
	)

	record := &domain.ServerResponse{
		State:    task.State,
		Positive: false,
		Origin:   domain.OriginHeartbeatTimeout,
		At:       now,
	}
	failed := domain.StateFailed
	if task.State == domain.StateStarting {
		failed = domain.StateStartFailed
	}
	return nil, c.failRunning(ctx, u, task, failed, record)
}
