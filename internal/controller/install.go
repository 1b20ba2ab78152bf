package controller

import (
	"context"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/graph"
	"github.com/shaiso/rex/internal/txn"
)

// Install атомарно устанавливает граф: новые tasks и рёбра, в том числе
// к уже существующим tasks. При любой ошибке (цикл, конфликт имени или
// constraint, некорректное ребро) хранилище не меняется.
//
// Tasks с режимом ACTIVE сразу продвигаются: в WAITING или ENQUEUED.
func (c *Controller) Install(ctx context.Context, req domain.CreateGraphRequest) ([]*domain.Task, error) {
	var installed []*domain.Task

	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		installed = installed[:0]

		plan, err := graph.Build(ctx, req, u.Task, c.clock.Now())
		if err != nil {
			return err
		}

		for _, task := range plan.Tasks {
			if err := c.acquireConstraint(ctx, u, task); err != nil {
				return err
			}
			u.CreateTask(task)
		}
		for _, task := range plan.Touched {
			u.SaveTask(task)
		}

		for _, task := range plan.Tasks {
			if err := c.advanceIdle(ctx, u, task); err != nil {
				return err
			}
		}

		for _, task := range plan.Tasks {
			installed = append(installed, task.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("graph installed",
		"tasks", len(installed),
		"edges", len(req.Edges),
	)
	return installed, nil
}
