package controller

import (
	"context"
	"fmt"
	"sort"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/queue"
	"github.com/shaiso/rex/internal/telemetry"
	"github.com/shaiso/rex/internal/txn"
)

// Poke допускает ENQUEUED tasks очереди к запуску в пределах свободных слотов.
//
// Безопасен при повторных и конкурентных вызовах: счётчик running и лимит
// очереди входят в write-set, поэтому две транзакции не могут занять
// один и тот же слот.
func (c *Controller) Poke(ctx context.Context, queueName string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		_, err := c.poke(ctx, u, queueName)
		return err
	})
}

// poke возвращает количество допущенных tasks.
func (c *Controller) poke(ctx context.Context, u *txn.Unit, queueName string) (int, error) {
	counters, err := c.ledger.Counters(ctx, u, queueName)
	if err != nil {
		return 0, err
	}
	room := counters.Room()
	if room == 0 {
		return 0, nil
	}

	entries, err := c.ledger.Enqueued(ctx, u, queueName)
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, e := range entries {
		if admitted >= room {
			break
		}

		task, err := u.Task(ctx, e.Task)
		if err != nil && !isMissing(err) {
			return admitted, err
		}
		if task == nil || task.State != domain.StateEnqueued || task.Queue != queueName {
			// Устаревшая запись учёта
			if err := c.ledger.Dequeue(ctx, u, queueName, e.Task); err != nil {
				return admitted, err
			}
			continue
		}

		if err := c.transition(ctx, u, task, domain.StateStarting, nil); err != nil {
			return admitted, err
		}
		admitted++
	}

	if admitted > 0 {
		if err := c.ledger.InvolveMaximum(ctx, u, queueName); err != nil {
			return admitted, err
		}
		telemetry.WithQueue(c.logger, queueName).Debug("tasks admitted",
			"admitted", admitted,
			"maximum", counters.Maximum,
		)
	}
	return admitted, nil
}

// PokeAll проверяет все очереди, в которых есть ENQUEUED tasks.
func (c *Controller) PokeAll(ctx context.Context) error {
	var queues []string
	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		entries, err := c.ledger.AllEnqueued(ctx, u)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		queues = queues[:0]
		for _, e := range entries {
			if !seen[e.Queue] {
				seen[e.Queue] = true
				queues = append(queues, e.Queue)
			}
		}
		sort.Strings(queues)
		return nil
	})
	if err != nil {
		return err
	}

	for _, q := range queues {
		if err := c.Poke(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// SetMaximumConcurrency задаёт лимит очереди и планирует проверку очереди.
// Уже запущенные tasks не вытесняются.
func (c *Controller) SetMaximumConcurrency(ctx context.Context, queueName string, amount int) error {
	if amount < 0 {
		return fmt.Errorf("%w: maximum concurrency must be non-negative, got %d", domain.ErrBadRequest, amount)
	}

	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		if err := c.ledger.SetMaximum(ctx, u, queueName, amount); err != nil {
			return err
		}
		u.Defer(txn.Effect{Kind: txn.KindPokeQueue, Queue: queueName})
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.QueueMaximum.WithLabelValues(telemetry.QueueLabel(queueName)).Set(float64(amount))
	telemetry.WithQueue(c.logger, queueName).Info("maximum concurrency changed", "maximum", amount)
	return nil
}

// QueueCounters возвращает счётчики очереди.
func (c *Controller) QueueCounters(ctx context.Context, queueName string) (queue.Counters, error) {
	var counters queue.Counters
	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		var err error
		counters, err = c.ledger.Counters(ctx, u, queueName)
		return err
	})
	return counters, err
}

// DecreaseRunningCounter уменьшает счётчик running очереди и планирует
// проверку очереди. Переходы из RUNNING делают это сами; операция нужна
// для ручной коррекции.
func (c *Controller) DecreaseRunningCounter(ctx context.Context, queueName string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		if err := c.adjustRunning(ctx, u, queueName, -1); err != nil {
			return err
		}
		u.Defer(txn.Effect{Kind: txn.KindPokeQueue, Queue: queueName})
		return nil
	})
}

// SynchronizeRunningCounter пересчитывает счётчики running всех очередей
// по фактическим состояниям tasks и восстанавливает учёт ENQUEUED.
func (c *Controller) SynchronizeRunningCounter(ctx context.Context) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		tasks, err := u.Tasks(ctx)
		if err != nil {
			return err
		}

		running := make(map[string]int)
		enqueued := make(map[string]*domain.Task)
		for _, t := range tasks {
			switch {
			case t.State.IsRunning():
				running[t.Queue]++
			case t.State == domain.StateEnqueued:
				enqueued[t.Name] = t
			}
		}

		queues, err := c.ledger.Queues(ctx, u)
		if err != nil {
			return err
		}
		for _, q := range queues {
			if _, ok := running[q]; !ok {
				running[q] = 0
			}
		}

		for q, n := range running {
			if err := c.ledger.SetRunning(ctx, u, q, n); err != nil {
				return err
			}
			telemetry.QueueRunning.WithLabelValues(telemetry.QueueLabel(q)).Set(float64(n))
			u.Defer(txn.Effect{Kind: txn.KindPokeQueue, Queue: q})
		}

		// Учёт ENQUEUED должен совпадать с состояниями tasks
		entries, err := c.ledger.AllEnqueued(ctx, u)
		if err != nil {
			return err
		}
		recorded := make(map[string]bool, len(entries))
		for _, e := range entries {
			t, ok := enqueued[e.Task]
			if !ok || t.Queue != e.Queue {
				if err := c.ledger.Dequeue(ctx, u, e.Queue, e.Task); err != nil {
					return err
				}
				continue
			}
			recorded[e.Task] = true
		}
		for name, t := range enqueued {
			if recorded[name] {
				continue
			}
			at, _ := t.EnteredAt(domain.StateEnqueued)
			if err := c.ledger.Enqueue(ctx, u, t.Queue, name, at); err != nil {
				return err
			}
			u.Defer(txn.Effect{Kind: txn.KindPokeQueue, Queue: t.Queue})
		}

		c.logger.Info("running counters synchronized", "queues", len(running))
		return nil
	})
}

// Dequeue убирает task из учёта ENQUEUED без перехода состояния.
func (c *Controller) Dequeue(ctx context.Context, name string) error {
	return c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}
		return c.ledger.Dequeue(ctx, u, task.Queue, task.Name)
	})
}
