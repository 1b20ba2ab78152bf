// Package controller — ядро оркестратора: машина состояний tasks.
//
// Каждая публичная операция выполняется в одной транзакции txn.Runner.
// Переход меняет task и планирует отложенные эффекты (удалённые вызовы,
// уведомления, проверку очереди), которые выполняются только после
// commit. Распространение результата на dependants, изменение счётчиков
// очереди и учёт контрольных job происходят внутри той же транзакции.
package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/jobs"
	"github.com/shaiso/rex/internal/queue"
	"github.com/shaiso/rex/internal/txn"
)

// Default configuration values.
const (
	defaultRollbackLimit       = 3
	defaultNotificationLimit   = 3
	defaultProcessingTolerance = 5 * time.Second
)

// Controller применяет переходы состояний tasks.
type Controller struct {
	runner *txn.Runner
	ledger *queue.Ledger
	jobs   *jobs.Registry
	clock  clock.Clock

	callbackBaseURL     string
	processingTolerance time.Duration
	rollbackLimit       int
	notificationLimit   int
	cleanOnFinish       bool

	logger *slog.Logger
}

// Config — конфигурация Controller.
type Config struct {
	Runner *txn.Runner
	Ledger *queue.Ledger
	Jobs   *jobs.Registry
	Clock  clock.Clock

	// CallbackBaseURL — внешний адрес API, на который удалённые системы
	// присылают callbacks (например, http://rex:8080).
	CallbackBaseURL string

	// ProcessingTolerance — запас на обработку при проверке heartbeat (default: 5s).
	ProcessingTolerance time.Duration

	// RollbackLimit — лимит отката для tasks без собственного значения (default: 3).
	RollbackLimit int

	// NotificationLimit — сколько раз Reconcile повторяет недоставленное
	// финальное уведомление, прежде чем освободить dependants (default: 3).
	NotificationLimit int

	// CleanOnFinish — удалять disposable tasks сразу после завершения.
	CleanOnFinish bool

	Logger *slog.Logger
}

// New создаёт Controller.
func New(cfg Config) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	processingTolerance := cfg.ProcessingTolerance
	if processingTolerance <= 0 {
		processingTolerance = defaultProcessingTolerance
	}

	rollbackLimit := cfg.RollbackLimit
	if rollbackLimit <= 0 {
		rollbackLimit = defaultRollbackLimit
	}

	notificationLimit := cfg.NotificationLimit
	if notificationLimit <= 0 {
		notificationLimit = defaultNotificationLimit
	}

	ledger := cfg.Ledger
	if ledger == nil {
		ledger = queue.NewLedger(1, nil)
	}

	registry := cfg.Jobs
	if registry == nil {
		registry = jobs.NewRegistry("local")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		runner:              cfg.Runner,
		ledger:              ledger,
		jobs:                registry,
		clock:               clk,
		callbackBaseURL:     cfg.CallbackBaseURL,
		processingTolerance: processingTolerance,
		rollbackLimit:       rollbackLimit,
		notificationLimit:   notificationLimit,
		cleanOnFinish:       cfg.CleanOnFinish,
		logger:              logger,
	}
}

// Ledger возвращает учёт очередей.
func (c *Controller) Ledger() *queue.Ledger {
	return c.ledger
}

// run выполняет work в транзакции (или в текущей, если она уже открыта).
func (c *Controller) run(ctx context.Context, work txn.Work) error {
	return c.runner.Run(ctx, work)
}

// --- Queries ---

// Task возвращает копию task.
func (c *Controller) Task(ctx context.Context, name string) (*domain.Task, error) {
	var result *domain.Task
	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		task, err := u.Task(ctx, name)
		if err != nil {
			return err
		}
		result = task.Clone()
		return nil
	})
	return result, err
}

// Tasks возвращает копии tasks, подходящих под фильтр, упорядоченные по имени.
func (c *Controller) Tasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	var result []*domain.Task
	err := c.run(ctx, func(ctx context.Context, u *txn.Unit) error {
		tasks, err := u.Tasks(ctx)
		if err != nil {
			return err
		}
		result = make([]*domain.Task, 0, len(tasks))
		for _, t := range tasks {
			if filter.Matches(t) {
				result = append(result, t.Clone())
			}
		}
		return nil
	})
	return result, err
}

// rollbackLimitOf возвращает лимит отката task.
func (c *Controller) rollbackLimitOf(task *domain.Task) int {
	if task.Configuration.RollbackLimit > 0 {
		return task.Configuration.RollbackLimit
	}
	return c.rollbackLimit
}

// setStopFlag устанавливает причину остановки, если она ещё не задана.
func setStopFlag(task *domain.Task, flag domain.StopFlag) {
	if task.StopFlag == "" || task.StopFlag == domain.StopFlagNone {
		task.StopFlag = flag
	}
}
