// Package maintenance выполняет фоновые проходы по cron-расписанию:
// очистку disposable tasks, синхронизацию счётчиков очередей,
// захват job упавших узлов, досылку пропущенных уведомлений
// зависимостей и проверку очередей.
//
// Каждый проход идемпотентен, поэтому его можно запускать на всех узлах
// кластера одновременно. Ошибка одного прохода не влияет на остальные.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Имена проходов.
const (
	PassTryClean     = "try_clean"
	PassSyncCounters = "sync_counters"
	PassAdoptJobs    = "adopt_jobs"
	PassReconcile    = "reconcile"
	PassPokeQueues   = "poke_queues"
)

// Parser разбирает 5-польные cron-выражения и дескрипторы (@every 30s, @hourly).
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Engine — операции контроллера, используемые проходами.
type Engine interface {
	TryClean(ctx context.Context) (int, error)
	SynchronizeRunningCounter(ctx context.Context) error
	Reconcile(ctx context.Context) (int, error)
	PokeAll(ctx context.Context) error
}

// Adopter захватывает job узлов с истёкшей арендой.
type Adopter interface {
	Adopt(ctx context.Context) (int, error)
}

// Schedule — cron-выражения проходов. Пустая строка отключает проход.
type Schedule struct {
	TryClean     string
	SyncCounters string
	AdoptJobs    string
	Reconcile    string
	PokeQueues   string
}

// Config — конфигурация Runner.
type Config struct {
	Engine   Engine
	Jobs     Adopter
	Schedule Schedule
	Timeout  time.Duration // ограничение одного прохода (default: 1m)
	Logger   *slog.Logger
}

// Runner запускает проходы по расписанию.
type Runner struct {
	cron    *cron.Cron
	passes  map[string]func(ctx context.Context) error
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	ctx        context.Context
	cancelFunc context.CancelFunc
	started    bool
}

// New создаёт Runner и регистрирует включённые проходы.
func New(cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	r := &Runner{
		passes:  make(map[string]func(ctx context.Context) error),
		timeout: timeout,
		logger:  logger,
		ctx:     context.Background(),
	}
	r.cron = cron.New(
		cron.WithParser(Parser),
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)

	if cfg.Engine != nil {
		e := cfg.Engine
		r.passes[PassTryClean] = func(ctx context.Context) error {
			deleted, err := e.TryClean(ctx)
			if deleted > 0 {
				logger.Info("maintenance cleaned tasks", "deleted", deleted)
			}
			return err
		}
		r.passes[PassSyncCounters] = e.SynchronizeRunningCounter
		r.passes[PassReconcile] = func(ctx context.Context) error {
			repaired, err := e.Reconcile(ctx)
			if repaired > 0 {
				logger.Info("maintenance reconciled tasks", "repaired", repaired)
			}
			return err
		}
		r.passes[PassPokeQueues] = e.PokeAll
	}
	if cfg.Jobs != nil {
		j := cfg.Jobs
		r.passes[PassAdoptJobs] = func(ctx context.Context) error {
			adopted, err := j.Adopt(ctx)
			if adopted > 0 {
				logger.Info("maintenance adopted jobs", "adopted", adopted)
			}
			return err
		}
	}

	specs := map[string]string{
		PassTryClean:     cfg.Schedule.TryClean,
		PassSyncCounters: cfg.Schedule.SyncCounters,
		PassAdoptJobs:    cfg.Schedule.AdoptJobs,
		PassReconcile:    cfg.Schedule.Reconcile,
		PassPokeQueues:   cfg.Schedule.PokeQueues,
	}
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		if _, ok := r.passes[name]; !ok {
			continue
		}
		if _, err := r.cron.AddFunc(spec, r.job(name)); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		logger.Debug("maintenance pass scheduled", "pass", name, "spec", spec)
	}

	return r, nil
}

// Scheduled возвращает количество запланированных проходов.
func (r *Runner) Scheduled() int {
	return len(r.cron.Entries())
}

// Start запускает расписание. Проходы выполняются с контекстом ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancelFunc = context.WithCancel(ctx)
	r.started = true
	r.cron.Start()
	r.logger.Info("maintenance started", "passes", len(r.cron.Entries()))
}

// Stop останавливает расписание и ждёт завершения текущих проходов.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancelFunc
	r.mu.Unlock()

	cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("maintenance stopped")
}

// RunOnce выполняет проход немедленно.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	pass, ok := r.passes[name]
	if !ok {
		return fmt.Errorf("unknown maintenance pass %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := pass(ctx); err != nil {
		return fmt.Errorf("maintenance %s: %w", name, err)
	}
	r.logger.Debug("maintenance pass completed", "pass", name, "duration", time.Since(start))
	return nil
}

func (r *Runner) job(name string) func() {
	return func() {
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()

		if err := r.RunOnce(ctx, name); err != nil {
			r.logger.Error("maintenance pass failed", "pass", name, "error", err)
		}
	}
}

// cronLogger передаёт журнал cron в slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
