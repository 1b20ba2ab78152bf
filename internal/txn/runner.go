package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxAttempts     = 20
	defaultInitialInterval = 5 * time.Millisecond
	defaultMaxInterval     = 500 * time.Millisecond
)

// Work — функция, выполняемая внутри транзакции.
type Work func(ctx context.Context, u *Unit) error

// Executor выполняет Work.
type Executor func(ctx context.Context, work Work) error

// Middleware — обёртка над Executor.
type Middleware func(Executor) Executor

// Chain применяет middleware в порядке слева направо.
// Chain(m1, m2)(exec) = m1(m2(exec))
func Chain(middlewares ...Middleware) Middleware {
	return func(next Executor) Executor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Sink принимает эффекты закоммиченной транзакции.
type Sink interface {
	Dispatch(ctx context.Context, effects []Effect)
}

// SinkFunc — адаптер функции к Sink.
type SinkFunc func(ctx context.Context, effects []Effect)

// Dispatch вызывает f.
func (f SinkFunc) Dispatch(ctx context.Context, effects []Effect) {
	f(ctx, effects)
}

// RetryPolicy — политика повтора транзакции при конфликте версий.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	return p
}

// Runner — конвейер: повтор → наблюдение → транзакция → работа.
type Runner struct {
	store  store.Store
	logger *slog.Logger
	exec   Executor

	mu   sync.RWMutex
	sink Sink
}

// Config — конфигурация Runner.
type Config struct {
	Store  store.Store
	Sink   Sink
	Retry  RetryPolicy
	Logger *slog.Logger
}

// NewRunner создаёт Runner.
func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		store:  cfg.Store,
		logger: logger,
		sink:   cfg.Sink,
	}
	r.exec = Chain(
		Retry(cfg.Retry, logger),
		Observe(logger),
	)(r.transactional)
	return r
}

// SetSink подключает получателя эффектов.
func (r *Runner) SetSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Run выполняет work в транзакции с повтором при конфликтах.
//
// Если ctx уже содержит Unit, work выполняется в нём без новой транзакции.
func (r *Runner) Run(ctx context.Context, work Work) error {
	if u := FromContext(ctx); u != nil {
		return work(ctx, u)
	}
	return r.exec(ctx, work)
}

// transactional — базовый Executor: begin, work, flush, commit, dispatch.
func (r *Runner) transactional(ctx context.Context, work Work) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	u := newUnit(tx)
	if err := work(WithUnit(ctx, u), u); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := u.flush(); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if len(u.effects) > 0 {
		r.mu.RLock()
		sink := r.sink
		r.mu.RUnlock()

		if sink != nil {
			sink.Dispatch(context.WithoutCancel(ctx), u.effects)
		} else {
			r.logger.Warn("no effect sink configured, dropping effects", "count", len(u.effects))
		}
	}
	return nil
}

// Retry повторяет транзакцию при конфликте версий с экспоненциальной задержкой и jitter.
func Retry(policy RetryPolicy, logger *slog.Logger) Middleware {
	policy = policy.withDefaults()

	return func(next Executor) Executor {
		return func(ctx context.Context, work Work) error {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = policy.InitialInterval
			b.MaxInterval = policy.MaxInterval
			b.RandomizationFactor = 0.5
			b.MaxElapsedTime = 0

			bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1)), ctx)

			err := backoff.RetryNotify(func() error {
				err := next(ctx, work)
				if err == nil || store.IsConflict(err) {
					return err
				}
				return backoff.Permanent(err)
			}, bo, func(err error, delay time.Duration) {
				telemetry.TxConflicts.Inc()
				logger.Debug("transaction conflict, retrying", "delay", delay, "error", err)
			})

			if store.IsConflict(err) {
				telemetry.TxRetriesExhausted.Inc()
				return fmt.Errorf("%w: %v", domain.ErrConcurrentUpdate, err)
			}
			return err
		}
	}
}

// Observe логирует неожиданные ошибки транзакций.
func Observe(logger *slog.Logger) Middleware {
	return func(next Executor) Executor {
		return func(ctx context.Context, work Work) error {
			start := time.Now()
			err := next(ctx, work)
			if err != nil && !store.IsConflict(err) && !isDomainError(err) {
				logger.Error("transaction failed",
					"duration", time.Since(start),
					"error", err,
				)
			}
			return err
		}
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrTaskMissing) ||
		errors.Is(err, domain.ErrTaskConflict) ||
		errors.Is(err, domain.ErrCircularDependency) ||
		errors.Is(err, domain.ErrBadRequest)
}

// --- Context ---

type ctxKey struct{}

// WithUnit сохраняет Unit в контексте для вложенных операций.
func WithUnit(ctx context.Context, u *Unit) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext возвращает Unit текущей транзакции или nil.
func FromContext(ctx context.Context) *Unit {
	u, _ := ctx.Value(ctxKey{}).(*Unit)
	return u
}
