// Package dispatch выполняет отложенные эффекты закоммиченных транзакций.
//
// Эффекты одного task выполняются последовательно в порядке планирования,
// эффекты разных tasks — параллельно. Эффект с Then запускает вложенные
// эффекты только после собственного успешного выполнения.
//
// Если подключён RabbitMQ, внутренние эффекты (доставка результата,
// проверка очереди, шаги отката, очистка) публикуются в rex.effects и
// выполняются любым узлом. Без брокера всё выполняется локально.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/mq"
	"github.com/shaiso/rex/internal/remote"
	"github.com/shaiso/rex/internal/telemetry"
	"github.com/shaiso/rex/internal/txn"
)

// Default configuration values.
const (
	defaultParallelism = 16
)

// ErrStopped — dispatcher остановлен, эффекты не принимаются.
var ErrStopped = errors.New("dispatcher stopped")

// Engine — операции контроллера, которые вызывают эффекты.
type Engine interface {
	Settle(ctx context.Context, name string, expected domain.State, positive bool, resp domain.Response, origin domain.Origin) error
	Poke(ctx context.Context, queueName string) error
	NotifyDependant(ctx context.Context, dependency, dependant string, outcome txn.Outcome) error
	ReleaseDependants(ctx context.Context, name string) error
	StartRollback(ctx context.Context, milestone, trigger string) error
	RollbackDependantDone(ctx context.Context, name string) error
	ResetDependant(ctx context.Context, name string) error
	TryClean(ctx context.Context) (int, error)
}

// Scheduler запускает локальные таймеры контрольных job.
type Scheduler interface {
	Schedule(ref domain.ClusteredJobReference)
}

// Publisher публикует эффекты и события в брокер.
type Publisher interface {
	Connected() bool
	PublishEffect(ctx context.Context, effect any) error
	PublishTransition(ctx context.Context, event mq.TransitionPayload) error
}

// Dispatcher — txn.Sink, выполняющий эффекты после commit.
type Dispatcher struct {
	engine    Engine
	caller    remote.Caller
	scheduler Scheduler
	publisher Publisher
	conn      *mq.Connection

	distribute  bool
	parallelism int

	consumer *mq.Consumer

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Dispatcher.
type Config struct {
	Engine    Engine
	Caller    remote.Caller
	Scheduler Scheduler

	// Publisher — публикация событий переходов и распределение эффектов (optional).
	Publisher Publisher

	// Conn — соединение для потребления распределённых эффектов (optional).
	Conn *mq.Connection

	// Distribute — публиковать внутренние эффекты в rex.effects.
	Distribute bool

	// Parallelism — сколько tasks одной транзакции обрабатывается одновременно (default: 16).
	Parallelism int

	Logger *slog.Logger
}

// New создаёт Dispatcher.
func New(cfg Config) *Dispatcher {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		engine:      cfg.Engine,
		caller:      cfg.Caller,
		scheduler:   cfg.Scheduler,
		publisher:   cfg.Publisher,
		conn:        cfg.Conn,
		distribute:  cfg.Distribute,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Bind подключает контроллер. Нужен, когда контроллер создаётся после Dispatcher.
func (d *Dispatcher) Bind(engine Engine) {
	d.engine = engine
}

// Start запускает потребление распределённых эффектов, если есть брокер.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel

	if d.conn == nil || !d.distribute {
		d.logger.Info("dispatcher started", "mode", "local")
		return nil
	}

	d.consumer = mq.NewConsumer(d.conn, d.logger, mq.ConsumerConfig{
		Queue:    mq.QueueEffects,
		Handler:  d.Handle,
		Prefetch: d.parallelism,
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("effect consumer error", "error", err)
		}
	}()

	d.logger.Info("dispatcher started", "mode", "distributed")
	return nil
}

// Stop прекращает приём эффектов и ждёт выполнения принятых.
func (d *Dispatcher) Stop() {
	d.stoppedMu.Lock()
	d.stopped = true
	d.stoppedMu.Unlock()

	if d.consumer != nil {
		d.consumer.Stop()
	}
	d.wg.Wait()
	if d.cancelFunc != nil {
		d.cancelFunc()
	}

	d.logger.Info("dispatcher stopped")
}

// IsStopped проверяет, остановлен ли Dispatcher.
func (d *Dispatcher) IsStopped() bool {
	d.stoppedMu.RLock()
	defer d.stoppedMu.RUnlock()
	return d.stopped
}

// Wait ждёт выполнения всех принятых эффектов, включая порождённые ими.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch принимает эффекты закоммиченной транзакции и выполняет их асинхронно.
func (d *Dispatcher) Dispatch(ctx context.Context, effects []txn.Effect) {
	if len(effects) == 0 {
		return
	}
	if d.IsStopped() {
		d.logger.Warn("dispatcher stopped, effects left to reconcile", "count", len(effects))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Run(ctx, effects); err != nil {
			d.logger.Error("effects failed", "error", err)
		}
	}()
}

// Run выполняет эффекты синхронно: группы по task параллельно,
// внутри группы — по порядку. Ошибка эффекта не останавливает
// остальные эффекты группы, но отменяет его Then.
func (d *Dispatcher) Run(ctx context.Context, effects []txn.Effect) error {
	groups, order := groupByTask(effects)

	var (
		mu   sync.Mutex
		errs error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			for _, e := range group {
				if err := d.execute(gctx, e); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Handle выполняет эффект, полученный из rex.effects.
func (d *Dispatcher) Handle(ctx context.Context, msg *mq.Message) error {
	if msg.Type != mq.MessageTypeEffect {
		d.logger.Warn("unexpected message type", "type", msg.Type, "message_id", msg.ID)
		return nil
	}
	e, err := mq.ParsePayload[txn.Effect](msg)
	if err != nil {
		return err
	}
	return d.run(ctx, e)
}

// execute выполняет эффект локально или публикует его для другого узла.
func (d *Dispatcher) execute(ctx context.Context, e txn.Effect) error {
	if d.shouldDistribute(e) {
		err := d.publisher.PublishEffect(ctx, e)
		if err == nil {
			telemetry.EffectsDispatched.WithLabelValues(string(e.Kind), "published").Inc()
			return nil
		}
		d.logger.Warn("failed to publish effect, running locally",
			"kind", e.Kind,
			"task", e.Task,
			"error", err,
		)
	}
	return d.run(ctx, e)
}

// run выполняет эффект и его Then.
func (d *Dispatcher) run(ctx context.Context, e txn.Effect) error {
	if err := d.apply(ctx, e); err != nil {
		telemetry.EffectsDispatched.WithLabelValues(string(e.Kind), "failed").Inc()
		return fmt.Errorf("%s for %s: %w", e.Kind, e.Task, err)
	}
	telemetry.EffectsDispatched.WithLabelValues(string(e.Kind), "ok").Inc()

	var errs error
	for _, next := range e.Then {
		errs = multierr.Append(errs, d.execute(ctx, next))
	}
	return errs
}

func (d *Dispatcher) apply(ctx context.Context, e txn.Effect) error {
	switch e.Kind {
	case txn.KindStartRemote:
		return d.callRemote(ctx, e, remote.KindStart, domain.StateStarting)
	case txn.KindStopRemote:
		return d.callRemote(ctx, e, remote.KindCancel, domain.StateStopRequested)
	case txn.KindRollbackRemote:
		return d.callRemote(ctx, e, remote.KindRollback, domain.StateRollbackRequested)

	case txn.KindNotifyCaller:
		_, err := d.caller.Call(ctx, remote.Call{
			Kind:    remote.KindNotify,
			Task:    e.Task,
			Request: e.Request,
			Body:    e.Body,
		})
		if err != nil {
			telemetry.WithTask(d.logger, e.Task).Warn("caller notification failed", "error", err)
		}
		return err

	case txn.KindNotifyDependant:
		return d.engine.NotifyDependant(ctx, e.Task, e.Target, e.Outcome)
	case txn.KindReleaseDependants:
		return d.engine.ReleaseDependants(ctx, e.Task)
	case txn.KindPokeQueue:
		return d.engine.Poke(ctx, e.Queue)
	case txn.KindStartRollback:
		return d.engine.StartRollback(ctx, e.Task, e.Target)
	case txn.KindRollbackDependantDone:
		return d.engine.RollbackDependantDone(ctx, e.Task)
	case txn.KindResetDependant:
		return d.engine.ResetDependant(ctx, e.Task)
	case txn.KindCleanup:
		_, err := d.engine.TryClean(ctx)
		return err

	case txn.KindClusterJob:
		if e.Job == nil {
			return fmt.Errorf("cluster job effect without reference")
		}
		if d.scheduler != nil {
			d.scheduler.Schedule(*e.Job)
		}
		return nil

	case txn.KindPublishEvent:
		return d.publishEvent(ctx, e)

	default:
		return fmt.Errorf("unknown effect kind %q", e.Kind)
	}
}

// callRemote выполняет удалённый вызов и сообщает результат контроллеру.
// Ответ применяется, только если task всё ещё ждёт его в состоянии expected.
func (d *Dispatcher) callRemote(ctx context.Context, e txn.Effect, kind string, expected domain.State) error {
	result, err := d.caller.Call(ctx, remote.Call{
		Kind:    kind,
		Task:    e.Task,
		Request: e.Request,
		Body:    e.Body,
	})

	var resp domain.Response
	if result != nil {
		resp.Body = result.Body
	}

	if err != nil {
		telemetry.WithTask(d.logger, e.Task).Warn("remote call failed",
			"kind", kind,
			"error", err,
		)
		return d.engine.Settle(ctx, e.Task, expected, false, resp, domain.OriginInternalError)
	}
	return d.engine.Settle(ctx, e.Task, expected, true, resp, domain.OriginRemoteEntity)
}

// publishEvent учитывает переход в метриках и публикует его наблюдателям.
// Ошибка публикации не считается ошибкой эффекта.
func (d *Dispatcher) publishEvent(ctx context.Context, e txn.Effect) error {
	if e.Transition == nil {
		return nil
	}
	telemetry.Transitions.WithLabelValues(string(e.Transition.Before), string(e.Transition.After)).Inc()

	if d.publisher == nil || !d.publisher.Connected() {
		return nil
	}

	event := mq.TransitionPayload{
		Task:   e.Task,
		Before: string(e.Transition.Before),
		After:  string(e.Transition.After),
		At:     e.Transition.At,
	}
	if e.Snapshot != nil {
		if data, err := json.Marshal(e.Snapshot); err == nil {
			event.Snapshot = data
		}
	}

	if err := d.publisher.PublishTransition(ctx, event); err != nil {
		d.logger.Warn("failed to publish transition event",
			"task", e.Task,
			"after", e.Transition.After,
			"error", err,
		)
	}
	return nil
}

// shouldDistribute — внутренние эффекты уходят в брокер, если он доступен.
func (d *Dispatcher) shouldDistribute(e txn.Effect) bool {
	if !d.distribute || d.publisher == nil || e.IsLocal() {
		return false
	}
	switch e.Kind {
	case txn.KindNotifyDependant, txn.KindPokeQueue, txn.KindStartRollback,
		txn.KindRollbackDependantDone, txn.KindResetDependant, txn.KindReleaseDependants, txn.KindCleanup:
		return d.publisher.Connected()
	default:
		return false
	}
}

// groupByTask группирует эффекты по task, сохраняя порядок.
func groupByTask(effects []txn.Effect) (map[string][]txn.Effect, []string) {
	groups := make(map[string][]txn.Effect)
	var order []string
	for _, e := range effects {
		if _, ok := groups[e.Task]; !ok {
			order = append(order, e.Task)
		}
		groups[e.Task] = append(groups[e.Task], e)
	}
	return groups, order
}
