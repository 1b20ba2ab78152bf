package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/telemetry"
	"github.com/shaiso/rex/internal/txn"
)

// Default configuration values.
const (
	defaultLeaseTTL      = 30 * time.Second
	defaultTouchInterval = 10 * time.Second
	defaultRetryDelay    = time.Second
)

// Verifier выполняет действие job.
//
// VerifyJob работает в собственной транзакции: проверяет, что ссылка всё
// ещё принадлежит узлу, выполняет проверку и удаляет ссылку, если job
// завершён. Возвращает ссылку для повторной проверки или nil.
type Verifier interface {
	VerifyJob(ctx context.Context, ref domain.ClusteredJobReference) (*domain.ClusteredJobReference, error)
}

// VerifierFunc — адаптер функции к Verifier.
type VerifierFunc func(ctx context.Context, ref domain.ClusteredJobReference) (*domain.ClusteredJobReference, error)

// VerifyJob вызывает f.
func (f VerifierFunc) VerifyJob(ctx context.Context, ref domain.ClusteredJobReference) (*domain.ClusteredJobReference, error) {
	return f(ctx, ref)
}

// Manager держит локальные таймеры job, которыми владеет узел.
//
// Manager:
//   - Запускает таймер по ссылке, сохранённой контроллером (Schedule)
//   - Периодически обновляет запись узла в bucket instances
//   - Забирает ссылки узлов, чья запись устарела (Adopt)
//   - При остановке снимает таймеры, не удаляя ссылки
type Manager struct {
	runner   *txn.Runner
	registry *Registry
	clock    clock.Clock

	leaseTTL      time.Duration
	touchInterval time.Duration
	retryDelay    time.Duration

	mu       sync.Mutex
	verifier Verifier
	timers   map[string]*scheduled
	inflight sync.WaitGroup
	baseCtx  context.Context

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
}

type scheduled struct {
	ref   domain.ClusteredJobReference
	timer *clock.Timer
}

// Config — конфигурация Manager.
type Config struct {
	Runner   *txn.Runner
	Registry *Registry
	Verifier Verifier
	Clock    clock.Clock

	LeaseTTL      time.Duration // через сколько узел без обновлений считается мёртвым (default: 30s)
	TouchInterval time.Duration // интервал обновления записи узла (default: 10s)
	RetryDelay    time.Duration // задержка повтора после ошибки проверки (default: 1s)

	Logger *slog.Logger
}

// NewManager создаёт Manager.
func NewManager(cfg Config) *Manager {
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	touchInterval := cfg.TouchInterval
	if touchInterval <= 0 {
		touchInterval = defaultTouchInterval
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		runner:        cfg.Runner,
		registry:      cfg.Registry,
		clock:         clk,
		verifier:      cfg.Verifier,
		leaseTTL:      leaseTTL,
		touchInterval: touchInterval,
		retryDelay:    retryDelay,
		timers:        make(map[string]*scheduled),
		baseCtx:       context.Background(),
		logger:        telemetry.WithInstance(logger, cfg.Registry.InstanceID()),
	}
}

// Bind подключает исполнителя проверок.
func (m *Manager) Bind(v Verifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifier = v
}

// Start регистрирует узел, возобновляет собственные job, забирает job
// мёртвых узлов и запускает периодическое обновление записи узла.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel

	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	m.logger.Info("starting job manager",
		"lease_ttl", m.leaseTTL,
		"touch_interval", m.touchInterval,
	)

	if err := m.Touch(ctx); err != nil {
		cancel()
		return err
	}
	if _, err := m.Resume(ctx); err != nil {
		cancel()
		return err
	}
	if _, err := m.Adopt(ctx); err != nil {
		m.logger.Warn("failed to adopt orphaned jobs", "error", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.touchLoop(ctx)
	}()

	return nil
}

// Stop снимает таймеры. Ссылки остаются в хранилище, чтобы их мог забрать другой узел.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for key, s := range m.timers {
		s.timer.Stop()
		telemetry.ClusterJobsActive.WithLabelValues(string(s.ref.Type)).Dec()
		delete(m.timers, key)
	}
	m.mu.Unlock()

	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.inflight.Wait()
	m.wg.Wait()

	m.logger.Info("job manager stopped")
}

// Active возвращает количество запланированных таймеров.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Schedule запускает таймер job. Таймер с тем же ключом заменяется.
func (m *Manager) Schedule(ref domain.ClusteredJobReference) {
	jc, err := DecodeContext(ref)
	if err != nil {
		m.logger.Error("cannot schedule job", "job", ref.ID, "error", err)
		return
	}

	delay := jc.Deadline.Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}

	key := Key(ref.Type, ref.TaskName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if prev, ok := m.timers[key]; ok {
		prev.timer.Stop()
	} else {
		telemetry.ClusterJobsActive.WithLabelValues(string(ref.Type)).Inc()
	}

	m.timers[key] = &scheduled{
		ref:   ref,
		timer: m.clock.AfterFunc(delay, func() { m.fire(key, ref.ID) }),
	}

	m.logger.Debug("job scheduled",
		"job", ref.ID,
		"type", ref.Type,
		"task", ref.TaskName,
		"delay", delay,
	)
}

// fire выполняет проверку job по срабатыванию таймера.
func (m *Manager) fire(key, id string) {
	m.mu.Lock()
	s, ok := m.timers[key]
	if !ok || s.ref.ID != id || m.stopped {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	telemetry.ClusterJobsActive.WithLabelValues(string(s.ref.Type)).Dec()
	verifier := m.verifier
	ctx := m.baseCtx
	m.inflight.Add(1)
	m.mu.Unlock()

	defer m.inflight.Done()

	if verifier == nil {
		m.logger.Warn("no verifier bound, job skipped", "job", id)
		return
	}

	logger := telemetry.WithTask(m.logger, s.ref.TaskName).With("job", id, "type", s.ref.Type)

	next, err := verifier.VerifyJob(ctx, s.ref)
	if err != nil {
		if ctx.Err() != nil {
			// Узел останавливается: ссылка остаётся для другого узла
			logger.Info("job interrupted", "error", err)
			return
		}
		logger.Error("job verification failed, retrying", "error", err, "retry_in", m.retryDelay)
		m.Schedule(WithDeadline(s.ref, m.clock.Now().Add(m.retryDelay)))
		return
	}

	if next != nil {
		m.Schedule(*next)
		return
	}
	logger.Debug("job completed")
}

// Touch обновляет запись текущего узла.
func (m *Manager) Touch(ctx context.Context) error {
	return m.runner.Run(ctx, func(ctx context.Context, u *txn.Unit) error {
		return m.registry.Touch(ctx, u, m.clock.Now())
	})
}

// Resume запускает таймеры для ссылок, которыми уже владеет узел
// (например, после перезапуска с тем же INSTANCE_ID).
func (m *Manager) Resume(ctx context.Context) (int, error) {
	var own []domain.ClusteredJobReference
	err := m.runner.Run(ctx, func(ctx context.Context, u *txn.Unit) error {
		own = own[:0]
		refs, err := m.registry.List(ctx, u)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if ref.Owner == m.registry.InstanceID() {
				own = append(own, ref)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, ref := range own {
		m.Schedule(ref)
	}
	return len(own), nil
}

// Adopt забирает ссылки узлов, чья запись устарела или отсутствует.
// Смена владельца — CAS по версии ссылки: из нескольких узлов ссылку
// получит ровно один.
func (m *Manager) Adopt(ctx context.Context) (int, error) {
	var adopted []domain.ClusteredJobReference
	self := m.registry.InstanceID()

	err := m.runner.Run(ctx, func(ctx context.Context, u *txn.Unit) error {
		adopted = adopted[:0]
		now := m.clock.Now()

		instances, err := m.registry.Instances(ctx, u)
		if err != nil {
			return err
		}
		alive := map[string]bool{self: true}
		for _, inst := range instances {
			if !inst.IsExpired(now, m.leaseTTL) {
				alive[inst.ID] = true
			}
		}

		refs, err := m.registry.List(ctx, u)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if alive[ref.Owner] {
				continue
			}
			ref.Owner = self
			if err := m.registry.Update(u, ref); err != nil {
				return err
			}
			adopted = append(adopted, ref)
		}

		// Записи мёртвых узлов больше не нужны
		for _, inst := range instances {
			if !alive[inst.ID] {
				if err := m.registry.Forget(ctx, u, inst.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, ref := range adopted {
		m.logger.Info("adopted orphaned job",
			"job", ref.ID,
			"type", ref.Type,
			"task", ref.TaskName,
		)
		m.Schedule(ref)
	}
	return len(adopted), nil
}

// touchLoop периодически обновляет запись узла.
func (m *Manager) touchLoop(ctx context.Context) {
	ticker := m.clock.Ticker(m.touchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Touch(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("failed to refresh instance lease", "error", err)
			}
		}
	}
}
