package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/queue"
	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/txn"
)

// behaviour — поведение фиктивной удалённой системы на запрос.
type behaviour int

const (
	// succeed — запрос принят, затем положительный callback.
	succeed behaviour = iota
	// fail — запрос принят, затем отрицательный callback.
	fail
	// hang — запрос принят, callback не приходит.
	hang
	// reject — запрос не удался после всех повторов.
	reject
)

// harness — контроллер поверх in-memory хранилища и синхронного
// исполнителя эффектов. Удалённые вызовы обслуживает behave.
type harness struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	clock *clock.Mock
	ctrl  *Controller

	behave func(kind txn.Kind, task string) behaviour

	// callerDown — уведомления вызывающего не доставляются, их Then отбрасывается.
	callerDown bool

	mu      sync.Mutex
	pending []txn.Effect

	requests      []txn.Effect
	notifications []txn.Effect
	events        []domain.TransitionTime
	eventTasks    []string
	jobs          []domain.ClusteredJobReference
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store.NewMemory(),
		clock:  clock.NewMock(),
		behave: func(txn.Kind, string) behaviour { return succeed },
	}
	h.clock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	runner := txn.NewRunner(txn.Config{
		Store: h.store,
		Sink:  txn.SinkFunc(h.dispatch),
		Retry: txn.RetryPolicy{MaxAttempts: 100, InitialInterval: time.Microsecond, MaxInterval: time.Millisecond},
	})

	cfg := Config{
		Runner:          runner,
		Ledger:          queue.NewLedger(10, nil),
		Clock:           h.clock,
		CallbackBaseURL: "http://rex.test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.ctrl = New(cfg)
	return h
}

func (h *harness) dispatch(_ context.Context, effects []txn.Effect) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, effects...)
}

func (h *harness) pop() (txn.Effect, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		return txn.Effect{}, false
	}
	e := h.pending[0]
	h.pending = h.pending[1:]
	return e, true
}

// drain выполняет отложенные эффекты, пока они не закончатся.
func (h *harness) drain() {
	h.t.Helper()
	for {
		e, ok := h.pop()
		if !ok {
			return
		}
		require.NoError(h.t, h.execute(e), "effect %s for %s", e.Kind, e.Task)
	}
}

// drainExcept выполняет отложенные эффекты, кроме эффектов вида kind,
// и возвращает удержанные эффекты.
func (h *harness) drainExcept(kind txn.Kind) []txn.Effect {
	h.t.Helper()
	var held []txn.Effect
	for {
		e, ok := h.pop()
		if !ok {
			return held
		}
		if e.Kind == kind {
			held = append(held, e)
			continue
		}
		require.NoError(h.t, h.execute(e), "effect %s for %s", e.Kind, e.Task)
	}
}

func (h *harness) execute(e txn.Effect) error {
	c := h.ctrl
	switch e.Kind {
	case txn.KindNotifyDependant:
		return c.NotifyDependant(h.ctx, e.Task, e.Target, e.Outcome)
	case txn.KindPokeQueue:
		return c.Poke(h.ctx, e.Queue)
	case txn.KindStartRollback:
		return c.StartRollback(h.ctx, e.Task, e.Target)
	case txn.KindRollbackDependantDone:
		return c.RollbackDependantDone(h.ctx, e.Task)
	case txn.KindResetDependant:
		return c.ResetDependant(h.ctx, e.Task)
	case txn.KindCleanup:
		_, err := c.TryClean(h.ctx)
		return err
	case txn.KindClusterJob:
		h.jobs = append(h.jobs, *e.Job)
		return nil
	case txn.KindPublishEvent:
		h.events = append(h.events, *e.Transition)
		h.eventTasks = append(h.eventTasks, e.Task)
		return nil
	case txn.KindReleaseDependants:
		return c.ReleaseDependants(h.ctx, e.Task)
	case txn.KindNotifyCaller:
		h.notifications = append(h.notifications, e)
		if h.callerDown {
			return nil
		}
		h.mu.Lock()
		h.pending = append(h.pending, e.Then...)
		h.mu.Unlock()
		return nil
	case txn.KindStartRemote:
		return h.remote(e, domain.StateStarting, domain.StateUp, false)
	case txn.KindStopRemote:
		return h.remote(e, domain.StateStopRequested, domain.StateStopping, false)
	case txn.KindRollbackRemote:
		return h.remote(e, domain.StateRollbackRequested, domain.StateRollingBack, true)
	}
	return nil
}

// remote имитирует удалённую систему: ответ на запрос, затем callback.
func (h *harness) remote(e txn.Effect, expected, acknowledged domain.State, rollback bool) error {
	h.requests = append(h.requests, e)
	c := h.ctrl

	b := h.behave(e.Kind, e.Task)
	if b == reject {
		return c.Settle(h.ctx, e.Task, expected, false, domain.Response{}, domain.OriginInternalError)
	}
	if err := c.Settle(h.ctx, e.Task, expected, true, domain.Response{}, domain.OriginRemoteEntity); err != nil {
		return err
	}
	if b == hang {
		return nil
	}

	task, err := c.Task(h.ctx, e.Task)
	if isMissing(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.State != acknowledged {
		return nil
	}

	resp := domain.Response{Body: []byte(`{"task":"` + e.Task + `"}`)}
	if b == fail {
		return c.Fail(h.ctx, e.Task, resp, domain.OriginRemoteEntity, rollback)
	}
	return c.Accept(h.ctx, e.Task, resp, domain.OriginRemoteEntity, rollback)
}

// do выполняет операцию и все её эффекты.
func (h *harness) do(op func(ctx context.Context) error) {
	h.t.Helper()
	require.NoError(h.t, op(h.ctx))
	h.drain()
}

func (h *harness) install(req domain.CreateGraphRequest) []*domain.Task {
	h.t.Helper()
	var tasks []*domain.Task
	h.do(func(ctx context.Context) error {
		var err error
		tasks, err = h.ctrl.Install(ctx, req)
		return err
	})
	return tasks
}

func (h *harness) task(name string) *domain.Task {
	h.t.Helper()
	task, err := h.ctrl.Task(h.ctx, name)
	require.NoError(h.t, err)
	return task
}

func (h *harness) state(name string) domain.State {
	h.t.Helper()
	return h.task(name).State
}

func (h *harness) counters(queueName string) queue.Counters {
	h.t.Helper()
	c, err := h.ctrl.QueueCounters(h.ctx, queueName)
	require.NoError(h.t, err)
	return c
}

func (h *harness) requestsOf(kind txn.Kind) []txn.Effect {
	var result []txn.Effect
	for _, e := range h.requests {
		if e.Kind == kind {
			result = append(result, e)
		}
	}
	return result
}

// eventIndex возвращает позицию первого события task → state или -1.
func (h *harness) eventIndex(task string, state domain.State) int {
	for i, e := range h.events {
		if h.eventTasks[i] == task && e.After == state {
			return i
		}
	}
	return -1
}

func taskReq(name string, mode domain.Mode) domain.CreateTaskRequest {
	return domain.CreateTaskRequest{
		Name:        name,
		Mode:        mode,
		RemoteStart: &domain.Request{URI: "http://remote/" + name + "/start"},
	}
}

func edges(pairs ...string) []domain.Edge {
	result := make([]domain.Edge, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		result = append(result, domain.Edge{Source: pairs[i], Target: pairs[i+1]})
	}
	return result
}
