package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/rex/internal/controller"
	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/queue"
	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/txn"
)

type testAPI struct {
	t    *testing.T
	ctrl *controller.Controller
	mux  *http.ServeMux
}

// newTestAPI поднимает API поверх in-memory хранилища.
// Отложенные эффекты не выполняются.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := txn.NewRunner(txn.Config{
		Store:  store.NewMemory(),
		Sink:   txn.SinkFunc(func(context.Context, []txn.Effect) {}),
		Retry:  txn.RetryPolicy{MaxAttempts: 10, InitialInterval: time.Microsecond, MaxInterval: time.Millisecond},
		Logger: logger,
	})
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	ctrl := controller.New(controller.Config{
		Runner:          runner,
		Ledger:          queue.NewLedger(2, nil),
		Clock:           clk,
		CallbackBaseURL: "http://rex.test",
		Logger:          logger,
	})

	mux := http.NewServeMux()
	NewHandler(Config{Controller: ctrl, Logger: logger}).RegisterRoutes(mux)
	return &testAPI{t: t, ctrl: ctrl, mux: mux}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()

	var reader io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) ErrorCode {
	t.Helper()
	return decode[ErrorResponse](t, rec).Error.Code
}

func graph(names ...string) domain.CreateGraphRequest {
	req := domain.CreateGraphRequest{}
	for _, n := range names {
		req.Tasks = append(req.Tasks, domain.CreateTaskRequest{
			Name:        n,
			Mode:        domain.ModeActive,
			RemoteStart: &domain.Request{URI: "http://remote/" + n + "/start"},
		})
	}
	return req
}

func (a *testAPI) state(name string) domain.State {
	a.t.Helper()
	task, err := a.ctrl.Task(context.Background(), name)
	require.NoError(a.t, err)
	return task.State
}

// --- Graph Tests ---

func TestSubmitGraph(t *testing.T) {
	a := newTestAPI(t)

	req := graph("a", "b")
	req.Edges = []domain.Edge{{Source: "b", Target: "a"}}
	rec := a.do(http.MethodPost, "/api/v1/graphs", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[DataResponse](t, rec)
	require.NotNil(t, resp.Data)

	require.Equal(t, domain.StateEnqueued, a.state("a"))
	require.Equal(t, domain.StateWaiting, a.state("b"))
}

func TestSubmitGraph_Errors(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/v1/graphs", graph("a")).Code)

	cyclic := graph("x", "y")
	cyclic.Edges = []domain.Edge{{Source: "x", Target: "y"}, {Source: "y", Target: "x"}}

	noStart := graph("z")
	noStart.Tasks[0].RemoteStart = nil

	tests := []struct {
		name   string
		body   any
		status int
		code   ErrorCode
	}{
		{"malformed body", "{", http.StatusBadRequest, ErrCodeBadRequest},
		{"empty graph", domain.CreateGraphRequest{}, http.StatusBadRequest, ErrCodeBadRequest},
		{"cycle", cyclic, http.StatusBadRequest, ErrCodeCircular},
		{"missing remote start", noStart, http.StatusBadRequest, ErrCodeBadRequest},
		{"duplicate", graph("a"), http.StatusConflict, ErrCodeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/api/v1/graphs", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	// Граф с циклом не установлен целиком
	_, err := a.ctrl.Task(context.Background(), "x")
	require.ErrorIs(t, err, domain.ErrTaskMissing)
}

// --- Task Tests ---

func TestGetTask(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a"))

	rec := a.do(http.MethodGet, "/api/v1/tasks/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		Data domain.Task `json:"data"`
	}](t, rec)
	require.Equal(t, "a", resp.Data.Name)
	require.Equal(t, domain.StateEnqueued, resp.Data.State)

	rec = a.do(http.MethodGet, "/api/v1/tasks/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, ErrCodeNotFound, errorCode(t, rec))
}

func TestListTasks_Filters(t *testing.T) {
	a := newTestAPI(t)

	req := graph("a", "b", "c")
	req.Tasks[1].Queue = "io"
	req.Tasks[2].CorrelationID = "order-7"
	req.Tasks[2].Mode = domain.ModeIdle
	a.do(http.MethodPost, "/api/v1/graphs", req)

	type listResp struct {
		Data  []domain.Task `json:"data"`
		Total int           `json:"total"`
	}
	names := func(path string) []string {
		rec := a.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var result []string
		for _, task := range decode[listResp](t, rec).Data {
			result = append(result, task.Name)
		}
		return result
	}

	require.ElementsMatch(t, []string{"a", "b", "c"}, names("/api/v1/tasks"))
	require.ElementsMatch(t, []string{"a", "b"}, names("/api/v1/tasks?state=ENQUEUED"))
	require.ElementsMatch(t, []string{"a", "b", "c"}, names("/api/v1/tasks?state=enqueued,NEW"))
	require.ElementsMatch(t, []string{"b"}, names("/api/v1/tasks?queue=io"))
	require.ElementsMatch(t, []string{"a", "c"}, names("/api/v1/tasks?queue=$default"))
	require.ElementsMatch(t, []string{"c"}, names("/api/v1/tasks?correlation_id=order-7"))

	rec := a.do(http.MethodGet, "/api/v1/tasks?state=SLEEPING", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTask(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a"))

	rec := a.do(http.MethodPost, "/api/v1/tasks/a/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, domain.StateStopped, a.state("a"))

	// Повторная смена режима завершённого task — конфликт
	rec = a.do(http.MethodPost, "/api/v1/tasks/a/mode", SetModeRequest{Mode: domain.ModeActive})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetTaskMode(t *testing.T) {
	a := newTestAPI(t)
	req := graph("a")
	req.Tasks[0].Mode = domain.ModeIdle
	a.do(http.MethodPost, "/api/v1/graphs", req)
	require.Equal(t, domain.StateNew, a.state("a"))

	rec := a.do(http.MethodPost, "/api/v1/tasks/a/mode", `{"mode":"RUNNING"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/tasks/a/mode", SetModeRequest{Mode: domain.ModeActive, Poke: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, domain.StateEnqueued, a.state("a"))
}

func TestDeleteTask(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a"))

	rec := a.do(http.MethodDelete, "/api/v1/tasks/a", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	a.do(http.MethodPost, "/api/v1/tasks/a/cancel", nil)
	rec = a.do(http.MethodDelete, "/api/v1/tasks/a", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/tasks/a", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisposeAndClean(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a", "b"))
	a.do(http.MethodPost, "/api/v1/tasks/a/cancel", nil)

	rec := a.do(http.MethodPost, "/api/v1/tasks/a/dispose", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(http.MethodPost, "/api/v1/tasks/b/dispose", DisposeRequest{})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/clean", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Data CleanResponse `json:"data"`
	}](t, rec)
	// b ещё не завершён
	require.Equal(t, 1, resp.Data.Deleted)
}

func TestTriggerRollback(t *testing.T) {
	a := newTestAPI(t)
	req := graph("m")
	req.Tasks[0].RemoteRollback = &domain.Request{URI: "http://remote/m/rollback"}
	a.do(http.MethodPost, "/api/v1/graphs", req)
	require.NoError(t, a.ctrl.Poke(context.Background(), ""))
	a.do(http.MethodPost, "/api/v1/tasks/m/accept", nil)
	require.Equal(t, domain.StateSuccessful, a.state("m"))

	rec := a.do(http.MethodPost, "/api/v1/tasks/m/rollback", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.True(t, a.state("m").IsRollback())

	// Откат уже идёт
	rec = a.do(http.MethodPost, "/api/v1/tasks/m/rollback", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/v1/tasks/absent/rollback", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearAll(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a", "b"))

	rec := a.do(http.MethodPost, "/api/v1/clear", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, 0, decode[ListResponse](t, rec).Total)
}

// --- Queue Tests ---

func TestQueueConcurrency(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodGet, "/api/v1/queues/$default/concurrency", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Data QueueResponse `json:"data"`
	}](t, rec).Data
	require.Equal(t, QueueResponse{Queue: DefaultQueue, Maximum: 2}, got)

	rec = a.do(http.MethodPut, "/api/v1/queues/io/concurrency", ConcurrencyRequest{Maximum: ptr(5)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[struct {
		Data QueueResponse `json:"data"`
	}](t, rec).Data
	require.Equal(t, QueueResponse{Queue: "io", Maximum: 5}, got)

	rec = a.do(http.MethodPut, "/api/v1/queues/io/concurrency", ConcurrencyRequest{Maximum: ptr(-1)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodPut, "/api/v1/queues/io/concurrency", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPokeAndRunning(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a", "b", "c"))

	rec := a.do(http.MethodPost, "/api/v1/queues/$default/poke", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/api/v1/queues/$default/running", nil)
	got := decode[struct {
		Data QueueResponse `json:"data"`
	}](t, rec).Data
	require.Equal(t, 2, got.Running)

	rec = a.do(http.MethodPost, "/api/v1/queues/sync", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

// --- Callback Tests ---

func TestCallbacks_StartAndFinish(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a"))
	require.NoError(t, a.ctrl.Poke(context.Background(), ""))
	require.Equal(t, domain.StateStarting, a.state("a"))

	// Удалённая система приняла запрос старта
	require.NoError(t, a.ctrl.Settle(context.Background(), "a", domain.StateStarting, true, domain.Response{}, domain.OriginRemoteEntity))
	require.Equal(t, domain.StateUp, a.state("a"))

	rec := a.do(http.MethodPost, "/api/v1/tasks/a/beat", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/v1/tasks/a/accept", `{"status":"done","response":{"rows":3}}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	task, err := a.ctrl.Task(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccessful, task.State)
	require.JSONEq(t, `{"rows":3}`, string(task.LastPositiveBody()))

	// Heartbeat завершённого task — конфликт
	rec = a.do(http.MethodPost, "/api/v1/tasks/a/beat", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCallbacks_Fail(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a"))
	require.NoError(t, a.ctrl.Poke(context.Background(), ""))

	// Ответ на запрос старта ещё не пришёл, но выполнение уже завершилось ошибкой
	rec := a.do(http.MethodPost, "/api/v1/tasks/a/fail", `{"status":"boom"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	task, err := a.ctrl.Task(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, task.State)
	require.Equal(t, []domain.State{domain.StateNew, domain.StateEnqueued, domain.StateStarting, domain.StateUp, domain.StateFailed}, task.StateHistory())

	// Запоздалое подтверждение старта игнорируется
	require.NoError(t, a.ctrl.Settle(context.Background(), "a", domain.StateStarting, true, domain.Response{}, domain.OriginRemoteEntity))
	require.Equal(t, domain.StateFailed, a.state("a"))
}

func TestCallbacks_ErrorOption(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/api/v1/tasks/gone/accept", http.StatusNotFound},
		{"/api/v1/tasks/gone/accept?error_option=PASS_ERROR", http.StatusNotFound},
		{"/api/v1/tasks/gone/accept?error_option=IGNORE", http.StatusNoContent},
		{"/api/v1/tasks/gone/fail?error_option=ignore&rollback=true", http.StatusNoContent},
		{"/api/v1/tasks/gone/beat?error_option=IGNORE", http.StatusNoContent},
		{"/api/v1/tasks/gone/beat", http.StatusNotFound},
		{"/api/v1/tasks/gone/accept?error_option=SOMETIMES", http.StatusBadRequest},
		{"/api/v1/tasks/gone/accept?rollback=perhaps", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := a.do(http.MethodPost, tt.path, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestCallbacks_MalformedBody(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/v1/graphs", graph("a"))

	rec := a.do(http.MethodPost, "/api/v1/tasks/a/accept", `{"status":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Middleware Tests ---

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Chain(Recovery(logger), Metrics(), Logging(logger))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, ErrCodeInternalError, errorCode(t, rec))
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrap(rec)
	rw.WriteHeader(http.StatusTeapot)
	require.Equal(t, http.StatusTeapot, rw.status)
	require.Same(t, rw, wrap(rw))
}

func ptr[T any](v T) *T { return &v }
