package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/rex/internal/telemetry"
)

// GetConcurrency возвращает счётчики очереди.
// GET /api/v1/queues/{queue}/concurrency
func (h *Handler) GetConcurrency(w http.ResponseWriter, r *http.Request) {
	h.writeCounters(w, r, queueFromPath(r))
}

// SetConcurrency задаёт лимит параллелизма очереди.
// PUT /api/v1/queues/{queue}/concurrency
func (h *Handler) SetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req ConcurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Maximum == nil || *req.Maximum < 0 {
		BadRequest(w, "maximum must be a non-negative number")
		return
	}

	q := queueFromPath(r)
	if HandleError(w, h.logger, h.ctrl.SetMaximumConcurrency(r.Context(), q, *req.Maximum)) {
		return
	}
	telemetry.WithQueue(h.logger, q).Info("queue concurrency changed", "maximum", *req.Maximum)
	h.writeCounters(w, r, q)
}

// GetRunning возвращает количество запущенных tasks очереди.
// GET /api/v1/queues/{queue}/running
func (h *Handler) GetRunning(w http.ResponseWriter, r *http.Request) {
	h.writeCounters(w, r, queueFromPath(r))
}

// PokeQueue проверяет очередь и допускает ENQUEUED tasks.
// POST /api/v1/queues/{queue}/poke
func (h *Handler) PokeQueue(w http.ResponseWriter, r *http.Request) {
	q := queueFromPath(r)
	if HandleError(w, h.logger, h.ctrl.Poke(r.Context(), q)) {
		return
	}
	h.writeCounters(w, r, q)
}

// SyncCounters пересчитывает счётчики running всех очередей.
// POST /api/v1/queues/sync
func (h *Handler) SyncCounters(w http.ResponseWriter, r *http.Request) {
	if HandleError(w, h.logger, h.ctrl.SynchronizeRunningCounter(r.Context())) {
		return
	}
	NoContent(w)
}

func (h *Handler) writeCounters(w http.ResponseWriter, r *http.Request, q string) {
	counters, err := h.ctrl.QueueCounters(r.Context(), q)
	if HandleError(w, h.logger, err) {
		return
	}

	name := q
	if name == "" {
		name = DefaultQueue
	}
	Success(w, QueueResponse{
		Queue:   name,
		Maximum: counters.Maximum,
		Running: counters.Running,
	})
}
