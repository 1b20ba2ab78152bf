package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/telemetry"
)

// ListTasks возвращает tasks с фильтрацией.
// GET /api/v1/tasks?state=...&queue=...&correlation_id=...
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	tasks, err := h.ctrl.Tasks(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}
	List(w, tasks, len(tasks))
}

// GetTask возвращает task по имени.
// GET /api/v1/tasks/{name}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.ctrl.Task(r.Context(), r.PathValue("name"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, task)
}

// DeleteTask удаляет завершённый task без dependants.
// DELETE /api/v1/tasks/{name}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if HandleError(w, h.logger, h.ctrl.Delete(r.Context(), name)) {
		return
	}
	telemetry.WithTask(h.logger, name).Info("task deleted")
	NoContent(w)
}

// CancelTask переводит task в режим CANCEL.
// POST /api/v1/tasks/{name}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.applyMode(w, r, r.PathValue("name"), SetModeRequest{Mode: domain.ModeCancel})
}

// SetTaskMode меняет режим task.
// POST /api/v1/tasks/{name}/mode
func (h *Handler) SetTaskMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if !req.Mode.IsValid() {
		BadRequest(w, "mode must be IDLE, ACTIVE or CANCEL")
		return
	}
	h.applyMode(w, r, r.PathValue("name"), req)
}

func (h *Handler) applyMode(w http.ResponseWriter, r *http.Request, name string, req SetModeRequest) {
	ctx := r.Context()
	if HandleError(w, h.logger, h.ctrl.SetMode(ctx, name, req.Mode, req.Poke)) {
		return
	}

	task, err := h.ctrl.Task(ctx, name)
	if HandleError(w, h.logger, err) {
		return
	}
	telemetry.WithTask(h.logger, name).Info("task mode changed",
		"mode", req.Mode,
		"state", task.State,
	)
	Success(w, task)
}

// TriggerRollback запускает откат подграфа от milestone.
// POST /api/v1/tasks/{name}/rollback
func (h *Handler) TriggerRollback(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if HandleError(w, h.logger, h.ctrl.TriggerRollback(r.Context(), name)) {
		return
	}
	telemetry.WithTask(h.logger, name).Info("rollback triggered")
	w.WriteHeader(http.StatusAccepted)
}

// ResetTask возвращает откатившийся task в NEW.
// POST /api/v1/tasks/{name}/reset
func (h *Handler) ResetTask(w http.ResponseWriter, r *http.Request) {
	if HandleError(w, h.logger, h.ctrl.Reset(r.Context(), r.PathValue("name"))) {
		return
	}
	NoContent(w)
}

// DisposeTask помечает task как disposable.
// POST /api/v1/tasks/{name}/dispose
func (h *Handler) DisposeTask(w http.ResponseWriter, r *http.Request) {
	var req DisposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if HandleError(w, h.logger, h.ctrl.MarkForDisposal(r.Context(), r.PathValue("name"), req.Clean)) {
		return
	}
	NoContent(w)
}

// ClearConstraint освобождает constraint task.
// DELETE /api/v1/tasks/{name}/constraint
func (h *Handler) ClearConstraint(w http.ResponseWriter, r *http.Request) {
	if HandleError(w, h.logger, h.ctrl.ClearConstraint(r.Context(), r.PathValue("name"))) {
		return
	}
	NoContent(w)
}

// TryClean удаляет завершённые disposable tasks.
// POST /api/v1/clean
func (h *Handler) TryClean(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.ctrl.TryClean(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, CleanResponse{Deleted: deleted})
}

// ClearAll удаляет всё состояние.
// POST /api/v1/clear
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	if HandleError(w, h.logger, h.ctrl.ClearAll(r.Context())) {
		return
	}
	h.logger.Warn("state cleared")
	NoContent(w)
}
