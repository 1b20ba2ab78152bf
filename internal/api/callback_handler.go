package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/telemetry"
)

// AcceptCallback — положительный callback удалённой системы.
// POST /api/v1/tasks/{name}/accept?rollback=...&error_option=...
func (h *Handler) AcceptCallback(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, true)
}

// FailCallback — отрицательный callback удалённой системы.
// POST /api/v1/tasks/{name}/fail?rollback=...&error_option=...
func (h *Handler) FailCallback(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, false)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, positive bool) {
	name := r.PathValue("name")

	opt, err := errorOption(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	rollback, err := rollbackFlag(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	resp, err := decodeResponse(r)
	if err != nil {
		BadRequest(w, "invalid callback body")
		return
	}

	ctx := r.Context()
	if positive {
		err = h.ctrl.Accept(ctx, name, resp, domain.OriginRemoteEntity, rollback)
	} else {
		err = h.ctrl.Fail(ctx, name, resp, domain.OriginRemoteEntity, rollback)
	}

	if errors.Is(err, domain.ErrTaskMissing) && opt == domain.ErrorOptionIgnore {
		telemetry.WithTask(h.logger, name).Debug("callback for missing task ignored")
		NoContent(w)
		return
	}
	if HandleError(w, h.logger, err) {
		return
	}

	telemetry.WithTask(h.logger, name).Debug("callback processed",
		"positive", positive,
		"rollback", rollback,
	)
	NoContent(w)
}

// BeatCallback — heartbeat удалённой системы.
// POST /api/v1/tasks/{name}/beat?error_option=...
func (h *Handler) BeatCallback(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	opt, err := errorOption(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	resp, err := decodeResponse(r)
	if err != nil {
		BadRequest(w, "invalid callback body")
		return
	}

	err = h.ctrl.Beat(r.Context(), name, resp, time.Time{})
	if errors.Is(err, domain.ErrTaskMissing) && opt == domain.ErrorOptionIgnore {
		NoContent(w)
		return
	}
	if HandleError(w, h.logger, err) {
		return
	}
	NoContent(w)
}

// decodeResponse читает тело callback. Пустое тело допустимо.
func decodeResponse(r *http.Request) (domain.Response, error) {
	var resp domain.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil && !errors.Is(err, io.EOF) {
		return resp, err
	}
	return resp, nil
}

func rollbackFlag(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("rollback")
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New("rollback must be a boolean")
	}
	return v, nil
}
