package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shaiso/rex/internal/domain"
)

// DefaultQueue — имя очереди по умолчанию в пути запроса.
const DefaultQueue = "$default"

// Graph DTOs

// SubmitGraphResponse — ответ на установку графа.
type SubmitGraphResponse struct {
	Tasks []*domain.Task `json:"tasks"`
}

// Task DTOs

// SetModeRequest — запрос на смену режима task.
type SetModeRequest struct {
	Mode domain.Mode `json:"mode"`

	// Poke — сразу проверить очередь task.
	Poke bool `json:"poke,omitempty"`
}

// DisposeRequest — запрос на пометку task как disposable.
type DisposeRequest struct {
	// Clean — сразу запустить очистку.
	Clean bool `json:"clean,omitempty"`
}

// Queue DTOs

// ConcurrencyRequest — запрос на изменение лимита очереди.
type ConcurrencyRequest struct {
	Maximum *int `json:"maximum"`
}

// QueueResponse — счётчики очереди.
type QueueResponse struct {
	Queue   string `json:"queue"`
	Maximum int    `json:"maximum"`
	Running int    `json:"running"`
}

// Maintenance DTOs

// CleanResponse — результат очистки.
type CleanResponse struct {
	Deleted int `json:"deleted"`
}

// queueFromPath возвращает имя очереди из пути.
func queueFromPath(r *http.Request) string {
	q := r.PathValue("queue")
	if q == DefaultQueue {
		return ""
	}
	return q
}

// filterFromQuery разбирает фильтр tasks из query параметров:
// state (повторяемый или через запятую), queue, correlation_id.
func filterFromQuery(r *http.Request) (domain.TaskFilter, error) {
	query := r.URL.Query()
	filter := domain.TaskFilter{CorrelationID: query.Get("correlation_id")}

	for _, raw := range query["state"] {
		for _, s := range strings.Split(raw, ",") {
			state := domain.State(strings.ToUpper(strings.TrimSpace(s)))
			if !state.IsValid() {
				return filter, fmt.Errorf("unknown state %q", s)
			}
			filter.States = append(filter.States, state)
		}
	}

	if query.Has("queue") {
		q := query.Get("queue")
		if q == DefaultQueue {
			q = ""
		}
		filter.Queue = &q
	}
	return filter, nil
}

// errorOption разбирает error_option (по умолчанию PASS_ERROR).
func errorOption(r *http.Request) (domain.ErrorOption, error) {
	raw := r.URL.Query().Get("error_option")
	if raw == "" {
		return domain.ErrorOptionPassError, nil
	}
	opt := domain.ErrorOption(strings.ToUpper(raw))
	switch opt {
	case domain.ErrorOptionIgnore, domain.ErrorOptionPassError:
		return opt, nil
	}
	return "", errors.New("error_option must be IGNORE or PASS_ERROR")
}
