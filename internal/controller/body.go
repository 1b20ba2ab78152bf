package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/txn"
)

// Действия callback API.
const (
	CallbackAccept = "accept"
	CallbackFail   = "fail"
	CallbackBeat   = "beat"
)

// remoteRequestBody — тело запроса к удалённой системе.
type remoteRequestBody struct {
	Payload           json.RawMessage            `json:"payload,omitempty"`
	PositiveCallback  string                     `json:"positiveCallback"`
	NegativeCallback  string                     `json:"negativeCallback"`
	HeartbeatCallback string                     `json:"heartbeatCallback,omitempty"`
	DependencyResults map[string]json.RawMessage `json:"dependencyResults,omitempty"`
}

// notificationBody — тело уведомления вызывающего о переходе.
type notificationBody struct {
	Task        *domain.Task `json:"task"`
	BeforeState domain.State `json:"beforeState"`
	AfterState  domain.State `json:"afterState"`
}

// CallbackURL возвращает адрес callback для task.
func CallbackURL(base, task, action string, rollback bool) string {
	u := strings.TrimRight(base, "/") + "/api/v1/tasks/" + url.PathEscape(task) + "/" + action
	if rollback {
		u += "?rollback=true"
	}
	return u
}

// remoteBody собирает тело запроса остановки или отката.
func (c *Controller) remoteBody(task *domain.Task, req *domain.Request, rollback bool) (json.RawMessage, error) {
	body := remoteRequestBody{
		PositiveCallback: CallbackURL(c.callbackBaseURL, task.Name, CallbackAccept, rollback),
		NegativeCallback: CallbackURL(c.callbackBaseURL, task.Name, CallbackFail, rollback),
	}
	if req != nil {
		body.Payload = req.Payload
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body for %s: %w", task.Name, err)
	}
	return data, nil
}

// startBody собирает тело запроса старта.
func (c *Controller) startBody(ctx context.Context, u *txn.Unit, task *domain.Task) (json.RawMessage, error) {
	body := remoteRequestBody{
		PositiveCallback: CallbackURL(c.callbackBaseURL, task.Name, CallbackAccept, false),
		NegativeCallback: CallbackURL(c.callbackBaseURL, task.Name, CallbackFail, false),
	}
	if task.RemoteStart != nil {
		body.Payload = task.RemoteStart.Payload
	}
	if task.Configuration.Heartbeat {
		body.HeartbeatCallback = CallbackURL(c.callbackBaseURL, task.Name, CallbackBeat, false)
	}

	if task.Configuration.PassResultsOfDependencies && len(task.Dependencies) > 0 {
		body.DependencyResults = make(map[string]json.RawMessage, len(task.Dependencies))
		for _, name := range task.Dependencies {
			dep, err := u.Task(ctx, name)
			if errors.Is(err, domain.ErrTaskMissing) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if result := dep.LastPositiveBody(); result != nil {
				body.DependencyResults[name] = result
			}
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode start body for %s: %w", task.Name, err)
	}
	return data, nil
}
