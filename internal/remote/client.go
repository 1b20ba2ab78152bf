// Package remote выполняет HTTP-запросы к удалённым системам:
// старт, остановку, откат и уведомление вызывающего.
//
// Временные ошибки (425 Too Early, 5xx, сетевые) повторяются с
// экспоненциальной задержкой. Остальные 4xx сразу считаются отказом.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxAttempts     = 5
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
	defaultIdleTimeout     = 30 * time.Second

	maxResponseBody = 1 << 20
)

// Виды вызовов (метка метрики).
const (
	KindStart    = "start"
	KindCancel   = "cancel"
	KindRollback = "rollback"
	KindNotify   = "notify"
)

// Ошибки удалённого вызова.
var (
	// ErrRejected — удалённая система ответила 4xx, повтор бесполезен.
	ErrRejected = errors.New("remote rejected request")

	// ErrNoRequest — у task нет запроса для этого вызова.
	ErrNoRequest = errors.New("no remote request configured")
)

// Call — один вызов удалённой системы.
type Call struct {
	Kind    string
	Task    string
	Request *domain.Request

	// Body — тело запроса. Если пусто, отправляется Request.Payload.
	Body json.RawMessage
}

// Result — ответ удалённой системы.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// Caller выполняет удалённые вызовы.
type Caller interface {
	Call(ctx context.Context, call Call) (*Result, error)
}

// Client — Caller поверх net/http с повтором временных ошибок.
type Client struct {
	http   *http.Client
	policy Config
	logger *slog.Logger
}

// Config — конфигурация Client.
type Config struct {
	// HTTPClient — транспорт (default: новый http.Client с IdleTimeout).
	HTTPClient *http.Client

	// MaxAttempts — сколько раз пытаться выполнить вызов (default: 5).
	MaxAttempts int

	// InitialInterval и MaxInterval — границы задержки между попытками.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// IdleTimeout — таймаут одной попытки (default: 30s).
	IdleTimeout time.Duration

	Logger *slog.Logger
}

// NewClient создаёт Client.
func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		http:   cfg.HTTPClient,
		policy: cfg,
		logger: cfg.Logger,
	}
}

// Call выполняет вызов, повторяя временные ошибки.
// Ошибка после всех попыток оборачивает domain.ErrRemoteCall.
func (c *Client) Call(ctx context.Context, call Call) (*Result, error) {
	if call.Request == nil || call.Request.URI == "" {
		return nil, fmt.Errorf("%w: %w: %s for task %s", domain.ErrRemoteCall, ErrNoRequest, call.Kind, call.Task)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.MaxInterval = c.policy.MaxInterval
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), ctx)

	var result *Result
	err := backoff.RetryNotify(func() error {
		var err error
		result, err = c.do(ctx, call)
		return err
	}, bo, func(err error, delay time.Duration) {
		c.logger.Debug("remote call failed, retrying",
			"task", call.Task,
			"kind", call.Kind,
			"delay", delay,
			"error", err,
		)
	})

	if err != nil {
		telemetry.RemoteCalls.WithLabelValues(call.Kind, "failed").Inc()
		return result, fmt.Errorf("%w: %s %s: %w", domain.ErrRemoteCall, call.Kind, call.Request.URI, err)
	}
	telemetry.RemoteCalls.WithLabelValues(call.Kind, "ok").Inc()
	return result, nil
}

// do выполняет одну попытку. Постоянные ошибки обёрнуты в backoff.Permanent.
func (c *Client) do(ctx context.Context, call Call) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.policy.IdleTimeout)
	defer cancel()

	body := call.Body
	if len(body) == 0 {
		body = call.Request.Payload
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, call.Request.HTTPMethod(), call.Request.URI, bodyReader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	for key, val := range call.Request.Headers {
		req.Header.Set(key, val)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result := &Result{StatusCode: resp.StatusCode}
	if json.Valid(respBody) {
		result.Body = respBody
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result, nil
	case resp.StatusCode == http.StatusTooEarly || resp.StatusCode >= 500:
		return result, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	default:
		return result, backoff.Permanent(fmt.Errorf("%w: HTTP %d: %s",
			ErrRejected, resp.StatusCode, truncate(string(respBody), 200)))
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
