package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultQueue — имя очереди по умолчанию в API.
const DefaultQueue = "$default"

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// ServerResponse — запись журнала ответов task.
type ServerResponse struct {
	State    string          `json:"state"`
	Positive bool            `json:"positive"`
	Body     json.RawMessage `json:"body,omitempty"`
	Origin   string          `json:"origin"`
	At       string          `json:"at"`
}

// TaskResponse — task из API.
type TaskResponse struct {
	Name            string           `json:"name"`
	Constraint      string           `json:"constraint,omitempty"`
	CorrelationID   string           `json:"correlation_id,omitempty"`
	Queue           string           `json:"queue,omitempty"`
	State           string           `json:"state"`
	Mode            string           `json:"mode"`
	StopFlag        string           `json:"stop_flag"`
	Dependencies    []string         `json:"dependencies,omitempty"`
	Dependants      []string         `json:"dependants,omitempty"`
	Unfinished      int              `json:"unfinished_dependencies"`
	MilestoneTask   string           `json:"milestone_task,omitempty"`
	Disposable      bool             `json:"disposable"`
	ServerResponses []ServerResponse `json:"server_responses,omitempty"`
	CreatedAt       string           `json:"created_at"`
}

// QueueResponse — счётчики очереди из API.
type QueueResponse struct {
	Queue   string `json:"queue"`
	Maximum int    `json:"maximum"`
	Running int    `json:"running"`
}

// CleanResponse — результат очистки.
type CleanResponse struct {
	Deleted int `json:"deleted"`
}

// --- Request types ---

// ListTasksOpts — параметры фильтрации tasks.
type ListTasksOpts struct {
	States        []string
	Queue         string
	CorrelationID string
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для rex API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Graphs ---

// SubmitGraph устанавливает граф. graph — JSON тела запроса.
func (c *Client) SubmitGraph(graph json.RawMessage) ([]TaskResponse, error) {
	var result struct {
		Tasks []TaskResponse `json:"tasks"`
	}
	err := c.post("/api/v1/graphs", graph, &result)
	return result.Tasks, err
}

// --- Tasks ---

// ListTasks возвращает tasks с фильтрацией.
func (c *Client) ListTasks(opts ListTasksOpts) ([]TaskResponse, error) {
	params := url.Values{}
	if len(opts.States) > 0 {
		params.Set("state", strings.Join(opts.States, ","))
	}
	if opts.Queue != "" {
		params.Set("queue", opts.Queue)
	}
	if opts.CorrelationID != "" {
		params.Set("correlation_id", opts.CorrelationID)
	}

	var tasks []TaskResponse
	err := c.list("/api/v1/tasks", params, &tasks)
	return tasks, err
}

// GetTask возвращает task по имени.
func (c *Client) GetTask(name string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.get(taskPath(name), &task)
	return &task, err
}

// CancelTask отменяет task.
func (c *Client) CancelTask(name string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.post(taskPath(name)+"/cancel", nil, &task)
	return &task, err
}

// SetMode меняет режим task.
func (c *Client) SetMode(name, mode string, poke bool) (*TaskResponse, error) {
	body := map[string]any{"mode": mode, "poke": poke}
	var task TaskResponse
	err := c.post(taskPath(name)+"/mode", body, &task)
	return &task, err
}

// TriggerRollback запускает откат от milestone.
func (c *Client) TriggerRollback(name string) error {
	return c.post(taskPath(name)+"/rollback", nil, nil)
}

// DeleteTask удаляет task.
func (c *Client) DeleteTask(name string) error {
	return c.delete(taskPath(name))
}

// DisposeTask помечает task как disposable.
func (c *Client) DisposeTask(name string, clean bool) error {
	body := map[string]bool{"clean": clean}
	return c.post(taskPath(name)+"/dispose", body, nil)
}

// --- Queues ---

// GetQueue возвращает счётчики очереди.
func (c *Client) GetQueue(queue string) (*QueueResponse, error) {
	var q QueueResponse
	err := c.get(queuePath(queue)+"/concurrency", &q)
	return &q, err
}

// SetConcurrency задаёт лимит очереди.
func (c *Client) SetConcurrency(queue string, maximum int) (*QueueResponse, error) {
	body := map[string]int{"maximum": maximum}
	var q QueueResponse
	err := c.put(queuePath(queue)+"/concurrency", body, &q)
	return &q, err
}

// GetRunning возвращает количество запущенных tasks очереди.
func (c *Client) GetRunning(queue string) (*QueueResponse, error) {
	var q QueueResponse
	err := c.get(queuePath(queue)+"/running", &q)
	return &q, err
}

// SyncCounters пересчитывает счётчики running.
func (c *Client) SyncCounters() error {
	return c.post("/api/v1/queues/sync", nil, nil)
}

// --- Maintenance ---

// Clean удаляет завершённые disposable tasks.
func (c *Client) Clean() (*CleanResponse, error) {
	var result CleanResponse
	err := c.post("/api/v1/clean", nil, &result)
	return &result, err
}

// ClearAll удаляет всё состояние.
func (c *Client) ClearAll() error {
	return c.post("/api/v1/clear", nil, nil)
}

func taskPath(name string) string {
	return "/api/v1/tasks/" + url.PathEscape(name)
}

func queuePath(queue string) string {
	if queue == "" {
		queue = DefaultQueue
	}
	return "/api/v1/queues/" + url.PathEscape(queue)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 202 Accepted, 204 No Content
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		bodyReader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
