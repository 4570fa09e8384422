package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api и domain, CLI не импортирует internal/*) ---

// ModuleResponse — конфигурация модуля из API.
type ModuleResponse struct {
	ModuleID    string `json:"module_id"`
	QueueName   string `json:"queue_name"`
	Enabled     bool   `json:"enabled"`
	Concurrency int    `json:"concurrency"`
	Attempts    int    `json:"attempts"`
	BackoffMs   int    `json:"backoff_ms"`
	Category    string `json:"category"`
	Schedule    string `json:"schedule,omitempty"`
	UseProxy    bool   `json:"use_proxy"`
	Description string `json:"description,omitempty"`
}

// RunResponse — запись журнала задачи.
type RunResponse struct {
	ID           string         `json:"id"`
	ModuleID     string         `json:"module_id"`
	QueueName    string         `json:"queue_name"`
	JobID        string         `json:"job_id"`
	State        string         `json:"state"`
	Progress     int            `json:"progress"`
	AttemptsMade int            `json:"attempts_made"`
	Payload      map[string]any `json:"payload,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ProxyID      string         `json:"proxy_id,omitempty"`
	OrderItemID  string         `json:"order_item_id,omitempty"`
	StartedAt    string         `json:"started_at,omitempty"`
	FinishedAt   string         `json:"finished_at,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// EnqueueResponse — результат постановки задачи.
type EnqueueResponse struct {
	JobID     string       `json:"job_id"`
	QueueName string       `json:"queue_name"`
	Run       *RunResponse `json:"run"`
	Created   bool         `json:"created"`
}

// QueueCounts — счётчики очереди.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// QueueResponse — состояние очереди.
type QueueResponse struct {
	Name    string      `json:"name"`
	Counts  QueueCounts `json:"counts"`
	Modules []string    `json:"modules"`
	Workers int         `json:"workers"`
}

// QueueStateResponse — ответ на pause/resume.
type QueueStateResponse struct {
	Queue  string `json:"queue"`
	Paused bool   `json:"paused"`
}

// JobResponse — задача очереди.
type JobResponse struct {
	ID           string            `json:"id"`
	Module       string            `json:"module"`
	Payload      map[string]any    `json:"payload"`
	Meta         map[string]string `json:"meta,omitempty"`
	Attempts     int               `json:"attempts"`
	AttemptsMade int               `json:"attempts_made"`
	FailedReason string            `json:"failed_reason,omitempty"`
	Result       any               `json:"result,omitempty"`
	CreatedAt    string            `json:"created_at"`
	ProcessedAt  string            `json:"processed_at,omitempty"`
	FinishedAt   string            `json:"finished_at,omitempty"`
}

// HealthReportResponse — итог проверки прокси.
type HealthReportResponse struct {
	Checked int               `json:"checked"`
	Online  int               `json:"online"`
	Offline int               `json:"offline"`
	Latency int               `json:"latency"`
	Nodes   map[string]string `json:"nodes"`
}

// --- Request types ---

// EnqueueRequest — параметры постановки задачи модуля.
type EnqueueRequest struct {
	Payload map[string]any    `json:"payload,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	JobID   string            `json:"job_id,omitempty"`
	DelayMs int64             `json:"delay_ms,omitempty"`
}

// ListJobsOpts — параметры фильтрации задач очереди.
type ListJobsOpts struct {
	Status string
	Limit  int
}

// ListRunsOpts — фильтр журнала задач.
type ListRunsOpts struct {
	Module      string
	Queue       string
	State       string
	OrderItemID string
	Limit       int
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

// Client — HTTP-клиент для операторского API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Modules ---

// ListModules возвращает конфигурации модулей.
func (c *Client) ListModules() ([]ModuleResponse, error) {
	var modules []ModuleResponse
	err := c.list("/api/v1/modules", nil, &modules)
	return modules, err
}

// SyncModules перечитывает конфигурации модулей на стороне API.
func (c *Client) SyncModules() ([]ModuleResponse, error) {
	var modules []ModuleResponse
	err := c.postList("/api/v1/modules/sync", &modules)
	return modules, err
}

// Enqueue ставит задачу модуля.
func (c *Client) Enqueue(moduleID string, req EnqueueRequest) (*EnqueueResponse, error) {
	var res EnqueueResponse
	err := c.post("/api/v1/modules/"+url.PathEscape(moduleID)+"/jobs", req, &res)
	return &res, err
}

// OrderAction ставит задачу модуля заказов для позиции (submit, cancel, payment-link).
func (c *Client) OrderAction(itemID, action string) (*EnqueueResponse, error) {
	var res EnqueueResponse
	err := c.post("/api/v1/order-items/"+url.PathEscape(itemID)+"/"+action, nil, &res)
	return &res, err
}

// --- Queues ---

// ListQueues возвращает состояние очередей.
func (c *Client) ListQueues() ([]QueueResponse, error) {
	var queues []QueueResponse
	err := c.list("/api/v1/queues", nil, &queues)
	return queues, err
}

// PauseQueue ставит очередь на паузу.
func (c *Client) PauseQueue(name string) (*QueueStateResponse, error) {
	var state QueueStateResponse
	err := c.post("/api/v1/queues/"+url.PathEscape(name)+"/pause", nil, &state)
	return &state, err
}

// ResumeQueue снимает очередь с паузы.
func (c *Client) ResumeQueue(name string) (*QueueStateResponse, error) {
	var state QueueStateResponse
	err := c.post("/api/v1/queues/"+url.PathEscape(name)+"/resume", nil, &state)
	return &state, err
}

// ListJobs возвращает задачи очереди.
func (c *Client) ListJobs(queueName string, opts ListJobsOpts) ([]JobResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var jobs []JobResponse
	err := c.list("/api/v1/queues/"+url.PathEscape(queueName)+"/jobs", params, &jobs)
	return jobs, err
}

// GetRun возвращает запись журнала для задачи.
func (c *Client) GetRun(queueName, jobID string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/queues/"+url.PathEscape(queueName)+"/jobs/"+url.PathEscape(jobID)+"/run", &run)
	return &run, err
}

// --- Runs ---

// ListRuns ищет записи журнала задач.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	for key, v := range map[string]string{
		"module":        opts.Module,
		"queue":         opts.Queue,
		"state":         opts.State,
		"order_item_id": opts.OrderItemID,
	} {
		if v != "" {
			params.Set(key, v)
		}
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// --- Proxies ---

// CheckProxies запускает проверку всех прокси.
func (c *Client) CheckProxies() (*HealthReportResponse, error) {
	var report HealthReportResponse
	err := c.post("/api/v1/proxies/health-check", nil, &report)
	return &report, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}
	return c.doList(http.MethodGet, path, result)
}

func (c *Client) postList(path string, result any) error {
	return c.doList(http.MethodPost, path, result)
}

func (c *Client) doList(method, path string, result any) error {
	resp, err := c.do(method, path, nil)
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

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
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
