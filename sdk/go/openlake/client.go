// Package openlake provides a thin HTTP client for the OpenLake Chain REST API.
package openlake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenLake Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents the password grant used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	ID       string         `json:"id,omitempty"`
	Question string         `json:"question"`
	Tables   []string       `json:"tables,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Wait     bool           `json:"wait,omitempty"`
}

// TaskStep mirrors a single reasoning step of a finished task.
type TaskStep struct {
	Action      string `json:"action"`
	Input       string `json:"input"`
	Observation string `json:"observation"`
}

// TaskResult contains the outcome of a finished task.
type TaskResult struct {
	Thought      string     `json:"thought"`
	Reply        string     `json:"reply"`
	Steps        []TaskStep `json:"steps,omitempty"`
	Observations string     `json:"observations"`
}

// Task mirrors the server side task representation.
type Task struct {
	ID         string         `json:"id"`
	Question   string         `json:"question"`
	Tables     []string       `json:"tables,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Terminal reports whether the task reached a final state.
func (t Task) Terminal() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// TaskStats mirrors the aggregated counters endpoint.
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListFilter narrows the tasks returned by ListTasks.
type ListFilter struct {
	Statuses  []string
	Limit     int
	Offset    int
	HasResult *bool
	Query     string
}

func (f ListFilter) encode() string {
	values := url.Values{}
	if len(f.Statuses) > 0 {
		values.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.HasResult != nil {
		values.Set("has_result", strconv.FormatBool(*f.HasResult))
	}
	if f.Query != "" {
		values.Set("q", f.Query)
	}
	return values.Encode()
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("openlake api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenLake Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// SubmitTask creates a new task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created, true); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	if taskID == "" {
		return Task{}, errors.New("openlake: task id is required")
	}
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &detail, true); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (c *Client) ListTasks(ctx context.Context, filter ListFilter) ([]Task, error) {
	endpoint := "/api/v1/tasks"
	if query := filter.encode(); query != "" {
		endpoint += "?" + query
	}
	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks, true); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Stats returns aggregated task counters.
func (c *Client) Stats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	if err := c.get(ctx, "/api/v1/tasks/stats", &stats, true); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// WaitForTask polls until the task reaches a terminal state or ctx expires.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if detail.Terminal() {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	var query string
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		endpoint, query = endpoint[:idx], endpoint[idx+1:]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		// 认证被关闭的服务端会忽略该头，带上不会有副作用。
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
