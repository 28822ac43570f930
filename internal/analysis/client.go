// Package analysis is the client for the external stutter analysis service.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tiroq/fluentcap/internal/diaglog"
)

// Config configures the analysis service client.
type Config struct {
	BaseURL        string
	Token          string // optional, sent as Bearer
	TimeoutSeconds int    // per request; 0 means no timeout
	Retries        int    // GET retries on network errors and 5xx; 0 means 3, negative disables
}

// Client talks to the analysis service. Only idempotent GETs are retried;
// uploads and assignments are sent once.
type Client struct {
	diaglog.Holder

	cfg         Config
	rc          *resty.Client
	backoffBase time.Duration // default time.Second; tests override to 1ms
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config) *Client {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 3
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	if cfg.TimeoutSeconds > 0 {
		rc.SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)
	}
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}

	c := &Client{cfg: cfg, rc: rc, backoffBase: time.Second}
	c.SetComponent(diaglog.ComponentAnalysisClient)
	return c
}

// ListProviders returns every provider account.
func (c *Client) ListProviders(ctx context.Context) ([]Provider, error) {
	body, err := c.getOK(ctx, "list providers", "/slps", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Status string     `json:"status"`
		SLPs   []Provider `json:"slps"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &SchemaError{Field: "slps", Reason: err.Error()}
	}
	if parsed.Status != "success" {
		return nil, &SchemaError{Field: "status", Reason: fmt.Sprintf("got %q, want \"success\"", parsed.Status)}
	}
	return parsed.SLPs, nil
}

// AssignedProvider returns the provider bound to userID, or nil if none.
func (c *Client) AssignedProvider(ctx context.Context, userID string) (*Provider, error) {
	body, err := c.getOK(ctx, "assigned provider", "/my_slp/{userId}", map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		SLP *Provider `json:"slp"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &SchemaError{Field: "slp", Reason: err.Error()}
	}
	return parsed.SLP, nil
}

// AssignProvider binds a patient to a provider.
func (c *Client) AssignProvider(ctx context.Context, patientID, providerID string) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{"patient_id": patientID, "slp_id": providerID}).
		Post("/assign_slp")
	if err != nil {
		return &TransportError{Op: "assign provider", Err: err}
	}
	if !resp.IsSuccess() {
		return &HTTPError{Op: "assign provider", StatusCode: resp.StatusCode(), Body: truncate(resp.Body(), 200)}
	}
	return nil
}

// UploadRequest is the multipart submission of one artifact.
type UploadRequest struct {
	TaskID      string
	UserID      string
	UserDetails []byte // serialized JSON
	FileName    string
	MIMEType    string
	File        io.Reader
}

// Upload sends the artifact and its metadata as a single multipart request.
// Transport failures return *TransportError, non-2xx responses *HTTPError.
func (c *Client) Upload(ctx context.Context, req UploadRequest) error {
	start := time.Now()
	c.Log(diaglog.LogEntry{Event: diaglog.EventUploadStart, TaskID: req.TaskID,
		Payload: map[string]interface{}{"file": req.FileName, "mime": req.MIMEType}})

	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("taskId", req.TaskID).
		SetMultipartField("file", req.FileName, req.MIMEType, req.File).
		SetMultipartFormData(map[string]string{
			"task_id":      req.TaskID,
			"user_id":      req.UserID,
			"user_details": string(req.UserDetails),
		}).
		Post("/upload_audio/{taskId}")
	if err != nil {
		c.logUploadFailed(req.TaskID, "network", err)
		return &TransportError{Op: "upload", Err: err}
	}
	if !resp.IsSuccess() {
		herr := &HTTPError{Op: "upload", StatusCode: resp.StatusCode(), Body: truncate(resp.Body(), 200)}
		c.logUploadFailed(req.TaskID, "server", herr)
		return herr
	}

	c.Log(diaglog.LogEntry{Event: diaglog.EventUploadDone, TaskID: req.TaskID,
		Payload: map[string]interface{}{"status": resp.StatusCode(), "latency_ms": time.Since(start).Milliseconds()}})
	return nil
}

func (c *Client) logUploadFailed(taskID, reason string, err error) {
	c.Log(diaglog.LogEntry{Event: diaglog.EventUploadFailed, TaskID: taskID, Reason: reason,
		Payload: map[string]interface{}{"error": err.Error()}})
}

// TaskStatus returns the current status of a task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (Status, error) {
	body, err := c.getOK(ctx, "task status", "/task_status/{taskId}", map[string]string{"taskId": taskID})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &SchemaError{Field: "status", Reason: err.Error()}
	}
	if parsed.Status == nil {
		return "", &SchemaError{Field: "status", Reason: "missing"}
	}
	return ParseStatus(*parsed.Status)
}

// Result fetches the analysis payload of a completed task. While the task is
// still running the service answers 202 and Result returns ErrNotReady.
func (c *Client) Result(ctx context.Context, taskID string) (*Result, error) {
	resp, err := c.get(ctx, "get result", "/get_result/{taskId}", map[string]string{"taskId": taskID})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusAccepted {
		return nil, ErrNotReady
	}
	if !resp.IsSuccess() {
		return nil, &HTTPError{Op: "get result", StatusCode: resp.StatusCode(), Body: truncate(resp.Body(), 200)}
	}
	result, err := decodeResult(resp.Body())
	if err != nil {
		return nil, err
	}
	c.Log(diaglog.LogEntry{Event: diaglog.EventResultFetched, TaskID: taskID,
		Payload: map[string]interface{}{"fluency_score": result.FluencyScore, "events": len(result.Events)}})
	return result, nil
}

// ListTasks returns the tasks of every patient assigned to providerID.
func (c *Client) ListTasks(ctx context.Context, providerID string) ([]TaskSummary, error) {
	resp, err := c.getWithQuery(ctx, "list tasks", "/tasks", map[string]string{"slp_id": providerID})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &HTTPError{Op: "list tasks", StatusCode: resp.StatusCode(), Body: truncate(resp.Body(), 200)}
	}
	var parsed struct {
		Status string        `json:"status"`
		Tasks  []TaskSummary `json:"tasks"`
	}
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, &SchemaError{Field: "tasks", Reason: err.Error()}
	}
	if parsed.Status != "success" {
		return nil, &SchemaError{Field: "status", Reason: fmt.Sprintf("got %q, want \"success\"", parsed.Status)}
	}
	return parsed.Tasks, nil
}

// getOK is get plus a 2xx check.
func (c *Client) getOK(ctx context.Context, op, path string, params map[string]string) ([]byte, error) {
	resp, err := c.get(ctx, op, path, params)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode(), Body: truncate(resp.Body(), 200)}
	}
	return resp.Body(), nil
}

func (c *Client) get(ctx context.Context, op, path string, params map[string]string) (*resty.Response, error) {
	return c.do(ctx, op, func() (*resty.Response, error) {
		return c.rc.R().SetContext(ctx).SetPathParams(params).Get(path)
	})
}

func (c *Client) getWithQuery(ctx context.Context, op, path string, query map[string]string) (*resty.Response, error) {
	return c.do(ctx, op, func() (*resty.Response, error) {
		return c.rc.R().SetContext(ctx).SetQueryParams(query).Get(path)
	})
}

// do retries send on transport errors and 5xx responses with exponential
// backoff. The last 5xx response is returned to the caller as is.
func (c *Client) do(ctx context.Context, op string, send func() (*resty.Response, error)) (*resty.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.Log(diaglog.LogEntry{
				Event:   diaglog.EventRequestRetry,
				Reason:  lastErr.Error(),
				Payload: map[string]interface{}{"op": op, "attempt": attempt, "backoff_ms": backoff.Milliseconds()},
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := send()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &TransportError{Op: op, Err: err}
			continue
		}
		if resp.StatusCode() >= 500 {
			lastErr = &HTTPError{Op: op, StatusCode: resp.StatusCode(), Body: truncate(resp.Body(), 200)}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// backoff returns exponential backoff duration: base * 2^(attempt-1) + jitter.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.backoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	// Add jitter: up to 25% of delay.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// truncate returns at most maxLen bytes of b as a string.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
