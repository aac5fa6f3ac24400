package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/metrics"
	"github.com/JakeFAU/convertwatch/internal/progress"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// IDGenerator supplies X-Request-ID values.
type IDGenerator interface {
	NewID() (string, error)
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	IDs        IDGenerator
}

// Client talks to the conversion server. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
	ids    IDGenerator
}

// NewClient validates the base URL and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, http: hc, logger: logger, ids: cfg.IDs}, nil
}

// BaseURL returns the normalised server root.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// GetProgress fetches the current snapshot for jobID. A body without job_id is
// attributed to the requested job. The returned snapshot has been validated.
func (c *Client) GetProgress(ctx context.Context, jobID string) (progress.JobProgress, error) {
	var out progress.JobProgress
	if err := c.do(ctx, "progress", http.MethodGet, "/api/progress/"+url.PathEscape(jobID), nil, &out); err != nil {
		return progress.JobProgress{}, err
	}
	if out.JobID == "" {
		out.JobID = jobID
	}
	if err := out.Validate(); err != nil {
		return progress.JobProgress{}, fmt.Errorf("invalid progress for %s: %w", jobID, err)
	}
	return out, nil
}

// RetryJob asks the server to resume a failed job.
func (c *Client) RetryJob(ctx context.Context, jobID string) error {
	return c.command(ctx, "retry", jobID, "/api/retry/"+url.PathEscape(jobID), nil)
}

// StartConversion triggers the initial conversion of an uploaded job.
func (c *Client) StartConversion(ctx context.Context, jobID string) error {
	return c.command(ctx, "convert", jobID, "/api/convert", map[string]string{"job_id": jobID})
}

type commandResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) command(ctx context.Context, op, jobID, path string, body any) error {
	var resp commandResponse
	if err := c.do(ctx, op, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &RejectedError{Op: op, JobID: jobID, Reason: resp.Error}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	reqID := c.requestID()
	if reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveAPIRequest(op, 0, time.Since(start))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	metrics.ObserveAPIRequest(op, resp.StatusCode, time.Since(start))
	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", reqID),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: errorText(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) requestID() string {
	if c.ids == nil {
		return ""
	}
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Warn("request id generation failed", zap.Error(err))
		return ""
	}
	return id
}

func errorText(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

// Transient reports whether err is likely to clear on the next poll:
// transport failures, decode failures, 408, 429 and 5xx responses. Other
// status errors, rejected commands and cancellation are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code >= http.StatusInternalServerError,
			status.Code == http.StatusTooManyRequests,
			status.Code == http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}
	return !errors.Is(err, context.Canceled)
}

// Status returns the HTTP status code carried by err, or zero when the
// request never produced a response.
func Status(err error) int {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code
	}
	return 0
}
