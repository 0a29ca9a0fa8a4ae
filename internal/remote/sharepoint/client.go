// Package sharepoint implements remote.DocumentStore over the SharePoint REST
// API. Group collections are document libraries looked up by title and
// sub-collections are document sets inside them.
package sharepoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/docmigrate/internal/remote"
	"github.com/BadgerOps/docmigrate/internal/safety"
)

const (
	acceptHeader     = "application/json;odata=nometadata"
	maxResponseBytes = 16 << 20
)

// Options configures a Client.
type Options struct {
	SiteURL    string // e.g. https://contoso.sharepoint.com/sites/wells
	Token      string // pre-issued bearer token
	Timeout    time.Duration
	MaxRetries int // retries after the first attempt; 0 disables retrying
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one SharePoint site.
type Client struct {
	base       string
	sitePath   string
	token      string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger
	userAgent  string
}

var _ remote.DocumentStore = (*Client)(nil)

// New creates a client for the site in opts.
func New(opts Options) (*Client, error) {
	u, err := safety.ValidateSiteURL(opts.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("sharepoint site url: %w", err)
	}
	if opts.Token == "" {
		return nil, errors.New("sharepoint token is required")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(opts.Timeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sitePath := strings.TrimRight(u.Path, "/")
	u.Path = sitePath
	u.RawQuery = ""
	u.Fragment = ""

	return &Client{
		base:       u.String(),
		sitePath:   sitePath,
		token:      opts.Token,
		httpClient: httpClient,
		maxRetries: opts.MaxRetries,
		retryBase:  time.Second,
		logger:     logger,
		userAgent:  "docmigrate/1.0",
	}, nil
}

// HTTPError represents a non-2xx SharePoint response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sharepoint %s %s: http error %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sharepoint %s %s: http error %d: %s", e.Method, e.Path, e.StatusCode, e.Status)
}

// Is reports 404 responses as remote.ErrNotFound.
func (e *HTTPError) Is(target error) bool {
	return target == remote.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// request describes one REST call. Params are OData parameter aliases and
// query options, appended in order without re-encoding their names.
type request struct {
	method      string
	path        string
	params      [][2]string
	headers     map[string]string
	body        []byte
	contentType string
}

func (r *request) param(name, value string) *request {
	r.params = append(r.params, [2]string{name, value})
	return r
}

func (c *Client) url(r *request) string {
	var b strings.Builder
	b.WriteString(c.base)
	b.WriteString(r.path)
	for i, p := range r.params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(url.QueryEscape(p[1]), "+", "%20"))
	}
	return b.String()
}

// do performs a request with retries on transport errors, 429 and 5xx,
// decoding a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, r *request, out any) error {
	target := c.url(r)
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sharepoint request cancelled: %w", ctx.Err())
		default:
		}

		retryAfter, err := c.attempt(ctx, target, r, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if shouldNotRetry(err) || attempt > c.maxRetries {
			break
		}

		delay := c.backoffDelay(attempt, retryAfter)
		c.logger.Warn("sharepoint request failed, retrying",
			"method", r.method, "path", r.path, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("sharepoint request cancelled during retry: %w", ctx.Err())
		}
	}

	return lastErr
}

func (c *Client) attempt(ctx context.Context, target string, r *request, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, target, bytes.NewReader(r.body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("client-request-id", uuid.NewString())
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{
			Method:     r.method,
			Path:       r.path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
		httpErr.Code, httpErr.Message = parseError(payload)
		return resp.Header.Get("Retry-After"), httpErr
	}

	if out == nil || len(payload) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", r.path, err)
	}
	return "", nil
}

// parseError extracts the OData error code and message.
func parseError(payload []byte) (string, string) {
	var body struct {
		Error struct {
			Code    string          `json:"code"`
			Message json.RawMessage `json:"message"`
		} `json:"odata.error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", ""
	}
	// The message is either a string or {"lang": ..., "value": ...}.
	var msg string
	if err := json.Unmarshal(body.Error.Message, &msg); err != nil {
		var wrapped struct {
			Value string `json:"value"`
		}
		_ = json.Unmarshal(body.Error.Message, &wrapped)
		msg = wrapped.Value
	}
	return body.Error.Code, msg
}

// backoffDelay honours Retry-After seconds, otherwise exponential backoff
// with jitter up to half the delay.
func (c *Client) backoffDelay(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * c.retryBase
	maxJitter := int64(exponentialDelay / 2)
	if maxJitter <= 0 {
		return exponentialDelay
	}
	return exponentialDelay + time.Duration(rand.Int63n(maxJitter))
}

// shouldNotRetry returns true for 4xx responses other than 429.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

// odataString quotes s as an OData string literal.
func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// serverRelative maps a store path ("/Group/key/file") to a site
// server-relative URL.
func (c *Client) serverRelative(p string) string {
	return c.sitePath + p
}

// int64String decodes Edm.Int64 values, which SharePoint serialises as
// JSON strings.
type int64String int64

func (n *int64String) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid Int64 %s: %w", b, err)
	}
	*n = int64String(v)
	return nil
}
