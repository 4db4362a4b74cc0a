package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
)

// ErrUnauthorized is returned for 401/403 responses. It is never retried.
var ErrUnauthorized = errors.New("platform: unauthorized")

// APIError is a non-2xx response or an envelope with success=false.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("platform API error: %s", e.Message)
	}
	return fmt.Sprintf("platform API error (status %d): %s", e.Status, e.Message)
}

// Client talks to the Moltbook REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger

	maxTries       uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetry sets the attempt count and first backoff interval.
func WithRetry(maxTries int, initial time.Duration) ClientOption {
	return func(c *Client) {
		if maxTries > 0 {
			c.maxTries = uint(maxTries)
		}
		if initial > 0 {
			c.initialBackoff = initial
		}
	}
}

func NewClient(baseURL, apiKey string, options ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:         log.Default(),
		maxTries:       3,
		initialBackoff: 10 * time.Second,
		maxBackoff:     2 * time.Minute,
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.WithPrefix("platform")
	return c
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out *envelope) error {
	return c.retry(ctx, http.MethodGet, path, func() error {
		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		return c.do(ctx, http.MethodGet, u, nil, out)
	})
}

func (c *Client) post(ctx context.Context, path string, body any, out *envelope) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	return c.retry(ctx, http.MethodPost, path, func() error {
		return c.do(ctx, http.MethodPost, c.baseURL+path, payload, out)
	})
}

func (c *Client) retry(ctx context.Context, method, path string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("request failed, retrying", "method", method, "path", path, "error", err, "next", next)
		}),
	)
	if err != nil {
		c.logger.Error("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// do performs one attempt and decodes the envelope into out.
func (c *Client) do(ctx context.Context, method, u string, payload []byte, out *envelope) error {
	data, status, err := c.send(ctx, method, u, payload)
	if err != nil || out == nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return unsuccessful(out.Success, out.Error, status)
}

// send performs one attempt and returns the body of a 2xx response. Errors
// that retrying cannot fix are wrapped with backoff.Permanent.
func (c *Client) send(ctx context.Context, method, u string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, backoff.Permanent(ctx.Err())
		}
		return nil, 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debug("response", "method", method, "url", u, "status", resp.StatusCode)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, resp.StatusCode, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message))
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return nil, resp.StatusCode, backoff.RetryAfter(secs)
			}
			return nil, resp.StatusCode, apiErr
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
			return nil, resp.StatusCode, apiErr
		default:
			return nil, resp.StatusCode, backoff.Permanent(apiErr)
		}
	}
	return data, resp.StatusCode, nil
}

// unsuccessful reports an envelope whose success flag is false.
func unsuccessful(success *bool, msg string, status int) error {
	if success == nil || *success {
		return nil
	}
	if msg == "" {
		msg = "request unsuccessful"
	}
	return backoff.Permanent(&APIError{Status: status, Message: msg})
}

// Call performs an arbitrary API request with the client's auth and retry
// policy and returns the response body. A POST without a body sends an
// empty JSON object.
func (c *Client) Call(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if method != http.MethodGet {
		if body == nil {
			body = struct{}{}
		}
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var out json.RawMessage
	err := c.retry(ctx, method, path, func() error {
		data, status, err := c.send(ctx, method, u, payload)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			data = []byte("{}")
		}
		if !json.Valid(data) {
			return backoff.Permanent(errors.New("decode response: body is not JSON"))
		}
		var env struct {
			Success *bool  `json:"success"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &env) == nil {
			if err := unsuccessful(env.Success, env.Error, status); err != nil {
				return err
			}
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func errorMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		if env.Hint != "" {
			return env.Error + " (" + env.Hint + ")"
		}
		return env.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// Me returns the authenticated agent.
func (c *Client) Me(ctx context.Context) (*Agent, error) {
	var env envelope
	if err := c.get(ctx, "/agents/me", nil, &env); err != nil {
		return nil, err
	}
	if env.Agent == nil {
		return nil, &APIError{Message: "agent missing from response"}
	}
	return env.Agent, nil
}

func (c *Client) SubmoltFeed(ctx context.Context, submolt string, limit int) ([]Post, error) {
	var env envelope
	params := url.Values{"sort": {"new"}, "limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/submolts/"+url.PathEscape(submolt)+"/feed", params, &env); err != nil {
		return nil, err
	}
	return env.Posts, nil
}

func (c *Client) Posts(ctx context.Context, limit int) ([]Post, error) {
	var env envelope
	params := url.Values{"sort": {"new"}, "limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/posts", params, &env); err != nil {
		return nil, err
	}
	return env.Posts, nil
}

func (c *Client) GetPost(ctx context.Context, postID string) (*Post, error) {
	var env envelope
	if err := c.get(ctx, "/posts/"+url.PathEscape(postID), nil, &env); err != nil {
		return nil, err
	}
	if env.Post == nil {
		return nil, &APIError{Message: "post missing from response"}
	}
	return env.Post, nil
}

func (c *Client) Comments(ctx context.Context, postID string, limit int) ([]Comment, error) {
	var env envelope
	params := url.Values{"sort": {"new"}, "limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/posts/"+url.PathEscape(postID)+"/comments", params, &env); err != nil {
		return nil, err
	}
	return env.Comments, nil
}

// search runs a full-text search. kind is "posts" or "comments".
func (c *Client) search(ctx context.Context, query, kind string, limit int) ([]searchItem, error) {
	var env envelope
	params := url.Values{"q": {query}, "type": {kind}, "limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/search", params, &env); err != nil {
		return nil, err
	}
	if len(env.Results) == 0 || string(env.Results) == "null" {
		return nil, nil
	}
	var items []searchItem
	if err := json.Unmarshal(env.Results, &items); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return items, nil
}

// CreateComment posts content on postID, threaded under parentID when set.
func (c *Client) CreateComment(ctx context.Context, postID, content, parentID string) error {
	body := map[string]string{"content": content}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var env envelope
	if err := c.post(ctx, "/posts/"+url.PathEscape(postID)+"/comments", body, &env); err != nil {
		return err
	}
	c.logger.Info("posted comment", "post", postID, "parent", parentID)
	return nil
}
