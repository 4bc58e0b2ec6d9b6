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
)

const (
	// DefaultTimeout bounds every backend round trip.
	DefaultTimeout = 90 * time.Second
	userAgent      = "secinv"
	maxErrorBody   = 4 << 10
)

var (
	// ErrConfigurationMissing is returned when the base URL or credential is absent.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrBackendRequestFailed matches every failed backend call.
	ErrBackendRequestFailed = errors.New("backend request failed")
)

// Config is loaded once at startup and never changes afterwards.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Version string
}

type Client struct {
	baseURL   string
	token     string
	userAgent string
	http      *http.Client
}

// RequestError carries the status (zero for transport failures), the request path
// and the underlying cause of a failed backend call.
type RequestError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", ErrBackendRequestFailed.Error(), e.Method, e.Path)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func (e *RequestError) Is(target error) bool {
	return target == ErrBackendRequestFailed
}

func New(cfg Config) (*Client, error) {
	normalized := normalizeBaseURL(cfg.BaseURL)
	if normalized == "" {
		return nil, fmt.Errorf("%w: base URL", ErrConfigurationMissing)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: bearer token", ErrConfigurationMissing)
	}

	parsed, err := url.ParseRequestURI(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL: unsupported scheme %q", parsed.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	agent := userAgent
	if cfg.Version != "" {
		agent += "/" + cfg.Version
	}

	return &Client{
		baseURL:   normalized,
		token:     strings.TrimSpace(cfg.Token),
		userAgent: agent,
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// BaseURL returns the normalized backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Get(ctx context.Context, path string, params map[string]any) (any, error) {
	return c.Call(ctx, path, params, http.MethodGet)
}

func (c *Client) Post(ctx context.Context, path string, payload map[string]any) (any, error) {
	return c.Call(ctx, path, payload, http.MethodPost)
}

// Call performs exactly one round trip. For GET the payload becomes query
// parameters; for POST it becomes the JSON body, defaulting to {}.
func (c *Client) Call(ctx context.Context, path string, payload map[string]any, method string) (any, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	relative := strings.TrimLeft(path, "/")

	fail := func(status int, body string, err error) (any, error) {
		return nil, &RequestError{StatusCode: status, Method: method, Path: relative, Body: body, Err: err}
	}

	fullURL, err := c.resolve(relative)
	if err != nil {
		return fail(0, "", err)
	}

	var body io.Reader
	switch method {
	case http.MethodGet:
		if len(payload) > 0 {
			query := fullURL.Query()
			for key, value := range payload {
				addQueryValue(query, key, value)
			}
			fullURL.RawQuery = query.Encode()
		}
	case http.MethodPost:
		if payload == nil {
			payload = map[string]any{}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fail(0, "", fmt.Errorf("encode payload: %w", err))
		}
		body = bytes.NewReader(encoded)
	default:
		return fail(0, "", fmt.Errorf("unsupported method %q", method))
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), body)
	if err != nil {
		return fail(0, "", fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, "", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, "", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, truncate(strings.TrimSpace(string(responseBody))), fmt.Errorf("unexpected status %s", resp.Status))
	}

	result, err := decodeJSON(responseBody)
	if err != nil {
		return fail(resp.StatusCode, "", err)
	}
	return result, nil
}

func (c *Client) resolve(relative string) (*url.URL, error) {
	parsed, err := url.Parse(c.baseURL + "/" + relative)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	return parsed, nil
}

func decodeJSON(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var out any
	if err := decoder.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("decode response: empty body")
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode response: trailing data after JSON value")
	}
	return out, nil
}

func addQueryValue(query url.Values, key string, value any) {
	switch v := value.(type) {
	case nil:
		return
	case string:
		query.Add(key, v)
	case []string:
		for _, item := range v {
			query.Add(key, item)
		}
	case []any:
		for _, item := range v {
			addQueryValue(query, key, item)
		}
	case json.Number:
		query.Add(key, v.String())
	default:
		query.Add(key, fmt.Sprint(v))
	}
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}

	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}

	return strings.TrimRight(baseURL, "/")
}

func truncate(body string) string {
	if len(body) <= maxErrorBody {
		return body
	}
	return body[:maxErrorBody] + "..."
}
