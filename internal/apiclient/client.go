// Package apiclient talks to the embedded backend over local HTTP. Failures
// never surface as panics or transport exceptions: Do reports them in the
// Response, and the typed helpers return them as *Error values.
package apiclient

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

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// ErrorTypeUnreachable marks a request that never got an HTTP response.
const ErrorTypeUnreachable = "unreachable"

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a client for the backend at baseURL, e.g. http://127.0.0.1:4780.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend address.
func (c *Client) BaseURL() string { return c.baseURL }

// Request is the generic request shape.
type Request struct {
	Method       string
	Endpoint     string
	Query        url.Values
	Data         any
	RequiresAuth bool
}

// Response is the discriminated result of Do. When Success is false, Message
// and Error describe the failure and Status is the HTTP status, or 0 when the
// backend could not be reached.
type Response struct {
	Success bool            `json:"success"`
	Status  int             `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Err converts a failed Response into an *Error; it returns nil on success.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Status: r.Status, Type: r.Error, Message: r.Message}
}

// Decode unmarshals the payload into v.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Payload) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return &Error{Status: r.Status, Type: "decode_error", Message: err.Error()}
	}
	return nil
}

// Error is a failed API call.
type Error struct {
	Status  int
	Type    string
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("backend unreachable: %s", e.Message)
	}
	return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Type, e.Message)
}

// IsUnreachable reports whether err means the backend could not be reached,
// so the write is worth deferring.
func IsUnreachable(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == 0 && apiErr.Type == ErrorTypeUnreachable
}

// IsNotFound reports a 404 from the backend.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports a 409 from the backend.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, code int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == code
}

// Do sends req and always returns a Response.
func (c *Client) Do(ctx context.Context, req Request) Response {
	var bodyReader io.Reader
	if req.Data != nil {
		data, err := json.Marshal(req.Data)
		if err != nil {
			return Response{Error: "invalid_request", Message: fmt.Sprintf("marshalling request: %v", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	target := c.baseURL + req.Endpoint
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return Response{Error: "invalid_request", Message: err.Error()}
	}
	if req.RequiresAuth {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if req.Data != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{Error: ErrorTypeUnreachable, Message: fmt.Sprintf("is lensdesk running? (%v)", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Status: resp.StatusCode, Error: "read_error", Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		out := Response{Status: resp.StatusCode, Error: "api_error", Message: strings.TrimSpace(string(body))}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			out.Message = envelope.Error.Message
			if envelope.Error.Type != "" {
				out.Error = envelope.Error.Type
			}
		}
		return out
	}
	return Response{Success: true, Status: resp.StatusCode, Payload: body}
}

func call[T any](ctx context.Context, c *Client, method, endpoint string, query url.Values, data any) (T, error) {
	var out T
	resp := c.Do(ctx, Request{Method: method, Endpoint: endpoint, Query: query, Data: data, RequiresAuth: true})
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func pathID(prefix, id string) string {
	return prefix + "/" + url.PathEscape(id)
}
