// Package client is the Go SDK for the Nebula control plane. It wraps the
// REST surface, decoding the response envelope and surfacing typed errors,
// and is the transport used by the MCP bridge and nebulactl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// APIError is a decoded error envelope from the server.
type APIError struct {
	StatusCode int      `json:"-"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Field      string   `json:"field,omitempty"`
	NextSteps  []string `json:"next_steps,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InvokeResult is the outcome of one action invocation. Exactly one of
// Record and ApprovalRequestID is meaningful.
type InvokeResult struct {
	// Record is the executed mutation's response body.
	Record json.RawMessage
	// ApprovalRequestID is set when the write was intercepted (HTTP 202).
	ApprovalRequestID string
}

// Intercepted reports whether the write became a pending proposal.
func (r *InvokeResult) Intercepted() bool { return r.ApprovalRequestID != "" }

// EnrollStartResult is the response to StartEnrollment.
type EnrollStartResult struct {
	SessionID         string    `json:"session_id"`
	ApprovalRequestID string    `json:"approval_request_id"`
	Token             string    `json:"token"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// EnrollWaitResult is the response to WaitEnrollment.
type EnrollWaitResult struct {
	Status       string `json:"status"`
	CanRedeem    bool   `json:"can_redeem"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// EnrollRedeemResult is the response to RedeemEnrollment. APIKey is the raw
// nbl_ credential and is never shown again.
type EnrollRedeemResult struct {
	Agent     json.RawMessage `json:"agent"`
	APIKey    string          `json:"api_key"`
	KeyPrefix string          `json:"key_prefix"`
}

// LoginResult is the response to Login.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
}

// Client talks to one Nebula deployment.
type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCredential attaches a bearer credential (nbl_ key or session token)
// to every request.
func WithCredential(cred string) Option {
	return func(c *Client) { c.credential = cred }
}

// New creates a Client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetCredential replaces the bearer credential, e.g. after redeeming an
// enrollment token.
func (c *Client) SetCredential(cred string) { c.credential = cred }

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.doRaw(ctx, http.MethodGet, "/health", "", nil)
}

// Login exchanges a user API key for a session token.
func (c *Client) Login(ctx context.Context, apiKey string) (*LoginResult, error) {
	var out LoginResult
	if err := c.call(ctx, http.MethodPost, "/keys/login", map[string]string{"api_key": apiKey}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Whoami fetches the resolved caller identity.
func (c *Client) Whoami(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/whoami", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Actions lists the registered action names.
func (c *Client) Actions(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.call(ctx, http.MethodGet, "/actions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Invoke dispatches one named action. A 202 response becomes an intercepted
// InvokeResult rather than an error.
func (c *Client) Invoke(ctx context.Context, action string, payload json.RawMessage, relatedJobID string) (*InvokeResult, error) {
	body := map[string]any{"action": action, "payload": payload}
	if relatedJobID != "" {
		body["related_job_id"] = relatedJobID
	}
	raw, status, err := c.doStatus(ctx, http.MethodPost, "/actions", body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusAccepted {
		var accepted struct {
			ApprovalRequestID string `json:"approval_request_id"`
		}
		if err := json.Unmarshal(raw, &accepted); err != nil {
			return nil, fmt.Errorf("decode interception response: %w", err)
		}
		return &InvokeResult{ApprovalRequestID: accepted.ApprovalRequestID}, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &InvokeResult{Record: envelope.Data}, nil
}

// Get fetches one resource (e.g. "/entities/<id>") and returns the data
// payload.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// List fetches a collection resource with pagination.
func (c *Client) List(ctx context.Context, path string, limit, offset int) (json.RawMessage, error) {
	sep := "?"
	if bytes.ContainsRune([]byte(path), '?') {
		sep = "&"
	}
	path += sep + "limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	var out json.RawMessage
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Post sends a JSON body to path and returns the data payload. It covers the
// management endpoints without a dedicated wrapper (keys, taxonomy).
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Patch sends a JSON body to path with PATCH semantics.
func (c *Client) Patch(ctx context.Context, path string, body any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodPatch, path, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Approve approves a pending request, optionally with reviewer grants.
func (c *Client) Approve(ctx context.Context, id, notes string, reviewDetails json.RawMessage) (json.RawMessage, error) {
	body := map[string]any{"notes": notes}
	if len(reviewDetails) > 0 {
		body["review_details"] = reviewDetails
	}
	var out json.RawMessage
	if err := c.call(ctx, http.MethodPost, "/approvals/"+id+"/approve", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reject rejects a pending request.
func (c *Client) Reject(ctx context.Context, id, notes string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodPost, "/approvals/"+id+"/reject", map[string]string{"notes": notes}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Diff fetches the field-level change preview for a pending request.
func (c *Client) Diff(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/approvals/"+id+"/diff", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartEnrollment begins the bootstrap enrollment protocol. Works without a
// credential when the server runs with bootstrap enabled.
func (c *Client) StartEnrollment(ctx context.Context, name, description string, capabilities, requestedScopes []string) (*EnrollStartResult, error) {
	body := map[string]any{
		"name":             name,
		"description":      description,
		"capabilities":     capabilities,
		"requested_scopes": requestedScopes,
	}
	var out EnrollStartResult
	if err := c.call(ctx, http.MethodPost, "/agents/register", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitEnrollment long-polls the enrollment decision using the nbe_ token as
// the credential. waitSeconds of zero asks for the server default.
func (c *Client) WaitEnrollment(ctx context.Context, sessionID, token string, waitSeconds int) (*EnrollWaitResult, error) {
	path := "/enroll/" + sessionID
	if waitSeconds > 0 {
		path += "?wait=" + strconv.Itoa(waitSeconds)
	}
	raw, err := c.doRaw(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data EnrollWaitResult `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode wait response: %w", err)
	}
	return &envelope.Data, nil
}

// RedeemEnrollment exchanges an approved enrollment token for an API key.
// One-time use: a second redeem with the same token fails with CONFLICT.
func (c *Client) RedeemEnrollment(ctx context.Context, sessionID, token string) (*EnrollRedeemResult, error) {
	raw, err := c.doRaw(ctx, http.MethodPost, "/enroll/"+sessionID+"/redeem", token, nil)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data EnrollRedeemResult `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode redeem response: %w", err)
	}
	return &envelope.Data, nil
}

// call performs a request and decodes the data payload of the envelope.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	raw, status, err := c.doStatus(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || status == http.StatusNoContent {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// doStatus performs a request with the configured credential, returning the
// body and status for success and 202 responses, a typed *APIError
// otherwise.
func (c *Client) doStatus(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 300 {
		return raw, resp.StatusCode, nil
	}
	return nil, resp.StatusCode, decodeAPIError(resp.StatusCode, raw)
}

// doRaw is doStatus with an explicit per-call credential, used by the
// enrollment flow where the nbe_ token replaces the configured key.
func (c *Client) doRaw(ctx context.Context, method, path, credential string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, raw)
	}
	return raw, nil
}

// decodeAPIError decodes the error and rate-limit envelopes.
func decodeAPIError(status int, raw []byte) error {
	var envelope struct {
		Detail struct {
			Error APIError `json:"error"`
		} `json:"detail"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Detail.Error.Code != "" {
			apiErr := envelope.Detail.Error
			apiErr.StatusCode = status
			return &apiErr
		}
		if envelope.Status == "rate_limited" {
			return &APIError{StatusCode: status, Code: "RATE_LIMITED", Message: envelope.Message}
		}
	}
	return &APIError{StatusCode: status, Code: "HTTP_" + strconv.Itoa(status), Message: string(raw)}
}
