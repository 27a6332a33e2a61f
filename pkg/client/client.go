// Package client provides a Go client library for the slot service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the slot service API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewClient creates a new slot service API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// RunSlot executes an inline slot request. A non-nil RunResult with OK false
// means the slot itself failed; an error means the request never ran.
func (c *Client) RunSlot(ctx context.Context, req RunRequest) (*RunResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, "POST", "/api/v1/slots/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Validate statically vets slot code without executing it.
func (c *Client) Validate(ctx context.Context, code string) (*ValidationResult, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, "POST", "/api/v1/slots/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result ValidationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// CreateSlot registers a named slot definition.
func (c *Client) CreateSlot(ctx context.Context, def SlotDefinition) (*SlotDefinition, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, "POST", "/api/v1/slots", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result SlotDefinition
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// GetSlot fetches a slot definition by id.
func (c *Client) GetSlot(ctx context.Context, id string) (*SlotDefinition, error) {
	resp, err := c.doRequest(ctx, "GET", "/api/v1/slots/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result SlotDefinition
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ListSlots lists registered slot definitions.
func (c *Client) ListSlots(ctx context.Context, filter ListFilter) ([]SlotDefinition, error) {
	path := "/api/v1/slots"
	q := url.Values{}
	if filter.Name != "" {
		q.Set("name", filter.Name)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result struct {
		Slots []SlotDefinition `json:"slots"`
		Count int              `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return result.Slots, nil
}

// UpdateSlot replaces a slot definition's code and settings.
func (c *Client) UpdateSlot(ctx context.Context, id string, def SlotDefinition) (*SlotDefinition, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, "PUT", "/api/v1/slots/"+id, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result SlotDefinition
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// DeleteSlot removes a slot definition.
func (c *Client) DeleteSlot(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, "DELETE", "/api/v1/slots/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}

	return nil
}

// RunStoredSlot executes a registered slot by id.
func (c *Client) RunStoredSlot(ctx context.Context, id string, req StoredRunRequest) (*RunResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, "POST", "/api/v1/slots/"+id+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// StreamEvents connects to the execution event stream. Events arrive on the
// returned channel until ctx is done or the connection drops; the channel is
// closed either way.
func (c *Client) StreamEvents(ctx context.Context) (<-chan Event, error) {
	wsURL := c.baseURL
	if strings.HasPrefix(wsURL, "http:") {
		wsURL = "ws:" + wsURL[5:]
	} else if strings.HasPrefix(wsURL, "https:") {
		wsURL = "wss:" + wsURL[6:]
	}
	wsURL += "/api/v1/events/stream"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan Event)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			var event Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// doRequest makes an authenticated HTTP request.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// parseError parses an error response.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, errResp.Error)
	}

	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
}

// Request/Response types

// RunRequest is an inline slot execution request.
type RunRequest struct {
	SlotID       string      `json:"slotId,omitempty"`
	Code         string      `json:"code"`
	Input        interface{} `json:"input,omitempty"`
	Params       interface{} `json:"params,omitempty"`
	OutputSchema *Schema     `json:"outputSchema,omitempty"`
	TimeoutMs    int         `json:"timeoutMs,omitempty"`
}

// StoredRunRequest carries the per-run arguments for a registered slot.
type StoredRunRequest struct {
	Input     interface{} `json:"input,omitempty"`
	Params    interface{} `json:"params,omitempty"`
	TimeoutMs int         `json:"timeoutMs,omitempty"`
}

// Schema constrains the shape of a slot's return value.
type Schema struct {
	Type           string              `json:"type,omitempty"`
	Properties     map[string]Property `json:"properties,omitempty"`
	MaxBytes       int                 `json:"maxBytes,omitempty"`
	MaxArrayLength int                 `json:"maxArrayLength,omitempty"`
}

// Property declares one expected key on an object-typed result.
type Property struct {
	Type     string `json:"type,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// RunError describes why an execution failed.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Phase   string `json:"phase"`
}

// RunResult is the outcome envelope of a slot execution.
type RunResult struct {
	OK         bool        `json:"ok"`
	Data       interface{} `json:"data,omitempty"`
	ExecTimeMs float64     `json:"execTimeMs,omitempty"`
	Error      *RunError   `json:"error,omitempty"`
}

// Violation is a single rule failure found by the validator.
type Violation struct {
	RuleID  string `json:"ruleId"`
	Message string `json:"message"`
}

// ValidationResult is the result of static slot validation.
type ValidationResult struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations"`
}

// SlotDefinition is a registered slot.
type SlotDefinition struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Code         string    `json:"code"`
	OutputSchema *Schema   `json:"outputSchema,omitempty"`
	TimeoutMs    int       `json:"timeoutMs,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ListFilter is the filter for listing slots.
type ListFilter struct {
	Name   string
	Limit  int
	Offset int
}

// Event is one execution event from the stream endpoint.
type Event struct {
	Type       string  `json:"type"`
	SlotID     string  `json:"slot_id,omitempty"`
	RequestID  string  `json:"request_id"`
	Phase      string  `json:"phase,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	ExecTimeMs float64 `json:"exec_time_ms,omitempty"`
	Timestamp  int64   `json:"time"`
}
