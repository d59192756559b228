// Package api provides a client for the habit-RPG Quest/Domain/Config REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DeviceHeader carries the opaque device identifier on every request.
const DeviceHeader = "X-Device-ID"

const defaultTimeout = 30 * time.Second

// Client is a Quest/Domain/Config API client bound to one device.
type Client struct {
	mu         sync.RWMutex
	baseURL    string
	deviceID   string
	httpClient *http.Client
}

// New creates a client for baseURL that identifies itself as deviceID.
func New(baseURL, deviceID string) *Client {
	return NewWithHTTPClient(baseURL, deviceID, &http.Client{Timeout: defaultTimeout})
}

// NewWithHTTPClient creates a client using a caller-supplied http.Client.
func NewWithHTTPClient(baseURL, deviceID string, hc *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		deviceID:   deviceID,
		httpClient: hc,
	}
}

// BaseURL returns the API base currently in use.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL points the client at a different backend.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// DeviceID returns the device identifier sent with each request.
func (c *Client) DeviceID() string {
	return c.deviceID
}

type errorBody struct {
	Error string `json:"error"`
}

// do performs a JSON request and decodes a 2xx response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.deviceID == "" {
		return &Error{Method: method, Path: path, Err: fmt.Errorf("device identifier is not set")}
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(DeviceHeader, c.deviceID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		var eb errorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return &Error{Status: resp.StatusCode, Method: method, Path: path, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// Bootstrap creates the device on first contact and returns a full snapshot.
func (c *Client) Bootstrap(ctx context.Context, seed BootstrapRequest) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/bootstrap", seed, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Snapshot fetches the authoritative state of the device.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

type questEnvelope struct {
	Quest Quest `json:"quest"`
}

// GetQuest fetches a single quest.
func (c *Client) GetQuest(ctx context.Context, id string) (*Quest, error) {
	var env questEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/quests/"+url.PathEscape(id), nil, &env); err != nil {
		return nil, err
	}
	return &env.Quest, nil
}

// CreateQuest creates a quest and returns it with its server-assigned id.
func (c *Client) CreateQuest(ctx context.Context, in QuestInput) (*Quest, error) {
	var env questEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/quests", in, &env); err != nil {
		return nil, err
	}
	return &env.Quest, nil
}

// UpdateQuest applies a partial update.
func (c *Client) UpdateQuest(ctx context.Context, id string, patch QuestPatch) (*Quest, error) {
	var env questEnvelope
	if err := c.do(ctx, http.MethodPatch, "/api/quests/"+url.PathEscape(id), patch, &env); err != nil {
		return nil, err
	}
	return &env.Quest, nil
}

// DeleteQuest removes a quest.
func (c *Client) DeleteQuest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/quests/"+url.PathEscape(id), nil, nil)
}

// CompleteQuest marks a quest completed and returns the gamification effects.
func (c *Client) CompleteQuest(ctx context.Context, id string) (*CompletionResult, error) {
	var res CompletionResult
	if err := c.do(ctx, http.MethodPost, "/api/quests/"+url.PathEscape(id)+"/complete", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type configEnvelope struct {
	Config Config `json:"config"`
}

// GetConfig fetches the device configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var env configEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/config", nil, &env); err != nil {
		return nil, err
	}
	return &env.Config, nil
}

// UpdateConfig applies a partial config update.
func (c *Client) UpdateConfig(ctx context.Context, patch ConfigPatch) (*Config, error) {
	var env configEnvelope
	if err := c.do(ctx, http.MethodPatch, "/api/config", patch, &env); err != nil {
		return nil, err
	}
	return &env.Config, nil
}

// UpdateDomain edits a domain's thresholds or rewards.
func (c *Client) UpdateDomain(ctx context.Context, patch DomainPatch) (*Domain, error) {
	var env struct {
		Domain Domain `json:"domain"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/domains", patch, &env); err != nil {
		return nil, err
	}
	return &env.Domain, nil
}

// Reset wipes all quests and progress for the device.
func (c *Client) Reset(ctx context.Context) (*ResetResult, error) {
	var res ResetResult
	if err := c.do(ctx, http.MethodPost, "/api/reset", struct{}{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
