// Package hirelinesdk is a minimal Hireline HTTP API client for channel
// adapters and external systems.
package hirelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Hireline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// MessageResult is the engine's answer to one inbound message.
type MessageResult struct {
	ApplicationID string `json:"application_id"`
	Step          string `json:"step"`
	Reply         string `json:"reply,omitempty"`
}

// WebhookResult reports what an event did: applied, duplicate or ignored.
type WebhookResult struct {
	Status string `json:"status"`
}

// Application is the API application model.
type Application struct {
	ID              string            `json:"id"`
	ChannelIdentity string            `json:"channel_identity"`
	CurrentStep     string            `json:"current_step"`
	Status          string            `json:"status"`
	CollectedFields map[string]string `json:"collected_fields,omitempty"`
	Attempts        int               `json:"attempts_counter"`
	Version         int64             `json:"version"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

// Message is one entry from an application's message log.
type Message struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	Direction     string `json:"direction"`
	Kind          string `json:"kind"`
	Content       string `json:"content"`
	Step          string `json:"step"`
	CreatedAt     string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendMessage forwards one inbound applicant message. kind is text,
// document or image; mediaReference carries the attachment handle for
// non-text kinds.
func (c *Client) SendMessage(ctx context.Context, channelIdentity, kind, text, mediaReference string) (MessageResult, error) {
	body := map[string]any{
		"channel_identity": channelIdentity,
		"kind":             kind,
		"text":             text,
		"media_reference":  mediaReference,
	}
	var resp MessageResult
	err := c.do(ctx, http.MethodPost, "v0/messages", "", body, &resp)
	return resp, err
}

// PostWebhook delivers one external system event. idempotencyKey may be
// empty; reusing a key makes redelivery safe.
func (c *Client) PostWebhook(ctx context.Context, eventType, applicationID, idempotencyKey string, payload map[string]any) (WebhookResult, error) {
	body := map[string]any{
		"event_type":     eventType,
		"application_id": applicationID,
		"payload":        payload,
	}
	var resp WebhookResult
	err := c.do(ctx, http.MethodPost, "v0/webhooks", idempotencyKey, body, &resp)
	return resp, err
}

// GetApplication fetches an application by id.
func (c *Client) GetApplication(ctx context.Context, id string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/applications/%s", url.PathEscape(id)), "", nil, &resp)
	return resp, err
}

// ListMessages fetches an application's message log.
func (c *Client) ListMessages(ctx context.Context, applicationID string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/applications/%s/messages", url.PathEscape(applicationID)), "", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint, idempotencyKey string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
