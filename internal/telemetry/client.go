// Package telemetry ships scores and pipeline outputs to an external
// observability backend. Both calls are best-effort from the caller's point
// of view: they may fail independently and are never allowed to affect a
// user-visible request.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client posts scores and outputs to the telemetry backend over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client for the given backend base URL. apiKey may be
// empty when the backend is unauthenticated.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type scorePayload struct {
	InteractionID string  `json:"interactionId"`
	Name          string  `json:"name"`
	Value         float64 `json:"value"`
	Reason        string  `json:"reason,omitempty"`
}

type outputPayload struct {
	InteractionID string            `json:"interactionId"`
	Output        string            `json:"output"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// AttachScore records a numeric score against an interaction's trace.
func (c *Client) AttachScore(ctx context.Context, interactionID, name string, value float64, reason string) error {
	return c.post(ctx, "/api/scores", scorePayload{
		InteractionID: interactionID,
		Name:          name,
		Value:         value,
		Reason:        reason,
	})
}

// AttachOutput records generated output against an interaction's trace.
func (c *Client) AttachOutput(ctx context.Context, interactionID, output string, tags map[string]string) error {
	return c.post(ctx, "/api/outputs", outputPayload{
		InteractionID: interactionID,
		Output:        output,
		Tags:          tags,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// Nop is a telemetry sink that drops everything; used when no backend is
// configured.
type Nop struct{}

func (Nop) AttachScore(context.Context, string, string, float64, string) error { return nil }

func (Nop) AttachOutput(context.Context, string, string, map[string]string) error { return nil }
