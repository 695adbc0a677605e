// Package reflection generates short post-decision reflections with a local
// LLM over the Ollama HTTP API.
package reflection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pausely/pausely/internal/learning"
)

// noLessonSentinel is what the model is instructed to reply when the
// decision carries no usable lesson; it maps to an absent reflection.
const noLessonSentinel = "NOTHING"

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chatResponse is the JSON returned by POST /api/chat (non-streaming).
type chatResponse struct {
	Message message `json:"message"`
}

// Generator calls a local model to produce reflections.
type Generator struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGenerator creates a Generator targeting the given Ollama base URL.
func NewGenerator(baseURL, model string) *Generator {
	return &Generator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

const systemPrompt = "You analyze a user's purchase decisions for a spending-pause app. " +
	"Given the purchase context, the assistant's earlier reasoning, and the user's final decision, " +
	"reply with a single short lesson about what intervention style works for this user. " +
	"If the decision carries no usable lesson, reply with exactly NOTHING."

// Reflect produces a reflection for the given decision. An empty string
// with a nil error means the model found nothing to learn.
func (g *Generator) Reflect(ctx context.Context, in learning.ReflectionInput) (string, error) {
	user := fmt.Sprintf("Purchase context: %s\nEarlier reasoning: %s\nFinal decision: %s",
		in.Question, orNone(in.PriorAnswer), in.Outcome)

	cr := chatRequest{
		Model: g.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Stream: false,
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}

	out := strings.TrimSpace(result.Message.Content)
	if out == "" || strings.EqualFold(out, noLessonSentinel) {
		return "", nil
	}
	return out, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
