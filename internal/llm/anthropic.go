package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/towncrier-bot/towncrier/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	// rewriteMaxTokens bounds the rewrite output. Agenda rewrites are a
	// few sentences, never essays.
	rewriteMaxTokens = 400

	// rewriteMaxInput caps the prompt text sent to the API.
	rewriteMaxInput = 4000
)

const rewriteSystemPrompt = "Du formulierst Themenlisten für eine wöchentliche Community-Runde " +
	"in einen kurzen, freundlichen Ankündigungstext um. Antworte nur mit dem Text, " +
	"ohne Einleitung und ohne Markdown-Formatierung."

// AnthropicRewriter rewrites agenda text via the Anthropic Messages API.
type AnthropicRewriter struct {
	apiKey     string
	model      string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicRewriter creates a rewriter using the given model. The
// timeout bounds each request; the caller typically also carries a
// context deadline so a slow API never delays a reminder.
func NewAnthropicRewriter(apiKey, model string, timeout time.Duration, logger *slog.Logger) *AnthropicRewriter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AnthropicRewriter{
		apiKey:     apiKey,
		model:      model,
		apiURL:     anthropicAPIURL,
		logger:     logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Rewrite sends a single non-streaming message request and returns the
// rewritten text.
func (c *AnthropicRewriter) Rewrite(ctx context.Context, text, hint string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("nothing to rewrite")
	}
	if len(text) > rewriteMaxInput {
		text = text[:rewriteMaxInput]
	}

	prompt := text
	if hint != "" {
		prompt = hint + "\n\n" + text
	}

	req := anthropicRequest{
		Model:     c.model,
		System:    rewriteSystemPrompt,
		MaxTokens: rewriteMaxTokens,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return "", fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var sb strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("empty rewrite response (stop_reason=%s)", ar.StopReason)
	}

	c.logger.Debug("rewrite complete",
		"model", c.model,
		"input_tokens", ar.Usage.InputTokens,
		"output_tokens", ar.Usage.OutputTokens,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}
