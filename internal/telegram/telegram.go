// Package telegram is a minimal Telegram Bot API client covering what
// the daemon needs: sending messages, long-polling updates, and
// checking member privileges.
package telegram

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

const defaultBaseURL = "https://api.telegram.org"

// ParseMode selects Telegram message formatting.
type ParseMode string

const (
	// ModeNone sends plain text.
	ModeNone ParseMode = ""
	// ModeMarkdownV2 is Telegram's strict Markdown dialect. Text
	// interpolated into a MarkdownV2 message must pass through
	// EscapeMarkdownV2 or the API rejects the whole message.
	ModeMarkdownV2 ParseMode = "MarkdownV2"
)

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// User is a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type chatMember struct {
	Status string `json:"status"`
	User   User   `json:"user"`
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// Client talks to the Telegram Bot API for one bot token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client // bounded, for sends and lookups
	pollClient *http.Client // unbounded, for long polls (ctx governs)
	logger     *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	// getUpdates holds the response open for the long-poll duration, so
	// the poll client needs a generous response header timeout and no
	// overall request timeout. Context cancellation ends the poll.
	pt := httpkit.NewTransport()
	pt.ResponseHeaderTimeout = 90 * time.Second

	return &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		pollClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(pt)),
		logger:     logger.With("component", "telegram"),
	}
}

// call posts a JSON payload to one Bot API method and unmarshals the
// result into out (out may be nil when the result is irrelevant).
func (c *Client) call(ctx context.Context, client *http.Client, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s failed: %s (code %d)", method, envelope.Description, envelope.ErrorCode)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// SendMessage posts text to a chat. linkPreview controls whether a URL
// in the text unfurls; plain command replies pass false.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, mode ParseMode, linkPreview bool) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": !linkPreview,
	}
	if mode != ModeNone {
		payload["parse_mode"] = string(mode)
	}

	var sent Message
	if err := c.call(ctx, c.httpClient, "sendMessage", payload, &sent); err != nil {
		return err
	}
	c.logger.Debug("message sent", "chat_id", chatID, "message_id", sent.MessageID, "len", len(text))
	return nil
}

// GetUpdates long-polls for updates past offset. The HTTP request
// blocks server-side up to timeout; cancellation comes from ctx.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}

	var updates []Update
	if err := c.call(ctx, c.pollClient, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// IsPrivileged reports whether the user is an administrator or the
// creator of the chat. Commands that mutate cycle state require this.
func (c *Client) IsPrivileged(ctx context.Context, chatID, userID int64) (bool, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}

	var member chatMember
	if err := c.call(ctx, c.httpClient, "getChatMember", payload, &member); err != nil {
		return false, err
	}
	return member.Status == "administrator" || member.Status == "creator", nil
}

// GetMe returns the bot's own account, used as a startup connectivity
// check.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, c.httpClient, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// markdownV2Specials are the characters MarkdownV2 requires escaped in
// ordinary text.
const markdownV2Specials = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 backslash-escapes every MarkdownV2 special character.
func EscapeMarkdownV2(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune(markdownV2Specials, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
