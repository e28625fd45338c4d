// Package telegram is a typed client for the pieces of the Telegram Bot API
// the bridge uses: sending and editing messages, webhook management, long
// polling and inline keyboards.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
)

const defaultBaseURL = "https://api.telegram.org"

// Client calls the Bot API for a single bot.
type Client struct {
	token      string
	chatID     int64
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used by tests to point the client
// at an httptest server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the given bot token. chatID is the default
// destination chat and the only authorized sender.
func New(token string, chatID int64, opts ...Option) *Client {
	c := &Client{
		token:   token,
		chatID:  chatID,
		baseURL: defaultBaseURL,
		// Long polls hold the connection for up to 30s server-side.
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatID returns the configured default chat.
func (c *Client) ChatID() int64 { return c.chatID }

// Authorized reports whether chatID is allowed to drive the bridge.
func (c *Client) Authorized(chatID int64) bool {
	return chatID == c.chatID
}

// call POSTs a JSON payload to a Bot API method and decodes the envelope.
func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !env.OK {
		return &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
	}
	if result != nil && env.Result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

// APIError is a Bot API-level failure (ok=false envelope).
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s failed: %d %s", e.Method, e.Code, e.Description)
}

// SendOptions carries optional sendMessage parameters.
type SendOptions struct {
	ParseMode   string
	ReplyMarkup *InlineKeyboardMarkup
}

// SendMessage sends text to the default chat and returns the sent message.
func (c *Client) SendMessage(ctx context.Context, text string, opts *SendOptions) (*Message, error) {
	// The API rejects empty message text.
	if text == "" {
		text = "(empty)"
	}

	payload := map[string]any{
		"chat_id": c.chatID,
		"text":    text,
	}
	if opts != nil {
		if opts.ParseMode != "" {
			payload["parse_mode"] = opts.ParseMode
		}
		if opts.ReplyMarkup != nil {
			payload["reply_markup"] = opts.ReplyMarkup
		}
	}

	var msg Message
	if err := c.call(ctx, "sendMessage", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendHTML sends text with HTML parse mode, falling back to plain text when
// the API rejects the markup.
func (c *Client) SendHTML(ctx context.Context, html, plain string, markup *InlineKeyboardMarkup) (*Message, error) {
	msg, err := c.SendMessage(ctx, html, &SendOptions{ParseMode: "HTML", ReplyMarkup: markup})
	if err == nil {
		return msg, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return nil, err
	}
	logging.Warn().Str("method", "sendMessage").Msg("html message rejected, retrying as plain text")
	return c.SendMessage(ctx, plain, &SendOptions{ReplyMarkup: markup})
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(ctx context.Context, messageID int64, text, parseMode string) error {
	payload := map[string]any{
		"chat_id":    c.chatID,
		"message_id": messageID,
		"text":       text,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	return c.call(ctx, "editMessageText", payload, nil)
}

// DeleteMessage removes a previously sent message.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	payload := map[string]any{
		"chat_id":    c.chatID,
		"message_id": messageID,
	}
	return c.call(ctx, "deleteMessage", payload, nil)
}

// SetWebhook registers url for push delivery of updates.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	payload := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}
	return c.call(ctx, "setWebhook", payload, nil)
}

// DeleteWebhook removes any registered webhook, re-enabling getUpdates.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{}, nil)
}

// GetUpdates long-polls for new updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// AnswerCallbackQuery acknowledges an inline-button press, clearing the
// client-side loading state.
func (c *Client) AnswerCallbackQuery(ctx context.Context, queryID string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": queryID}, nil)
}

// SetMyCommands registers the bot command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}
