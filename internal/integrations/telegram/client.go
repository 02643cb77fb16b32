package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// sendMessageRequest is the request shape for the Bot API sendMessage method.
type sendMessageRequest struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

// sendMessageResponse is the minimal Bot API response envelope.
type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// tokenPayload is the expected JSON shape stored in SSM for the bot token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("telegram: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client dispatches replies through the Telegram Bot API. Dispatch is
// best-effort: sends are never retried here.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	tokenOnce sync.Once
	botToken  string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client backed by the given paramstore Getter for
// bot token retrieval. The token is fetched from SSM on the first send and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("telegram: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.telegram.org",
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveBotToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.botToken, c.tokenErr = fetchBotTokenFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.botToken, c.tokenErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/telegram-bot-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func sendMessageURL(baseURL, botToken string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	return base + "/bot" + botToken + "/sendMessage"
}

// SendReply posts a reply into the given chat and returns the platform
// message id of the dispatched reply.
func (c *Client) SendReply(ctx context.Context, conversationID, text string, inReplyTo int64) (int64, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, errors.New("telegram: conversation id must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return 0, errors.New("telegram: text must not be empty")
	}

	botToken, err := c.resolveBotToken(ctx)
	if err != nil {
		return 0, err
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:           conversationID,
		Text:             text,
		ReplyToMessageID: inReplyTo,
	})
	if err != nil {
		return 0, fmt.Errorf("telegram: marshal request: %w", err)
	}

	url := sendMessageURL(c.baseURL, botToken)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return 0, fmt.Errorf("telegram: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return 0, fmt.Errorf("telegram: request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return 0, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        redactToken(url, botToken),
			Body:       string(buf),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("telegram: read response body: %w", err)
	}

	var payload sendMessageResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return 0, fmt.Errorf("telegram: decode response: %w", decErr)
	}
	if !payload.OK {
		return 0, fmt.Errorf("telegram: send rejected: %s", payload.Description)
	}
	if payload.Result.MessageID == 0 {
		return 0, errors.New("telegram: response missing message id")
	}
	return payload.Result.MessageID, nil
}

// redactToken keeps bot tokens out of error messages and logs.
func redactToken(url, botToken string) string {
	if botToken == "" {
		return url
	}
	return strings.ReplaceAll(url, botToken, "***")
}

func fetchBotTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("telegram: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("telegram: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("telegram: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("telegram: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("telegram: bot token is empty")
	}
	return tp.Token, nil
}
