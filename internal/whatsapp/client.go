package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the Evolution API WhatsApp gateway.
type Client struct {
	baseURL  string
	apiKey   string
	instance string
	client   *http.Client
	logger   *slog.Logger
}

// NewClient creates a new Evolution API client for one WhatsApp instance.
func NewClient(baseURL, apiKey, instance string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		instance: instance,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// IsGroup reports whether a recipient identifier addresses a group chat.
func IsGroup(number string) bool {
	return strings.Contains(number, "@g.us")
}

// SendOption adjusts how a message is delivered.
type SendOption func(*sendTextRequest)

// WithTypingDelay simulates typing for the given duration before delivery.
// Ignored for group recipients.
func WithTypingDelay(d time.Duration) SendOption {
	return func(r *sendTextRequest) {
		r.typingDelay = d
	}
}

type sendTextRequest struct {
	Number  string `json:"number"`
	Text    string `json:"text"`
	IsGroup bool   `json:"isGroup"`
	Delay   int    `json:"delaySeconds,omitempty"`

	typingDelay time.Duration
}

// SendText delivers a text message to a contact or group.
func (c *Client) SendText(ctx context.Context, number, text string, opts ...SendOption) error {
	req := sendTextRequest{
		Number:  number,
		Text:    text,
		IsGroup: IsGroup(number),
	}
	for _, opt := range opts {
		opt(&req)
	}
	if !req.IsGroup && req.typingDelay > 0 {
		req.Delay = int(req.typingDelay / time.Second)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	endpoint := c.baseURL + "/message/sendText/" + c.instance
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Sending WhatsApp message",
		"component", "whatsapp",
		"number", number,
		"is_group", req.IsGroup,
	)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("evolution API error %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
