// Package api is the request/response channel of the chat core. It carries
// the authoritative operations: conversation lookup, message history, and
// encrypted message submission. Plaintext never appears in any request.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cipherchat/models"
)

const (
	// DefaultTimeout bounds each request/response round trip.
	DefaultTimeout = 30 * time.Second
)

// ErrUnauthorized indicates the bearer token was rejected.
var ErrUnauthorized = errors.New("api: unauthorized")

// APIError reports a non-success response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: server returned %d: %s", e.Status, e.Message)
}

// Client talks to the chat server's HTTP API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient creates an API client for a base URL and session token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetToken updates the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// OutgoingMessage is the encrypted submission payload. The server stores it
// verbatim; it holds no plaintext and no key it could unwrap.
type OutgoingMessage struct {
	Ciphertext          string `json:"message"`
	WrappedKeySender    string `json:"senderDecryptKey"`
	WrappedKeyRecipient string `json:"receiverDecryptKey"`
	IV                  string `json:"iv"`
	AuthTag             string `json:"authTag"`
	RecipientID         string `json:"recipientId"`
	ConversationID      string `json:"conversationId"`
}

// SendResult carries the server-assigned message ID.
type SendResult struct {
	ID string `json:"id"`
}

// MessageHistory is the response of a message fetch: the stored ciphertext
// entries plus the recipient's profile, including their public key.
type MessageHistory struct {
	Messages  []models.Message   `json:"messages"`
	Recipient models.Participant `json:"recipient"`
}

// Conversations fetches the full conversation list.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users", nil, nil)
	if err != nil {
		return nil, err
	}

	var conversations []models.Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return nil, fmt.Errorf("decode conversation list: %w", err)
	}
	return conversations, nil
}

// OpenConversation creates or returns the conversation with a recipient.
func (c *Client) OpenConversation(ctx context.Context, recipientID string) (models.Conversation, error) {
	if recipientID == "" {
		return models.Conversation{}, errors.New("api: recipient ID is required")
	}

	payload := map[string]string{"recipientId": recipientID}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/conversation", payload, nil)
	if err != nil {
		return models.Conversation{}, err
	}

	var conversation models.Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return models.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return conversation, nil
}

// Messages fetches the stored history and recipient profile for a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) (MessageHistory, error) {
	if conversationID == "" {
		return MessageHistory{}, errors.New("api: conversation ID is required")
	}

	query := url.Values{}
	query.Set("conversationId", conversationID)

	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages", nil, query)
	if err != nil {
		return MessageHistory{}, err
	}

	var history MessageHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return MessageHistory{}, fmt.Errorf("decode message history: %w", err)
	}
	return history, nil
}

// Send submits one encrypted message and returns the assigned server ID.
func (c *Client) Send(ctx context.Context, message OutgoingMessage) (string, error) {
	if message.ConversationID == "" {
		return "", errors.New("api: conversation ID is required")
	}
	if message.Ciphertext == "" {
		return "", errors.New("api: ciphertext is required")
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/api/send", message, nil)
	if err != nil {
		return "", err
	}

	var result SendResult
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("decode send result: %w", err)
	}
	if result.ID == "" {
		return "", errors.New("api: server response is missing the message ID")
	}
	return result.ID, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			Status:  resp.StatusCode,
			Message: errorMessage(data),
		}
	}

	return data, nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "no error details"
	}
	return trimmed
}
