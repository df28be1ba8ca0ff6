package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/observability"
)

const (
	PurposeQuery  = "query"
	PurposeAnswer = "answer"

	maxResponseBytes = 4 << 20
	maxErrorBody     = 512
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion: a system preamble plus a single user prompt.
// Model overrides the client default when set.
type Request struct {
	Purpose     string
	System      string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

type Completion struct {
	Text     string
	Model    string
	Attempts int
	Duration time.Duration
}

type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type Client struct {
	endpoint     string
	apiKey       string
	model        string
	retryBackoff time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// NewClient fails closed with an AuthError when no API key is configured.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, failure.Auth("inference API key is not configured", nil)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		endpoint:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/chat/completions",
		apiKey:       strings.TrimSpace(cfg.APIKey),
		model:        model,
		retryBackoff: backoff,
		client:       httpClient,
		logger:       logger,
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete issues the chat completion. Transport failures and 502/503/504 are
// retried once; every other failure is returned as is.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	purpose := req.Purpose
	if purpose == "" {
		purpose = PurposeQuery
	}

	start := time.Now()
	attempts := 0
	backoff := retry.WithMaxRetries(1, retry.NewConstant(c.retryBackoff))
	parsed, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (chatResponse, error) {
		attempts++
		result, err := c.do(ctx, body)
		if err != nil && isTransient(err) {
			c.logger.WarnContext(ctx, "chat completion attempt failed",
				slog.String("purpose", purpose),
				slog.Int("attempt", attempts),
				slog.Any("error", err),
			)
			return chatResponse{}, retry.RetryableError(err)
		}
		return result, err
	})
	elapsed := time.Since(start)
	if err != nil {
		observability.ObserveInference(purpose, outcomeLabel(err), elapsed)
		return Completion{}, err
	}
	observability.ObserveInference(purpose, "ok", elapsed)

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return Completion{
		Text:     strings.TrimSpace(parsed.Choices[0].Message.Content),
		Model:    respModel,
		Attempts: attempts,
		Duration: elapsed,
	}, nil
}

func (c *Client) do(ctx context.Context, body []byte) (chatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return chatResponse{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return chatResponse{}, classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return chatResponse{}, classifyTransportError(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return chatResponse{}, &failure.Error{
			Kind:       failure.KindAuth,
			Message:    "inference API rejected the credential",
			StatusCode: resp.StatusCode,
			Err:        &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(rawRespBody))},
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(rawRespBody))}
		return chatResponse{}, failure.RemoteService(resp.StatusCode, "chat completion failed", statusErr)
	}

	var parsed chatResponse
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return chatResponse{}, failure.RemoteService(resp.StatusCode, "decode chat completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return chatResponse{}, failure.RemoteService(resp.StatusCode, "empty chat completion choices", nil)
	}
	return parsed, nil
}

// HTTPStatusError keeps the upstream status and a truncated body for logs.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.StatusCode, e.Body)
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Timeout("chat completion timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("request chat completion: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.Timeout("chat completion timed out", err)
	}
	return failure.RemoteService(0, "request chat completion", err)
}

func isTransient(err error) bool {
	typed, ok := failure.As(err)
	if !ok || typed.Kind != failure.KindRemoteService {
		return false
	}
	switch typed.StatusCode {
	case 0, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func outcomeLabel(err error) string {
	typed, ok := failure.As(err)
	if !ok {
		return "error"
	}
	switch typed.Kind {
	case failure.KindAuth:
		return "auth_error"
	case failure.KindTimeout:
		return "timeout"
	default:
		return "remote_error"
	}
}

func truncate(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= maxErrorBody {
		return value
	}
	return value[:maxErrorBody] + "..."
}
