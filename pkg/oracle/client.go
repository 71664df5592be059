package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Config holds the HTTP oracle client configuration.
type Config struct {
	// BaseURL is the API endpoint root.
	BaseURL string

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string

	// Model is the model identifier sent with each request.
	Model string

	// MaxTokens is the default output bound when a request sets none.
	MaxTokens int

	// Timeout bounds each HTTP call.
	Timeout time.Duration
}

// Client is an HTTP oracle speaking a messages-style completion API.
type Client struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	http      *http.Client
}

const apiVersion = "2023-06-01"

// NewClient creates an HTTP oracle client. The API key is read from the
// configured environment variable.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "AUTOFORGE_API_KEY"
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("oracle API key not set: %s", cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		apiKey:    apiKey,
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		http:      &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
}

type apiContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type apiResponse struct {
	Content []apiContent `json:"content"`
	Model   string       `json:"model"`
	Usage   apiUsage     `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}

// Invoke implements Oracle.
func (c *Client) Invoke(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body, err := json.Marshal(apiRequest{
		Model:     c.model,
		System:    req.System,
		Messages:  []apiMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Message: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &Error{Kind: KindTimeout, Message: "oracle request timed out", Err: err}
		}
		return nil, &Error{Kind: KindTimeout, Message: "oracle unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp, raw)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Message: "unparseable oracle response", Err: err}
	}
	if parsed.Error != nil {
		return nil, &Error{Kind: KindInvalidResponse, Message: parsed.Error.Message}
	}
	if len(parsed.Content) == 0 {
		return nil, &Error{Kind: KindInvalidResponse, Message: "oracle returned empty content"}
	}

	var text string
	for _, part := range parsed.Content {
		if part.Type == "text" {
			text += part.Text
		}
	}

	return &Response{
		Content:      text,
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

// classifyStatus maps HTTP failures onto oracle error kinds.
func (c *Client) classifyStatus(resp *http.Response, raw []byte) *Error {
	msg := apiMessageFromBody(raw)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Message: msg}
	case http.StatusTooManyRequests:
		e := &Error{Kind: KindRateLimited, Message: msg}
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	case http.StatusRequestEntityTooLarge:
		return &Error{Kind: KindContextTooLarge, Message: msg}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Message: msg}
	default:
		if resp.StatusCode >= 500 {
			return &Error{Kind: KindTimeout, Message: msg}
		}
		return &Error{Kind: KindInvalidResponse, Message: msg}
	}
}

func apiMessageFromBody(raw []byte) string {
	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	if len(raw) > 0 {
		const max = 200
		if len(raw) > max {
			return string(raw[:max])
		}
		return string(raw)
	}
	return "oracle request failed"
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
