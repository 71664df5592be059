// Package oracle provides the synthesis oracle client: the abstract
// capability that, given a stage name and context, returns generated
// content or diagnostics.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an oracle failure.
type Kind string

const (
	KindRateLimited     Kind = "rate_limited"
	KindTimeout         Kind = "timeout"
	KindInvalidResponse Kind = "invalid_response"
	KindUnauthorized    Kind = "unauthorized"
	KindContextTooLarge Kind = "context_too_large"
)

// Error is a classified oracle failure. The client never retries;
// retry policy belongs to the caller.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is the server-suggested wait for rate limits, if any.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oracle %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("oracle %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of an oracle error, or "" otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Request is one synthesis invocation.
type Request struct {
	// Stage names the stage this request serves (discovery, implement,
	// debug, ...). Included for observability and prompt selection.
	Stage string

	// System is the system prompt for the stage.
	System string

	// Prompt is the full context payload.
	Prompt string

	// MaxTokens bounds the generated output.
	MaxTokens int
}

// Response is the oracle's answer.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Oracle is the synthesis capability consumed by the stage runner.
type Oracle interface {
	// Invoke sends one request and returns the generated content.
	// Failures are classified as *Error; no retries happen here.
	Invoke(ctx context.Context, req *Request) (*Response, error)
}
