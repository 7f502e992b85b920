// Package provider invokes model backends bound to routing aliases.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/router"
)

// Call is one prompt submission.
type Call struct {
	Alias     router.ModelAlias
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the text a backend returned.
type Response struct {
	Text    string
	Model   string
	Usage   domain.TokenUsage
	Latency time.Duration
}

// Invoker submits a prompt and returns text or an error.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, call Call) (Response, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, call Call) (Response, error) {
	return f(ctx, call)
}

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	KindRateLimit       ErrorKind = "rate_limit"
	KindAuthentication  ErrorKind = "authentication"
	KindModel           ErrorKind = "model"
	KindTimeout         ErrorKind = "timeout"
	KindNetwork         ErrorKind = "network"
	KindValidation      ErrorKind = "validation"
	KindServer          ErrorKind = "server"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindCanceled        ErrorKind = "canceled"
	KindUnavailable     ErrorKind = "unavailable"
	KindUnknown         ErrorKind = "unknown"
)

// InvokeError is a classified backend failure.
type InvokeError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *InvokeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Is matches domain.ErrInvocationFailed for every kind.
func (e *InvokeError) Is(target error) bool {
	return target == domain.ErrInvocationFailed
}

// Escalable reports whether a higher tier might succeed where this one
// failed. Authentication, validation and cancellation failures would fail
// the same way on any tier.
func (e *InvokeError) Escalable() bool {
	switch e.Kind {
	case KindAuthentication, KindValidation, KindCanceled:
		return false
	}
	return true
}

// Classify maps any backend error to an *InvokeError.
func Classify(err error) *InvokeError {
	if err == nil {
		return nil
	}
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie
	}
	if errors.Is(err, context.Canceled) {
		return &InvokeError{Kind: KindCanceled, Message: err.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &InvokeError{Kind: KindTimeout, Message: err.Error(), Retryable: true, Err: err}
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return classifyStatus(anthropicErr.StatusCode, err)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return classifyStatus(openaiErr.StatusCode, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &InvokeError{Kind: KindNetwork, Message: err.Error(), Retryable: true, Err: err}
	}
	return classifyMessage(err)
}

func classifyStatus(status int, err error) *InvokeError {
	out := &InvokeError{StatusCode: status, Message: err.Error(), Err: err}
	switch {
	case status == 429:
		out.Kind, out.Retryable = KindRateLimit, true
	case status == 401 || status == 403:
		out.Kind = KindAuthentication
	case status == 404:
		out.Kind = KindModel
	case status == 408:
		out.Kind, out.Retryable = KindTimeout, true
	case status == 400 || status == 413 || status == 422:
		out.Kind = KindValidation
	case status == 529 || status >= 500:
		out.Kind, out.Retryable = KindServer, true
	default:
		out.Kind = KindUnknown
	}
	return out
}

// classifyMessage is the fallback for errors that carry no status code,
// such as failures reported by command backends.
func classifyMessage(err error) *InvokeError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	out := &InvokeError{Kind: KindUnknown, Message: msg, Err: err}
	switch {
	case strings.Contains(msg, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		out.Kind, out.Retryable = KindRateLimit, true
	case strings.Contains(msg, "529") || strings.Contains(lower, "overloaded"):
		out.Kind, out.Retryable = KindServer, true
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		out.Kind, out.Retryable = KindServer, true
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(msg, "EOF") || strings.Contains(lower, "temporary failure"):
		out.Kind, out.Retryable = KindNetwork, true
	case strings.Contains(lower, "timeout"):
		out.Kind, out.Retryable = KindTimeout, true
	case strings.Contains(msg, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "api key"):
		out.Kind = KindAuthentication
	}
	return out
}

func errorFromKind(kind, message string) *InvokeError {
	k := ErrorKind(kind)
	out := &InvokeError{Kind: k, Message: message}
	switch k {
	case KindRateLimit, KindTimeout, KindNetwork, KindServer:
		out.Retryable = true
	case KindAuthentication, KindModel, KindValidation, KindInvalidResponse:
	default:
		out.Kind = KindUnknown
	}
	return out
}
