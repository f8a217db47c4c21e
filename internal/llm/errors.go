package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason classifies a requester failure.
type FailoverReason string

const (
	ReasonRateLimit     FailoverReason = "rate_limit"
	ReasonAuth          FailoverReason = "auth"
	ReasonBilling       FailoverReason = "billing"
	ReasonTimeout       FailoverReason = "timeout"
	ReasonServerError   FailoverReason = "server_error"
	ReasonBadRequest    FailoverReason = "bad_request"
	ReasonUnknownModel  FailoverReason = "unknown_model"
	ReasonUnsupported   FailoverReason = "unsupported_modality"
	ReasonContentFilter FailoverReason = "content_filter"
	ReasonUnknown       FailoverReason = "unknown"
)

// IsRetryable reports whether another attempt may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// RequesterError is a failed model or embedding call.
type RequesterError struct {
	Reason    FailoverReason
	Requester string
	Model     string
	Status    int
	Message   string
	Cause     error
}

func (e *RequesterError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Requester != "" {
		parts = append(parts, e.Requester)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *RequesterError) Unwrap() error { return e.Cause }

// NewRequesterError wraps cause, classifying it by its text unless it is
// already a RequesterError.
func NewRequesterError(requester, model string, cause error) *RequesterError {
	var re *RequesterError
	if errors.As(cause, &re) {
		if re.Requester == "" {
			re.Requester = requester
		}
		if re.Model == "" {
			re.Model = model
		}
		return re
	}
	err := &RequesterError{Requester: requester, Model: model, Cause: cause, Reason: ReasonUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus records an HTTP status and reclassifies from it.
func (e *RequesterError) WithStatus(status int) *RequesterError {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// Unsupported reports a content modality a requester cannot send.
func Unsupported(requester string, modality string) *RequesterError {
	return &RequesterError{
		Reason:    ReasonUnsupported,
		Requester: requester,
		Message:   fmt.Sprintf("content type %s is not supported by %s", modality, requester),
	}
}

// IsRetryable reports whether err is a retryable RequesterError.
func IsRetryable(err error) bool {
	var re *RequesterError
	if errors.As(err, &re) {
		return re.Reason.IsRetryable()
	}
	return Classify(err).IsRetryable()
}

// Classify maps an error to a FailoverReason.
func Classify(err error) FailoverReason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(s, "rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case containsAny(s, "billing", "quota", "insufficient", "402"):
		return ReasonBilling
	case containsAny(s, "content_filter", "content policy"):
		return ReasonContentFilter
	case containsAny(s, "model not found", "model_not_found", "does not exist"):
		return ReasonUnknownModel
	case containsAny(s, "internal server", "server error", "500", "502", "503", "504", "overloaded"):
		return ReasonServerError
	case containsAny(s, "bad request", "invalid_request", "400"):
		return ReasonBadRequest
	}
	return ReasonUnknown
}

func classifyStatus(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonBadRequest
	case status == http.StatusNotFound:
		return ReasonUnknownModel
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
