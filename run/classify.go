package run

import (
	"context"
	"errors"
	"net"
	"strings"
)

// FailureReason is the closed classification of a failed run attempt.
type FailureReason string

const (
	ReasonTimedOut      FailureReason = "timed_out"
	ReasonRateLimited   FailureReason = "rate_limited"
	ReasonUnauthorized  FailureReason = "unauthorized"
	ReasonInvalidConfig FailureReason = "invalid_configuration"
	ReasonCancelled     FailureReason = "cancelled"
	ReasonNetwork       FailureReason = "network"
	ReasonUnknown       FailureReason = "unknown"
)

// Substring heuristics for providers that report limits only through free-form
// messages. Fragile across providers, so locked by tests; structured codes on
// *Error take priority where present.
var (
	timeoutHints   = []string{"timed out", "timeout"}
	rateLimitHints = []string{"too many requests", "rate limit", "rate-limit", "429", "http 429"}
)

// Classify maps a raw error to a FailureReason. The rules apply in priority
// order: cancellation, timeout, rate limit, explicit unauthorized/invalid
// configuration, transport origin, unknown. Classification is deterministic
// for a given error value.
func Classify(err error, kind TaskKind) FailureReason {
	if err == nil {
		return ReasonUnknown
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return ReasonTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimedOut
	}

	msg := strings.ToLower(err.Error())

	var se *Error
	if errors.As(err, &se) {
		switch se.Code {
		case ErrTimeout:
			return ReasonTimedOut
		case ErrRateLimited:
			return ReasonRateLimited
		case ErrUnauthorized:
			return ReasonUnauthorized
		case ErrInvalidConfig, ErrInvalidRequest:
			return ReasonInvalidConfig
		}
		if se.HTTPStatus == 429 {
			return ReasonRateLimited
		}
	}

	if containsAny(msg, timeoutHints) {
		return ReasonTimedOut
	}
	if containsAny(msg, rateLimitHints) {
		return ReasonRateLimited
	}

	if se != nil && (se.Code == ErrNetwork || se.Code == ErrUpstream) {
		return ReasonNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ReasonNetwork
	}

	return ReasonUnknown
}

func containsAny(msg string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
