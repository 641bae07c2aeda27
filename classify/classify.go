// Package classify implements the ErrorClassifier (spec.md §4.1): a pure
// function mapping a failure to {transient, fatal, unknown} with retry
// advice. Grounded on the teacher's resilience.DefaultErrorClassifier,
// generalized from "is this worth counting against a circuit breaker" to
// the richer transient/fatal/unknown taxonomy the turn loop needs.
package classify

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind is the coarse classification of a failure.
type Kind string

const (
	Transient Kind = "transient"
	Fatal     Kind = "fatal"
	Unknown   Kind = "unknown"
)

// Classification is the result of classifying an error.
type Classification struct {
	Kind        Kind
	Retryable   bool
	BackoffHint time.Duration
	Reason      string
}

// HTTPStatusError is implemented by provider errors that carry an HTTP
// status code; Classify type-asserts for it without importing net/http.
type HTTPStatusError interface {
	StatusCode() int
}

// PolicyDeniedError is implemented by tool-policy rejections.
type PolicyDeniedError interface {
	PolicyDenied() bool
}

// SchemaError is implemented by malformed tool-argument errors.
type SchemaError interface {
	SchemaInvalid() bool
}

var rateLimitPhrase = "rate limit"

// Classify maps err to a Classification. Pure: same err, same result.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Unknown, Retryable: false, Reason: "nil error"}
	}

	if errors.Is(err, context.Canceled) {
		return Classification{Kind: Fatal, Retryable: false, Reason: "cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: Transient, Retryable: true, Reason: "deadline exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Kind: Transient, Retryable: true, Reason: "network timeout"}
		}
		return Classification{Kind: Transient, Retryable: true, Reason: "network error"}
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof") {
		return Classification{Kind: Transient, Retryable: true, Reason: "connection reset"}
	}

	if strings.Contains(msg, rateLimitPhrase) || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return Classification{Kind: Transient, Retryable: true, Reason: "rate limited"}
	}

	var schemaErr SchemaError
	if errors.As(err, &schemaErr) && schemaErr.SchemaInvalid() {
		return Classification{Kind: Fatal, Retryable: false, Reason: "malformed tool arguments"}
	}

	var policyErr PolicyDeniedError
	if errors.As(err, &policyErr) && policyErr.PolicyDenied() {
		return Classification{Kind: Fatal, Retryable: false, Reason: "policy denied"}
	}

	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "unauthenticated") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "auth") {
		return Classification{Kind: Fatal, Retryable: false, Reason: "authentication failure"}
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		switch {
		case code == 429:
			return Classification{Kind: Transient, Retryable: true, Reason: "429 rate limited"}
		case code >= 500:
			return Classification{Kind: Transient, Retryable: true, Reason: "5xx server error"}
		case code >= 400:
			return Classification{Kind: Fatal, Retryable: false, Reason: "4xx client error " + strconv.Itoa(code)}
		}
	}

	if strings.Contains(msg, "5") && (strings.Contains(msg, "internal server error") || strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") || strings.Contains(msg, "gateway timeout")) {
		return Classification{Kind: Transient, Retryable: true, Reason: "5xx server error"}
	}

	return Classification{Kind: Unknown, Retryable: true, Reason: "unclassified error"}
}
