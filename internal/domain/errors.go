package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrAlreadyExists is returned when a unique record was written concurrently.
	ErrAlreadyExists = errors.New("entity already exists")
)

// Kind classifies a failure for the retry policy.
type Kind string

const (
	// KindPoison marks input that can never be processed (malformed envelope).
	KindPoison Kind = "poison"
	// KindValidation marks schema, geometry or business-rule failures.
	KindValidation Kind = "validation"
	// KindTransient marks network, timeout, throttling and capacity failures.
	KindTransient Kind = "transient"
	// KindNotFound marks a missing referenced entity.
	KindNotFound Kind = "not_found"
	// KindUnknown marks anything unclassified. Treated as retryable.
	KindUnknown Kind = "unknown"
)

// Error carries a Kind alongside the failed operation and its cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + string(e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Validation wraps err as a terminal validation failure of op.
func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Poison wraps err as an unprocessable message.
func Poison(op string, err error) error {
	return &Error{Kind: KindPoison, Op: op, Err: err}
}

// NotFound reports that what was missing during op. It matches ErrNotFound.
func NotFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s: %w", what, ErrNotFound)}
}

var (
	transientPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"unexpected eof",
		"throttl",
		"rate limit",
		"rate exceeded",
		"too many requests",
		"overloaded",
		"service unavailable",
		"capacity",
	}
	validationPatterns = []string{
		"validation",
		"invalid",
		"malformed",
		"schema",
	}
)

// KindOf classifies err. A *Error anywhere in the chain wins; context and
// net.Error timeouts are transient; otherwise the message is matched against
// known transient and validation phrases. Anything left is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, transientPatterns) {
		return KindTransient
	}
	if containsAny(msg, validationPatterns) {
		return KindValidation
	}
	return KindUnknown
}

// IsRetryable reports whether a failure should be retried with backoff.
// Unclassified errors retry: one extra attempt beats silently dropping work.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return true
	default:
		return false
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
