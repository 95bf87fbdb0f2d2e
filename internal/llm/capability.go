// Package llm provides the extraction capability: a remote model that turns
// a prompt into a structured JSON document.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
)

// ErrEmptyResponse is returned when the provider answers without text.
var ErrEmptyResponse = errors.New("empty response from provider")

// Request is one extraction call.
type Request struct {
	System string
	Prompt string
	// Metadata describes the request for logs; it is not sent.
	Metadata map[string]string
}

// Response is the raw provider answer.
type Response struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Capability generates a structured document from a request.
type Capability interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Provider() string
	Model() string
}

// classifyStatus maps a provider HTTP status onto an error kind. Auth and
// routing failures are configuration problems that an operator fixes, so
// they are retried rather than losing the job.
func classifyStatus(op string, status int, err error) error {
	err = fmt.Errorf("status %d: %w", status, err)
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return domain.Validation(op, err)
	case status == http.StatusRequestTimeout, status == http.StatusConflict,
		status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return domain.Transient(op, err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return domain.Transient(op, err)
	default:
		return &domain.Error{Kind: domain.KindUnknown, Op: op, Err: err}
	}
}
