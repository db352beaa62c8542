// Package llm provides the JSON-completion client the memory core uses for
// evaluation, contradiction adjudication and structured reflection.
//
// The core never depends on a concrete provider: it asks for a JSON object
// matching a prompt and either gets bytes back or a failure. LLM failures
// are always survivable: jobs are dropped or deferred, never surfaced to
// the calling agent.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when no LLM backend is configured or reachable.
var ErrUnavailable = errors.New("llm unavailable")

// DefaultTimeout bounds a single JSON completion.
const DefaultTimeout = 30 * time.Second

// Client produces JSON completions.
type Client interface {
	// CompleteJSON sends prompt to the model and returns the raw JSON bytes
	// of the completion. Implementations enforce timeout; zero means
	// DefaultTimeout.
	CompleteJSON(ctx context.Context, prompt string, timeout time.Duration) ([]byte, error)

	// Available reports whether the backend is expected to answer. Callers
	// use this to skip work early; a true result is not a guarantee.
	Available() bool

	// Close releases client resources.
	Close() error
}
