// Package gateway provides clients for the remote inference services
// MuninnDB depends on.
//
// The gateway exposes four capabilities behind one interface:
//   - Embed: text -> fixed-dimensionality vector (semantic pre-filter)
//   - Judge: prompt -> same/distinct verdict with a confidence score
//   - Merge: prompt -> one consolidated question/answer pair
//   - Refine: prompt -> cleaned text (gleaning rounds)
//
// The backing services are treated as unreliable, rate-limited and
// latency-variable. Every failure is classified as transient, rate-limited
// or permanent so the task scheduler can decide whether to retry; nothing
// in the store or scheduler depends on which LLM backend sits behind the
// interface.
//
// Example Usage:
//
//	client := gateway.NewHTTPClient(gateway.DefaultConfig())
//
//	vec, err := client.Embed(ctx, "battery life?")
//	if err != nil {
//		if gateway.IsTransient(err) {
//			// retry later
//		}
//		return err
//	}
//	fmt.Printf("dimensions: %d\n", len(vec))
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Verdict is the adjudication outcome for a candidate similarity group.
type Verdict string

const (
	// VerdictSame means the adjudicator considers the group's records
	// semantically equivalent.
	VerdictSame Verdict = "same"

	// VerdictDistinct means at least one record does not belong.
	VerdictDistinct Verdict = "distinct"
)

// Judgement is the result of one adjudication request.
type Judgement struct {
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

// Consolidation is the result of one merge request: a single
// question/answer pair covering every member of the merged group.
type Consolidation struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Client is the inference gateway consumed by the similarity and merge
// engines. Implementations must be safe for concurrent use; the scheduler
// issues up to its concurrency ceiling of calls in parallel.
type Client interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Judge runs one adjudication prompt and returns the parsed verdict.
	Judge(ctx context.Context, prompt string) (Judgement, error)

	// Merge runs one consolidation prompt and returns the merged pair.
	Merge(ctx context.Context, prompt string) (Consolidation, error)

	// Refine runs one text-refinement prompt and returns the revised text.
	Refine(ctx context.Context, prompt string) (string, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// Model returns the chat model name, for provenance and logging.
	Model() string
}

// ErrorKind classifies a gateway failure for retry purposes.
type ErrorKind int

const (
	// KindTransient failures (timeouts, 5xx, connection resets) may be
	// retried with the same payload.
	KindTransient ErrorKind = iota

	// KindRateLimited failures are transient and additionally signal the
	// scheduler to reduce its effective concurrency.
	KindRateLimited

	// KindPermanent failures (4xx, malformed responses) are not retried.
	KindPermanent
)

// Error is the failure type returned by all gateway calls.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status when applicable, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("gateway rate limited: %v", e.Err)
	case KindPermanent:
		return fmt.Sprintf("gateway permanent failure: %v", e.Err)
	default:
		return fmt.Sprintf("gateway transient failure: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err may be retried with the same payload.
// Rate-limited errors count as transient.
func IsTransient(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == KindTransient || ge.Kind == KindRateLimited
	}
	// Timeouts and cancellations from the per-call deadline are retryable;
	// a cancelled parent context is handled by the scheduler itself.
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRateLimited reports whether err carries a rate-limit signal.
func IsRateLimited(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindRateLimited
}

// NewTransientError wraps err as a retryable gateway failure.
func NewTransientError(status int, err error) *Error {
	return &Error{Kind: KindTransient, Status: status, Err: err}
}

// NewPermanentError wraps err as a non-retryable gateway failure.
func NewPermanentError(status int, err error) *Error {
	return &Error{Kind: KindPermanent, Status: status, Err: err}
}

// NewRateLimitedError wraps err as a rate-limit signal.
func NewRateLimitedError(status int, err error) *Error {
	return &Error{Kind: KindRateLimited, Status: status, Err: err}
}
