package analysis

import (
	"context"
	"fmt"
	"strings"

	"audio-analyzer/internal/models"
)

// Kind classifies an analysis failure.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindOversizedInput    Kind = "oversized_input"
	KindTimeout           Kind = "analysis_timeout"
	KindResourceExhausted Kind = "resource_exhausted"
	KindAnalyzerFault     Kind = "analyzer_fault"
)

// Permanent reports whether retrying a failure of this kind is pointless.
// Missing files stay retryable: library syncs and downloads can land later.
func (k Kind) Permanent() bool {
	switch k {
	case KindOversizedInput, KindTimeout, KindResourceExhausted:
		return true
	}
	return false
}

// Failure is the failure variant of a Result.
type Failure struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Permanent bool   `json:"permanent"`
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Result is either a feature record or a tagged failure, never both.
type Result struct {
	Features *models.Features `json:"features,omitempty"`
	Failure  *Failure         `json:"failure,omitempty"`
}

// Success wraps a feature record.
func Success(f models.Features) Result {
	return Result{Features: &f}
}

// Fail builds a failure result. Generic faults whose message carries an
// out-of-memory signature are promoted to resource exhaustion.
func Fail(kind Kind, message string) Result {
	if kind == KindAnalyzerFault && IsOutOfMemory(message) {
		kind = KindResourceExhausted
	}
	return Result{Failure: &Failure{Kind: kind, Message: message, Permanent: kind.Permanent()}}
}

// Failf is Fail with formatting.
func Failf(kind Kind, format string, args ...any) Result {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// OK reports whether the result carries features.
func (r Result) OK() bool {
	return r.Failure == nil && r.Features != nil
}

// Normalize turns a zero Result into an analyzer fault so callers never see
// a result with neither variant set.
func (r Result) Normalize() Result {
	if r.Failure == nil && r.Features == nil {
		return Fail(KindAnalyzerFault, "analyzer returned no result")
	}
	return r
}

// IsOutOfMemory matches the memory exhaustion signatures seen in analyzer output.
func IsOutOfMemory(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(message, "MemoryError") ||
		strings.Contains(lower, "out of memory") ||
		strings.Contains(lower, "cannot allocate memory") ||
		strings.Contains(lower, "std::bad_alloc")
}

// Analyzer turns a source path into a Result. Implementations may be slow
// and are not expected to honour cancellation promptly.
type Analyzer interface {
	Analyze(ctx context.Context, path string) Result
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, path string) Result

func (f AnalyzerFunc) Analyze(ctx context.Context, path string) Result {
	return f(ctx, path)
}
