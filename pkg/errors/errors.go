// Package errors defines the typed error values surfaced by the discovery
// engine. Per-packet and per-file failures are handled locally and counted;
// the errors returned to callers are capture-device, query-input and
// conflict errors, plus signature-parse errors for a rule under test.
package errors

import "fmt"

// Kind categorizes an error per the engine's recovery policy.
type Kind string

const (
	// KindInputFormat covers malformed capture files, unsupported blocks
	// and truncated frames. Counted per record, never aborts an import.
	KindInputFormat Kind = "INPUT_FORMAT"

	// KindDecode covers malformed L2-L4 headers. The frame is skipped.
	KindDecode Kind = "DECODE"

	// KindSignatureParse covers per-file signature rule failures.
	KindSignatureParse Kind = "SIGNATURE_PARSE"

	// KindCaptureDevice covers interface loss, permission denial and
	// invalid BPF filters. Surfaces to the caller.
	KindCaptureDevice Kind = "CAPTURE_DEVICE"

	// KindResource covers ring-buffer drops and other exhaustion events.
	// Reported in statistics only.
	KindResource Kind = "RESOURCE"

	// KindQueryInput covers unknown ids and malformed addresses on query
	// operations. Surfaces to the caller; state unchanged.
	KindQueryInput Kind = "QUERY_INPUT"

	// KindEnrichment covers missing oracle files. The oracle degrades to
	// null lookups.
	KindEnrichment Kind = "ENRICHMENT"

	// KindConflict covers operations rejected because a writer is already
	// active (import vs live capture exclusion).
	KindConflict Kind = "CONFLICT"
)

// Error is a typed engine error with optional structured context.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by kind for errors.Is comparisons.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Kind == t.Kind
}

// WithContext attaches a context value and returns the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps a cause with a typed error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf extracts the kind from an error, or "" for foreign errors.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// IsQueryInput reports whether err is a query-input error.
func IsQueryInput(err error) bool { return KindOf(err) == KindQueryInput }

// IsCaptureDevice reports whether err is a capture-device error.
func IsCaptureDevice(err error) bool { return KindOf(err) == KindCaptureDevice }

// IsConflict reports whether err is a writer-exclusion conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
