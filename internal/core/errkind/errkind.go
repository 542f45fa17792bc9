// Package errkind classifies collector errors into the kinds the HTTP
// surface and metrics report on. Kinds are values; only the router turns
// them into status codes.
package errkind

import (
	"errors"
	"fmt"
)

type Kind string

const (
	SchemaError            Kind = "schema_error"
	PayloadTooLarge        Kind = "payload_too_large"
	EnrichmentUnavailable  Kind = "enrichment_unavailable"
	ScoringDegraded        Kind = "scoring_degraded"
	StoreTransient         Kind = "store_transient"
	StoreFatal             Kind = "store_fatal"
	QueryParamError        Kind = "query_param_error"
	NotFound               Kind = "not_found"
	BackpressureExhausted  Kind = "backpressure"
	ConfigInvalid          Kind = "config_invalid"
	ModelLoadFailure       Kind = "model_load_failure"
)

// Kinds lists every kind the health surface reports counters for.
func Kinds() []Kind {
	return []Kind{
		SchemaError, PayloadTooLarge, EnrichmentUnavailable, ScoringDegraded,
		StoreTransient, StoreFatal, QueryParamError, NotFound,
		BackpressureExhausted, ConfigInvalid, ModelLoadFailure,
	}
}

// Error tags an underlying error with a Kind. It unwraps to the cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. A nil err still yields a non-nil
// kinded error so callers can signal a condition without a cause.
func New(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// Newf builds a kinded error from a format string.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Of extracts the Kind from err, or "" when err carries none.
func Of(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return Of(err) == k
}
