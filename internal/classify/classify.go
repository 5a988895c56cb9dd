// Package classify implements the error taxonomy that steers ingestion
// failures between the retry and dead-letter paths (spec §4.7).
//
// Errors are built with the constructors below so that a single call to
// Classify recovers both the operator-facing Kind and the HTTP status code,
// without a type switch over concrete error structs. Retryability is also
// expressed with the teacher's transient.Tag idiom
// (appengine/weetbix/app/pubsub.go, appengine/weetbix/internal/clustering/
// reclustering/worker.go) so any caller that only knows about transient.Tag
// still dispatches correctly.
package classify

import (
	"fmt"
	"net/http"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// Kind is the taxonomy bucket an error falls into.
type Kind int

const (
	// Internal is the fallback bucket for uncategorised errors. Fail-open:
	// treated as retryable so redelivery is preferred over silent data loss.
	Internal Kind = iota
	BadSchema
	InvalidInput
	UnsupportedPayload
	Unauthorized
	Forbidden
	ApiNotEnabled
	Transient
)

func (k Kind) String() string {
	switch k {
	case BadSchema:
		return "BadSchema"
	case InvalidInput:
		return "InvalidInput"
	case UnsupportedPayload:
		return "UnsupportedPayload"
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	case ApiNotEnabled:
		return "ApiNotEnabled"
	case Transient:
		return "Transient"
	default:
		return "Internal"
	}
}

// Status returns the HTTP status the dispatcher should write for this kind.
func (k Kind) Status() int {
	switch k {
	case BadSchema:
		return http.StatusBadRequest
	case InvalidInput, UnsupportedPayload, Unauthorized, Forbidden, ApiNotEnabled:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the push transport should expect a retry to
// succeed. Only Transient and Internal are retryable; everything else acks
// without retry.
func (k Kind) Retryable() bool {
	return k == Transient || k == Internal
}

// kindedError is the concrete error type every constructor below produces.
// It wraps an underlying luci/common/errors chain (built with Reason or
// Annotate, so annotations still print the usual "context: cause" form) and
// records the bucket alongside it.
type kindedError struct {
	kind Kind
	err  error
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Unwrap() error { return e.err }

func build(kind Kind, err error) error {
	tagged := transient.Tag.Apply(err)
	if !kind.Retryable() {
		// errors.Annotate/Reason produce errors only ever tagged "true" by
		// Apply; a permanent kind must not carry the transient tag at all,
		// so leave err untagged for those buckets.
		tagged = err
	}
	return &kindedError{kind: kind, err: tagged}
}

func reason(kind Kind, format string, args ...interface{}) error {
	return build(kind, errors.Reason(format, args...).Err())
}

// Classify recovers the Kind from an error built by this package. Errors
// that were never classified here fall back to transient.Tag: tagged
// transient errors (e.g. from cloud.google.com/go client libraries, which
// tag context.DeadlineExceeded and similar) classify as Transient,
// everything else as Internal (fail-open).
func Classify(err error) Kind {
	if err == nil {
		return Internal
	}
	var ke *kindedError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if transient.Tag.In(err) {
		return Transient
	}
	return Internal
}

// BadSchemaf builds a BadSchema error: the push envelope didn't match any
// known schema (§4.1). Never retried.
func BadSchemaf(format string, args ...interface{}) error { return reason(BadSchema, format, args...) }

// InvalidInputf builds an InvalidInput error: malformed DICOM, archive, or
// bucket path (§4.7 permanent triggers).
func InvalidInputf(format string, args ...interface{}) error {
	return reason(InvalidInput, format, args...)
}

// UnsupportedPayloadf builds an UnsupportedPayload error: an embedding was
// required but the SOP class isn't in the embedding track (§4.4 step 2).
func UnsupportedPayloadf(format string, args ...interface{}) error {
	return reason(UnsupportedPayload, format, args...)
}

// Unauthorizedf builds an Unauthorized error (vendor API 401).
func Unauthorizedf(format string, args ...interface{}) error {
	return reason(Unauthorized, format, args...)
}

// Forbiddenf builds a Forbidden error (vendor API 403).
func Forbiddenf(format string, args ...interface{}) error {
	return reason(Forbidden, format, args...)
}

// ApiNotEnabledf builds an ApiNotEnabled error, carrying a remediation URL
// in the message per §4.5.
func ApiNotEnabledf(remediationURL, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return reason(ApiNotEnabled, "%s (enable the API: %s)", msg, remediationURL)
}

// Transientf builds a Transient error: timeouts, 429s, connection resets.
func Transientf(format string, args ...interface{}) error {
	return reason(Transient, format, args...)
}

// Wrap annotates an existing error with additional context while
// preserving its classification, mirroring the teacher's
// errors.Annotate(err, ...).Err() idiom (appengine/weetbix/internal/bqutil).
// If err wasn't previously classified, the wrapped error classifies as
// Internal (fail-open) unless it already carries a transient.Tag.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	kind := Classify(err)
	wrapped := errors.Annotate(err, format, args...).Err()
	return build(kind, wrapped)
}

// Body is the JSON shape written on HTTP error responses (§7).
type Body struct {
	Code      string `json:"code"`
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

// ToBody builds the response body for err, using messageID for correlation
// (WS error frames reuse the same field, §4.10).
func ToBody(err error, messageID string) Body {
	k := Classify(err)
	return Body{Code: k.String(), MessageID: messageID, Reason: err.Error()}
}
