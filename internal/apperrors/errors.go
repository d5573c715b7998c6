// Package apperrors defines the ingestion error taxonomy. Every error that
// reaches the HTTP layer or the queue consumer is classified here so callers
// can decide between rejecting, retrying and answering 5xx.
package apperrors

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextSignature         = "SIGNATURE_INVALID"
	TextValidation        = "VALIDATION_FAILED"
	TextUnknownEvent      = "UNKNOWN_EVENT_KIND"
	TextEntityResolution  = "ENTITY_RESOLUTION_FAILED"
	TextPersistence       = "PERSISTENCE_FAILED"
	TextDownstreamTimeout = "DOWNSTREAM_TIMEOUT"
	TextInternal          = "INTERNAL_ERROR"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapError(source error, category goerrors.Category, message string, code int, textCode string) error {
	if source == nil {
		return newError(message, category, code, textCode, nil)
	}
	return goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
}

// Signature reports an untrusted delivery. Never retried.
func Signature(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, TextSignature, nil)
}

// Validation reports a malformed payload. Never retried.
func Validation(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryValidation, http.StatusBadRequest, TextValidation, metadata)
}

// UnknownEvent reports an event name outside the supported taxonomy.
func UnknownEvent(name string) error {
	return newError("unsupported event: "+name, goerrors.CategoryBadInput, http.StatusBadRequest, TextUnknownEvent,
		map[string]any{"event": name})
}

// EntityResolution wraps a transient failure resolving a customer or ticket.
func EntityResolution(source error, message string) error {
	return wrapError(source, goerrors.CategoryOperation, message, http.StatusInternalServerError, TextEntityResolution)
}

// Persistence wraps a transient failure writing a message.
func Persistence(source error, message string) error {
	return wrapError(source, goerrors.CategoryInternal, message, http.StatusInternalServerError, TextPersistence)
}

// DownstreamTimeout wraps a broker or fanout timeout. It never fails a committed write.
func DownstreamTimeout(source error, message string) error {
	return wrapError(source, goerrors.CategoryExternal, message, http.StatusGatewayTimeout, TextDownstreamTimeout)
}

func rich(err error) (*goerrors.Error, bool) {
	var e *goerrors.Error
	if err != nil && goerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusCode returns the HTTP status for err, 500 for unclassified errors.
func StatusCode(err error) int {
	if e, ok := rich(err); ok && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// TextCode returns the machine readable code for err.
func TextCode(err error) string {
	if e, ok := rich(err); ok && e.TextCode != "" {
		return e.TextCode
	}
	return TextInternal
}

// IsRetryable reports whether redelivering the same work could succeed.
// Rejections (signature, validation, unknown event) are permanent; anything
// unclassified is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch TextCode(err) {
	case TextSignature, TextValidation, TextUnknownEvent:
		return false
	}
	return true
}

// Is reports whether err carries the given text code.
func Is(err error, textCode string) bool {
	return err != nil && TextCode(err) == textCode
}
