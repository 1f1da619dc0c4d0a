package api

import (
	"errors"
	"net/http"

	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/domain/evaluation"
)

// Sentinel kinds for API errors.
var (
	ErrServe              = errors.New("http serve failed")
	ErrBadRequest         = errors.New("bad request")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrTooManyEvaluations = errors.New("too many evaluations")
	ErrInvalidClientKey   = errors.New("invalid client key")
)

// Error carries the failing operation and an error kind alongside the cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Op + ": " + e.Kind.Error()
	case e.Kind == nil:
		return e.Op + ": " + e.Err.Error()
	default:
		return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewKind returns an error of kind raised by op.
func NewKind(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

// WrapKind tags err with kind and op.
func WrapKind(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Wrap tags err with op, keeping whatever kind err already carries.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// KindOf returns the kind recorded on err, or nil.
func KindOf(err error) error {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind != nil {
			return e.Kind
		}
		err = e.Err
	}
	return nil
}

// statusOf maps an error to its HTTP status and response code.
func statusOf(err error) (int, string) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig), errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, ErrTooManyEvaluations):
		return http.StatusRequestEntityTooLarge, "too_many_evaluations"
	case errors.Is(err, ErrInvalidClientKey):
		return http.StatusUnauthorized, "invalid_client_key"
	case errors.Is(err, ErrBadRequest), errors.Is(err, evaluation.ErrValidation):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, evaluation.ErrConsentRequired):
		return http.StatusForbidden, "consent_required"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, repository.ErrAlreadyWithdrawn):
		return http.StatusConflict, "already_withdrawn"
	case errors.Is(err, evaluation.ErrTransientStore):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
