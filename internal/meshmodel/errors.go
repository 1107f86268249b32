package meshmodel

import "errors"

// Error taxonomy. Every package-level error returned across a public
// boundary wraps one of these via %w so the daemon layer can map it to an
// HTTP status without inspecting strings.
var (
	ErrNotFound         = errors.New("not_found")
	ErrNotAuthorized    = errors.New("not_authorized")
	ErrNoCapability      = errors.New("no_capability")
	ErrValidation       = errors.New("validation_error")
	ErrTimeout          = errors.New("timeout")
	ErrTransportFailure = errors.New("transport_failure")
	ErrHandlerError     = errors.New("handler_error")
	ErrOwnerConflict    = errors.New("owner_conflict")
	ErrStale            = errors.New("stale")
)

// StatusCode maps a taxonomy error to the HTTP status the daemon should
// respond with. Unrecognized errors map to 500.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrNotAuthorized):
		return 401
	case errors.Is(err, ErrNoCapability):
		return 403
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrTimeout):
		return 408
	case errors.Is(err, ErrOwnerConflict):
		return 409
	case errors.Is(err, ErrTransportFailure):
		return 504
	case errors.Is(err, ErrStale):
		return 503
	case errors.Is(err, ErrHandlerError):
		return 500
	default:
		return 500
	}
}
