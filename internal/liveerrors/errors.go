package liveerrors

import "errors"

// Input and access errors, safe to show to the client.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrBiddingClosed   = errors.New("bidding window closed")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Infrastructure errors. ErrLostUpdate must never reach a client: it marks a
// cache write that lost a race and is only logged.
var (
	ErrPersistence = errors.New("persistence failure")
	ErrLostUpdate  = errors.New("lost update on derived cache")
)

// Public reports whether err may be shown to a client verbatim.
func Public(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBiddingClosed) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthenticated)
}

// Code is the short machine-readable name of err's class, used in error
// replies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBiddingClosed):
		return "bidding_closed"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal"
	}
}

// Message is the client-facing text of err. Infrastructure details are
// replaced with a generic message.
func Message(err error) string {
	if Public(err) {
		return err.Error()
	}
	return "internal error"
}
