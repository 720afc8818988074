// Package fault defines the error taxonomy visible to remote callers.
// Every externally-reachable failure wraps exactly one of these sentinels
// so the gateway can map it to a stable machine-readable kind without
// leaking internal detail.
package fault

import "errors"

var (
	// ErrUnauthenticated covers bad or expired signatures and tokens.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound covers unknown accounts, endpoints, and tasks.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers duplicate usernames, already-enrolled endpoints,
	// and already-allocated tasks.
	ErrConflict = errors.New("conflict")
	// ErrForbidden covers explicitly revoked trust.
	ErrForbidden = errors.New("forbidden")
	// ErrUnreachable covers transient network failures to a peer.
	ErrUnreachable = errors.New("unreachable")
	// ErrInvalid covers malformed request payloads.
	ErrInvalid = errors.New("invalid")
)

// Kind returns the stable machine-readable kind for err, or "internal" when
// err does not wrap a taxonomy sentinel.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "internal"
	}
}
