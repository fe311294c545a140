package agent

import "errors"

var (
	// ErrNoSession is returned when a submission names a cookie with no
	// live session. Sessions that ended, including those locked out by
	// retry exhaustion, are removed immediately, so late submissions for
	// them land here too.
	ErrNoSession = errors.New("no active authentication session for cookie")

	// ErrDuplicateCookie is returned when the authority initiates a
	// second authentication with a cookie that is already in flight.
	ErrDuplicateCookie = errors.New("authentication already in progress for cookie")

	// ErrNoIdentity is returned when a challenge arrives with no
	// identities to authenticate as.
	ErrNoIdentity = errors.New("no identity available for authentication")
)

// DefaultErrorMessage maps a failure state to its canonical user-facing
// message, phrased for the credential method that failed. Callers may
// substitute their own text, but this default is always available.
func DefaultErrorMessage(state State, method Method) string {
	switch state {
	case StateAuthenticationFailed:
		if method == MethodFIDO {
			return "Security key authentication failed. Please try again."
		}
		return "Sorry, that didn't work. Please try again."
	case StateFIDOFailed:
		return "Security key not detected. Please enter your password."
	case StateMaxRetriesExceeded:
		return "Too many failed attempts. Authentication is locked."
	case StateCancelled:
		return "Authentication was cancelled."
	case StateError:
		return "An error occurred during authentication."
	default:
		return "Authentication failed."
	}
}
