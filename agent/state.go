package agent

// State is the position of one authentication session in its lifecycle.
//
// IDLE is both the initial condition (no session exists) and the de
// facto resting point after any session has been cleaned up: a cookie
// absent from the registry reports IDLE.
type State int

const (
	StateIdle State = iota
	StateInitiated
	StateTryingFIDO
	StateFIDOFailed
	StateWaitingForPassword
	StateAuthenticating
	StateAuthenticationFailed
	StateMaxRetriesExceeded
	StateCompleted
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitiated:
		return "INITIATED"
	case StateTryingFIDO:
		return "TRYING_FIDO"
	case StateFIDOFailed:
		return "FIDO_FAILED"
	case StateWaitingForPassword:
		return "WAITING_FOR_PASSWORD"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case StateMaxRetriesExceeded:
		return "MAX_RETRIES_EXCEEDED"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Method is the credential path currently active for a session.
type Method int

const (
	MethodNone Method = iota
	MethodFIDO
	MethodPassword
)

func (m Method) String() string {
	switch m {
	case MethodFIDO:
		return "FIDO"
	case MethodPassword:
		return "PASSWORD"
	default:
		return "NONE"
	}
}
