package agent

import (
	"time"

	"github.com/jmcleod/polagent/polkit"
)

// session is the per-cookie state of one in-flight credential challenge.
// All fields are guarded by the owning Agent's mutex.
type session struct {
	cookie   string
	actionID string
	identity string

	state         State
	method        Method
	retryCount    int
	fidoAttempted bool

	// fidoAvailable is the reader presence sampled once when the
	// challenge arrived, so credential callbacks never probe hardware.
	fidoAvailable bool

	// conv is the exclusively owned backend conversation; gen rises each
	// time the conversation is replaced or torn down so that callbacks
	// from a superseded conversation are discarded.
	conv polkit.Conversation
	gen  int

	// done completes the requester's pending async result; completed
	// guards against double completion.
	done      func(error)
	completed bool

	// fidoTimer is the single-shot fallback timer, live only while the
	// session is in TRYING_FIDO.
	fidoTimer *time.Timer
}

// complete resolves the pending async result at most once.
func (s *session) complete(err error) {
	if s.completed {
		return
	}
	s.completed = true
	if s.done != nil {
		s.done(err)
	}
}

// stopFIDOTimer cancels the fallback timer if one is armed.
func (s *session) stopFIDOTimer() {
	if s.fidoTimer != nil {
		s.fidoTimer.Stop()
		s.fidoTimer = nil
	}
}
