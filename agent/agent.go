// Package agent implements the authentication session state machine: it
// accepts challenges from the system authority, drives backend
// conversations through the security-key and password paths, enforces
// the retry limit, and reports progress to a notification sink.
package agent

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/polagent/fido"
	"github.com/jmcleod/polagent/polkit"
)

const (
	// MaxAuthRetries is the number of failed credential submissions a
	// session tolerates before permanent lockout. The limit exists to
	// avoid tripping the backend's own account-lockout mechanism.
	MaxAuthRetries = 3

	// FIDOTimeout is how long a security-key auto-attempt may run before
	// the session falls back to password.
	FIDOTimeout = 15 * time.Second
)

// Sink receives the agent's outward-facing notifications. The IPC
// server implements it to translate state changes into wire messages.
type Sink interface {
	// ShowAuthDialog asks the UI to present an authentication dialog.
	ShowAuthDialog(actionID, message, iconName, cookie string)
	// PasswordRequest asks the UI for a credential.
	PasswordRequest(actionID, prompt string, echo bool, cookie string)
	// AuthorizationResult reports the final verdict for an action.
	AuthorizationResult(authorized bool, actionID string)
	// AuthorizationError reports an unrecoverable authorization failure.
	AuthorizationError(errText string)
	// AuthenticationFailure reports a failure state together with the
	// canonical user-facing message for it. defaultMsg may be replaced
	// by the consumer; details carries technical context.
	AuthenticationFailure(cookie string, state State, method Method, defaultMsg, details string)
}

// noopSink discards notifications; it stands in until SetSink is called.
type noopSink struct{}

func (noopSink) ShowAuthDialog(string, string, string, string)               {}
func (noopSink) PasswordRequest(string, string, bool, string)                {}
func (noopSink) AuthorizationResult(bool, string)                            {}
func (noopSink) AuthorizationError(string)                                   {}
func (noopSink) AuthenticationFailure(string, State, Method, string, string) {}

// Agent owns the session registry and all state machine transitions.
// Conversations and timers call back from their own goroutines; a
// single mutex serializes every transition, preserving the per-cookie
// ordering the backend guarantees.
type Agent struct {
	mu       sync.Mutex
	sessions map[string]*session

	convs    polkit.ConversationFactory
	detector fido.Detector
	sink     Sink
	logger   *slog.Logger

	fidoTimeout time.Duration
	maxRetries  int

	// currentActionID mirrors the most recent action for the result
	// emitted by a global cancel.
	currentActionID string
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger.With("component", "agent")
	}
}

// WithFIDOTimeout overrides the security-key fallback timeout.
func WithFIDOTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.fidoTimeout = d
	}
}

// New creates an Agent. The factory supplies one backend conversation
// per challenge; the detector gates the security-key auto-attempt.
func New(convs polkit.ConversationFactory, detector fido.Detector, opts ...Option) *Agent {
	a := &Agent{
		sessions:    make(map[string]*session),
		convs:       convs,
		detector:    detector,
		sink:        noopSink{},
		fidoTimeout: FIDOTimeout,
		maxRetries:  MaxAuthRetries,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "agent")
	}
	return a
}

// SetSink installs the notification sink. Call before the agent is
// registered with the authority.
func (a *Agent) SetSink(sink Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// ---------------------------------------------------------------------------
// State inspection (testing and debugging)
// ---------------------------------------------------------------------------

// State reports the state for a cookie; absent cookies are IDLE.
func (a *Agent) State(cookie string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[cookie]; ok {
		return s.state
	}
	return StateIdle
}

// Method reports the active credential path for a cookie.
func (a *Agent) Method(cookie string) Method {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[cookie]; ok {
		return s.method
	}
	return MethodNone
}

// RetryCount reports the failed-submission count for a cookie.
func (a *Agent) RetryCount(cookie string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[cookie]; ok {
		return s.retryCount
	}
	return 0
}

// ActiveSessions reports how many sessions are in flight.
func (a *Agent) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// ---------------------------------------------------------------------------
// Authority-facing operations (polkit.Listener)
// ---------------------------------------------------------------------------

// BeginAuthentication handles a challenge initiated by the authority:
// it creates the session, starts the backend conversation eagerly so
// the first credential prompt needs no extra round trip, and surfaces
// the dialog. done is completed exactly once with the final outcome.
func (a *Agent) BeginAuthentication(actionID, message, iconName, cookie string, identities []string, done func(error)) {
	// The reader probe can shell out and take up to a second; sample it
	// before taking the lock so it never stalls other sessions.
	fidoAvailable := a.detector.Present()

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.sessions[cookie]; exists {
		a.logger.Warn("duplicate authentication cookie", "cookie", cookie)
		done(ErrDuplicateCookie)
		return
	}
	if len(identities) == 0 {
		done(ErrNoIdentity)
		return
	}

	s := &session{
		cookie:        cookie,
		actionID:      actionID,
		identity:      identities[0],
		state:         StateInitiated,
		fidoAvailable: fidoAvailable,
		done:          done,
	}
	a.sessions[cookie] = s
	a.currentActionID = actionID
	a.setState(s, StateInitiated)

	s.conv = a.convs(s.identity, cookie, &convHandler{agent: a, cookie: cookie, gen: s.gen})
	if err := s.conv.Initiate(); err != nil {
		a.logger.Error("conversation initiate failed", "cookie", cookie, "error", err)
		a.failSession(s, fmt.Sprintf("could not start authentication: %v", err))
		return
	}

	a.sink.ShowAuthDialog(actionID, message, iconName, cookie)
}

// CancelAuthentication tears down the session for one cookie at the
// authority's request.
func (a *Agent) CancelAuthentication(cookie string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[cookie]; ok {
		a.cancelSession(s)
	}
}

// ---------------------------------------------------------------------------
// UI-facing operations (driven by the IPC server)
// ---------------------------------------------------------------------------

// CheckAuthorization surfaces the dialog for a UI-initiated
// authorization check. The actual challenge arrives separately via
// BeginAuthentication once the authority decides one is needed.
func (a *Agent) CheckAuthorization(actionID, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentActionID = actionID
	a.sink.ShowAuthDialog(actionID, fmt.Sprintf("Authentication required for %s", actionID), "dialog-password", "")
}

// CancelAuthorization tears down every live session. Cancellation is
// deliberately global: no per-cookie cancel is surfaced to the UI.
func (a *Agent) CancelAuthorization() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.sessions {
		a.cancelSession(s)
	}
	a.sink.AuthorizationResult(false, a.currentActionID)
}

// SubmitAuthentication forwards a credential from the UI. An empty
// response is the signal that the security-key path should proceed; a
// non-empty response always switches the session to the password path,
// cancelling a pending security-key attempt if one is racing.
func (a *Agent) SubmitAuthentication(cookie, response string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[cookie]
	if !ok {
		return ErrNoSession
	}

	if response == "" {
		if s.state == StateTryingFIDO {
			s.conv.SetResponse("")
			return nil
		}
		if !s.fidoAttempted {
			a.enterFIDO(s)
			return nil
		}
		return fmt.Errorf("empty response after security-key attempt for cookie %q", cookie)
	}

	s.stopFIDOTimer()
	s.method = MethodPassword
	a.setState(s, StateAuthenticating)
	s.conv.SetResponse(response)
	return nil
}

// ---------------------------------------------------------------------------
// Conversation callbacks
// ---------------------------------------------------------------------------

// convHandler routes callbacks from one conversation generation into
// the agent. A stale generation (conversation replaced or torn down)
// is discarded without touching session state.
type convHandler struct {
	agent  *Agent
	cookie string
	gen    int
}

func (h *convHandler) Request(prompt string, echoVisible bool) {
	h.agent.handleRequest(h.cookie, h.gen, prompt, echoVisible)
}

func (h *convHandler) Completed(success bool) {
	h.agent.handleCompleted(h.cookie, h.gen, success)
}

func (h *convHandler) ShowError(text string) {
	h.agent.handleShowError(h.cookie, h.gen, text)
}

func (h *convHandler) ShowInfo(text string) {
	h.agent.logger.Debug("backend info", "cookie", h.cookie, "text", text)
}

// lookup returns the session for a cookie if the callback generation is
// still current.
func (a *Agent) lookup(cookie string, gen int) *session {
	s, ok := a.sessions[cookie]
	if !ok || s.gen != gen {
		return nil
	}
	return s
}

func (a *Agent) handleRequest(cookie string, gen int, prompt string, echoVisible bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.lookup(cookie, gen)
	if s == nil {
		return
	}

	if !s.fidoAttempted && (s.state == StateInitiated || s.state == StateFIDOFailed) && s.fidoAvailable {
		a.enterFIDO(s)
		return
	}

	s.method = MethodPassword
	a.setState(s, StateWaitingForPassword)
	a.sink.PasswordRequest(s.actionID, prompt, echoVisible, cookie)
}

func (a *Agent) handleCompleted(cookie string, gen int, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.lookup(cookie, gen)
	if s == nil {
		return
	}

	if success {
		a.setState(s, StateCompleted)
		s.complete(nil)
		a.sink.AuthorizationResult(true, s.actionID)
		a.remove(s)
		return
	}

	s.stopFIDOTimer()
	s.retryCount++

	if s.retryCount >= a.maxRetries {
		a.setState(s, StateMaxRetriesExceeded)
		a.sink.AuthenticationFailure(cookie, StateMaxRetriesExceeded, s.method,
			DefaultErrorMessage(StateMaxRetriesExceeded, s.method),
			fmt.Sprintf("%d failed attempts", s.retryCount))
		s.complete(fmt.Errorf("authentication failed after %d attempts", s.retryCount))
		a.sink.AuthorizationResult(false, s.actionID)
		a.remove(s)
		return
	}

	a.setState(s, StateAuthenticationFailed)
	a.sink.AuthenticationFailure(cookie, StateAuthenticationFailed, s.method,
		DefaultErrorMessage(StateAuthenticationFailed, s.method),
		fmt.Sprintf("attempt %d of %d", s.retryCount, a.maxRetries))

	// Restart the backend conversation for the retry.
	s.gen++
	s.conv = a.convs(s.identity, cookie, &convHandler{agent: a, cookie: cookie, gen: s.gen})
	a.setState(s, StateWaitingForPassword)
	if err := s.conv.Initiate(); err != nil {
		a.logger.Error("conversation restart failed", "cookie", cookie, "error", err)
		a.failSession(s, fmt.Sprintf("could not restart authentication: %v", err))
	}
}

func (a *Agent) handleShowError(cookie string, gen int, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.lookup(cookie, gen)
	if s == nil {
		return
	}
	a.logger.Warn("backend error", "cookie", cookie, "text", text)
	a.failSession(s, fmt.Sprintf("Session error: %s", text))
}

// ---------------------------------------------------------------------------
// FIDO fallback timer
// ---------------------------------------------------------------------------

// enterFIDO starts the security-key auto-attempt: an empty response is
// the backend's cue to proceed on that path, and a single-shot timer
// forces the password fallback if nothing happens in time.
func (a *Agent) enterFIDO(s *session) {
	s.method = MethodFIDO
	s.fidoAttempted = true
	a.setState(s, StateTryingFIDO)
	s.conv.SetResponse("")

	cookie, gen := s.cookie, s.gen
	s.fidoTimer = time.AfterFunc(a.fidoTimeout, func() {
		a.onFIDOTimeout(cookie, gen)
	})
}

func (a *Agent) onFIDOTimeout(cookie string, gen int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.lookup(cookie, gen)
	if s == nil || s.state != StateTryingFIDO {
		// The session advanced past the attempt before the timer fired.
		return
	}
	s.fidoTimer = nil
	a.setState(s, StateFIDOFailed)
	a.sink.AuthenticationFailure(cookie, StateFIDOFailed, MethodFIDO,
		DefaultErrorMessage(StateFIDOFailed, MethodFIDO),
		fmt.Sprintf("no security-key response within %s", a.fidoTimeout))
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

func (a *Agent) setState(s *session, state State) {
	if s.state != state {
		a.logger.Debug("state transition", "cookie", s.cookie, "from", s.state.String(), "to", state.String())
	}
	s.state = state
}

// cancelSession moves a session to CANCELLED and releases it.
func (a *Agent) cancelSession(s *session) {
	s.stopFIDOTimer()
	s.gen++ // disconnect further backend callbacks
	if s.conv != nil {
		s.conv.Cancel()
	}
	a.setState(s, StateCancelled)
	s.complete(fmt.Errorf("authentication cancelled"))
	a.remove(s)
}

// failSession moves a session to ERROR and releases it.
func (a *Agent) failSession(s *session, details string) {
	s.stopFIDOTimer()
	s.gen++
	if s.conv != nil {
		s.conv.Cancel()
	}
	a.setState(s, StateError)
	a.sink.AuthenticationFailure(s.cookie, StateError, s.method,
		DefaultErrorMessage(StateError, s.method), details)
	s.complete(fmt.Errorf("%s", details))
	a.sink.AuthorizationError(details)
	a.sink.AuthorizationResult(false, s.actionID)
	a.remove(s)
}

// remove erases the session from the registry. Cleanup is idempotent:
// the timer stop, callback disconnect, and result completion are all
// no-ops the second time, and a removed cookie simply misses the map.
func (a *Agent) remove(s *session) {
	s.stopFIDOTimer()
	s.gen++
	delete(a.sessions, s.cookie)
}
