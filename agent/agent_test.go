package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/polagent/polkit"
)

// fakeConv is a scripted backend conversation. Tests drive the state
// machine by invoking the handler the agent registered with it.
type fakeConv struct {
	mu          sync.Mutex
	handler     polkit.Handler
	responses   []string
	cancelled   bool
	initiateErr error
}

func (c *fakeConv) Initiate() error {
	return c.initiateErr
}

func (c *fakeConv) SetResponse(response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, response)
}

func (c *fakeConv) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

func (c *fakeConv) gotResponses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.responses...)
}

func (c *fakeConv) wasCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

type fakeFactory struct {
	mu          sync.Mutex
	convs       []*fakeConv
	initiateErr error
}

func (f *fakeFactory) new(identity, cookie string, h polkit.Handler) polkit.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := &fakeConv{handler: h, initiateErr: f.initiateErr}
	f.convs = append(f.convs, conv)
	return conv
}

func (f *fakeFactory) latest() *fakeConv {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.convs) == 0 {
		return nil
	}
	return f.convs[len(f.convs)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convs)
}

type fakeDetector struct{ present bool }

func (d fakeDetector) Present() bool { return d.present }

// stallingDetector reports a reader and can be switched to block every
// later sample, standing in for a slow hardware probe.
type stallingDetector struct {
	mu    sync.Mutex
	calls int
	stall chan struct{}
}

func (d *stallingDetector) Present() bool {
	d.mu.Lock()
	d.calls++
	stall := d.stall
	d.mu.Unlock()
	if stall != nil {
		<-stall
	}
	return true
}

func (d *stallingDetector) blockFurtherSamples(ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stall = ch
}

func (d *stallingDetector) sampleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// recordingSink captures every notification for assertions.
type recordingSink struct {
	mu        sync.Mutex
	dialogs   []string
	prompts   []string
	results   []bool
	resultIDs []string
	errors    []string
	failures  []State
}

func (s *recordingSink) ShowAuthDialog(actionID, message, iconName, cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogs = append(s.dialogs, actionID)
}

func (s *recordingSink) PasswordRequest(actionID, prompt string, echo bool, cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
}

func (s *recordingSink) AuthorizationResult(authorized bool, actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, authorized)
	s.resultIDs = append(s.resultIDs, actionID)
}

func (s *recordingSink) AuthorizationError(errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, errText)
}

func (s *recordingSink) AuthenticationFailure(cookie string, state State, method Method, defaultMsg, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, state)
}

func (s *recordingSink) failureStates() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.failures...)
}

func (s *recordingSink) authResults() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.results...)
}

func newTestAgent(t *testing.T, present bool, opts ...Option) (*Agent, *fakeFactory, *recordingSink) {
	t.Helper()
	factory := &fakeFactory{}
	sink := &recordingSink{}
	a := New(factory.new, fakeDetector{present: present}, opts...)
	a.SetSink(sink)
	return a, factory, sink
}

func begin(t *testing.T, a *Agent, cookie string) chan error {
	t.Helper()
	done := make(chan error, 1)
	a.BeginAuthentication("org.example.reboot", "Authentication required", "dialog-password", cookie,
		[]string{"unix-user:1000"}, func(err error) { done <- err })
	return done
}

func TestAgent_PasswordSuccess(t *testing.T) {
	a, factory, sink := newTestAgent(t, false)

	done := begin(t, a, "c1")
	assert.Equal(t, StateInitiated, a.State("c1"))
	assert.Equal(t, []string{"org.example.reboot"}, sink.dialogs)

	// The backend asks for a credential; no security key is present, so
	// the session goes straight to the password path.
	conv := factory.latest()
	conv.handler.Request("Password: ", false)
	assert.Equal(t, StateWaitingForPassword, a.State("c1"))
	assert.Equal(t, MethodPassword, a.Method("c1"))
	assert.Equal(t, []string{"Password: "}, sink.prompts)

	require.NoError(t, a.SubmitAuthentication("c1", "hunter2"))
	assert.Equal(t, StateAuthenticating, a.State("c1"))
	assert.Equal(t, []string{"hunter2"}, conv.gotResponses())

	conv.handler.Completed(true)
	assert.NoError(t, <-done)
	assert.Equal(t, []bool{true}, sink.authResults())
	assert.Zero(t, a.ActiveSessions(), "completed session is released")
	assert.Equal(t, StateIdle, a.State("c1"))
}

func TestAgent_RetryAfterFailure(t *testing.T) {
	a, factory, sink := newTestAgent(t, false)
	begin(t, a, "c1")

	factory.latest().handler.Request("Password: ", false)
	require.NoError(t, a.SubmitAuthentication("c1", "wrong"))
	factory.latest().handler.Completed(false)

	// One failure is recoverable: a fresh conversation is started and
	// the session waits for another credential.
	assert.Equal(t, 1, a.RetryCount("c1"))
	assert.Equal(t, StateWaitingForPassword, a.State("c1"))
	assert.Equal(t, 2, factory.count(), "retry restarts the backend conversation")
	assert.Contains(t, sink.failureStates(), StateAuthenticationFailed)

	require.NoError(t, a.SubmitAuthentication("c1", "right"))
	factory.latest().handler.Completed(true)
	assert.Equal(t, []bool{true}, sink.authResults())
}

func TestAgent_LockoutAfterMaxRetries(t *testing.T) {
	a, factory, sink := newTestAgent(t, false)
	done := begin(t, a, "c1")

	factory.latest().handler.Request("Password: ", false)
	for i := 0; i < MaxAuthRetries; i++ {
		require.NoError(t, a.SubmitAuthentication("c1", "wrong"))
		factory.latest().handler.Completed(false)
	}

	// Three failures exhaust the budget: lockout is reported, the
	// challenge resolves as failed, and the session is gone.
	states := sink.failureStates()
	assert.Equal(t, StateMaxRetriesExceeded, states[len(states)-1])
	assert.Error(t, <-done)
	assert.Equal(t, []bool{false}, sink.authResults())
	assert.Zero(t, a.ActiveSessions())

	// The cookie is unusable afterwards.
	assert.ErrorIs(t, a.SubmitAuthentication("c1", "again"), ErrNoSession)
}

func TestAgent_StaleConversationCallbackIgnored(t *testing.T) {
	a, factory, sink := newTestAgent(t, false)
	begin(t, a, "c1")

	first := factory.latest()
	first.handler.Request("Password: ", false)
	require.NoError(t, a.SubmitAuthentication("c1", "wrong"))
	first.handler.Completed(false)

	// A duplicate verdict from the superseded conversation must not
	// advance the session.
	first.handler.Completed(true)
	assert.Empty(t, sink.authResults())
	assert.Equal(t, StateWaitingForPassword, a.State("c1"))
}

func TestAgent_FIDOAutoAttempt(t *testing.T) {
	a, factory, _ := newTestAgent(t, true)
	begin(t, a, "c1")

	conv := factory.latest()
	conv.handler.Request("Password: ", false)

	// With a security key present, the first prompt triggers the
	// automatic attempt: an empty response signals the backend to
	// proceed on that path.
	assert.Equal(t, StateTryingFIDO, a.State("c1"))
	assert.Equal(t, MethodFIDO, a.Method("c1"))
	assert.Equal(t, []string{""}, conv.gotResponses())

	conv.handler.Completed(true)
	assert.Zero(t, a.ActiveSessions())
}

func TestAgent_SlowDetectorDoesNotStallCallbacks(t *testing.T) {
	det := &stallingDetector{}
	factory := &fakeFactory{}
	a := New(factory.new, det)
	a.SetSink(&recordingSink{})

	// Reader presence is sampled exactly once, when the challenge
	// arrives and before the session lock is taken.
	done := begin(t, a, "c1")

	stall := make(chan struct{})
	defer close(stall)
	det.blockFurtherSamples(stall)

	// Credential callbacks run under the agent lock and must decide the
	// security-key path from the cached sample, never the hardware.
	conv := factory.latest()
	requested := make(chan struct{})
	go func() {
		conv.handler.Request("Password: ", false)
		close(requested)
	}()
	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("credential callback blocked on the reader probe")
	}

	assert.Equal(t, StateTryingFIDO, a.State("c1"))
	require.NoError(t, a.SubmitAuthentication("c1", "hunter2"))
	assert.Equal(t, StateAuthenticating, a.State("c1"))

	conv.handler.Completed(true)
	assert.NoError(t, <-done)
	assert.Equal(t, 1, det.sampleCount())
}

func TestAgent_FIDOTimeoutFallsBackToPassword(t *testing.T) {
	a, factory, sink := newTestAgent(t, true, WithFIDOTimeout(20*time.Millisecond))
	begin(t, a, "c1")

	factory.latest().handler.Request("Password: ", false)
	require.Equal(t, StateTryingFIDO, a.State("c1"))

	require.Eventually(t, func() bool {
		return a.State("c1") == StateFIDOFailed
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sink.failureStates(), StateFIDOFailed)

	// Password still works after the fallback.
	require.NoError(t, a.SubmitAuthentication("c1", "hunter2"))
	assert.Equal(t, StateAuthenticating, a.State("c1"))
	assert.Equal(t, MethodPassword, a.Method("c1"))
}

func TestAgent_PasswordCancelsPendingFIDOTimer(t *testing.T) {
	a, factory, _ := newTestAgent(t, true, WithFIDOTimeout(50*time.Millisecond))
	begin(t, a, "c1")

	conv := factory.latest()
	conv.handler.Request("Password: ", false)
	require.Equal(t, StateTryingFIDO, a.State("c1"))

	// A typed password during the security-key attempt wins the race.
	require.NoError(t, a.SubmitAuthentication("c1", "hunter2"))
	assert.Equal(t, StateAuthenticating, a.State("c1"))
	assert.Equal(t, MethodPassword, a.Method("c1"))

	// The timer must not fire afterwards and knock the state back.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateAuthenticating, a.State("c1"))
}

func TestAgent_EmptyResponseDuringFIDOProceed(t *testing.T) {
	a, factory, _ := newTestAgent(t, true)
	begin(t, a, "c1")

	conv := factory.latest()
	conv.handler.Request("Password: ", false)
	require.Equal(t, StateTryingFIDO, a.State("c1"))

	// An explicit empty submission while the attempt runs is forwarded
	// as another proceed signal.
	require.NoError(t, a.SubmitAuthentication("c1", ""))
	assert.Equal(t, []string{"", ""}, conv.gotResponses())
	assert.Equal(t, StateTryingFIDO, a.State("c1"))
}

func TestAgent_EmptyResponseStartsFIDOWhenNotAttempted(t *testing.T) {
	// Detector absent, so the prompt went to the password path, but the
	// client can still request a security-key attempt explicitly.
	a, factory, _ := newTestAgent(t, false)
	begin(t, a, "c1")

	conv := factory.latest()
	conv.handler.Request("Password: ", false)
	require.Equal(t, StateWaitingForPassword, a.State("c1"))

	require.NoError(t, a.SubmitAuthentication("c1", ""))
	assert.Equal(t, StateTryingFIDO, a.State("c1"))
	assert.Equal(t, []string{""}, conv.gotResponses())
}

func TestAgent_EmptyResponseAfterFIDOExhaustedIsError(t *testing.T) {
	a, factory, _ := newTestAgent(t, true, WithFIDOTimeout(10*time.Millisecond))
	begin(t, a, "c1")

	factory.latest().handler.Request("Password: ", false)
	require.Eventually(t, func() bool {
		return a.State("c1") == StateFIDOFailed
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, a.SubmitAuthentication("c1", ""))
}

func TestAgent_GlobalCancelEmptiesRegistry(t *testing.T) {
	a, factory, sink := newTestAgent(t, false)
	done1 := begin(t, a, "c1")
	done2 := begin(t, a, "c2")
	require.Equal(t, 2, a.ActiveSessions())

	a.CancelAuthorization()

	assert.Zero(t, a.ActiveSessions())
	assert.Equal(t, StateIdle, a.State("c1"))
	assert.Equal(t, StateIdle, a.State("c2"))
	assert.Error(t, <-done1)
	assert.Error(t, <-done2)
	assert.Equal(t, []bool{false}, sink.authResults())

	for _, conv := range factory.convs {
		assert.True(t, conv.wasCancelled())
	}
}

func TestAgent_AuthorityCancelReleasesOneSession(t *testing.T) {
	a, factory, _ := newTestAgent(t, false)
	done1 := begin(t, a, "c1")
	begin(t, a, "c2")

	a.CancelAuthentication("c1")

	assert.Equal(t, StateIdle, a.State("c1"))
	assert.Equal(t, StateInitiated, a.State("c2"))
	assert.Equal(t, 1, a.ActiveSessions())
	assert.Error(t, <-done1)
	assert.True(t, factory.convs[0].wasCancelled())
}

func TestAgent_CancelIsIdempotent(t *testing.T) {
	a, _, _ := newTestAgent(t, false)
	done := begin(t, a, "c1")

	a.CancelAuthentication("c1")
	a.CancelAuthentication("c1")
	a.CancelAuthorization()

	assert.Error(t, <-done)
	select {
	case err := <-done:
		t.Fatalf("result delivered twice: %v", err)
	default:
	}
}

func TestAgent_DuplicateCookieRejected(t *testing.T) {
	a, _, _ := newTestAgent(t, false)
	begin(t, a, "c1")

	done := make(chan error, 1)
	a.BeginAuthentication("org.example.reboot", "msg", "icon", "c1",
		[]string{"unix-user:1000"}, func(err error) { done <- err })
	assert.ErrorIs(t, <-done, ErrDuplicateCookie)
	assert.Equal(t, 1, a.ActiveSessions(), "original session is untouched")
}

func TestAgent_NoIdentityRejected(t *testing.T) {
	a, _, _ := newTestAgent(t, false)

	done := make(chan error, 1)
	a.BeginAuthentication("org.example.reboot", "msg", "icon", "c1", nil,
		func(err error) { done <- err })
	assert.ErrorIs(t, <-done, ErrNoIdentity)
	assert.Zero(t, a.ActiveSessions())
}

func TestAgent_InitiateFailureFailsSession(t *testing.T) {
	factory := &fakeFactory{initiateErr: assert.AnError}
	sink := &recordingSink{}
	a := New(factory.new, fakeDetector{})
	a.SetSink(sink)

	done := make(chan error, 1)
	a.BeginAuthentication("org.example.reboot", "msg", "icon", "c1",
		[]string{"unix-user:1000"}, func(err error) { done <- err })

	assert.Error(t, <-done)
	assert.Zero(t, a.ActiveSessions())
	assert.Contains(t, sink.failureStates(), StateError)
	assert.Equal(t, []bool{false}, sink.authResults())
}

func TestAgent_BackendErrorFailsSession(t *testing.T) {
	a, factory, sink := newTestAgent(t, false)
	done := begin(t, a, "c1")

	factory.latest().handler.ShowError("pam_unix: conversation failed")

	assert.Error(t, <-done)
	assert.Zero(t, a.ActiveSessions())
	assert.Contains(t, sink.failureStates(), StateError)
	require.Len(t, sink.errors, 1)
	assert.Contains(t, sink.errors[0], "pam_unix: conversation failed")
}

func TestAgent_SubmitForUnknownCookie(t *testing.T) {
	a, _, _ := newTestAgent(t, false)
	assert.ErrorIs(t, a.SubmitAuthentication("ghost", "pw"), ErrNoSession)
}

func TestAgent_TwoIndependentSessions(t *testing.T) {
	a, factory, sink := newTestAgent(t, false)
	done1 := begin(t, a, "c1")
	done2 := begin(t, a, "c2")

	conv1, conv2 := factory.convs[0], factory.convs[1]
	conv1.handler.Request("Password: ", false)
	conv2.handler.Request("Password: ", false)

	require.NoError(t, a.SubmitAuthentication("c1", "pw-one"))
	require.NoError(t, a.SubmitAuthentication("c2", "pw-two"))
	assert.Equal(t, []string{"pw-one"}, conv1.gotResponses())
	assert.Equal(t, []string{"pw-two"}, conv2.gotResponses())

	// One succeeds, the other fails; neither outcome leaks across.
	conv1.handler.Completed(true)
	assert.NoError(t, <-done1)
	assert.Equal(t, StateAuthenticating, a.State("c2"))

	for i := 0; i < MaxAuthRetries-1; i++ {
		factory.latest().handler.Completed(false)
		require.NoError(t, a.SubmitAuthentication("c2", "pw-two"))
	}
	factory.latest().handler.Completed(false)
	assert.Error(t, <-done2)
	assert.Zero(t, a.ActiveSessions())
	assert.Equal(t, []bool{true, false}, sink.authResults())
}
