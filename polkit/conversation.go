// Package polkit bridges the agent to the system authorization stack:
// the conversation objects that perform credential exchanges, and the
// D-Bus registration that makes this process the session's
// authentication agent.
package polkit

// Handler receives conversation callbacks. For a given cookie, callbacks
// arrive serially; implementations must tolerate a callback arriving
// after they have abandoned the conversation.
type Handler interface {
	// Request asks for a credential. echoVisible is true when the typed
	// response may be shown (e.g. a username), false for passwords.
	Request(prompt string, echoVisible bool)
	// Completed reports the final verdict of the exchange.
	Completed(success bool)
	// ShowError surfaces an unrecoverable backend error.
	ShowError(text string)
	// ShowInfo surfaces informational text.
	ShowInfo(text string)
}

// Conversation is one credential exchange with the authorization
// backend, created for a specific identity and cookie.
type Conversation interface {
	// Initiate starts the exchange. The first Request callback follows.
	Initiate() error
	// SetResponse submits a credential. An empty response signals that
	// the security-key path should proceed.
	SetResponse(response string)
	// Cancel abandons the exchange. No further callbacks are delivered
	// after Cancel returns, except a final Completed(false).
	Cancel()
}

// ConversationFactory creates a Conversation for an identity and cookie,
// delivering callbacks to h.
type ConversationFactory func(identity, cookie string, h Handler) Conversation
