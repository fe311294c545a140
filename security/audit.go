package security

import (
	"log/slog"
	"time"
)

// Event identifies the type of security-relevant action being logged.
type Event string

const (
	EventSecurityInit        Event = "SECURITY_INIT"
	EventClientConnected     Event = "CLIENT_CONNECTED"
	EventClientDisconnected  Event = "CLIENT_DISCONNECTED"
	EventRateLimit           Event = "RATE_LIMIT"
	EventSessionExpired      Event = "SESSION_EXPIRED"
	EventSessionTimeout      Event = "SESSION_TIMEOUT"
	EventMessageValidation   Event = "MESSAGE_VALIDATION"
	EventMessageVerification Event = "MESSAGE_VERIFICATION"
	EventAuthRequest         Event = "AUTH_REQUEST"
	EventAuthCancel          Event = "AUTH_CANCEL"
	EventAuthSubmit          Event = "AUTH_SUBMIT"
	EventAuthResult          Event = "AUTH_RESULT"
	EventAuthError           Event = "AUTH_ERROR"
)

// Auditor records security-relevant events through a structured logger,
// optionally mirroring each entry into a persistent store and feeding
// the anomaly monitor. It is the single audit choke point: every
// connect, disconnect, request, rejection, and outcome goes through Log.
type Auditor struct {
	logger  *slog.Logger
	store   *AuditStore
	monitor *FailureMonitor
}

// AuditorOption configures an Auditor.
type AuditorOption func(*Auditor)

// WithStore mirrors audit entries into a persistent store.
func WithStore(store *AuditStore) AuditorOption {
	return func(a *Auditor) {
		a.store = store
	}
}

// WithFailureMonitor feeds authentication outcomes into an anomaly monitor.
func WithFailureMonitor(m *FailureMonitor) AuditorOption {
	return func(a *Auditor) {
		a.monitor = m
	}
}

// NewAuditor creates an Auditor writing through the given logger.
func NewAuditor(logger *slog.Logger, opts ...AuditorOption) *Auditor {
	a := &Auditor{
		logger: logger.With("component", "audit"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Log writes one audit entry: an event name, free-text details, and a
// short outcome tag (e.g. SUCCESS, REJECTED, BLOCKED, DENIED).
func (a *Auditor) Log(event Event, details, outcome string) {
	a.logger.Info("audit",
		slog.String("event", string(event)),
		slog.String("details", details),
		slog.String("outcome", outcome),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	)
	if a.store != nil {
		if err := a.store.Append(event, details, outcome); err != nil {
			a.logger.Warn("audit store append failed", "error", err)
		}
	}
	if a.monitor != nil {
		a.monitor.Record(event, outcome)
	}
}
