package polkit

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	authorityName  = "org.freedesktop.PolicyKit1"
	authorityPath  = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	authorityIface = "org.freedesktop.PolicyKit1.Authority"

	agentPath  = dbus.ObjectPath("/com/jmcleod/polagent/Agent")
	agentIface = "org.freedesktop.PolicyKit1.AuthenticationAgent"
)

// Listener receives authentication challenges initiated by the
// authority. BeginAuthentication must call done exactly once with the
// final outcome; the D-Bus reply to the daemon is held until then.
type Listener interface {
	BeginAuthentication(actionID, message, iconName, cookie string, identities []string, done func(error))
	CancelAuthentication(cookie string)
}

// subject is the wire form of a polkit subject.
type subject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// wireIdentity is the wire form of a polkit identity.
type wireIdentity struct {
	Kind    string
	Details map[string]dbus.Variant
}

// Registrar registers this process as the interactive authentication
// agent for the current session (or, lacking one, the current process)
// with the system authority. Registration failure is fatal at startup.
type Registrar struct {
	conn    *dbus.Conn
	subject subject
	logger  *slog.Logger
}

// NewRegistrar connects to the system bus and derives the registration
// subject: the session named by XDG_SESSION_ID when set, otherwise this
// process.
func NewRegistrar(logger *slog.Logger) (*Registrar, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	return &Registrar{
		conn:    conn,
		subject: currentSubject(),
		logger:  logger.With("component", "polkit.registrar"),
	}, nil
}

func currentSubject() subject {
	if sessionID := os.Getenv("XDG_SESSION_ID"); sessionID != "" {
		return subject{
			Kind: "unix-session",
			Details: map[string]dbus.Variant{
				"session-id": dbus.MakeVariant(sessionID),
			},
		}
	}
	return subject{
		Kind: "unix-process",
		Details: map[string]dbus.Variant{
			"pid":        dbus.MakeVariant(uint32(os.Getpid())),
			"start-time": dbus.MakeVariant(uint64(0)),
		},
	}
}

// Register exports the agent object and performs the one-shot
// RegisterAuthenticationAgent call against the authority.
func (r *Registrar) Register(listener Listener) error {
	export := &agentExport{listener: listener, logger: r.logger}
	if err := r.conn.Export(export, agentPath, agentIface); err != nil {
		return fmt.Errorf("exporting agent object: %w", err)
	}

	locale := os.Getenv("LANG")
	if locale == "" {
		locale = "en_US.UTF-8"
	}

	authority := r.conn.Object(authorityName, authorityPath)
	call := authority.Call(authorityIface+".RegisterAuthenticationAgent", 0,
		r.subject, locale, string(agentPath))
	if call.Err != nil {
		return fmt.Errorf("registering authentication agent: %w", call.Err)
	}

	r.logger.Info("registered as authentication agent", "subject", r.subject.Kind)
	return nil
}

// Unregister withdraws the agent registration and releases the bus.
func (r *Registrar) Unregister() {
	authority := r.conn.Object(authorityName, authorityPath)
	call := authority.Call(authorityIface+".UnregisterAuthenticationAgent", 0,
		r.subject, string(agentPath))
	if call.Err != nil {
		r.logger.Warn("unregistering authentication agent", "error", call.Err)
	}
	r.conn.Close()
}

// agentExport is the D-Bus object the authority calls back into.
type agentExport struct {
	listener Listener
	logger   *slog.Logger
}

func (e *agentExport) BeginAuthentication(actionID, message, iconName string,
	details map[string]string, cookie string, identities []wireIdentity) *dbus.Error {

	ids := make([]string, 0, len(identities))
	for _, id := range identities {
		ids = append(ids, formatIdentity(id))
	}
	e.logger.Debug("begin authentication", "action_id", actionID, "identities", ids)

	// Hold the reply until the exchange reaches a terminal outcome.
	done := make(chan error, 1)
	e.listener.BeginAuthentication(actionID, message, iconName, cookie, ids, func(err error) {
		done <- err
	})
	if err := <-done; err != nil {
		return dbus.NewError("org.freedesktop.PolicyKit1.Error.Failed", []any{err.Error()})
	}
	return nil
}

func (e *agentExport) CancelAuthentication(cookie string) *dbus.Error {
	e.logger.Debug("cancel authentication", "cookie", cookie)
	e.listener.CancelAuthentication(cookie)
	return nil
}

// formatIdentity renders a wire identity as "unix-user:<uid>" (or
// "unix-group:<gid>"), the form the conversation factory consumes.
func formatIdentity(id wireIdentity) string {
	switch id.Kind {
	case "unix-user":
		if v, ok := id.Details["uid"]; ok {
			if uid, ok := v.Value().(uint32); ok {
				return fmt.Sprintf("unix-user:%d", uid)
			}
		}
	case "unix-group":
		if v, ok := id.Details["gid"]; ok {
			if gid, ok := v.Value().(uint32); ok {
				return fmt.Sprintf("unix-group:%d", gid)
			}
		}
	}
	return id.Kind
}
