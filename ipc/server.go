// Package ipc implements the local-socket protocol server: a
// newline-delimited JSON transport for a single trusted UI client, with
// flood limiting, schema validation, optional HMAC verification, and an
// offline replay queue.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmcleod/polagent/agent"
	"github.com/jmcleod/polagent/security"
)

// Liveness parameters. The client is expected to heartbeat at
// heartbeatInterval; a connection with no heartbeat for
// connectionTimeout is dropped, and one with no legitimate activity for
// sessionTimeout is expired with an explanatory error first.
const (
	heartbeatInterval = 30 * time.Second
	connectionTimeout = 60 * time.Second
	sessionTimeout    = 5 * time.Minute

	// maxLineBytes bounds a single inbound message.
	maxLineBytes = 64 * 1024

	writeTimeout = 5 * time.Second
)

// Backend is the agent surface the server drives from inbound messages.
type Backend interface {
	CheckAuthorization(actionID, details string)
	CancelAuthorization()
	SubmitAuthentication(cookie, response string) error
}

// connectionScoped lists outbound types that are meaningless to a
// client that was not connected when they were produced. They are never
// queued for replay.
var connectionScoped = map[string]bool{
	TypeWelcome:      true,
	TypeError:        true,
	TypeHeartbeatAck: true,
}

// Server owns the unix socket, the single client connection, and the
// outbound replay queue. It implements agent.Sink so state machine
// notifications become wire messages.
type Server struct {
	socketPath string
	backend    Backend

	sec     *security.Context
	auditor *security.Auditor
	logger  *slog.Logger
	metrics *Metrics
	limiter *rateLimiter

	heartbeatEvery time.Duration
	connTimeout    time.Duration
	sessTimeout    time.Duration

	mu          sync.Mutex
	listener    net.Listener
	conn        net.Conn
	connVersion int
	// lastHeartbeat is the heartbeat liveness clock; sessionMark is the
	// session-timeout clock, reset by legitimate activity.
	lastHeartbeat time.Time
	sessionMark   time.Time
	queue         messageQueue
	closed        bool

	wg   sync.WaitGroup
	stop chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With("component", "ipc")
	}
}

// WithSecurity enables HMAC signing of outbound messages and
// verification of inbound ones.
func WithSecurity(sec *security.Context) ServerOption {
	return func(s *Server) {
		s.sec = sec
	}
}

// WithAuditor routes connection and message events to the audit log.
func WithAuditor(a *security.Auditor) ServerOption {
	return func(s *Server) {
		s.auditor = a
	}
}

// WithMetrics enables protocol counters.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTimeouts overrides the liveness parameters. Intended for tests.
func WithTimeouts(heartbeat, connection, session time.Duration) ServerOption {
	return func(s *Server) {
		s.heartbeatEvery = heartbeat
		s.connTimeout = connection
		s.sessTimeout = session
	}
}

// NewServer creates a Server for the given socket path. Start must be
// called before it accepts connections.
func NewServer(socketPath string, backend Backend, opts ...ServerOption) *Server {
	s := &Server{
		socketPath:     socketPath,
		backend:        backend,
		limiter:        newRateLimiter(maxMessagesPerWindow, rateWindow),
		heartbeatEvery: heartbeatInterval,
		connTimeout:    connectionTimeout,
		sessTimeout:    sessionTimeout,
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "ipc")
	}
	return s
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start binds the unix socket and launches the accept and liveness
// loops. A stale socket file from a previous run is removed first.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	// Owner-only: the socket is the trust boundary.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("listening", "socket", s.socketPath)

	s.wg.Add(2)
	go s.acceptLoop(listener)
	go s.monitorLoop()
	return nil
}

// Close shuts the server down: the listener, the client connection, and
// the background loops. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	listener := s.listener
	s.dropClientLocked("server shutdown")
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			return
		}
		s.handleNewConn(conn)
	}
}

// handleNewConn attaches a client if the slot is free, otherwise turns
// the connection away. Only one client at a time is served.
func (s *Server) handleNewConn(conn net.Conn) {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		s.metrics.clientRejected()
		s.audit(security.EventClientConnected, "second client rejected", "REJECTED")
		s.writeRaw(conn, map[string]any{
			"type":  TypeError,
			"error": "Another client is already connected",
		})
		conn.Close()
		return
	}

	s.connVersion++
	s.conn = conn
	now := time.Now()
	s.lastHeartbeat = now
	s.sessionMark = now
	s.limiter.Reset()
	version := s.connVersion

	s.writeLocked(map[string]any{
		"type":               TypeWelcome,
		"message":            "Connected to polagent",
		"connection_version": version,
	})
	backlog := s.queue.Drain()
	for _, msg := range backlog {
		s.writeLocked(msg)
	}
	s.mu.Unlock()

	s.metrics.connected()
	s.audit(security.EventClientConnected, fmt.Sprintf("connection_version=%d", version), "SUCCESS")
	if len(backlog) > 0 {
		s.logger.Info("replayed queued messages", "count", len(backlog))
	}

	s.wg.Add(1)
	go s.readLoop(conn, version)
}

func (s *Server) readLoop(conn net.Conn, version int) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("client read ended", "error", err)
	}
	s.detach(version, "client disconnected")
}

// handleLine runs one inbound message through the pipeline: flood
// limit, session-timeout check, JSON decode, schema validation,
// signature verification, then dispatch. Each stage that rejects
// answers the client with a reason.
func (s *Server) handleLine(line []byte) {
	if !s.limiter.Allow() {
		s.metrics.rateLimited()
		s.audit(security.EventRateLimit, "message rate exceeded", "BLOCKED")
		s.sendError("Rate limit exceeded, please slow down")
		return
	}

	if s.sessionTimedOut() {
		s.audit(security.EventSessionExpired, "session lifetime exceeded", "EXPIRED")
		s.sendError("Session expired, please reconnect")
		s.mu.Lock()
		s.dropClientLocked("session timeout")
		s.mu.Unlock()
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		s.metrics.validationError()
		s.audit(security.EventMessageValidation, "malformed JSON", "REJECTED")
		s.sendError(fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if r := ValidateMessage(msg); !r.Valid {
		s.metrics.validationError()
		s.audit(security.EventMessageValidation, r.Reason, "REJECTED")
		s.sendError("Invalid message: " + r.Reason)
		return
	}

	msgType, _ := msg["type"].(string)
	s.metrics.received(msgType)

	// Signing is optional per message: only messages that carry a
	// signature are verified, whatever their type.
	if _, carriesSignature := msg["hmac"]; carriesSignature && s.sec != nil {
		if err := s.sec.Verify(msg); err != nil {
			s.metrics.signatureError()
			s.audit(security.EventMessageVerification, err.Error(), "REJECTED")
			s.sendError("Message verification failed")
			return
		}
	}

	s.dispatch(msgType, msg)
}

func (s *Server) dispatch(msgType string, msg map[string]any) {
	switch msgType {
	case TypeCheckAuthorization:
		s.markActivity(false)
		actionID, _ := msg["action_id"].(string)
		details, _ := msg["details"].(string)
		s.audit(security.EventAuthRequest, "action="+actionID, "SUCCESS")
		s.backend.CheckAuthorization(actionID, details)

	case TypeCancelAuthorization:
		s.audit(security.EventAuthCancel, "client cancelled", "SUCCESS")
		s.backend.CancelAuthorization()

	case TypeSubmitAuth:
		s.markActivity(false)
		cookie, _ := msg["cookie"].(string)
		response, _ := msg["response"].(string)
		if err := s.backend.SubmitAuthentication(cookie, response); err != nil {
			s.audit(security.EventAuthSubmit, err.Error(), "REJECTED")
			s.sendError(err.Error())
			return
		}
		s.audit(security.EventAuthSubmit, "credential forwarded", "SUCCESS")

	case TypeHeartbeat:
		s.markActivity(true)
		s.deliver(map[string]any{
			"type":      TypeHeartbeatAck,
			"timestamp": time.Now().UnixMilli(),
		})
	}
}

// markActivity resets the session-timeout clock; a heartbeat also
// resets the heartbeat liveness clock.
func (s *Server) markActivity(heartbeat bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sessionMark = now
	if heartbeat {
		s.lastHeartbeat = now
	}
}

func (s *Server) sessionTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && time.Since(s.sessionMark) > s.sessTimeout
}

// monitorLoop enforces the liveness rules: a client that stops
// heartbeating is dropped after the connection timeout, and one with no
// legitimate activity past the session timeout is expired.
func (s *Server) monitorLoop() {
	defer s.wg.Done()

	tick := s.heartbeatEvery / 3
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.conn == nil {
			s.mu.Unlock()
			continue
		}
		now := time.Now()
		silent := now.Sub(s.lastHeartbeat)
		stale := now.Sub(s.sessionMark)

		switch {
		case stale > s.sessTimeout:
			s.audit(security.EventSessionExpired, fmt.Sprintf("no legitimate activity for %s", stale.Round(time.Second)), "EXPIRED")
			s.writeLocked(map[string]any{
				"type":  TypeError,
				"error": "Session expired, please reconnect",
			})
			s.dropClientLocked("session timeout")
		case silent > s.connTimeout:
			s.audit(security.EventSessionTimeout, fmt.Sprintf("no heartbeat for %s", silent.Round(time.Second)), "TIMEOUT")
			s.dropClientLocked("connection timeout")
		}
		s.mu.Unlock()
	}
}

// detach releases the client slot if the given connection is still the
// current one.
func (s *Server) detach(version int, reason string) {
	s.mu.Lock()
	if s.connVersion == version && s.conn != nil {
		s.dropClientLocked(reason)
	}
	s.mu.Unlock()
}

// dropClientLocked closes and forgets the current client. Callers hold mu.
func (s *Server) dropClientLocked(reason string) {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn = nil
	s.audit(security.EventClientDisconnected, reason, "SUCCESS")
	s.logger.Info("client detached", "reason", reason)
}

// ---------------------------------------------------------------------------
// Outbound path
// ---------------------------------------------------------------------------

// deliver sends a message to the connected client or queues it for
// replay. Connection-scoped types are dropped when no client is
// attached.
func (s *Server) deliver(msg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		msgType, _ := msg["type"].(string)
		if connectionScoped[msgType] {
			return
		}
		before := s.queue.Dropped()
		s.queue.Push(msg)
		s.metrics.queued()
		if s.queue.Dropped() > before {
			s.metrics.droppedFromQueue()
			s.logger.Warn("replay queue full, oldest message dropped")
		}
		return
	}
	s.writeLocked(msg)
}

// writeLocked signs (when enabled) and writes one message. Callers hold
// mu and have verified a client is attached. Signing happens at write
// time so a replayed message carries a fresh timestamp.
func (s *Server) writeLocked(msg map[string]any) {
	payload := msg
	if s.sec != nil {
		signed, err := s.sec.Sign(msg)
		if err != nil {
			s.logger.Error("signing outbound message failed", "error", err)
			return
		}
		payload = signed
	}
	if err := s.writeRaw(s.conn, payload); err != nil {
		s.logger.Warn("write to client failed", "error", err)
		s.dropClientLocked("write failure")
		return
	}
	msgType, _ := msg["type"].(string)
	s.metrics.sent(msgType)
}

// writeRaw encodes and writes one newline-terminated JSON message.
func (s *Server) writeRaw(conn net.Conn, msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(append(data, '\n'))
	return err
}

// sendError answers the connected client with an error message. Errors
// are connection-scoped and never queued.
func (s *Server) sendError(text string) {
	s.deliver(map[string]any{
		"type":  TypeError,
		"error": text,
	})
}

func (s *Server) audit(event security.Event, details, outcome string) {
	if s.auditor != nil {
		s.auditor.Log(event, details, outcome)
	}
}

// ---------------------------------------------------------------------------
// agent.Sink
// ---------------------------------------------------------------------------

// ShowAuthDialog translates a dialog request into its wire message.
func (s *Server) ShowAuthDialog(actionID, message, iconName, cookie string) {
	s.deliver(map[string]any{
		"type":      TypeShowAuthDlg,
		"action_id": actionID,
		"message":   message,
		"icon_name": iconName,
		"cookie":    cookie,
	})
}

// PasswordRequest asks the client for a credential.
func (s *Server) PasswordRequest(actionID, prompt string, echo bool, cookie string) {
	s.deliver(map[string]any{
		"type":      TypePasswordReq,
		"action_id": actionID,
		"request":   prompt,
		"echo":      echo,
		"cookie":    cookie,
	})
}

// AuthorizationResult reports the final verdict for an action.
func (s *Server) AuthorizationResult(authorized bool, actionID string) {
	outcome := "DENIED"
	if authorized {
		outcome = "GRANTED"
	}
	s.audit(security.EventAuthResult, "action="+actionID, outcome)
	s.deliver(map[string]any{
		"type":       TypeAuthResult,
		"authorized": authorized,
		"action_id":  actionID,
	})
}

// AuthorizationError reports an unrecoverable failure.
func (s *Server) AuthorizationError(errText string) {
	s.audit(security.EventAuthError, errText, "ERROR")
	s.deliver(map[string]any{
		"type":  TypeAuthError,
		"error": errText,
	})
}

// AuthenticationFailure reports a recoverable or terminal failure state
// together with its user-facing message.
func (s *Server) AuthenticationFailure(cookie string, state agent.State, method agent.Method, defaultMsg, details string) {
	s.deliver(map[string]any{
		"type":    TypeAuthError,
		"error":   defaultMsg,
		"cookie":  cookie,
		"state":   state.String(),
		"method":  method.String(),
		"details": details,
	})
}
