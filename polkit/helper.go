package polkit

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"os/user"
	"strings"
	"sync"
)

// DefaultHelperPath is where distributions install the setuid PAM bridge.
const DefaultHelperPath = "/usr/lib/polkit-1/polkit-agent-helper-1"

// helperEvent is one line of the helper's stdout protocol.
type helperEvent struct {
	kind string // PAM_PROMPT_ECHO_OFF, PAM_PROMPT_ECHO_ON, PAM_ERROR_MSG, PAM_TEXT_INFO, SUCCESS, FAILURE
	text string
}

// parseHelperLine splits a helper protocol line into its keyword and
// payload. Lines are "KEYWORD text..." with the text optional.
func parseHelperLine(line string) (helperEvent, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return helperEvent{}, false
	}
	kind, text, _ := strings.Cut(line, " ")
	switch kind {
	case "PAM_PROMPT_ECHO_OFF", "PAM_PROMPT_ECHO_ON", "PAM_ERROR_MSG", "PAM_TEXT_INFO", "SUCCESS", "FAILURE":
		return helperEvent{kind: kind, text: text}, true
	}
	return helperEvent{}, false
}

// HelperConversation drives one credential exchange through the setuid
// polkit-agent-helper-1 PAM bridge: the helper is spawned per attempt,
// receives the cookie on stdin, and reports prompts and the verdict as
// keyword lines on stdout.
type HelperConversation struct {
	helperPath string
	username   string
	cookie     string
	h          Handler
	logger     *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	cancelled bool
}

// NewHelperFactory returns a ConversationFactory spawning the PAM bridge
// at helperPath. Identities are "unix-user:<uid>" strings as delivered
// by the authority; they are resolved to usernames at creation time.
func NewHelperFactory(helperPath string, logger *slog.Logger) ConversationFactory {
	if helperPath == "" {
		helperPath = DefaultHelperPath
	}
	log := logger.With("component", "polkit.helper")
	return func(identity, cookie string, h Handler) Conversation {
		return &HelperConversation{
			helperPath: helperPath,
			username:   resolveIdentity(identity, log),
			cookie:     cookie,
			h:          h,
			logger:     log,
		}
	}
}

// resolveIdentity maps a "unix-user:<uid>" identity to a username the
// helper accepts. Unresolvable identities are passed through verbatim
// and fail inside the helper.
func resolveIdentity(identity string, logger *slog.Logger) string {
	rest, ok := strings.CutPrefix(identity, "unix-user:")
	if !ok {
		return identity
	}
	if u, err := user.LookupId(rest); err == nil {
		return u.Username
	}
	// Already a username, or an unknown uid.
	if _, err := user.Lookup(rest); err != nil {
		logger.Warn("could not resolve identity", "identity", identity)
	}
	return rest
}

func (c *HelperConversation) Initiate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("conversation already initiated")
	}

	cmd := exec.Command(c.helperPath, c.username)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.helperPath, err)
	}
	c.cmd = cmd
	c.stdin = stdin

	if _, err := io.WriteString(stdin, c.cookie+"\n"); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("writing cookie: %w", err)
	}

	go c.readLoop(stdout)
	return nil
}

// readLoop dispatches helper output serially to the handler.
func (c *HelperConversation) readLoop(stdout io.Reader) {
	sawVerdict := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		ev, ok := parseHelperLine(scanner.Text())
		if !ok {
			continue
		}
		switch ev.kind {
		case "PAM_PROMPT_ECHO_OFF":
			c.h.Request(ev.text, false)
		case "PAM_PROMPT_ECHO_ON":
			c.h.Request(ev.text, true)
		case "PAM_ERROR_MSG":
			c.h.ShowError(ev.text)
		case "PAM_TEXT_INFO":
			c.h.ShowInfo(ev.text)
		case "SUCCESS":
			sawVerdict = true
			c.h.Completed(true)
		case "FAILURE":
			sawVerdict = true
			c.h.Completed(false)
		}
	}

	err := c.cmd.Wait()

	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()

	if !sawVerdict && !cancelled {
		// Helper died without a verdict (killed, crashed, bad setuid).
		c.logger.Warn("helper exited without verdict", "error", err)
		c.h.Completed(false)
	}
}

func (c *HelperConversation) SetResponse(response string) {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()

	if stdin == nil {
		c.logger.Warn("response submitted before initiate")
		return
	}
	if _, err := io.WriteString(stdin, response+"\n"); err != nil {
		c.logger.Warn("writing response to helper", "error", err)
	}
}

func (c *HelperConversation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = true
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}
