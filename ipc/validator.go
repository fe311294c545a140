package ipc

import (
	"fmt"
	"unicode"
)

// Inbound message types accepted from the UI client.
const (
	TypeCheckAuthorization  = "check_authorization"
	TypeCancelAuthorization = "cancel_authorization"
	TypeSubmitAuth          = "submit_authentication"
	TypeHeartbeat           = "heartbeat"
)

// Outbound message types sent to the UI client.
const (
	TypeWelcome      = "welcome"
	TypeShowAuthDlg  = "show_auth_dialog"
	TypePasswordReq  = "password_request"
	TypeAuthResult   = "authorization_result"
	TypeAuthError    = "authorization_error"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeError        = "error"
)

// Field length limits, counted in characters.
const (
	maxActionIDLength = 256
	maxDetailsLength  = 4096
	maxCookieLength   = 128
	maxResponseLength = 8192
)

// ValidationResult reports whether a message passed schema validation
// and, if not, a descriptive reason.
type ValidationResult struct {
	Valid  bool
	Reason string
}

func valid() ValidationResult {
	return ValidationResult{Valid: true}
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Reason: fmt.Sprintf(format, args...)}
}

// signedFields may appear on any inbound message for signed delivery.
var signedFields = map[string]bool{"timestamp": true, "hmac": true}

// ValidateMessage checks an inbound message against the per-type field
// contract. It never panics; malformed input yields a descriptive
// failure the server reports back to the client.
func ValidateMessage(msg map[string]any) ValidationResult {
	rawType, ok := msg["type"]
	if !ok {
		return invalid("Missing required field: type")
	}
	msgType, ok := rawType.(string)
	if !ok {
		return invalid("Field 'type' must be a string")
	}

	switch msgType {
	case TypeCheckAuthorization:
		return validateCheckAuthorization(msg)
	case TypeCancelAuthorization:
		return validateCancelAuthorization(msg)
	case TypeSubmitAuth:
		return validateSubmitAuthentication(msg)
	case TypeHeartbeat:
		return validateHeartbeat(msg)
	default:
		return invalid("Invalid message type: %s", msgType)
	}
}

func validateCheckAuthorization(msg map[string]any) ValidationResult {
	if r := validateString(msg, "action_id", true, maxActionIDLength); !r.Valid {
		return r
	}
	if r := validateString(msg, "details", false, maxDetailsLength); !r.Valid {
		return r
	}

	actionID := msg["action_id"].(string)
	if actionID == "" {
		return invalid("action_id cannot be empty")
	}
	// Action IDs are reverse-DNS style: org.example.action.
	if !containsRune(actionID, '.') {
		return invalid("action_id must contain at least one dot (reverse DNS format)")
	}
	return valid()
}

func validateCancelAuthorization(msg map[string]any) ValidationResult {
	// No fields other than type (and the signed-delivery pair) permitted.
	for key := range msg {
		if key != "type" && !signedFields[key] {
			return invalid("Unexpected field in cancel_authorization: %s", key)
		}
	}
	return valid()
}

func validateSubmitAuthentication(msg map[string]any) ValidationResult {
	if r := validateString(msg, "cookie", true, maxCookieLength); !r.Valid {
		return r
	}
	if r := validateString(msg, "response", true, maxResponseLength); !r.Valid {
		return r
	}

	cookie := msg["cookie"].(string)
	if cookie == "" {
		return invalid("cookie cannot be empty")
	}
	for _, c := range cookie {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-' && c != '_' {
			return invalid("cookie contains invalid characters")
		}
	}
	return valid()
}

func validateHeartbeat(msg map[string]any) ValidationResult {
	if raw, ok := msg["timestamp"]; ok {
		if _, isNum := raw.(float64); !isNum {
			return invalid("Field timestamp must be a number")
		}
	}
	return valid()
}

func validateString(msg map[string]any, key string, required bool, maxLength int) ValidationResult {
	raw, ok := msg[key]
	if !ok {
		if required {
			return invalid("Missing required field: %s", key)
		}
		return valid()
	}
	str, ok := raw.(string)
	if !ok {
		return invalid("Field %s must be a string", key)
	}
	if len([]rune(str)) > maxLength {
		return invalid("Field %s exceeds maximum length of %d characters", key, maxLength)
	}
	return valid()
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
