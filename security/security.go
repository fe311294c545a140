// Package security provides the process-lifetime message integrity
// context and structured audit logging for the agent.
//
// The integrity scheme is HMAC-SHA256 over the compact JSON encoding of
// a message with its "hmac" field removed. Replay defense is purely a
// timestamp window: an identical signed message remains valid for the
// full +-30s skew allowance. There is no nonce cache; this is inherited
// behaviour, kept deliberately.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/polagent/internal/util"
)

const (
	// KeySize is the size of the process-lifetime HMAC key in bytes.
	KeySize = 32

	// MaxClockSkew is the accepted distance between a signed message's
	// embedded timestamp and the local clock, in either direction.
	MaxClockSkew = 30 * time.Second
)

var (
	// ErrMissingSignature is returned when a message lacks the hmac or
	// timestamp field required for verification.
	ErrMissingSignature = errors.New("message missing hmac or timestamp field")

	// ErrBadSignature is returned when the recomputed digest does not
	// match the one carried by the message.
	ErrBadSignature = errors.New("message authentication failed")

	// ErrStaleTimestamp is returned when the embedded timestamp falls
	// outside the accepted clock-skew window.
	ErrStaleTimestamp = errors.New("message timestamp outside accepted window")
)

// Context holds the process-lifetime symmetric key used to sign and
// verify optionally-authenticated IPC messages. The key is generated
// once at startup, held in a memguard enclave, and never persisted.
type Context struct {
	key *memguard.Enclave
	now func() time.Time
}

// NewContext generates a fresh random key and seals it. The plaintext
// key bytes are wiped as soon as the enclave owns a copy.
func NewContext() (*Context, error) {
	raw, err := util.RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating HMAC key: %w", err)
	}
	enclave := memguard.NewEnclave(raw)
	util.WipeBytes(raw)
	return &Context{key: enclave, now: time.Now}, nil
}

// mac computes the hex-encoded HMAC-SHA256 of data under the sealed key.
func (c *Context) mac(data []byte) (string, error) {
	buf, err := c.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	h := hmac.New(sha256.New, buf.Bytes())
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonical returns the compact JSON encoding of the message. Go's
// encoding/json writes map keys in sorted order, which matches the
// ordering the signer used, so both sides digest identical bytes.
func canonical(message map[string]any) ([]byte, error) {
	return json.Marshal(message)
}

// Sign returns a copy of message with a current "timestamp" (Unix
// milliseconds) and an "hmac" field appended. The digest covers every
// field except "hmac" itself.
func (c *Context) Sign(message map[string]any) (map[string]any, error) {
	signed := make(map[string]any, len(message)+2)
	for k, v := range message {
		signed[k] = v
	}
	signed["timestamp"] = c.now().UnixMilli()

	data, err := canonical(signed)
	if err != nil {
		return nil, fmt.Errorf("encoding message for signing: %w", err)
	}
	digest, err := c.mac(data)
	if err != nil {
		return nil, err
	}
	signed["hmac"] = digest
	return signed, nil
}

// Verify checks the hmac and timestamp fields of a signed message. It
// recomputes the digest over the message minus "hmac" and rejects
// messages whose timestamp differs from the local clock by more than
// MaxClockSkew in either direction.
func (c *Context) Verify(message map[string]any) error {
	provided, ok := message["hmac"].(string)
	if !ok {
		return ErrMissingSignature
	}
	ts, ok := numericValue(message["timestamp"])
	if !ok {
		return ErrMissingSignature
	}

	unsigned := make(map[string]any, len(message))
	for k, v := range message {
		if k == "hmac" {
			continue
		}
		unsigned[k] = v
	}
	data, err := canonical(unsigned)
	if err != nil {
		return fmt.Errorf("encoding message for verification: %w", err)
	}
	computed, err := c.mac(data)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(computed), []byte(provided)) {
		return ErrBadSignature
	}

	skew := c.now().UnixMilli() - ts
	if skew > MaxClockSkew.Milliseconds() || skew < -MaxClockSkew.Milliseconds() {
		return ErrStaleTimestamp
	}
	return nil
}

// numericValue extracts an integer millisecond timestamp from a JSON
// value, which arrives as float64 after a wire round trip but may be an
// int64 when signed locally.
func numericValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
