// Package fido detects the presence of a hardware security-key reader.
package fido

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"os/exec"
)

// Detector reports whether a hardware security-key reader is attached.
// The agent consults it once per session to decide whether to auto-attempt
// the security-key path before falling back to password.
type Detector interface {
	Present() bool
}

const detectTimeout = 1 * time.Second

// USBDetector scans the USB bus for a supported reader. The current
// check targets the ACR122U NFC reader (vendor ID 072f).
type USBDetector struct {
	logger *slog.Logger
}

// NewUSBDetector returns a detector logging through the given logger.
func NewUSBDetector(logger *slog.Logger) *USBDetector {
	return &USBDetector{logger: logger.With("component", "fido")}
}

func (d *USBDetector) Present() bool {
	ctx, cancel := context.WithTimeout(context.Background(), detectTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lsusb").Output()
	if err != nil {
		d.logger.Warn("lsusb failed", "error", err)
		return false
	}

	present := readerListed(string(out))
	d.logger.Debug("security-key reader detection", "present", present)
	return present
}

// readerListed reports whether a supported reader appears in an lsusb
// listing, matched by vendor ID or product name.
func readerListed(listing string) bool {
	listing = strings.ToLower(listing)
	return strings.Contains(listing, "072f:") || strings.Contains(listing, "acr122")
}
