// Package driver interprets the output of an external agent process: it
// recognises the readiness marker and classifies standard-error chunks.
package driver

import (
	"bytes"
	"fmt"
	"regexp"
)

// AgentDriver inspects agent output. Drivers are stateful and must be used by
// a single session; DetectReady keeps a short rolling window so a marker split
// across two chunks is still recognised.
type AgentDriver interface {
	// Name returns the driver name.
	Name() string

	// DetectReady consumes one stdout chunk and reports whether the
	// readiness marker is present in the recent output.
	DetectReady(chunk []byte) bool

	// ClassifyStderr inspects one stderr chunk. When the chunk reports an
	// authentication failure it returns a user-facing replacement message and true.
	ClassifyStderr(chunk []byte) (string, bool)

	// Reset clears the rolling window.
	Reset()
}

// AuthFailureMessage replaces provider authentication errors on stderr.
const AuthFailureMessage = "Authentication with the model provider failed. " +
	"The server's provider credential is missing, invalid or expired; ask an administrator to update it."

// defaultWindowSize bounds the rolling window used for marker detection.
const defaultWindowSize = 4096

// New returns the driver registered under name. readyPattern, when not empty,
// replaces the driver's built-in readiness marker.
func New(name, readyPattern string) (AgentDriver, error) {
	var override *regexp.Regexp
	if readyPattern != "" {
		re, err := regexp.Compile(readyPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid ready pattern: %w", err)
		}
		override = re
	}

	switch name {
	case "claude", "":
		d := NewClaudeDriver()
		if override != nil {
			d.readyPattern = override
		}
		return d, nil
	case "generic":
		d := NewGenericDriver()
		if override != nil {
			d.readyPattern = override
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

// GenericDriver works with any line-oriented agent that prints a recognisable
// marker once it accepts input.
type GenericDriver struct {
	readyPattern *regexp.Regexp
	authPattern  *regexp.Regexp
	window       *window
}

// NewGenericDriver creates a driver matching a line that says "ready".
func NewGenericDriver() *GenericDriver {
	return &GenericDriver{
		readyPattern: regexp.MustCompile(`(?im)^\s*ready\b`),
		authPattern:  regexp.MustCompile(`(?i)(unauthorized|authentication failed|invalid (api )?key)`),
		window:       newWindow(defaultWindowSize),
	}
}

// Name returns the name of the driver.
func (d *GenericDriver) Name() string {
	return "generic"
}

// DetectReady implements AgentDriver.
func (d *GenericDriver) DetectReady(chunk []byte) bool {
	return d.readyPattern.Match(d.window.push(chunk))
}

// ClassifyStderr implements AgentDriver.
func (d *GenericDriver) ClassifyStderr(chunk []byte) (string, bool) {
	if d.authPattern.Match(StripANSI(chunk)) {
		return AuthFailureMessage, true
	}
	return string(chunk), false
}

// Reset implements AgentDriver.
func (d *GenericDriver) Reset() {
	d.window.reset()
}

// window keeps the last max bytes of ANSI-stripped output.
type window struct {
	buf *bytes.Buffer
	max int
}

func newWindow(max int) *window {
	return &window{buf: &bytes.Buffer{}, max: max}
}

// push appends the stripped chunk and returns the current window content.
func (w *window) push(chunk []byte) []byte {
	w.buf.Write(StripANSI(chunk))
	if w.buf.Len() > w.max {
		data := w.buf.Bytes()
		keep := append([]byte(nil), data[len(data)-w.max:]...)
		w.buf.Reset()
		w.buf.Write(keep)
	}
	return w.buf.Bytes()
}

func (w *window) reset() {
	w.buf.Reset()
}

// ansiPattern matches ANSI escape sequences
// Includes: CSI sequences, OSC sequences, DCS/SOS/PM/APC sequences, and private mode sequences
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[PX^_][^\x1b]*\x1b\\|\x1b\[\?[0-9]+[hl]|\x1b\(B`)

// StripANSI removes ANSI escape sequences from the input.
func StripANSI(data []byte) []byte {
	return ansiPattern.ReplaceAll(data, []byte{})
}
