package driver

import (
	"regexp"
)

// ClaudeDriver recognises the interactive Claude CLI.
//
// The CLI has no explicit readiness handshake, so readiness is inferred from
// the welcome banner or the input hint it renders under the prompt. A false
// match on unrelated output marks the session ready early; the session only
// acts on the first match.
type ClaudeDriver struct {
	// readyPattern matches output printed once the prompt accepts input.
	readyPattern *regexp.Regexp

	// authPattern matches provider authentication failures on stderr.
	authPattern *regexp.Regexp

	window *window
}

// NewClaudeDriver creates a new ClaudeDriver instance.
func NewClaudeDriver() *ClaudeDriver {
	return &ClaudeDriver{
		readyPattern: regexp.MustCompile(`(?im)(welcome to claude|\? for shortcuts|try "[^"]*"|^\s*>\s*$)`),
		authPattern: regexp.MustCompile(
			`(?i)(invalid api key|invalid x-api-key|authentication_error|` +
				`please run /login|not logged in|401 unauthorized|oauth token (has )?expired)`),
		window: newWindow(defaultWindowSize),
	}
}

// Name returns the name of the driver.
func (d *ClaudeDriver) Name() string {
	return "claude"
}

// DetectReady implements AgentDriver.
func (d *ClaudeDriver) DetectReady(chunk []byte) bool {
	return d.readyPattern.Match(d.window.push(chunk))
}

// ClassifyStderr implements AgentDriver.
func (d *ClaudeDriver) ClassifyStderr(chunk []byte) (string, bool) {
	if d.authPattern.Match(StripANSI(chunk)) {
		return AuthFailureMessage, true
	}
	return string(chunk), false
}

// Reset clears the internal buffer.
func (d *ClaudeDriver) Reset() {
	d.window.reset()
}
