// Package driver exposes the agent output drivers to tools outside this module.
package driver

import (
	"github.com/remote-agent-terminal/gateway/internal/driver"
)

// Re-export types from internal/driver for external use
type (
	AgentDriver   = driver.AgentDriver
	ClaudeDriver  = driver.ClaudeDriver
	GenericDriver = driver.GenericDriver
)

// AuthFailureMessage is the user-facing text that replaces provider auth errors.
const AuthFailureMessage = driver.AuthFailureMessage

// New returns the driver registered under name, optionally overriding its readiness marker.
func New(name, readyPattern string) (AgentDriver, error) {
	return driver.New(name, readyPattern)
}

// NewClaudeDriver creates a new Claude driver instance.
func NewClaudeDriver() *ClaudeDriver {
	return driver.NewClaudeDriver()
}

// NewGenericDriver creates a new generic driver instance.
func NewGenericDriver() *GenericDriver {
	return driver.NewGenericDriver()
}

// StripANSI removes ANSI escape sequences.
func StripANSI(data []byte) []byte {
	return driver.StripANSI(data)
}
