// Package config loads gateway configuration from defaults, an optional TOML
// file and environment variables, in that order of precedence (lowest first).
// Command-line flags are applied on top by cmd/server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Agent     AgentConfig     `toml:"agent"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Hub       HubConfig       `toml:"hub"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig controls the HTTP listener and session store.
type ServerConfig struct {
	Port               string   `toml:"port"`
	DBPath             string   `toml:"db_path"`
	MaxSessionsPerUser int      `toml:"max_sessions_per_user"`
	AllowedOrigins     []string `toml:"allowed_origins"`
}

// AuthConfig holds the bearer credential verification settings.
type AuthConfig struct {
	// Secret is the HMAC key used to verify bearer tokens. Required.
	Secret string `toml:"secret"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `toml:"issuer"`
}

// AgentConfig describes the external agent executable and how to talk to it.
type AgentConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	// Driver selects output parsing rules: "claude" or "generic".
	Driver string `toml:"driver"`

	// ReadyPattern overrides the driver's readiness marker (regular expression).
	ReadyPattern string `toml:"ready_pattern"`

	// Credential is the provider credential handed to the spawned process
	// in the environment variable named by CredentialEnv.
	Credential    string `toml:"credential"`
	CredentialEnv string `toml:"credential_env"`

	// InstallHint is shown when the executable cannot be found.
	InstallHint string `toml:"install_hint"`

	PrepDelay      Duration `toml:"prep_delay"`
	StopGrace      Duration `toml:"stop_grace"`
	InputQueueSize int      `toml:"input_queue_size"`
	EventQueueSize int      `toml:"event_queue_size"`
	HistorySize    int      `toml:"history_size"`
}

// WorkspaceConfig controls per-project working directories.
type WorkspaceConfig struct {
	Root string `toml:"root"`
	// PrepareContext enables the one-time preparatory instruction.
	PrepareContext bool `toml:"prepare_context"`
}

// HubConfig controls the project broadcast hub.
type HubConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration wraps time.Duration so TOML files can use strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("PORT", &c.Server.Port)
	str("DB_PATH", &c.Server.DBPath)
	num("MAX_SESSIONS_PER_USER", &c.Server.MaxSessionsPerUser)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v, ",")
	}

	str("AUTH_SECRET", &c.Auth.Secret)
	str("AUTH_ISSUER", &c.Auth.Issuer)

	str("AGENT_COMMAND", &c.Agent.Command)
	if v, ok := lookup("AGENT_ARGS"); ok && v != "" {
		c.Agent.Args = strings.Fields(v)
	}
	str("AGENT_DRIVER", &c.Agent.Driver)
	str("AGENT_READY_PATTERN", &c.Agent.ReadyPattern)
	str("AGENT_CREDENTIAL", &c.Agent.Credential)
	str("AGENT_CREDENTIAL_ENV", &c.Agent.CredentialEnv)
	dur("AGENT_PREP_DELAY", &c.Agent.PrepDelay)
	dur("AGENT_STOP_GRACE", &c.Agent.StopGrace)

	str("WORKSPACE_ROOT", &c.Workspace.Root)
	if v, ok := lookup("WORKSPACE_PREPARE_CONTEXT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WORKSPACE_PREPARE_CONTEXT: %w", err))
		} else {
			c.Workspace.PrepareContext = b
		}
	}

	dur("HUB_HEARTBEAT_INTERVAL", &c.Hub.HeartbeatInterval)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate checks that the configuration can run a server.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth secret is required (AUTH_SECRET)"))
	}
	if c.Agent.Command == "" {
		errs = append(errs, errors.New("agent command is required (AGENT_COMMAND)"))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace root is required (WORKSPACE_ROOT)"))
	}
	if c.Agent.StopGrace.Duration <= 0 {
		errs = append(errs, errors.New("agent stop_grace must be positive"))
	}
	if c.Agent.PrepDelay.Duration < 0 {
		errs = append(errs, errors.New("agent prep_delay must not be negative"))
	}
	if c.Agent.InputQueueSize <= 0 || c.Agent.EventQueueSize <= 0 {
		errs = append(errs, errors.New("agent queue sizes must be positive"))
	}
	if c.Hub.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, errors.New("hub heartbeat_interval must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
