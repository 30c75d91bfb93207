package config

import "time"

// Default values.
const (
	DefaultPort               = "8080"
	DefaultDBPath             = "data/sessions.db"
	DefaultWorkspaceRoot      = "data/projects"
	DefaultAgentCommand       = "claude"
	DefaultAgentDriver        = "claude"
	DefaultCredentialEnv      = "ANTHROPIC_API_KEY"
	DefaultInstallHint        = "npm install -g @anthropic-ai/claude-code"
	DefaultPrepDelay          = 1500 * time.Millisecond
	DefaultStopGrace          = 5 * time.Second
	DefaultInputQueueSize     = 64
	DefaultEventQueueSize     = 256
	DefaultHistorySize        = 64 * 1024
	DefaultMaxSessionsPerUser = 10
	DefaultHeartbeatInterval  = 30 * time.Second
)

// Default returns a Config populated with defaults. Auth.Secret stays empty;
// it has to come from the file or the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               DefaultPort,
			DBPath:             DefaultDBPath,
			MaxSessionsPerUser: DefaultMaxSessionsPerUser,
		},
		Agent: AgentConfig{
			Command:        DefaultAgentCommand,
			Driver:         DefaultAgentDriver,
			CredentialEnv:  DefaultCredentialEnv,
			InstallHint:    DefaultInstallHint,
			PrepDelay:      Duration{DefaultPrepDelay},
			StopGrace:      Duration{DefaultStopGrace},
			InputQueueSize: DefaultInputQueueSize,
			EventQueueSize: DefaultEventQueueSize,
			HistorySize:    DefaultHistorySize,
		},
		Workspace: WorkspaceConfig{
			Root:           DefaultWorkspaceRoot,
			PrepareContext: true,
		},
		Hub: HubConfig{
			HeartbeatInterval: Duration{DefaultHeartbeatInterval},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
