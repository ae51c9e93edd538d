package v1

// EnvironmentStatus represents the lifecycle status of an environment
type EnvironmentStatus string

const (
	EnvironmentStatusStarting EnvironmentStatus = "starting"
	EnvironmentStatusRunning  EnvironmentStatus = "running"
	EnvironmentStatusStopped  EnvironmentStatus = "stopped"
	EnvironmentStatusError    EnvironmentStatus = "error"
)

// SessionStatus represents the lifecycle status of a session
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusInactive SessionStatus = "inactive"
	SessionStatusDead     SessionStatus = "dead"
)

// SessionKind distinguishes plain shell sessions from agent-driven ones
type SessionKind string

const (
	SessionKindShell SessionKind = "shell"
	SessionKindAgent SessionKind = "agent"
)

// AgentKind identifies the external assistant an agent credential is for
type AgentKind string

const (
	AgentKindClaude AgentKind = "claude"
	AgentKindCodex  AgentKind = "codex"
	AgentKindGemini AgentKind = "gemini"
)
