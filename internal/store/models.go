// Package store is the durable record of environments, sessions and agents:
// the source of truth the reconciler converges toward.
package store

import (
	"time"

	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

// User is a caller identity. Identity flows are handled out-of-band; the
// store only records who owns and acts on resources.
type User struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Environment is a user-owned development target bound to at most one
// repository. (UserID, Name) is unique.
type Environment struct {
	ID            string
	UserID        string
	Name          string
	RepositoryURL string // empty for scratch environments
	DefaultBranch string
	SandboxID     string // empty until a sandbox is provisioned
	Status        v1.EnvironmentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Repository reports whether the environment is repo-backed.
func (e *Environment) Repository() bool {
	return e.RepositoryURL != ""
}

// Session is one interactive working context inside an environment, bound to
// exactly one branch. Name is unique per environment among non-dead rows.
type Session struct {
	ID               string
	EnvironmentID    string
	Name             string // optional display name
	TmuxSession      string // multiplexer session name inside the sandbox
	WorkingDirectory string
	Branch           string
	Kind             v1.SessionKind
	AgentID          string // set when Kind is agent
	Status           v1.SessionStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastActivityAt   time.Time
}

// BareRepo is the host-side bare clone backing a repository environment.
// Exactly one per repo-backed environment.
type BareRepo struct {
	EnvironmentID string
	HostPath      string
	RemoteURL     string
	FetchedAt     *time.Time
}

// Agent is a named credential holder for an external coding assistant. The
// credential blob is sealed before it reaches the store and is never
// returned through the API.
type Agent struct {
	ID        string
	UserID    string
	Name      string
	Kind      v1.AgentKind
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefreshToken is an issued caller token. The token value is stored hashed.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// GitHubRepository is a cached row from repository discovery. Discovery
// itself happens outside this service; the cache is only read here.
type GitHubRepository struct {
	ID        string
	UserID    string
	FullName  string
	CloneURL  string
	FetchedAt time.Time
}
