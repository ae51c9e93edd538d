package store

import (
	"context"
	"time"
)

// Store provides typed queries over the relational state. No business logic
// lives here; uniqueness races are caught by the underlying indexes and
// surfaced as conflict errors.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Environments
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error)
	ListEnvironments(ctx context.Context, userID string) ([]*Environment, error)
	ListAllEnvironments(ctx context.Context) ([]*Environment, error)
	UpdateEnvironment(ctx context.Context, env *Environment) error
	DeleteEnvironment(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetLiveSessionByName(ctx context.Context, environmentID, name string) (*Session, error)
	GetLiveSessionByBranch(ctx context.Context, environmentID, branch string) (*Session, error)
	ListSessions(ctx context.Context, environmentID string) ([]*Session, error)
	ListLiveSessions(ctx context.Context) ([]*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSessions(ctx context.Context, environmentID string) error

	// Bare repos
	UpsertBareRepo(ctx context.Context, repo *BareRepo) error
	GetBareRepo(ctx context.Context, environmentID string) (*BareRepo, error)
	DeleteBareRepo(ctx context.Context, environmentID string) error

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, userID string) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	SetAgentCredential(ctx context.Context, agentID string, sealed []byte) error
	GetAgentCredential(ctx context.Context, agentID string) ([]byte, error)

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeExpiredTokens(ctx context.Context, now time.Time) (int, error)

	// GitHub repository cache
	UpsertGitHubRepository(ctx context.Context, repo *GitHubRepository) error
	ListGitHubRepositories(ctx context.Context, userID string) ([]*GitHubRepository, error)

	Close() error
}
