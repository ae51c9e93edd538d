package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

// MemoryStore is an in-memory Store used by tests and the memory driver.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*User
	environments map[string]*Environment
	sessions     map[string]*Session
	bareRepos    map[string]*BareRepo
	agents       map[string]*Agent
	credentials  map[string][]byte
	tokens       map[string]*RefreshToken
	githubRepos  map[string]*GitHubRepository
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*User),
		environments: make(map[string]*Environment),
		sessions:     make(map[string]*Session),
		bareRepos:    make(map[string]*BareRepo),
		agents:       make(map[string]*Agent),
		credentials:  make(map[string][]byte),
		tokens:       make(map[string]*RefreshToken),
		githubRepos:  make(map[string]*GitHubRepository),
	}
}

// Users

func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return apperrors.Conflict("user already exists: " + user.ID)
	}
	u := *user
	s.users[user.ID] = &u
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperrors.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

// Environments

func (s *MemoryStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.environments {
		if existing.UserID == env.UserID && existing.Name == env.Name {
			return apperrors.Conflict("environment name already in use: " + env.Name)
		}
	}
	e := *env
	s.environments[env.ID] = &e
	return nil
}

func (s *MemoryStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.environments[id]
	if !ok {
		return nil, apperrors.NotFound("environment", id)
	}
	copied := *e
	return &copied, nil
}

func (s *MemoryStore) GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.environments {
		if e.UserID == userID && e.Name == name {
			copied := *e
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("environment", name)
}

func (s *MemoryStore) ListEnvironments(ctx context.Context, userID string) ([]*Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Environment
	for _, e := range s.environments {
		if e.UserID == userID {
			copied := *e
			result = append(result, &copied)
		}
	}
	sortEnvironments(result)
	return result, nil
}

func (s *MemoryStore) ListAllEnvironments(ctx context.Context) ([]*Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Environment, 0, len(s.environments))
	for _, e := range s.environments {
		copied := *e
		result = append(result, &copied)
	}
	sortEnvironments(result)
	return result, nil
}

func (s *MemoryStore) UpdateEnvironment(ctx context.Context, env *Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[env.ID]; !ok {
		return apperrors.NotFound("environment", env.ID)
	}
	env.UpdatedAt = time.Now().UTC()
	e := *env
	s.environments[env.ID] = &e
	return nil
}

func (s *MemoryStore) DeleteEnvironment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[id]; !ok {
		return apperrors.NotFound("environment", id)
	}
	delete(s.environments, id)
	delete(s.bareRepos, id)
	for sid, sess := range s.sessions {
		if sess.EnvironmentID == id {
			delete(s.sessions, sid)
		}
	}
	return nil
}

// Sessions

func (s *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[session.EnvironmentID]; !ok {
		return apperrors.NotFound("environment", session.EnvironmentID)
	}
	if session.AgentID != "" {
		if _, ok := s.agents[session.AgentID]; !ok {
			return apperrors.NotFound("agent", session.AgentID)
		}
	}
	if session.Name != "" {
		for _, existing := range s.sessions {
			if existing.EnvironmentID == session.EnvironmentID &&
				existing.Status != v1.SessionStatusDead &&
				existing.Name == session.Name {
				return apperrors.Conflict("session name already in use: " + session.Name)
			}
		}
	}
	sess := *session
	s.sessions[session.ID] = &sess
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	copied := *sess
	return &copied, nil
}

func (s *MemoryStore) GetLiveSessionByName(ctx context.Context, environmentID, name string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.EnvironmentID == environmentID && sess.Name == name && sess.Status != v1.SessionStatusDead {
			copied := *sess
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("session", name)
}

func (s *MemoryStore) GetLiveSessionByBranch(ctx context.Context, environmentID, branch string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.EnvironmentID == environmentID && sess.Branch == branch && sess.Status != v1.SessionStatusDead {
			copied := *sess
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("session", branch)
}

func (s *MemoryStore) ListSessions(ctx context.Context, environmentID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Session
	for _, sess := range s.sessions {
		if sess.EnvironmentID == environmentID {
			copied := *sess
			result = append(result, &copied)
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *MemoryStore) ListLiveSessions(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Session
	for _, sess := range s.sessions {
		if sess.Status != v1.SessionStatusDead {
			copied := *sess
			result = append(result, &copied)
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return apperrors.NotFound("session", session.ID)
	}
	if session.AgentID != "" {
		if _, ok := s.agents[session.AgentID]; !ok {
			return apperrors.NotFound("agent", session.AgentID)
		}
	}
	session.UpdatedAt = time.Now().UTC()
	sess := *session
	s.sessions[session.ID] = &sess
	return nil
}

func (s *MemoryStore) DeleteSessions(ctx context.Context, environmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, sess := range s.sessions {
		if sess.EnvironmentID == environmentID {
			delete(s.sessions, sid)
		}
	}
	return nil
}

// Bare repos

func (s *MemoryStore) UpsertBareRepo(ctx context.Context, repo *BareRepo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *repo
	s.bareRepos[repo.EnvironmentID] = &r
	return nil
}

func (s *MemoryStore) GetBareRepo(ctx context.Context, environmentID string) (*BareRepo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.bareRepos[environmentID]
	if !ok {
		return nil, apperrors.NotFound("bare repo", environmentID)
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) DeleteBareRepo(ctx context.Context, environmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bareRepos, environmentID)
	return nil
}

// Agents

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agents {
		if existing.UserID == agent.UserID && existing.Name == agent.Name {
			return apperrors.Conflict("agent name already in use: " + agent.Name)
		}
	}
	a := *agent
	s.agents[agent.ID] = &a
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	copied := *a
	return &copied, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Agent
	for _, a := range s.agents {
		if a.UserID == userID {
			copied := *a
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return apperrors.NotFound("agent", id)
	}
	for _, sess := range s.sessions {
		if sess.AgentID == id {
			return apperrors.Conflict("agent is referenced by sessions: " + id)
		}
	}
	delete(s.agents, id)
	delete(s.credentials, id)
	return nil
}

func (s *MemoryStore) SetAgentCredential(ctx context.Context, agentID string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return apperrors.NotFound("agent", agentID)
	}
	blob := make([]byte, len(sealed))
	copy(blob, sealed)
	s.credentials[agentID] = blob
	return nil
}

func (s *MemoryStore) GetAgentCredential(ctx context.Context, agentID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.credentials[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent credential", agentID)
	}
	copied := make([]byte, len(blob))
	copy(copied, blob)
	return copied, nil
}

// Refresh tokens

func (s *MemoryStore) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *token
	s.tokens[token.ID] = &t
	return nil
}

func (s *MemoryStore) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.TokenHash == hash {
			copied := *t
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("refresh token", hash)
}

func (s *MemoryStore) RevokeRefreshToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return apperrors.NotFound("refresh token", id)
	}
	t.Revoked = true
	return nil
}

func (s *MemoryStore) RevokeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.tokens {
		if !t.Revoked && t.ExpiresAt.Before(now) {
			t.Revoked = true
			count++
		}
	}
	return count, nil
}

// GitHub repository cache

func (s *MemoryStore) UpsertGitHubRepository(ctx context.Context, repo *GitHubRepository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *repo
	s.githubRepos[repo.ID] = &r
	return nil
}

func (s *MemoryStore) ListGitHubRepositories(ctx context.Context, userID string) ([]*GitHubRepository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*GitHubRepository
	for _, r := range s.githubRepos {
		if r.UserID == userID {
			copied := *r
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FullName < result[j].FullName })
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortEnvironments(envs []*Environment) {
	sort.Slice(envs, func(i, j int) bool { return envs[i].CreatedAt.Before(envs[j].CreatedAt) })
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
}
