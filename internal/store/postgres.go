package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
)

// PostgresStore is the Store backend for multi-writer deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		repository_url TEXT DEFAULT '',
		default_branch TEXT DEFAULT 'main',
		sandbox_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, name)
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, name)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		environment_id TEXT NOT NULL REFERENCES environments(id) ON DELETE CASCADE,
		name TEXT DEFAULT '',
		tmux_session TEXT NOT NULL,
		working_directory TEXT DEFAULT '',
		branch TEXT DEFAULT '',
		kind TEXT NOT NULL,
		agent_id TEXT REFERENCES agents(id),
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_env_name
		ON sessions(environment_id, name)
		WHERE status != 'dead' AND name != '';

	CREATE INDEX IF NOT EXISTS idx_sessions_environment_id ON sessions(environment_id);

	CREATE TABLE IF NOT EXISTS bare_repos (
		environment_id TEXT PRIMARY KEY REFERENCES environments(id) ON DELETE CASCADE,
		host_path TEXT NOT NULL,
		remote_url TEXT NOT NULL,
		fetched_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS agent_credentials (
		agent_id TEXT PRIMARY KEY REFERENCES agents(id) ON DELETE CASCADE,
		sealed BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		revoked BOOLEAN DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS github_repositories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		full_name TEXT NOT NULL,
		clone_url TEXT NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, created_at) VALUES ($1, $2, $3)
	`, user.ID, user.Name, user.CreatedAt)
	if pgConflict(err) {
		return apperrors.Conflict("user already exists: " + user.ID)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	user := &User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, created_at FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Name, &user.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("user", id)
	}
	return user, err
}

// Environments

func (s *PostgresStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO environments (id, user_id, name, repository_url, default_branch, sandbox_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, env.ID, env.UserID, env.Name, env.RepositoryURL, env.DefaultBranch, env.SandboxID, env.Status, env.CreatedAt, env.UpdatedAt)
	if pgConflict(err) {
		return apperrors.Conflict("environment name already in use: " + env.Name)
	}
	return err
}

func (s *PostgresStore) getEnvironment(ctx context.Context, query string, args ...interface{}) (*Environment, error) {
	env := &Environment{}
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&env.ID, &env.UserID, &env.Name, &env.RepositoryURL, &env.DefaultBranch, &env.SandboxID, &env.Status, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (s *PostgresStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	env, err := s.getEnvironment(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE id = $1`, id)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("environment", id)
	}
	return env, err
}

func (s *PostgresStore) GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error) {
	env, err := s.getEnvironment(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE user_id = $1 AND name = $2`, userID, name)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("environment", name)
	}
	return env, err
}

func (s *PostgresStore) listEnvironments(ctx context.Context, query string, args ...interface{}) ([]*Environment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Environment
	for rows.Next() {
		env := &Environment{}
		err := rows.Scan(&env.ID, &env.UserID, &env.Name, &env.RepositoryURL, &env.DefaultBranch, &env.SandboxID, &env.Status, &env.CreatedAt, &env.UpdatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, env)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListEnvironments(ctx context.Context, userID string) ([]*Environment, error) {
	return s.listEnvironments(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *PostgresStore) ListAllEnvironments(ctx context.Context) ([]*Environment, error) {
	return s.listEnvironments(ctx,
		`SELECT `+environmentColumns+` FROM environments ORDER BY created_at`)
}

func (s *PostgresStore) UpdateEnvironment(ctx context.Context, env *Environment) error {
	env.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE environments SET name = $1, repository_url = $2, default_branch = $3, sandbox_id = $4, status = $5, updated_at = $6
		WHERE id = $7
	`, env.Name, env.RepositoryURL, env.DefaultBranch, env.SandboxID, env.Status, env.UpdatedAt, env.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("environment", env.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteEnvironment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("environment", id)
	}
	return nil
}

// Sessions

func (s *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, session.ID, session.EnvironmentID, session.Name, session.TmuxSession, session.WorkingDirectory,
		session.Branch, session.Kind, nullableID(session.AgentID), session.Status,
		session.CreatedAt, session.UpdatedAt, session.LastActivityAt)
	if pgConflict(err) {
		return apperrors.Conflict("session name already in use: " + session.Name)
	}
	return err
}

func (s *PostgresStore) getSession(ctx context.Context, query string, args ...interface{}) (*Session, error) {
	return scanSession(s.pool.QueryRow(ctx, query, args...).Scan)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.getSession(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	return sess, err
}

func (s *PostgresStore) GetLiveSessionByName(ctx context.Context, environmentID, name string) (*Session, error) {
	sess, err := s.getSession(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE environment_id = $1 AND name = $2 AND status != 'dead'`,
		environmentID, name)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("session", name)
	}
	return sess, err
}

func (s *PostgresStore) GetLiveSessionByBranch(ctx context.Context, environmentID, branch string) (*Session, error) {
	sess, err := s.getSession(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE environment_id = $1 AND branch = $2 AND status != 'dead'`,
		environmentID, branch)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("session", branch)
	}
	return sess, err
}

func (s *PostgresStore) listSessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListSessions(ctx context.Context, environmentID string) ([]*Session, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE environment_id = $1 ORDER BY created_at`, environmentID)
}

func (s *PostgresStore) ListLiveSessions(ctx context.Context) ([]*Session, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status != 'dead' ORDER BY created_at`)
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET name = $1, tmux_session = $2, working_directory = $3, branch = $4, kind = $5, agent_id = $6, status = $7, updated_at = $8, last_activity_at = $9
		WHERE id = $10
	`, session.Name, session.TmuxSession, session.WorkingDirectory, session.Branch, session.Kind,
		nullableID(session.AgentID), session.Status, session.UpdatedAt, session.LastActivityAt, session.ID)
	if err != nil {
		if pgConflict(err) {
			return apperrors.Conflict("session name already in use: " + session.Name)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("session", session.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteSessions(ctx context.Context, environmentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE environment_id = $1`, environmentID)
	return err
}

// Bare repos

func (s *PostgresStore) UpsertBareRepo(ctx context.Context, repo *BareRepo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bare_repos (environment_id, host_path, remote_url, fetched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(environment_id) DO UPDATE SET host_path = excluded.host_path, remote_url = excluded.remote_url, fetched_at = excluded.fetched_at
	`, repo.EnvironmentID, repo.HostPath, repo.RemoteURL, repo.FetchedAt)
	return err
}

func (s *PostgresStore) GetBareRepo(ctx context.Context, environmentID string) (*BareRepo, error) {
	repo := &BareRepo{}
	err := s.pool.QueryRow(ctx, `
		SELECT environment_id, host_path, remote_url, fetched_at FROM bare_repos WHERE environment_id = $1
	`, environmentID).Scan(&repo.EnvironmentID, &repo.HostPath, &repo.RemoteURL, &repo.FetchedAt)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("bare repo", environmentID)
	}
	return repo, err
}

func (s *PostgresStore) DeleteBareRepo(ctx context.Context, environmentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bare_repos WHERE environment_id = $1`, environmentID)
	return err
}

// Agents

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, user_id, name, kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, agent.ID, agent.UserID, agent.Name, agent.Kind, agent.CreatedAt, agent.UpdatedAt)
	if pgConflict(err) {
		return apperrors.Conflict("agent name already in use: " + agent.Name)
	}
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, kind, created_at, updated_at FROM agents WHERE id = $1
	`, id).Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.Kind, &agent.CreatedAt, &agent.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, kind, created_at, updated_at FROM agents WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Agent
	for rows.Next() {
		agent := &Agent{}
		err := rows.Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.Kind, &agent.CreatedAt, &agent.UpdatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		if pgFKViolation(err) {
			return apperrors.Conflict("agent is referenced by sessions: " + id)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

func (s *PostgresStore) SetAgentCredential(ctx context.Context, agentID string, sealed []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_credentials (agent_id, sealed, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT(agent_id) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at
	`, agentID, sealed, time.Now().UTC())
	return err
}

func (s *PostgresStore) GetAgentCredential(ctx context.Context, agentID string) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx, `
		SELECT sealed FROM agent_credentials WHERE agent_id = $1
	`, agentID).Scan(&sealed)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("agent credential", agentID)
	}
	return sealed, err
}

// Refresh tokens

func (s *PostgresStore) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt, token.Revoked)
	if pgConflict(err) {
		return apperrors.Conflict("refresh token already exists")
	}
	return err
}

func (s *PostgresStore) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	token := &RefreshToken{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at, revoked FROM refresh_tokens WHERE token_hash = $1
	`, hash).Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt, &token.Revoked)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("refresh token", "")
	}
	return token, err
}

func (s *PostgresStore) RevokeRefreshToken(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("refresh token", id)
	}
	return nil
}

func (s *PostgresStore) RevokeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE WHERE revoked = FALSE AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// GitHub repository cache

func (s *PostgresStore) UpsertGitHubRepository(ctx context.Context, repo *GitHubRepository) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO github_repositories (id, user_id, full_name, clone_url, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET full_name = excluded.full_name, clone_url = excluded.clone_url, fetched_at = excluded.fetched_at
	`, repo.ID, repo.UserID, repo.FullName, repo.CloneURL, repo.FetchedAt)
	return err
}

func (s *PostgresStore) ListGitHubRepositories(ctx context.Context, userID string) ([]*GitHubRepository, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, full_name, clone_url, fetched_at FROM github_repositories WHERE user_id = $1 ORDER BY full_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*GitHubRepository
	for rows.Next() {
		repo := &GitHubRepository{}
		err := rows.Scan(&repo.ID, &repo.UserID, &repo.FullName, &repo.CloneURL, &repo.FetchedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, repo)
	}
	return result, rows.Err()
}
