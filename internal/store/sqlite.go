package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
)

// SQLiteStore is the default single-node Store backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed initializes) the sqlite database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		repository_url TEXT DEFAULT '',
		default_branch TEXT DEFAULT 'main',
		sandbox_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		UNIQUE (user_id, name)
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (user_id, name)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		environment_id TEXT NOT NULL,
		name TEXT DEFAULT '',
		tmux_session TEXT NOT NULL,
		working_directory TEXT DEFAULT '',
		branch TEXT DEFAULT '',
		kind TEXT NOT NULL,
		agent_id TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_activity_at DATETIME NOT NULL,
		FOREIGN KEY (environment_id) REFERENCES environments(id) ON DELETE CASCADE,
		FOREIGN KEY (agent_id) REFERENCES agents(id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_env_name
		ON sessions(environment_id, name)
		WHERE status != 'dead' AND name != '';

	CREATE INDEX IF NOT EXISTS idx_sessions_environment_id ON sessions(environment_id);

	CREATE TABLE IF NOT EXISTS bare_repos (
		environment_id TEXT PRIMARY KEY,
		host_path TEXT NOT NULL,
		remote_url TEXT NOT NULL,
		fetched_at DATETIME,
		FOREIGN KEY (environment_id) REFERENCES environments(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agent_credentials (
		agent_id TEXT PRIMARY KEY,
		sealed BLOB NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		revoked INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS github_repositories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		full_name TEXT NOT NULL,
		clone_url TEXT NOT NULL,
		fetched_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteConflict(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func sqliteFKViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// Users

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)
	`, user.ID, user.Name, user.CreatedAt)
	if sqliteConflict(err) {
		return apperrors.Conflict("user already exists: " + user.ID)
	}
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Name, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("user", id)
	}
	return user, err
}

// Environments

func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environments (id, user_id, name, repository_url, default_branch, sandbox_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, env.ID, env.UserID, env.Name, env.RepositoryURL, env.DefaultBranch, env.SandboxID, env.Status, env.CreatedAt, env.UpdatedAt)
	if sqliteConflict(err) {
		return apperrors.Conflict("environment name already in use: " + env.Name)
	}
	return err
}

const environmentColumns = `id, user_id, name, repository_url, default_branch, sandbox_id, status, created_at, updated_at`

func (s *SQLiteStore) scanEnvironment(row *sql.Row) (*Environment, error) {
	env := &Environment{}
	err := row.Scan(&env.ID, &env.UserID, &env.Name, &env.RepositoryURL, &env.DefaultBranch, &env.SandboxID, &env.Status, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	env, err := s.scanEnvironment(s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("environment", id)
	}
	return env, err
}

func (s *SQLiteStore) GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error) {
	env, err := s.scanEnvironment(s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE user_id = ? AND name = ?`, userID, name))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("environment", name)
	}
	return env, err
}

func (s *SQLiteStore) listEnvironments(ctx context.Context, query string, args ...interface{}) ([]*Environment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) ListEnvironments(ctx context.Context, userID string) ([]*Environment, error) {
	return s.listEnvironments(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *SQLiteStore) ListAllEnvironments(ctx context.Context) ([]*Environment, error) {
	return s.listEnvironments(ctx,
		`SELECT `+environmentColumns+` FROM environments ORDER BY created_at`)
}

func (s *SQLiteStore) UpdateEnvironment(ctx context.Context, env *Environment) error {
	env.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE environments SET name = ?, repository_url = ?, default_branch = ?, sandbox_id = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, env.Name, env.RepositoryURL, env.DefaultBranch, env.SandboxID, env.Status, env.UpdatedAt, env.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("environment", env.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("environment", id)
	}
	return nil
}

// Sessions

const sessionColumns = `id, environment_id, name, tmux_session, working_directory, branch, kind, agent_id, status, created_at, updated_at, last_activity_at`

// nullableID maps the empty-string "no reference" sentinel onto SQL NULL so
// the agents foreign key only sees real ids.
func nullableID(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.EnvironmentID, session.Name, session.TmuxSession, session.WorkingDirectory,
		session.Branch, session.Kind, nullableID(session.AgentID), session.Status,
		session.CreatedAt, session.UpdatedAt, session.LastActivityAt)
	if sqliteConflict(err) {
		return apperrors.Conflict("session name already in use: " + session.Name)
	}
	return err
}

func scanSession(scan func(dest ...interface{}) error) (*Session, error) {
	sess := &Session{}
	var agentID sql.NullString
	err := scan(&sess.ID, &sess.EnvironmentID, &sess.Name, &sess.TmuxSession, &sess.WorkingDirectory,
		&sess.Branch, &sess.Kind, &agentID, &sess.Status,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		sess.AgentID = agentID.String
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	return sess, err
}

func (s *SQLiteStore) GetLiveSessionByName(ctx context.Context, environmentID, name string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE environment_id = ? AND name = ? AND status != 'dead'`,
		environmentID, name).Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", name)
	}
	return sess, err
}

func (s *SQLiteStore) GetLiveSessionByBranch(ctx context.Context, environmentID, branch string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE environment_id = ? AND branch = ? AND status != 'dead'`,
		environmentID, branch).Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", branch)
	}
	return sess, err
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) ListSessions(ctx context.Context, environmentID string) ([]*Session, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE environment_id = ? ORDER BY created_at`, environmentID)
}

func (s *SQLiteStore) ListLiveSessions(ctx context.Context) ([]*Session, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status != 'dead' ORDER BY created_at`)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET name = ?, tmux_session = ?, working_directory = ?, branch = ?, kind = ?, agent_id = ?, status = ?, updated_at = ?, last_activity_at = ?
		WHERE id = ?
	`, session.Name, session.TmuxSession, session.WorkingDirectory, session.Branch, session.Kind,
		nullableID(session.AgentID), session.Status, session.UpdatedAt, session.LastActivityAt, session.ID)
	if err != nil {
		if sqliteConflict(err) {
			return apperrors.Conflict("session name already in use: " + session.Name)
		}
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", session.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteSessions(ctx context.Context, environmentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE environment_id = ?`, environmentID)
	return err
}

// Bare repos

func (s *SQLiteStore) UpsertBareRepo(ctx context.Context, repo *BareRepo) error {
	var fetchedAt sql.NullTime
	if repo.FetchedAt != nil {
		fetchedAt = sql.NullTime{Time: *repo.FetchedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bare_repos (environment_id, host_path, remote_url, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(environment_id) DO UPDATE SET host_path = excluded.host_path, remote_url = excluded.remote_url, fetched_at = excluded.fetched_at
	`, repo.EnvironmentID, repo.HostPath, repo.RemoteURL, fetchedAt)
	return err
}

func (s *SQLiteStore) GetBareRepo(ctx context.Context, environmentID string) (*BareRepo, error) {
	repo := &BareRepo{}
	var fetchedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT environment_id, host_path, remote_url, fetched_at FROM bare_repos WHERE environment_id = ?
	`, environmentID).Scan(&repo.EnvironmentID, &repo.HostPath, &repo.RemoteURL, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("bare repo", environmentID)
	}
	if err != nil {
		return nil, err
	}
	if fetchedAt.Valid {
		repo.FetchedAt = &fetchedAt.Time
	}
	return repo, nil
}

func (s *SQLiteStore) DeleteBareRepo(ctx context.Context, environmentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bare_repos WHERE environment_id = ?`, environmentID)
	return err
}

// Agents

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.UserID, agent.Name, agent.Kind, agent.CreatedAt, agent.UpdatedAt)
	if sqliteConflict(err) {
		return apperrors.Conflict("agent name already in use: " + agent.Name)
	}
	return err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, kind, created_at, updated_at FROM agents WHERE id = ?
	`, id).Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.Kind, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent, err
}

func (s *SQLiteStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, kind, created_at, updated_at FROM agents WHERE user_id = ? ORDER BY created_at
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

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		if sqliteFKViolation(err) {
			return apperrors.Conflict("agent is referenced by sessions: " + id)
		}
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

func (s *SQLiteStore) SetAgentCredential(ctx context.Context, agentID string, sealed []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_credentials (agent_id, sealed, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at
	`, agentID, sealed, time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetAgentCredential(ctx context.Context, agentID string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT sealed FROM agent_credentials WHERE agent_id = ?
	`, agentID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("agent credential", agentID)
	}
	return sealed, err
}

// Refresh tokens

func (s *SQLiteStore) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?)
	`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt, token.Revoked)
	if sqliteConflict(err) {
		return apperrors.Conflict("refresh token already exists")
	}
	return err
}

func (s *SQLiteStore) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	token := &RefreshToken{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at, revoked FROM refresh_tokens WHERE token_hash = ?
	`, hash).Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt, &token.Revoked)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("refresh token", "")
	}
	return token, err
}

func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("refresh token", id)
	}
	return nil
}

func (s *SQLiteStore) RevokeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1 WHERE revoked = 0 AND expires_at < ?
	`, now)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// GitHub repository cache

func (s *SQLiteStore) UpsertGitHubRepository(ctx context.Context, repo *GitHubRepository) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO github_repositories (id, user_id, full_name, clone_url, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET full_name = excluded.full_name, clone_url = excluded.clone_url, fetched_at = excluded.fetched_at
	`, repo.ID, repo.UserID, repo.FullName, repo.CloneURL, repo.FetchedAt)
	return err
}

func (s *SQLiteStore) ListGitHubRepositories(ctx context.Context, userID string) ([]*GitHubRepository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, full_name, clone_url, fetched_at FROM github_repositories WHERE user_id = ? ORDER BY full_name
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
