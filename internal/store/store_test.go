package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

// Both implementations must satisfy the same uniqueness and lifecycle
// semantics; each test runs against memory and sqlite.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func seedUser(t *testing.T, s Store) {
	t.Helper()
	if err := s.CreateUser(context.Background(), &User{ID: "user-1", Name: "user-1"}); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func seedEnvironment(t *testing.T, s Store, id, name string) *Environment {
	t.Helper()
	env := &Environment{
		ID:            id,
		UserID:        "user-1",
		Name:          name,
		RepositoryURL: "https://example.com/r.git",
		DefaultBranch: "main",
		Status:        v1.EnvironmentStatusRunning,
	}
	if err := s.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("failed to seed environment: %v", err)
	}
	return env
}

func TestEnvironmentNameUniquePerUser(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s)
		seedEnvironment(t, s, "env-1", "demo")

		err := s.CreateEnvironment(ctx, &Environment{
			ID: "env-2", UserID: "user-1", Name: "demo", Status: v1.EnvironmentStatusRunning,
		})
		if !apperrors.IsConflict(err) {
			t.Errorf("expected conflict for duplicate name, got %v", err)
		}
	})
}

func TestSessionNameUniqueOnlyAmongLiveRows(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s)
		seedEnvironment(t, s, "env-1", "demo")

		first := &Session{
			ID: "sess-1", EnvironmentID: "env-1", Name: "work",
			TmuxSession: "craft-1", Branch: "main",
			Kind: v1.SessionKindShell, Status: v1.SessionStatusInactive,
		}
		if err := s.CreateSession(ctx, first); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}

		dup := &Session{
			ID: "sess-2", EnvironmentID: "env-1", Name: "work",
			TmuxSession: "craft-2", Branch: "other",
			Kind: v1.SessionKindShell, Status: v1.SessionStatusInactive,
		}
		if err := s.CreateSession(ctx, dup); !apperrors.IsConflict(err) {
			t.Fatalf("expected conflict for duplicate live name, got %v", err)
		}

		// Once the first session is dead the name is reusable.
		first.Status = v1.SessionStatusDead
		if err := s.UpdateSession(ctx, first); err != nil {
			t.Fatalf("failed to mark dead: %v", err)
		}
		if err := s.CreateSession(ctx, dup); err != nil {
			t.Errorf("name should be reusable after death, got %v", err)
		}
	})
}

func TestUnnamedSessionsDoNotCollide(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s)
		seedEnvironment(t, s, "env-1", "demo")

		for i, id := range []string{"sess-1", "sess-2"} {
			sess := &Session{
				ID: id, EnvironmentID: "env-1",
				TmuxSession: "craft-" + id, Branch: "b" + string(rune('0'+i)),
				Kind: v1.SessionKindShell, Status: v1.SessionStatusInactive,
			}
			if err := s.CreateSession(ctx, sess); err != nil {
				t.Fatalf("unnamed session %s rejected: %v", id, err)
			}
		}
	})
}

func TestGetLiveSessionByBranchIgnoresDead(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s)
		seedEnvironment(t, s, "env-1", "demo")

		sess := &Session{
			ID: "sess-1", EnvironmentID: "env-1",
			TmuxSession: "craft-1", Branch: "main",
			Kind: v1.SessionKindShell, Status: v1.SessionStatusInactive,
		}
		_ = s.CreateSession(ctx, sess)

		if _, err := s.GetLiveSessionByBranch(ctx, "env-1", "main"); err != nil {
			t.Fatalf("live session not found by branch: %v", err)
		}

		sess.Status = v1.SessionStatusDead
		_ = s.UpdateSession(ctx, sess)

		if _, err := s.GetLiveSessionByBranch(ctx, "env-1", "main"); !apperrors.IsNotFound(err) {
			t.Errorf("dead session should not be found by branch, got %v", err)
		}
	})
}

func TestBareRepoUpsertAndGet(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s)
		seedEnvironment(t, s, "env-1", "demo")

		repo := &BareRepo{
			EnvironmentID: "env-1",
			HostPath:      "/var/lib/craftastic/repos/env-1",
			RemoteURL:     "https://example.com/r.git",
		}
		if err := s.UpsertBareRepo(ctx, repo); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}

		now := time.Now().UTC().Truncate(time.Second)
		repo.FetchedAt = &now
		if err := s.UpsertBareRepo(ctx, repo); err != nil {
			t.Fatalf("second upsert failed: %v", err)
		}

		got, err := s.GetBareRepo(ctx, "env-1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.FetchedAt == nil || !got.FetchedAt.Equal(now) {
			t.Errorf("fetched_at not persisted: %+v", got.FetchedAt)
		}
	})
}

func TestRefreshTokenExpirySweep(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		expired := &RefreshToken{
			ID: "tok-1", UserID: "user-1", TokenHash: "hash-1",
			ExpiresAt: now.Add(-time.Hour),
		}
		fresh := &RefreshToken{
			ID: "tok-2", UserID: "user-1", TokenHash: "hash-2",
			ExpiresAt: now.Add(time.Hour),
		}
		_ = s.CreateRefreshToken(ctx, expired)
		_ = s.CreateRefreshToken(ctx, fresh)

		count, err := s.RevokeExpiredTokens(ctx, now)
		if err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 revocation, got %d", count)
		}

		got, _ := s.GetRefreshTokenByHash(ctx, "hash-1")
		if got == nil || !got.Revoked {
			t.Error("expired token not revoked")
		}
		got, _ = s.GetRefreshTokenByHash(ctx, "hash-2")
		if got == nil || got.Revoked {
			t.Error("fresh token wrongly revoked")
		}
	})
}

func TestAgentCredentialRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		agent := &Agent{ID: "agent-1", UserID: "user-1", Name: "claude", Kind: v1.AgentKindClaude}
		if err := s.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("create agent failed: %v", err)
		}

		if err := s.SetAgentCredential(ctx, "agent-1", []byte("sealed-blob")); err != nil {
			t.Fatalf("set credential failed: %v", err)
		}
		got, err := s.GetAgentCredential(ctx, "agent-1")
		if err != nil || string(got) != "sealed-blob" {
			t.Errorf("credential round trip failed: %q, %v", got, err)
		}

		if err := s.DeleteAgent(ctx, "agent-1"); err != nil {
			t.Fatalf("delete agent failed: %v", err)
		}
		if _, err := s.GetAgentCredential(ctx, "agent-1"); !apperrors.IsNotFound(err) {
			t.Errorf("credential should be gone with the agent, got %v", err)
		}
	})
}

func TestSessionAgentReferentialIntegrity(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s)
		seedEnvironment(t, s, "env-1", "demo")

		// A session pointing at a nonexistent agent is rejected.
		bad := &Session{
			ID: "sess-1", EnvironmentID: "env-1",
			TmuxSession: "craft-1", Branch: "main",
			Kind: v1.SessionKindAgent, AgentID: "ghost",
			Status: v1.SessionStatusInactive,
		}
		if err := s.CreateSession(ctx, bad); err == nil {
			t.Fatal("session referencing a missing agent was accepted")
		}

		agent := &Agent{ID: "agent-1", UserID: "user-1", Name: "claude", Kind: v1.AgentKindClaude}
		if err := s.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("create agent failed: %v", err)
		}

		good := &Session{
			ID: "sess-1", EnvironmentID: "env-1",
			TmuxSession: "craft-1", Branch: "main",
			Kind: v1.SessionKindAgent, AgentID: "agent-1",
			Status: v1.SessionStatusInactive,
		}
		if err := s.CreateSession(ctx, good); err != nil {
			t.Fatalf("session with a real agent rejected: %v", err)
		}

		got, err := s.GetSession(ctx, "sess-1")
		if err != nil || got.AgentID != "agent-1" {
			t.Errorf("agent reference did not round-trip: %+v, %v", got, err)
		}

		// The referenced agent cannot be deleted out from under the session.
		if err := s.DeleteAgent(ctx, "agent-1"); !apperrors.IsConflict(err) {
			t.Errorf("expected conflict deleting a referenced agent, got %v", err)
		}
	})
}

func TestAgentlessSessionHasNoAgentReference(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s)
		seedEnvironment(t, s, "env-1", "demo")

		sess := &Session{
			ID: "sess-1", EnvironmentID: "env-1",
			TmuxSession: "craft-1", Branch: "main",
			Kind: v1.SessionKindShell, Status: v1.SessionStatusInactive,
		}
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("agentless session rejected: %v", err)
		}

		got, err := s.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.AgentID != "" {
			t.Errorf("expected empty agent reference, got %q", got.AgentID)
		}

		// Updates must keep the reference absent, not turn it into a
		// dangling value.
		got.Status = v1.SessionStatusActive
		if err := s.UpdateSession(ctx, got); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		got, _ = s.GetSession(ctx, "sess-1")
		if got.AgentID != "" {
			t.Errorf("agent reference appeared after update: %q", got.AgentID)
		}
	})
}

func TestDeleteEnvironmentCascadesSessions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s)
		seedEnvironment(t, s, "env-1", "demo")

		sess := &Session{
			ID: "sess-1", EnvironmentID: "env-1",
			TmuxSession: "craft-1", Branch: "main",
			Kind: v1.SessionKindShell, Status: v1.SessionStatusInactive,
		}
		_ = s.CreateSession(ctx, sess)

		if err := s.DeleteEnvironment(ctx, "env-1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := s.GetSession(ctx, "sess-1"); !apperrors.IsNotFound(err) {
			t.Errorf("session should cascade on environment delete, got %v", err)
		}
	})
}
