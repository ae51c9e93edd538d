package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/craftastic/craftastic/internal/auth"
	"github.com/craftastic/craftastic/internal/common/config"
	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/environment"
	"github.com/craftastic/craftastic/internal/events/bus"
	"github.com/craftastic/craftastic/internal/gitops"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
	"github.com/craftastic/craftastic/internal/store"
	"github.com/craftastic/craftastic/internal/terminal"
)

type stubDriver struct {
	mu      sync.Mutex
	counter int
	running map[string]bool
}

func (f *stubDriver) CreateSandbox(ctx context.Context, spec docker.SandboxSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	id := fmt.Sprintf("sb-%d", f.counter)
	f.running[id] = false
	return id, nil
}

func (f *stubDriver) PullImage(ctx context.Context, imageName string) error { return nil }

func (f *stubDriver) StartSandbox(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[sandboxID] = true
	return nil
}

func (f *stubDriver) StopSandbox(ctx context.Context, sandboxID string, timeout time.Duration) error {
	return nil
}

func (f *stubDriver) RemoveSandbox(ctx context.Context, sandboxID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, sandboxID)
	return nil
}

func (f *stubDriver) InspectSandbox(ctx context.Context, sandboxID string) (*docker.SandboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, exists := f.running[sandboxID]
	if !exists {
		return nil, apperrors.NotFound("sandbox", sandboxID)
	}
	return &docker.SandboxInfo{ID: sandboxID, Running: running}, nil
}

type stubRepos struct{}

func (stubRepos) EnsureBare(ctx context.Context, environmentID, remoteURL string) (string, error) {
	return "/var/lib/craftastic/repos/" + environmentID, nil
}

func (stubRepos) MountSpec(environmentID string) docker.MountSpec {
	return docker.MountSpec{Source: "/src", Target: "/data/repos/" + environmentID}
}

func (stubRepos) HostPath(environmentID string) string {
	return "/var/lib/craftastic/repos/" + environmentID
}

func (stubRepos) Fetch(ctx context.Context, environmentID string) error { return nil }

func (stubRepos) ListBranches(ctx context.Context, environmentID string) ([]string, error) {
	return []string{"main"}, nil
}

func (stubRepos) CurrentBranch(ctx context.Context, environmentID string) (string, error) {
	return "main", nil
}

func (stubRepos) RemoteURL(ctx context.Context, environmentID string) (string, error) {
	return "https://example.com/r.git", nil
}

func (stubRepos) Remove(environmentID string) error { return nil }

type stubWorktrees struct{}

func (stubWorktrees) EnsureWorktree(ctx context.Context, env *store.Environment, branch, sandboxID string) (string, error) {
	if branch == env.DefaultBranch {
		return "/workspace", nil
	}
	return "/workspace/" + branch, nil
}

func (stubWorktrees) Prune(ctx context.Context, envID, sandboxID, path string) error { return nil }

type stubBroker struct{}

func (stubBroker) Kill(ctx context.Context, sandboxID, tmuxSession string) error { return nil }

func (stubBroker) Inspect(ctx context.Context, sandboxID, tmuxSession string) (*terminal.SessionState, error) {
	return &terminal.SessionState{Exists: true}, nil
}

// notARepoExec makes every in-sandbox git call report a missing worktree.
type notARepoExec struct{}

func (notARepoExec) Exec(ctx context.Context, sandboxID string, cmd []string, opts docker.ExecOptions) (*docker.ExecResult, error) {
	return &docker.ExecResult{ExitCode: 128, Stderr: "fatal: not a git repository (or any of the parent directories): .git"}, nil
}

func setupRouter(t *testing.T) (*gin.Engine, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	st := store.NewMemoryStore()
	driver := &stubDriver{running: make(map[string]bool)}

	svc := environment.NewService(st, driver, stubRepos{}, stubWorktrees{}, stubBroker{},
		bus.NewNoopEventBus(), config.SandboxConfig{Image: "craftastic/sandbox:test"}, log)
	git := gitops.NewFacade(notARepoExec{}, log)
	tokens := auth.NewTokenService(st)

	handler := NewHandler(svc, git, nil, st, auth.NoopSealer{}, tokens, nil, log)
	router := gin.New()
	SetupRoutes(router, handler, st, tokens, log)
	return router, st
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateEnvironmentEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/environments", CreateEnvironmentRequest{
		Name:          "demo",
		RepositoryURL: "https://example.com/r.git",
		Branch:        "main",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp EnvironmentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Name != "demo" || resp.Status != "running" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCreateEnvironmentEndpoint_NameConflictEnvelope(t *testing.T) {
	router, _ := setupRouter(t)

	first := doJSON(t, router, http.MethodPost, "/api/environments", CreateEnvironmentRequest{Name: "demo"})
	if first.Code != http.StatusOK {
		t.Fatalf("first create failed: %s", first.Body.String())
	}

	second := doJSON(t, router, http.MethodPost, "/api/environments", CreateEnvironmentRequest{Name: "demo"})
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", second.Code, second.Body.String())
	}

	var envelope struct {
		Success     bool     `json:"success"`
		Error       string   `json:"error"`
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	if envelope.Success {
		t.Error("error envelope must have success=false")
	}
	if envelope.Error != "name-conflict" {
		t.Errorf("expected error name-conflict, got %q", envelope.Error)
	}
	if len(envelope.Suggestions) == 0 {
		t.Error("expected suggestions in the envelope")
	}
}

func TestCheckNameEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/environments/check-name?name=demo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var avail environment.NameAvailability
	_ = json.Unmarshal(w.Body.Bytes(), &avail)
	if !avail.Available {
		t.Error("fresh name should be available")
	}

	doJSON(t, router, http.MethodPost, "/api/environments", CreateEnvironmentRequest{Name: "demo"})

	w = doJSON(t, router, http.MethodGet, "/api/environments/check-name?name=demo", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &avail)
	if avail.Available {
		t.Error("taken name should be unavailable")
	}
	if len(avail.Suggestions) == 0 {
		t.Error("expected suggestions")
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/environments", CreateEnvironmentRequest{
		Name: "demo", RepositoryURL: "https://example.com/r.git", Branch: "main",
	})
	var env EnvironmentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &env)

	w = doJSON(t, router, http.MethodPost, "/api/sessions", CreateSessionRequest{
		EnvironmentID: env.ID, Branch: "main",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create session failed: %d %s", w.Code, w.Body.String())
	}
	var sess SessionResponse
	_ = json.Unmarshal(w.Body.Bytes(), &sess)
	if sess.WorkingDirectory != "/workspace" {
		t.Errorf("expected /workspace, got %s", sess.WorkingDirectory)
	}

	// A second session on the same branch is rejected.
	w = doJSON(t, router, http.MethodPost, "/api/sessions", CreateSessionRequest{
		EnvironmentID: env.ID, Branch: "main",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 branch-in-use, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete failed: %d %s", w.Code, w.Body.String())
	}

	// Second delete reports not-found.
	w = doJSON(t, router, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}

	// Dead sessions remain fetchable.
	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get after delete failed: %d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &sess)
	if sess.Status != "dead" {
		t.Errorf("expected dead, got %s", sess.Status)
	}
}

func TestGitStatusEndpoint_NoWorktree(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/environments", CreateEnvironmentRequest{Name: "scratch"})
	var env EnvironmentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &env)

	w = doJSON(t, router, http.MethodPost, "/api/sessions", CreateSessionRequest{EnvironmentID: env.ID})
	var sess SessionResponse
	_ = json.Unmarshal(w.Body.Bytes(), &sess)

	w = doJSON(t, router, http.MethodGet, "/api/git/status/"+sess.ID, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &envelope)
	if envelope.Error != "no-worktree" {
		t.Errorf("expected no-worktree, got %q", envelope.Error)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/environments", CreateEnvironmentRequest{Name: "demo"})
	var env EnvironmentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &env)

	req := httptest.NewRequest(http.MethodGet, "/api/environments/"+env.ID, nil)
	req.Header.Set("X-User-ID", "intruder")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another user, got %d", rec.Code)
	}
}

func TestMissingIdentityRejected(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/environments/user/user-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rec.Code)
	}
}

func TestAgentEndpoints_CredentialNeverReturned(t *testing.T) {
	router, st := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/agents", CreateAgentRequest{
		Name: "claude", Kind: "claude", Credential: "sk-secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create agent failed: %d %s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("sk-secret")) {
		t.Error("credential leaked in create response")
	}

	var agent AgentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &agent)

	sealed, err := st.GetAgentCredential(context.Background(), agent.ID)
	if err != nil || string(sealed) != "sk-secret" {
		t.Errorf("sealed credential not stored: %q, %v", sealed, err)
	}

	w = doJSON(t, router, http.MethodGet, "/api/agents/"+agent.ID, nil)
	if bytes.Contains(w.Body.Bytes(), []byte("sk-secret")) {
		t.Error("credential leaked in get response")
	}
}

func TestTokenIssueAndResolve(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/auth/token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("token issue failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Token == "" {
		t.Fatal("no token returned")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/environments/user/user-1", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer token not accepted: %d %s", rec.Code, rec.Body.String())
	}
}
