package api

import (
	"time"

	"github.com/craftastic/craftastic/internal/store"
)

// CreateEnvironmentRequest is the body of POST /api/environments.
type CreateEnvironmentRequest struct {
	Name          string `json:"name" binding:"required"`
	RepositoryURL string `json:"repositoryUrl"`
	Branch        string `json:"branch"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	EnvironmentID    string `json:"environmentId" binding:"required"`
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`
	SessionType      string `json:"sessionType"`
	AgentID          string `json:"agentId"`
	Branch           string `json:"branch"`
}

// CreateAgentRequest is the body of POST /api/agents.
type CreateAgentRequest struct {
	Name       string `json:"name" binding:"required"`
	Kind       string `json:"kind" binding:"required"`
	Credential string `json:"credential"`
}

// CommitRequest is the body of POST /api/git/commit/:sessionId.
type CommitRequest struct {
	Message string   `json:"message" binding:"required"`
	Files   []string `json:"files"`
}

// PushRequest is the body of POST /api/git/push/:sessionId.
type PushRequest struct {
	Remote string `json:"remote"`
	Branch string `json:"branch"`
}

// EnvironmentResponse is the wire form of an environment.
type EnvironmentResponse struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	RepositoryURL string    `json:"repositoryUrl,omitempty"`
	DefaultBranch string    `json:"defaultBranch"`
	SandboxID     string    `json:"sandboxId,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SessionResponse is the wire form of a session.
type SessionResponse struct {
	ID               string    `json:"id"`
	EnvironmentID    string    `json:"environmentId"`
	Name             string    `json:"name,omitempty"`
	WorkingDirectory string    `json:"workingDirectory"`
	Branch           string    `json:"branch"`
	SessionType      string    `json:"sessionType"`
	AgentID          string    `json:"agentId,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
}

// AgentResponse is the wire form of an agent. The sealed credential is
// never returned.
type AgentResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func environmentToResponse(e *store.Environment) *EnvironmentResponse {
	return &EnvironmentResponse{
		ID:            e.ID,
		UserID:        e.UserID,
		Name:          e.Name,
		RepositoryURL: e.RepositoryURL,
		DefaultBranch: e.DefaultBranch,
		SandboxID:     e.SandboxID,
		Status:        string(e.Status),
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func sessionToResponse(s *store.Session) *SessionResponse {
	return &SessionResponse{
		ID:               s.ID,
		EnvironmentID:    s.EnvironmentID,
		Name:             s.Name,
		WorkingDirectory: s.WorkingDirectory,
		Branch:           s.Branch,
		SessionType:      string(s.Kind),
		AgentID:          s.AgentID,
		Status:           string(s.Status),
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		LastActivityAt:   s.LastActivityAt,
	}
}

func agentToResponse(a *store.Agent) *AgentResponse {
	return &AgentResponse{
		ID:        a.ID,
		Name:      a.Name,
		Kind:      string(a.Kind),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}
