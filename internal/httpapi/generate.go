package httpapi

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lmassist/internal/generator"
	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/remotesync"
)

// GenerateRequest is the request body for POST /knowledge/generate.
type GenerateRequest struct {
	SessionPath string `json:"sessionPath"`
	AgentID     string `json:"agentId"`
}

func (s *Server) handleGenerate(c echo.Context) error {
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.SessionPath == "" || req.AgentID == "" {
		return fail(c, http.StatusBadRequest, "sessionPath and agentId are required")
	}

	doc, err := s.deps.Generator.Generate(c.Request().Context(), req.SessionPath, req.AgentID)
	if err != nil {
		switch {
		case errors.Is(err, generator.ErrAgentNotFound), errors.Is(err, os.ErrNotExist):
			return fail(c, http.StatusNotFound, err.Error())
		case errors.Is(err, knowledge.ErrDuplicate):
			return fail(c, http.StatusConflict, err.Error())
		case errors.Is(err, generator.ErrNotExplore),
			errors.Is(err, generator.ErrNotCompleted),
			errors.Is(err, generator.ErrLowQuality):
			return fail(c, http.StatusUnprocessableEntity, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, http.StatusCreated, doc)
}

// GenerateAllRequest is the request body for POST /knowledge/generate/all.
// An empty project means all projects.
type GenerateAllRequest struct {
	Project string `json:"project,omitempty"`
}

// handleGenerateAll starts a batch pass in the background; progress is
// polled via the status endpoint.
func (s *Server) handleGenerateAll(c echo.Context) error {
	var req GenerateAllRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if s.deps.Generator.Status().Running {
		return fail(c, http.StatusConflict, "generation already running")
	}

	go func() {
		// Detached from the request so the batch survives the reply.
		result, err := s.deps.Generator.GenerateAll(context.Background(), req.Project)
		if err != nil {
			s.logger.Warn("batch generation failed", zap.Error(err))
			return
		}
		s.logger.Info("batch generation finished",
			zap.Int("generated", result.Generated),
			zap.Int("errors", len(result.Errors)),
			zap.Bool("stopped", result.Stopped),
		)
	}()
	return ok(c, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) handleGenerateStop(c echo.Context) error {
	s.deps.Generator.Stop()
	return ok(c, http.StatusOK, map[string]bool{"stopping": true})
}

func (s *Server) handleGenerateStatus(c echo.Context) error {
	return ok(c, http.StatusOK, s.deps.Generator.Status())
}

// RemoteSyncRequest is the request body for POST /knowledge/remote-sync.
type RemoteSyncRequest struct {
	Project string `json:"project"`
}

// handleRemoteSync starts a sync pass in the background.
func (s *Server) handleRemoteSync(c echo.Context) error {
	if s.deps.Syncer == nil {
		return fail(c, http.StatusServiceUnavailable, "hub is not configured")
	}
	var req RemoteSyncRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Project == "" {
		return fail(c, http.StatusBadRequest, "project is required")
	}
	if s.deps.Syncer.Status().Status == "running" {
		return fail(c, http.StatusConflict, remotesync.ErrSyncRunning.Error())
	}

	go func() {
		if _, err := s.deps.Syncer.Sync(context.Background(), req.Project); err != nil {
			s.logger.Warn("remote sync failed", zap.String("project", req.Project), zap.Error(err))
		}
	}()
	return ok(c, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) handleRemoteSyncStatus(c echo.Context) error {
	if s.deps.Syncer == nil {
		return fail(c, http.StatusServiceUnavailable, "hub is not configured")
	}
	return ok(c, http.StatusOK, s.deps.Syncer.Status())
}

// SuggestRequest is the request body for POST /context/suggest.
type SuggestRequest struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
}

// handleSuggest assembles the context block for a prompt submit. The
// suggester never fails; an empty suggestion is a valid reply.
func (s *Server) handleSuggest(c echo.Context) error {
	var req SuggestRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	suggestion := s.deps.Suggester.Suggest(c.Request().Context(), req.Prompt, req.SessionID, req.ProjectPath)
	return ok(c, http.StatusOK, suggestion)
}
