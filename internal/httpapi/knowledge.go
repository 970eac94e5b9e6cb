package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/pkg/git"
)

// handleListKnowledge lists index entries filtered by project, type,
// status, and origin.
func (s *Server) handleListKnowledge(c echo.Context) error {
	filter := knowledge.Filter{
		Project: c.QueryParam("project"),
		Type:    knowledge.Type(c.QueryParam("type")),
		Status:  knowledge.Status(c.QueryParam("status")),
		Origin:  c.QueryParam("origin"),
	}
	entries := s.deps.Store.List(filter)
	if entries == nil {
		entries = []knowledge.IndexEntry{}
	}
	return ok(c, http.StatusOK, entries)
}

// handleGetKnowledge returns a full document. machineId selects a remote
// mirror.
func (s *Server) handleGetKnowledge(c echo.Context) error {
	doc, err := s.deps.Store.Get(c.Param("id"), c.QueryParam("machineId"))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return fail(c, http.StatusNotFound, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, http.StatusOK, doc)
}

// handleGetPart returns one part of a document.
func (s *Server) handleGetPart(c echo.Context) error {
	doc, err := s.deps.Store.Get(c.Param("id"), c.QueryParam("machineId"))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return fail(c, http.StatusNotFound, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	part := doc.FindPart(c.Param("partId"))
	if part == nil {
		return fail(c, http.StatusNotFound, "part not found: "+c.Param("partId"))
	}
	return ok(c, http.StatusOK, part)
}

// CreateKnowledgeRequest is the request body for POST /knowledge. Either
// Markdown carries a complete raw document, or the structured fields do.
type CreateKnowledgeRequest struct {
	Markdown string `json:"markdown,omitempty"`

	Title           string           `json:"title,omitempty"`
	Type            knowledge.Type   `json:"type,omitempty"`
	Project         string           `json:"project,omitempty"`
	SourceSessionID string           `json:"sourceSessionId,omitempty"`
	SourceAgentID   string           `json:"sourceAgentId,omitempty"`
	Parts           []knowledge.Part `json:"parts,omitempty"`
}

func (s *Server) handleCreateKnowledge(c echo.Context) error {
	var req CreateKnowledgeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}

	var doc *knowledge.Knowledge
	var err error
	if req.Markdown != "" {
		doc, err = s.deps.Store.CreateFromMarkdown(req.Markdown)
	} else {
		if req.Title == "" || len(req.Parts) == 0 {
			return fail(c, http.StatusBadRequest, "title and parts are required")
		}
		doc, err = s.deps.Store.Create(&knowledge.Knowledge{
			Title:           req.Title,
			Type:            req.Type,
			Project:         req.Project,
			SourceSessionID: req.SourceSessionID,
			SourceAgentID:   req.SourceAgentID,
			Parts:           req.Parts,
		})
	}
	if err != nil {
		switch {
		case errors.Is(err, knowledge.ErrDuplicate):
			return fail(c, http.StatusConflict, err.Error())
		case errors.Is(err, knowledge.ErrParse), errors.Is(err, knowledge.ErrInvalidID):
			return fail(c, http.StatusBadRequest, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}

	s.indexBestEffort(c, doc)
	return ok(c, http.StatusCreated, doc)
}

// UpdateKnowledgeRequest is the request body for PUT /knowledge/:id. Nil
// fields are left unchanged.
type UpdateKnowledgeRequest struct {
	Title  *string           `json:"title,omitempty"`
	Type   *knowledge.Type   `json:"type,omitempty"`
	Status *knowledge.Status `json:"status,omitempty"`
	Parts  *[]knowledge.Part `json:"parts,omitempty"`
}

func (s *Server) handleUpdateKnowledge(c echo.Context) error {
	var req UpdateKnowledgeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}

	doc, err := s.deps.Store.Update(c.Param("id"), knowledge.Patch{
		Title:  req.Title,
		Type:   req.Type,
		Status: req.Status,
		Parts:  req.Parts,
	})
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return fail(c, http.StatusNotFound, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}

	if s.deps.Indexer != nil {
		ctx := c.Request().Context()
		if err := s.deps.Indexer.RemoveKnowledge(ctx, doc.IndexKey()); err != nil {
			s.logger.Warn("removing stale vectors failed", zap.String("id", doc.ID), zap.Error(err))
		}
	}
	s.indexBestEffort(c, doc)
	return ok(c, http.StatusOK, doc)
}

func (s *Server) handleDeleteKnowledge(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Store.Delete(id); err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return fail(c, http.StatusNotFound, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	if s.deps.Indexer != nil {
		if err := s.deps.Indexer.RemoveKnowledge(c.Request().Context(), id); err != nil {
			s.logger.Warn("removing vectors failed", zap.String("id", id), zap.Error(err))
		}
	}
	return ok(c, http.StatusOK, map[string]string{"id": id})
}

// handleSearchKnowledge runs the retrieval engine.
func (s *Server) handleSearchKnowledge(c echo.Context) error {
	query := c.QueryParam("query")
	if query == "" {
		return fail(c, http.StatusBadRequest, "query parameter is required")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return fail(c, http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}

	results, err := s.deps.Engine.SearchKnowledge(c.Request().Context(), query, limit, knowledge.Type(c.QueryParam("type")))
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, http.StatusOK, results)
}

// ProjectInfo is one entry of GET /api/projects. Peers use the remotes to
// match projects across workstations.
type ProjectInfo struct {
	Path    string   `json:"path"`
	Remotes []string `json:"remotes"`
}

// handleListProjects lists the distinct projects known to the knowledge
// store with their normalized fetch remotes.
func (s *Server) handleListProjects(c echo.Context) error {
	seen := make(map[string]bool)
	var projects []ProjectInfo
	for _, entry := range s.deps.Store.List(knowledge.Filter{}) {
		if entry.Project == "" || seen[entry.Project] {
			continue
		}
		seen[entry.Project] = true

		remotes, err := git.FetchRemotes(entry.Project)
		if err != nil {
			// Moved or deleted checkouts still list, just unmatched.
			remotes = nil
		}
		projects = append(projects, ProjectInfo{Path: entry.Project, Remotes: remotes})
	}
	if projects == nil {
		projects = []ProjectInfo{}
	}
	return ok(c, http.StatusOK, projects)
}

func (s *Server) handleGetSettings(c echo.Context) error {
	settings, err := s.deps.Store.LoadSettings()
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(c echo.Context) error {
	var settings knowledge.Settings
	if err := c.Bind(&settings); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.deps.Store.SaveSettings(&settings); err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, http.StatusOK, settings)
}

// indexBestEffort mirrors a document into the vector store; retrieval
// still works without vectors via the store sweep.
func (s *Server) indexBestEffort(c echo.Context, doc *knowledge.Knowledge) {
	if s.deps.Indexer == nil {
		return
	}
	if err := s.deps.Indexer.IndexKnowledge(c.Request().Context(), doc); err != nil {
		s.logger.Warn("indexing knowledge failed", zap.String("id", doc.ID), zap.Error(err))
	}
}
