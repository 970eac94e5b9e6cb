package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
)

// AddCommentRequest is the request body for POST /knowledge/:id/comments.
type AddCommentRequest struct {
	PartID  string                  `json:"partId,omitempty"`
	Type    knowledge.CommentType   `json:"type"`
	Content string                  `json:"content"`
	Source  knowledge.CommentSource `json:"source"`
}

func (s *Server) handleListComments(c echo.Context) error {
	comments, err := s.deps.Store.ListComments(c.Param("id"))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return fail(c, http.StatusNotFound, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	if comments == nil {
		comments = []knowledge.Comment{}
	}
	return ok(c, http.StatusOK, comments)
}

func (s *Server) handleAddComment(c echo.Context) error {
	var req AddCommentRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return fail(c, http.StatusBadRequest, "content is required")
	}
	if req.Source == "" {
		req.Source = knowledge.CommentSourceUser
	}
	if req.Type == "" {
		req.Type = knowledge.CommentGeneral
	}

	comment, err := s.deps.Store.AddComment(c.Param("id"), req.PartID, req.Type, req.Content, req.Source)
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return fail(c, http.StatusNotFound, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, http.StatusCreated, comment)
}

func (s *Server) handleMarkCommentAddressed(c echo.Context) error {
	commentID, err := strconv.Atoi(c.Param("commentId"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "commentId must be an integer")
	}

	if err := s.deps.Store.MarkCommentAddressed(c.Param("id"), commentID); err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return fail(c, http.StatusNotFound, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, http.StatusOK, map[string]int{"id": commentID})
}
