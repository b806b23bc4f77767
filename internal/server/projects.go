package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/auth"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/validate"
)

type projectRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=2000"`
}

func (s *Server) decodeProject(w http.ResponseWriter, r *http.Request) (*projectRequest, error) {
	var req projectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeProject(w, r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	project := &models.Project{
		ID:          uuid.New().String(),
		UserID:      auth.UserIDFromContext(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		SessionID:   uuid.New().String(),
	}
	if err := s.Store.CreateProject(r.Context(), project); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Debug("project created", zap.String("project_id", project.ID))
	s.respondJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.ListProjects(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserIDFromContext(ctx)
	project, err := s.Store.GetProject(ctx, userID, chi.URLParam(r, "project_id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	project.Documents, err = s.Store.ListDocuments(ctx, userID, project.ID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserIDFromContext(ctx)
	project, err := s.Store.GetProject(ctx, userID, chi.URLParam(r, "project_id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	req, err := s.decodeProject(w, r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	project.Name = req.Name
	project.Description = req.Description
	if err := s.Store.UpdateProject(ctx, project); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "project_id")
	if err := s.Documents.DeleteProject(r.Context(), auth.UserIDFromContext(r.Context()), id); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
