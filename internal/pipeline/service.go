package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/extract"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/storage"
)

// Submitter accepts extraction jobs.
type Submitter interface {
	Submit(documentID string) error
}

// Service is the document lifecycle entry point used by the API: uploads, re-extraction,
// deletion and status.
type Service struct {
	store     storage.Storage
	files     *storage.FileStore
	extractor *extract.Extractor
	queue     Submitter
	maxUpload int64
	opts      options
}

// NewService creates a Service. maxUploadBytes bounds a single upload.
func NewService(store storage.Storage, files *storage.FileStore, extractor *extract.Extractor, queue Submitter, maxUploadBytes int64, opts ...Option) *Service {
	o := buildOptions(opts)
	if extractor == nil {
		extractor = extract.NewExtractor(o.logger)
	}
	return &Service{
		store:     store,
		files:     files,
		extractor: extractor,
		queue:     queue,
		maxUpload: maxUploadBytes,
		opts:      o,
	}
}

// UploadRequest is one uploaded file.
type UploadRequest struct {
	UserID    string
	ProjectID string
	Kind      string
	FileName  string
	Body      io.Reader
}

// Upload stores a document and queues its extraction. A file that fails validation is
// stored as a failed document without an extraction attempt.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	kind, err := models.ParseDocumentKind(req.Kind)
	if err != nil {
		return nil, apperr.Invalid(fmt.Sprintf("unknown document type %q, expected idf, transcription or claims", req.Kind), err)
	}
	project, err := s.store.GetProject(ctx, req.UserID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	want := kind.FileType()
	if ft, ok := extract.FileTypeFromName(req.FileName); !ok || ft != want {
		return nil, apperr.Invalid(fmt.Sprintf("%s documents must be %s files", kind, strings.ToUpper(string(want))), nil)
	}

	existing, err := s.store.FindDocumentByKind(ctx, req.UserID, project.ID, kind)
	switch {
	case err == nil && existing.Status.Active():
		return nil, apperr.Conflict(fmt.Sprintf("%s document is already being processed", kind))
	case err == nil:
		return nil, apperr.Invalid(fmt.Sprintf("%s document already uploaded, delete existing document first", kind), nil)
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	doc := &models.Document{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		Kind:      kind,
		FileName:  filepath.Base(req.FileName),
		FileType:  want,
	}
	name := fmt.Sprintf("%s_%s%s", kind, doc.ID[:8], want.Ext())
	path, size, err := s.files.SaveUpload(req.UserID, project.SessionID, name, req.Body, s.maxUpload)
	if err != nil {
		return nil, err
	}
	doc.FilePath = path
	doc.FileSizeBytes = size

	logger := s.opts.logger.With(zap.String("document_id", doc.ID), zap.String("kind", string(kind)))
	content, err := s.files.ReadFile(path)
	if err != nil {
		_ = s.files.Remove(path)
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if err := s.extractor.Validate(content, want); err != nil {
		doc.Status = models.StatusFailed
		doc.ErrorMessage = apperr.PublicMessage(err, "file is corrupt or unreadable")
		logger.Warn("Rejected unreadable upload", zap.Error(err))
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		_ = s.files.Remove(path)
		return nil, err
	}
	if doc.Status == models.StatusPending {
		if err := s.queue.Submit(doc.ID); err != nil {
			s.rejectSubmission(ctx, logger, doc, err)
		}
	}
	logger.Info("Document uploaded", zap.Int64("bytes", size), zap.String("status", string(doc.Status)))
	return doc, nil
}

// rejectSubmission marks a new document failed when the queue cannot take it, so it does
// not stay pending with nothing to process it.
func (s *Service) rejectSubmission(ctx context.Context, logger *zap.Logger, doc *models.Document, cause error) {
	msg := apperr.PublicMessage(cause, "extraction could not be scheduled") + ", request re-extraction later"
	logger.Warn("Extraction not scheduled", zap.Error(cause))
	if err := s.store.FailDocument(ctx, doc.ID, msg); err != nil {
		logger.Error("Failed to record scheduling failure", zap.Error(err))
		return
	}
	doc.Status = models.StatusFailed
	doc.ErrorMessage = msg
}

// Reextract resets a completed or failed document to pending and queues it. The previous
// extraction stays visible until the new attempt replaces it or fails.
func (s *Service) Reextract(ctx context.Context, userID, projectID, documentID string) (*models.Document, error) {
	doc, err := s.store.GetDocument(ctx, userID, projectID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status.Active() {
		return nil, apperr.Conflict("document is already being processed")
	}
	if err := s.store.TransitionStatus(ctx, doc.ID, models.StatusPending, models.StatusCompleted, models.StatusFailed); err != nil {
		return nil, err
	}
	if err := s.queue.Submit(doc.ID); err != nil {
		s.restore(ctx, doc)
		return nil, err
	}
	s.opts.logger.Info("Re-extraction queued", zap.String("document_id", doc.ID))
	return s.store.GetDocument(ctx, userID, projectID, documentID)
}

// restore puts a document back into the terminal state it had before a rejected
// re-extraction.
func (s *Service) restore(ctx context.Context, doc *models.Document) {
	var err error
	if doc.Status == models.StatusFailed {
		err = s.store.FailDocument(ctx, doc.ID, doc.ErrorMessage)
	} else {
		err = s.store.TransitionStatus(ctx, doc.ID, doc.Status, models.StatusPending)
	}
	if err != nil {
		s.opts.logger.Error("Failed to restore document status", zap.String("document_id", doc.ID), zap.Error(err))
	}
}

// GetDocument returns a document with its extraction, if any.
func (s *Service) GetDocument(ctx context.Context, userID, projectID, documentID string) (*models.Document, error) {
	doc, err := s.store.GetDocument(ctx, userID, projectID, documentID)
	if err != nil {
		return nil, err
	}
	ext, err := s.store.GetExtraction(ctx, doc.ID)
	switch {
	case err == nil:
		doc.Extraction = ext
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}
	return doc, nil
}

// DeleteDocument removes a document, its files and its index entry. Documents being
// processed cannot be deleted.
func (s *Service) DeleteDocument(ctx context.Context, userID, projectID, documentID string) error {
	doc, err := s.GetDocument(ctx, userID, projectID, documentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, userID, projectID, documentID); err != nil {
		return err
	}
	logger := s.opts.logger.With(zap.String("document_id", doc.ID))
	paths := []string{doc.FilePath}
	if doc.Extraction != nil {
		for _, img := range doc.Extraction.Images {
			paths = append(paths, img.ImagePath)
		}
	}
	for _, p := range paths {
		if err := s.files.Remove(p); err != nil {
			logger.Warn("Failed to remove document file", zap.String("path", p), zap.Error(err))
		}
	}
	if project, err := s.store.GetProject(ctx, userID, projectID); err == nil {
		if err := s.files.RemoveDocumentImages(userID, project.SessionID, doc.ID); err != nil {
			logger.Warn("Failed to remove document images", zap.Error(err))
		}
	}
	s.unindex(ctx, doc.ID)
	return nil
}

// DeleteProject removes a project with all its documents, files and index entries.
func (s *Service) DeleteProject(ctx context.Context, userID, projectID string) error {
	project, err := s.store.GetProject(ctx, userID, projectID)
	if err != nil {
		return err
	}
	docs, err := s.store.ListDocuments(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, userID, projectID); err != nil {
		return err
	}
	if err := s.files.RemoveSession(userID, project.SessionID); err != nil {
		s.opts.logger.Warn("Failed to remove project files", zap.String("project_id", projectID), zap.Error(err))
	}
	for _, d := range docs {
		s.unindex(ctx, d.ID)
	}
	return nil
}

func (s *Service) unindex(ctx context.Context, documentID string) {
	if s.opts.index == nil {
		return
	}
	if err := s.opts.index.Delete(ctx, documentID); err != nil {
		s.opts.logger.Warn("Failed to remove index entry", zap.String("document_id", documentID), zap.Error(err))
	}
}

// SessionStatus reports the lifecycle of every document in the caller's project session.
func (s *Service) SessionStatus(ctx context.Context, userID, sessionID string) (*models.SessionStatus, error) {
	project, err := s.store.GetProjectBySession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.ListDocuments(ctx, userID, project.ID)
	if err != nil {
		return nil, err
	}
	return &models.SessionStatus{
		UserID:    userID,
		SessionID: sessionID,
		ProjectID: project.ID,
		Status:    models.AggregateStatus(docs),
		Documents: docs,
	}, nil
}

// Resume requeues documents left pending or processing by a previous run. Documents that
// were mid-extraction are reset to pending first.
func (s *Service) Resume(ctx context.Context) (int, error) {
	stuck, err := s.store.ListDocumentIDsByStatus(ctx, models.StatusProcessing)
	if err != nil {
		return 0, err
	}
	for _, id := range stuck {
		if err := s.store.TransitionStatus(ctx, id, models.StatusPending, models.StatusProcessing); err != nil {
			s.opts.logger.Warn("Failed to reset interrupted document", zap.String("document_id", id), zap.Error(err))
		}
	}
	pending, err := s.store.ListDocumentIDsByStatus(ctx, models.StatusPending)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range pending {
		if err := s.queue.Submit(id); err != nil {
			s.opts.logger.Warn("Failed to requeue document", zap.String("document_id", id), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
