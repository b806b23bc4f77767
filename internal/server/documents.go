package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/auth"
	"github.com/hyperjump/patmaster/internal/export"
	"github.com/hyperjump/patmaster/internal/extract"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/pipeline"
)

// multipartOverhead is allowed on top of the file size limit for part headers and boundaries.
const multipartOverhead = 1 << 20

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// contentTypes lists the declared types accepted per file type, besides generic binary.
var contentTypes = map[models.FileType][]string{
	models.FileTypePDF:  {"application/pdf", "application/x-pdf"},
	models.FileTypeDOCX: {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
}

func contentTypeMatches(ft models.FileType, declared string) bool {
	if declared == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return false
	}
	if mt == "application/octet-stream" {
		return true
	}
	for _, ok := range contentTypes[ft] {
		if mt == ok {
			return true
		}
	}
	return false
}

// filePart returns the "file" part of a multipart upload.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.Invalid("multipart form with a file field is required", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, apperr.Invalid("file field is required", nil)
		}
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return nil, err
			}
			return nil, apperr.Invalid("malformed multipart body", err)
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadBytes+multipartOverhead)
	part, err := filePart(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	defer part.Close()

	kind := chi.URLParam(r, "kind")
	if ft, ok := extract.FileTypeFromName(part.FileName()); ok {
		if declared := part.Header.Get("Content-Type"); !contentTypeMatches(ft, declared) {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("content type %s does not match a %s file", declared, strings.ToUpper(string(ft))))
			return
		}
	}

	doc, err := s.Documents.Upload(r.Context(), pipeline.UploadRequest{
		UserID:    auth.UserIDFromContext(r.Context()),
		ProjectID: chi.URLParam(r, "project_id"),
		Kind:      kind,
		FileName:  part.FileName(),
		Body:      part,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	resp := map[string]any{
		"document_id":       doc.ID,
		"document_type":     doc.Kind,
		"file_name":         doc.FileName,
		"file_size_bytes":   doc.FileSizeBytes,
		"processing_status": doc.Status,
	}
	if doc.ErrorMessage != "" {
		resp["error_message"] = doc.ErrorMessage
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

func documentParams(r *http.Request) (userID, projectID, documentID string) {
	return auth.UserIDFromContext(r.Context()), chi.URLParam(r, "project_id"), chi.URLParam(r, "document_id")
}

func imageURL(projectID, documentID, imageID string) string {
	return fmt.Sprintf("/api/v1/projects/%s/documents/%s/images/%s", projectID, documentID, imageID)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	userID, projectID, documentID := documentParams(r)
	doc, err := s.Documents.GetDocument(r.Context(), userID, projectID, documentID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if doc.Extraction != nil {
		for _, img := range doc.Extraction.Images {
			img.URL = imageURL(projectID, documentID, img.ImageID)
		}
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, projectID, documentID := documentParams(r)
	if err := s.Documents.DeleteDocument(r.Context(), userID, projectID, documentID); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": documentID, "status": "deleted"})
}

func (s *Server) handleReextract(w http.ResponseWriter, r *http.Request) {
	userID, projectID, documentID := documentParams(r)
	doc, err := s.Documents.Reextract(r.Context(), userID, projectID, documentID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"document_id":       doc.ID,
		"processing_status": doc.Status,
	})
}

func (s *Server) extraction(r *http.Request) (*models.Extraction, error) {
	userID, projectID, documentID := documentParams(r)
	doc, err := s.Documents.GetDocument(r.Context(), userID, projectID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Extraction == nil {
		return nil, apperr.NotFound("document has no extraction")
	}
	return doc.Extraction, nil
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ext, err := s.extraction(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	imageID := chi.URLParam(r, "image_id")
	var img *models.ExtractedImage
	for _, candidate := range ext.Images {
		if candidate.ImageID == imageID {
			img = candidate
			break
		}
	}
	if img == nil || img.ImagePath == "" {
		s.respondError(w, http.StatusNotFound, "image not found")
		return
	}
	f, err := s.Files.Open(img.ImagePath)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	defer f.Close()

	if ct := mime.TypeByExtension("." + img.Format); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, img.ImageID+"."+img.Format, ext.CreatedAt, f)
}

func (s *Server) handleTablesXLSX(w http.ResponseWriter, r *http.Request) {
	ext, err := s.extraction(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := export.TablesWorkbook(ext, &buf); err != nil {
		if errors.Is(err, export.ErrNoTables) {
			s.respondError(w, http.StatusNotFound, "document has no tables")
			return
		}
		s.respondErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_tables.xlsx"`, ext.DocumentID))
	http.ServeContent(w, r, "tables.xlsx", time.Time{}, bytes.NewReader(buf.Bytes()))
}
