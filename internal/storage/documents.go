package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/models"
)

const documentColumns = `d.id, d.project_id, d.document_type, d.file_name, d.file_type, d.file_path,
	d.file_size_bytes, d.processing_status, COALESCE(d.error_message, ''), d.created_at, d.updated_at, d.processed_at`

func scanDocument(row interface{ Scan(...any) error }) (*models.Document, error) {
	var doc models.Document
	var processedAt sql.NullTime
	err := row.Scan(&doc.ID, &doc.ProjectID, &doc.Kind, &doc.FileName, &doc.FileType, &doc.FilePath,
		&doc.FileSizeBytes, &doc.Status, &doc.ErrorMessage, &doc.CreatedAt, &doc.UpdatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		doc.ProcessedAt = &t
	}
	return &doc, nil
}

// CreateDocument inserts a document. A second document of the same kind in one project
// is reported as a conflict. Documents rejected at upload are inserted directly as failed.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *models.Document) error {
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	if doc.Status == models.StatusFailed {
		doc.ProcessedAt = &now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, project_id, document_type, file_name, file_type, file_path,
			file_size_bytes, processing_status, error_message, created_at, updated_at, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.ProjectID, doc.Kind, doc.FileName, doc.FileType, doc.FilePath,
		doc.FileSizeBytes, doc.Status, doc.ErrorMessage, doc.CreatedAt, doc.UpdatedAt, doc.ProcessedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict(fmt.Sprintf("%s document already uploaded for this project", doc.Kind))
	}
	return err
}

// GetDocument returns a document of a project owned by userID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, userID, projectID, documentID string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents d JOIN projects p ON p.id = d.project_id
		 WHERE d.id = ? AND d.project_id = ? AND p.user_id = ?`,
		documentID, projectID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, notFound("document", documentID)
	}
	return doc, err
}

// FindDocumentByKind returns the document of the given kind in a project owned by userID.
func (s *SQLiteStorage) FindDocumentByKind(ctx context.Context, userID, projectID string, kind models.DocumentKind) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents d JOIN projects p ON p.id = d.project_id
		 WHERE d.project_id = ? AND d.document_type = ? AND p.user_id = ?`,
		projectID, kind, userID,
	))
	if err == sql.ErrNoRows {
		return nil, notFound("document", string(kind))
	}
	return doc, err
}

// ListDocuments returns the documents of a project owned by userID, oldest first.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, userID, projectID string) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents d JOIN projects p ON p.id = d.project_id
		 WHERE d.project_id = ? AND p.user_id = ? ORDER BY d.created_at, d.document_type`,
		projectID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []*models.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and its extraction. A document that an extraction
// attempt currently owns cannot be deleted.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, userID, projectID, documentID string) error {
	doc, err := s.GetDocument(ctx, userID, projectID, documentID)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE id = ? AND processing_status != ?`, doc.ID, models.StatusProcessing)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.Conflict("document is being processed")
	}
	return nil
}

// ResolveDocument loads a document with its owning tenant scope, without a tenant check.
// Only the extraction pipeline uses it, for documents already admitted by the API layer.
func (s *SQLiteStorage) ResolveDocument(ctx context.Context, documentID string) (*models.DocumentRef, *models.Document, error) {
	var userID, sessionID string
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+`, p.user_id, p.session_id FROM documents d JOIN projects p ON p.id = d.project_id
		 WHERE d.id = ?`, documentID)
	var doc models.Document
	var processedAt sql.NullTime
	err := row.Scan(&doc.ID, &doc.ProjectID, &doc.Kind, &doc.FileName, &doc.FileType, &doc.FilePath,
		&doc.FileSizeBytes, &doc.Status, &doc.ErrorMessage, &doc.CreatedAt, &doc.UpdatedAt, &processedAt,
		&userID, &sessionID)
	if err == sql.ErrNoRows {
		return nil, nil, notFound("document", documentID)
	}
	if err != nil {
		return nil, nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		doc.ProcessedAt = &t
	}
	ref := &models.DocumentRef{UserID: userID, ProjectID: doc.ProjectID, SessionID: sessionID, DocumentID: doc.ID}
	return ref, &doc, nil
}

// TransitionStatus moves a document to status to, only if its current status is one of
// from. Any other current status is reported as a conflict. Moving back to pending clears
// the previous error message.
func (s *SQLiteStorage) TransitionStatus(ctx context.Context, documentID string, to models.Status, from ...models.Status) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no source states given", to)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, time.Now()}
	query := `UPDATE documents SET processing_status = ?, updated_at = ?`
	if to == models.StatusPending {
		query += `, error_message = NULL, processed_at = NULL`
	}
	query += ` WHERE id = ? AND processing_status IN (` + placeholders + `)`
	args = append(args, documentID)
	for _, f := range from {
		args = append(args, f)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var current models.Status
		err := s.db.QueryRowContext(ctx, `SELECT processing_status FROM documents WHERE id = ?`, documentID).Scan(&current)
		if err == sql.ErrNoRows {
			return notFound("document", documentID)
		}
		if err != nil {
			return err
		}
		return apperr.New(apperr.ErrConflict, fmt.Sprintf("document is %s", current),
			fmt.Errorf("cannot move %s from %s to %s", documentID, current, to))
	}
	return nil
}

// ListDocumentIDsByStatus returns ids of documents in any of the given states across all
// tenants, oldest first. Used at startup to resume interrupted extractions.
func (s *SQLiteStorage) ListDocumentIDsByStatus(ctx context.Context, statuses ...models.Status) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE processing_status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
