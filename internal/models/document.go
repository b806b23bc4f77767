// Package models defines core data structures for tenants, projects, documents and extractions.
package models

import (
	"fmt"
	"strings"
	"time"
)

// User is an authenticated tenant. All project data is isolated per user.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	FullName     string    `json:"full_name,omitempty" db:"full_name"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Session backs one issued access token. Logging out deactivates it.
type Session struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Project groups the documents of one patent disclosure.
type Project struct {
	ID            string      `json:"id" db:"id"`
	UserID        string      `json:"user_id" db:"user_id"`
	Name          string      `json:"name" db:"name"`
	Description   string      `json:"description,omitempty" db:"description"`
	SessionID     string      `json:"session_id" db:"session_id"`
	DocumentCount int         `json:"document_count" db:"-"`
	Documents     []*Document `json:"documents,omitempty" db:"-"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// DocumentKind is the role a document plays inside a project.
type DocumentKind string

const (
	// KindIDF is the invention disclosure form, always a PDF.
	KindIDF DocumentKind = "idf"
	// KindTranscription is an inventor interview transcription (DOCX).
	KindTranscription DocumentKind = "transcription"
	// KindClaims is the draft claims document (DOCX).
	KindClaims DocumentKind = "claims"
)

// ParseDocumentKind validates s as a document kind.
func ParseDocumentKind(s string) (DocumentKind, error) {
	switch k := DocumentKind(strings.ToLower(s)); k {
	case KindIDF, KindTranscription, KindClaims:
		return k, nil
	}
	return "", fmt.Errorf("unknown document kind %q", s)
}

// FileType returns the only file type accepted for the kind.
func (k DocumentKind) FileType() FileType {
	if k == KindIDF {
		return FileTypePDF
	}
	return FileTypeDOCX
}

// FileType is the declared format of an uploaded file.
type FileType string

const (
	FileTypePDF  FileType = "pdf"
	FileTypeDOCX FileType = "docx"
)

// Ext returns the file extension including the leading dot.
func (f FileType) Ext() string {
	return "." + string(f)
}

// Status is the lifecycle state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition happens without a re-extraction request.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether an extraction attempt owns the document.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Document is one uploaded file and its extraction lifecycle.
type Document struct {
	ID            string       `json:"id" db:"id"`
	ProjectID     string       `json:"project_id" db:"project_id"`
	Kind          DocumentKind `json:"document_type" db:"document_type"`
	FileName      string       `json:"file_name" db:"file_name"`
	FileType      FileType     `json:"file_type" db:"file_type"`
	FilePath      string       `json:"-" db:"file_path"`
	FileSizeBytes int64        `json:"file_size_bytes" db:"file_size_bytes"`
	Status        Status       `json:"processing_status" db:"processing_status"`
	ErrorMessage  string       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty" db:"processed_at"`
	Extraction    *Extraction  `json:"extraction,omitempty" db:"-"`
}

// DocumentRef identifies a document together with the tenant scope it was resolved under.
type DocumentRef struct {
	UserID     string
	ProjectID  string
	SessionID  string
	DocumentID string
}

// StatusEmpty is the aggregate status of a project without documents.
const StatusEmpty Status = "empty"

// AggregateStatus summarizes a project's documents into one status. Work in progress wins
// over failures, and failures over completions.
func AggregateStatus(docs []*Document) Status {
	if len(docs) == 0 {
		return StatusEmpty
	}
	rank := map[Status]int{StatusCompleted: 0, StatusFailed: 1, StatusPending: 2, StatusProcessing: 3}
	agg := StatusCompleted
	for _, d := range docs {
		if rank[d.Status] > rank[agg] {
			agg = d.Status
		}
	}
	return agg
}

// SessionStatus is the lifecycle view of one project session, polled by clients.
type SessionStatus struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	ProjectID string      `json:"project_id"`
	Status    Status      `json:"status"`
	Documents []*Document `json:"documents"`
}
