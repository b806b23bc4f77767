// Package storage defines the persistence interface for tenants, projects, documents and extractions.
package storage

import (
	"context"

	"github.com/hyperjump/patmaster/internal/models"
)

// Storage defines persistence operations. Project, document and extraction reads that
// take a userID are tenant-scoped: a row owned by another user is reported as not found.
type Storage interface {
	// User and session operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeactivateSession(ctx context.Context, id string) error

	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, userID, projectID string) (*models.Project, error)
	GetProjectBySession(ctx context.Context, userID, sessionID string) (*models.Project, error)
	ListProjects(ctx context.Context, userID string) ([]*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	DeleteProject(ctx context.Context, userID, projectID string) error

	// Document operations
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, userID, projectID, documentID string) (*models.Document, error)
	FindDocumentByKind(ctx context.Context, userID, projectID string, kind models.DocumentKind) (*models.Document, error)
	ListDocuments(ctx context.Context, userID, projectID string) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, userID, projectID, documentID string) error
	ResolveDocument(ctx context.Context, documentID string) (*models.DocumentRef, *models.Document, error)
	TransitionStatus(ctx context.Context, documentID string, to models.Status, from ...models.Status) error
	ListDocumentIDsByStatus(ctx context.Context, statuses ...models.Status) ([]string, error)

	// Extraction operations
	CompleteExtraction(ctx context.Context, ext *models.Extraction) error
	FailDocument(ctx context.Context, documentID, message string) error
	GetExtraction(ctx context.Context, documentID string) (*models.Extraction, error)

	Ping(ctx context.Context) error
	Close() error
}
