// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Foreign keys are enforced on every
// pooled connection so deletes cascade.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		full_name TEXT,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON user_sessions(user_id);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		session_id TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_projects_user_id ON projects(user_id);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		document_type TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size_bytes INTEGER NOT NULL DEFAULT 0,
		processing_status TEXT NOT NULL,
		error_message TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		processed_at TIMESTAMP,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_project_type ON documents(project_id, document_type);

	CREATE TABLE IF NOT EXISTS extractions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL UNIQUE,
		extracted_text_markdown TEXT,
		extracted_text_plain TEXT,
		total_pages INTEGER NOT NULL DEFAULT 0,
		confidence_score REAL NOT NULL,
		agentic_ms INTEGER NOT NULL DEFAULT 0,
		local_ms INTEGER NOT NULL DEFAULT 0,
		vision_ms INTEGER NOT NULL DEFAULT 0,
		total_ms INTEGER NOT NULL DEFAULT 0,
		extraction_method TEXT,
		extraction_metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS extracted_images (
		id TEXT PRIMARY KEY,
		extraction_id TEXT NOT NULL,
		image_id TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		image_path TEXT,
		image_format TEXT,
		width INTEGER,
		height INTEGER,
		description TEXT,
		FOREIGN KEY (extraction_id) REFERENCES extractions(id) ON DELETE CASCADE,
		UNIQUE (extraction_id, image_id)
	);

	CREATE TABLE IF NOT EXISTS diagram_descriptions (
		id TEXT PRIMARY KEY,
		image_row_id TEXT NOT NULL UNIQUE,
		image_id TEXT NOT NULL,
		is_diagram BOOLEAN NOT NULL,
		diagram_type TEXT,
		image_type TEXT,
		outermost_elements TEXT,
		shape_mapping TEXT,
		nested_components TEXT,
		connections TEXT,
		all_text_labels TEXT,
		description_summary TEXT,
		FOREIGN KEY (image_row_id) REFERENCES extracted_images(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS extracted_tables (
		id TEXT PRIMARY KEY,
		extraction_id TEXT NOT NULL,
		table_id TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		table_index INTEGER NOT NULL,
		html_content TEXT,
		headers_json TEXT,
		rows_json TEXT,
		num_rows INTEGER NOT NULL DEFAULT 0,
		num_cols INTEGER NOT NULL DEFAULT 0,
		b_box_x REAL,
		b_box_y REAL,
		b_box_width REAL,
		b_box_height REAL,
		extraction_source TEXT NOT NULL,
		FOREIGN KEY (extraction_id) REFERENCES extractions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_images_extraction ON extracted_images(extraction_id, page_number, sequence);
	CREATE INDEX IF NOT EXISTS idx_tables_extraction ON extracted_tables(extraction_id, page_number, table_index);
	`
	_, err := db.Exec(schema)
	return err
}

// isUniqueViolation reports whether err is a SQLite unique or primary key constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func notFound(what, id string) error {
	return apperr.New(apperr.ErrNotFound, what+" not found", fmt.Errorf("%s %s", what, id))
}

// CreateUser inserts a user. A duplicate email is reported as a conflict.
func (s *SQLiteStorage) CreateUser(ctx context.Context, user *models.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, full_name, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.FullName, user.IsActive, user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("email already registered")
	}
	return err
}

const userColumns = `id, email, password_hash, COALESCE(full_name, ''), is_active, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.IsActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns a user by ID.
func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("user", id)
	}
	return u, err
}

// GetUserByEmail returns a user by case-insensitive email.
func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if err == sql.ErrNoRows {
		return nil, notFound("user", email)
	}
	return u, err
}

// CreateSession inserts a session.
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *models.Session) error {
	session.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_sessions (id, user_id, expires_at, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.ExpiresAt, session.IsActive, session.CreatedAt,
	)
	return err
}

// GetSession returns a session by ID.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, is_active, created_at FROM user_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.IsActive, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeactivateSession marks a session inactive. Unknown sessions are ignored.
func (s *SQLiteStorage) DeactivateSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_sessions SET is_active = 0 WHERE id = ?`, id)
	return err
}

// CreateProject inserts a project.
func (s *SQLiteStorage) CreateProject(ctx context.Context, project *models.Project) error {
	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, user_id, name, description, session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		project.ID, project.UserID, project.Name, project.Description, project.SessionID,
		project.CreatedAt, project.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("project already exists")
	}
	return err
}

const projectColumns = `p.id, p.user_id, p.name, COALESCE(p.description, ''), p.session_id, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM documents d WHERE d.project_id = p.id)`

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.SessionID, &p.CreatedAt, &p.UpdatedAt, &p.DocumentCount)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject returns a project owned by userID.
func (s *SQLiteStorage) GetProject(ctx context.Context, userID, projectID string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects p WHERE p.id = ? AND p.user_id = ?`, projectID, userID))
	if err == sql.ErrNoRows {
		return nil, notFound("project", projectID)
	}
	return p, err
}

// GetProjectBySession returns a project owned by userID by its storage session ID.
func (s *SQLiteStorage) GetProjectBySession(ctx context.Context, userID, sessionID string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects p WHERE p.session_id = ? AND p.user_id = ?`, sessionID, userID))
	if err == sql.ErrNoRows {
		return nil, notFound("project", sessionID)
	}
	return p, err
}

// ListProjects returns the user's projects, newest first, with document counts.
func (s *SQLiteStorage) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects p WHERE p.user_id = ? ORDER BY p.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject updates name and description of a project owned by project.UserID.
func (s *SQLiteStorage) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		project.Name, project.Description, project.UpdatedAt, project.ID, project.UserID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("project", project.ID)
	}
	return nil
}

// DeleteProject removes a project; documents and extractions cascade.
func (s *SQLiteStorage) DeleteProject(ctx context.Context, userID, projectID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM projects WHERE id = ? AND user_id = ? AND NOT EXISTS
			(SELECT 1 FROM documents WHERE project_id = projects.id AND processing_status = ?)`,
		projectID, userID, models.StatusProcessing)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.GetProject(ctx, userID, projectID); err != nil {
			return err
		}
		return apperr.Conflict("project has a document being processed")
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
