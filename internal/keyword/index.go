// Package keyword provides tenant-scoped full-text search over extracted document text.
package keyword

import (
	"context"
)

// Entry is one document's searchable text.
type Entry struct {
	DocumentID string
	UserID     string
	ProjectID  string
	Kind       string
	FileName   string
	Content    string
}

// SearchOptions optional parameters for search. Nil means use defaults.
type SearchOptions struct {
	// ProjectID restricts hits to one project when set.
	ProjectID string
	// FileNameBoost multiplies the score of matches in the file name. Use 1.0 for no boost.
	FileNameBoost float64
	// Fuzziness is the maximum edit distance for typo tolerance (0 disables, max 2).
	Fuzziness int
}

// Index defines search index operations. Search only ever returns entries of userID.
type Index interface {
	Index(ctx context.Context, entry Entry) error
	Search(ctx context.Context, userID, query string, limit int, opts *SearchOptions) ([]*Result, error)
	Delete(ctx context.Context, documentID string) error
	DocCount() (uint64, error)
	Close() error
}

// Result is a single search hit.
type Result struct {
	DocumentID string   `json:"document_id"`
	ProjectID  string   `json:"project_id"`
	Kind       string   `json:"document_type"`
	FileName   string   `json:"file_name"`
	Score      float64  `json:"score"`
	Fragments  []string `json:"fragments,omitempty"`
}
