package models

import (
	"fmt"
	"strings"
)

// SearchQuery is a full-text query over a tenant's completed extractions.
type SearchQuery struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Validate ensures the query is not empty and clamps the limit to [1, 100].
func (q *SearchQuery) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return nil
}

// SearchHit is one matching document.
type SearchHit struct {
	DocumentID string       `json:"document_id"`
	ProjectID  string       `json:"project_id"`
	FileName   string       `json:"file_name"`
	Kind       DocumentKind `json:"document_type"`
	Score      float64      `json:"score"`
	Fragments  []string     `json:"fragments,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Query     string       `json:"query"`
	Hits      []*SearchHit `json:"hits"`
	Total     uint64       `json:"total"`
	QueryTime int64        `json:"query_time_ms"`
}
