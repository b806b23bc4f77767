package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

const (
	fieldUser     = "user_id"
	fieldProject  = "project_id"
	fieldKind     = "document_type"
	fieldFileName = "file_name"
	fieldContent  = "content"
)

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to force a re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// NewMemoryIndex returns an index that lives only in memory.
func NewMemoryIndex() (*BleveIndex, error) {
	index, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so reference numerals and part
	// names match exactly.
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	textFieldMapping.IncludeTermVectors = true
	docMapping.AddFieldMappingsAt(fieldContent, textFieldMapping)
	docMapping.AddFieldMappingsAt(fieldFileName, textFieldMapping)

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt(fieldUser, keywordFieldMapping)
	docMapping.AddFieldMappingsAt(fieldProject, keywordFieldMapping)
	docMapping.AddFieldMappingsAt(fieldKind, keywordFieldMapping)

	im.AddDocumentMapping("document", docMapping)
	im.DefaultType = "document"
	im.DefaultMapping = docMapping
	return im
}

// Index adds or replaces the entry of a document.
func (b *BleveIndex) Index(ctx context.Context, entry Entry) error {
	return b.index.Index(entry.DocumentID, map[string]any{
		fieldUser:     entry.UserID,
		fieldProject:  entry.ProjectID,
		fieldKind:     entry.Kind,
		fieldFileName: entry.FileName,
		fieldContent:  entry.Content,
	})
}

// Search runs query over content and file name, restricted to userID (and a project when
// opts.ProjectID is set). Matches in the file name are boosted by opts.FileNameBoost.
func (b *BleveIndex) Search(ctx context.Context, userID, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("search requires a user")
	}
	if strings.TrimSpace(query) == "" {
		return []*Result{}, nil
	}
	nameBoost := 1.0
	fuzziness := 0
	projectID := ""
	if opts != nil {
		if opts.FileNameBoost > 0 {
			nameBoost = opts.FileNameBoost
		}
		fuzziness = min(max(opts.Fuzziness, 0), 2)
		projectID = opts.ProjectID
	}

	text := bleve.NewDisjunctionQuery(
		textQuery(query, fieldContent, fuzziness, 1.0),
		textQuery(query, fieldFileName, fuzziness, nameBoost),
	)
	scope := []blevequery.Query{termQuery(fieldUser, userID), text}
	if projectID != "" {
		scope = append(scope, termQuery(fieldProject, projectID))
	}

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(scope...), limit, 0, false)
	req.Fields = []string{fieldProject, fieldKind, fieldFileName}
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Highlight.AddField(fieldContent)
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	out := make([]*Result, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = &Result{
			DocumentID: hit.ID,
			ProjectID:  fieldString(hit.Fields, fieldProject),
			Kind:       fieldString(hit.Fields, fieldKind),
			FileName:   fieldString(hit.Fields, fieldFileName),
			Score:      hit.Score,
			Fragments:  hit.Fragments[fieldContent],
		}
	}
	return out, nil
}

// textQuery matches query in field. With fuzziness each term may be misspelled by up to
// that many edits.
func textQuery(query, field string, fuzziness int, boost float64) blevequery.Query {
	terms := strings.Fields(strings.ToLower(query))
	if fuzziness == 0 || len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(field)
		mq.SetBoost(boost)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		fq.SetBoost(boost)
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

func termQuery(field, value string) blevequery.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

func fieldString(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

// Delete removes a document from the index.
func (b *BleveIndex) Delete(ctx context.Context, documentID string) error {
	return b.index.Delete(documentID)
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
