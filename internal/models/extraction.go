package models

import (
	"fmt"
	"time"
)

// Extraction is the merged result of one extraction attempt for a document.
// It is written once and replaced wholesale by a later re-extraction.
type Extraction struct {
	ID              string            `json:"id" db:"id"`
	DocumentID      string            `json:"document_id" db:"document_id"`
	Markdown        string            `json:"extracted_text_markdown" db:"extracted_text_markdown"`
	PlainText       string            `json:"extracted_text_plain" db:"extracted_text_plain"`
	TotalPages      int               `json:"total_pages" db:"total_pages"`
	ConfidenceScore float64           `json:"confidence_score" db:"confidence_score"`
	Timings         StageTimings      `json:"timings" db:"-"`
	Method          string            `json:"extraction_method" db:"extraction_method"`
	Metadata        map[string]any    `json:"extraction_metadata,omitempty" db:"extraction_metadata"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	Images          []*ExtractedImage `json:"images" db:"-"`
	Tables          []*ExtractedTable `json:"tables" db:"-"`
}

// StageTimings records wall time per stage in milliseconds.
type StageTimings struct {
	AgenticMS int64 `json:"agentic_ms"`
	LocalMS   int64 `json:"local_ms"`
	VisionMS  int64 `json:"vision_ms"`
	TotalMS   int64 `json:"total_ms"`
}

// ExtractedImage is one image found in the source document.
type ExtractedImage struct {
	ID              string              `json:"-" db:"id"`
	ImageID         string              `json:"image_id" db:"image_id"`
	PageNumber      int                 `json:"page_number" db:"page_number"`
	Sequence        int                 `json:"sequence" db:"sequence"`
	ImagePath       string              `json:"-" db:"image_path"`
	URL             string              `json:"url,omitempty" db:"-"`
	Format          string              `json:"format" db:"image_format"`
	Width           int                 `json:"width" db:"width"`
	Height          int                 `json:"height" db:"height"`
	DescriptionText string              `json:"description,omitempty" db:"description"`
	Diagram         *DiagramDescription `json:"diagram,omitempty" db:"-"`
}

// ImageID builds the stable identifier of an image within an extraction.
func ImageID(documentID string, page, seq int) string {
	return fmt.Sprintf("%s_%d_%d", documentID, page, seq)
}

// DiagramType classifies a described diagram.
type DiagramType string

const (
	DiagramBlock        DiagramType = "block_diagram"
	DiagramFlowchart    DiagramType = "flowchart"
	DiagramArchitecture DiagramType = "architecture"
	DiagramSequence     DiagramType = "sequence"
	DiagramCrossSection DiagramType = "cross_section"
	DiagramOther        DiagramType = "other"
)

// ParseDiagramType maps s onto a known diagram type, falling back to DiagramOther.
func ParseDiagramType(s string) DiagramType {
	switch t := DiagramType(s); t {
	case DiagramBlock, DiagramFlowchart, DiagramArchitecture, DiagramSequence, DiagramCrossSection:
		return t
	}
	return DiagramOther
}

// Direction of a connection between two diagram elements.
type Direction string

const (
	Unidirectional Direction = "unidirectional"
	Bidirectional  Direction = "bidirectional"
)

// Connection links two labelled diagram elements.
type Connection struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Direction Direction `json:"direction"`
	Label     string    `json:"label,omitempty"`
}

// DiagramDescription is the structured vision output for an image judged to be a diagram.
type DiagramDescription struct {
	ImageID           string              `json:"image_id" db:"image_id"`
	IsDiagram         bool                `json:"is_diagram" db:"is_diagram"`
	DiagramType       DiagramType         `json:"diagram_type,omitempty" db:"diagram_type"`
	ImageType         string              `json:"image_type,omitempty" db:"image_type"`
	OutermostElements []string            `json:"outermost_elements" db:"outermost_elements"`
	ShapeMapping      map[string][]string `json:"shape_mapping" db:"shape_mapping"`
	NestedComponents  map[string][]string `json:"nested_components" db:"nested_components"`
	Connections       []Connection        `json:"connections" db:"connections"`
	AllTextLabels     []string            `json:"all_text_labels" db:"all_text_labels"`
	Summary           string              `json:"description_summary" db:"description_summary"`
}

// TableSource names the extractor a persisted table came from.
type TableSource string

const (
	SourceAgentic TableSource = "agentic"
	SourceLocal   TableSource = "local"
)

// BBox is a rectangle in PDF points with a top-left origin.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area, zero for degenerate boxes.
func (b BBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Intersection returns the overlapping area of b and o.
func (b BBox) Intersection(o BBox) float64 {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.Width, o.X+o.Width)
	y2 := min(b.Y+b.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// ExtractedTable is one table kept after de-duplication.
type ExtractedTable struct {
	ID         string      `json:"-" db:"id"`
	TableID    string      `json:"table_id" db:"table_id"`
	PageNumber int         `json:"page_number" db:"page_number"`
	Index      int         `json:"index" db:"table_index"`
	HTML       string      `json:"html_content" db:"html_content"`
	Headers    []string    `json:"headers" db:"headers_json"`
	Rows       [][]string  `json:"rows" db:"rows_json"`
	NumRows    int         `json:"num_rows" db:"num_rows"`
	NumCols    int         `json:"num_cols" db:"num_cols"`
	BBox       *BBox       `json:"bbox,omitempty" db:"-"`
	Source     TableSource `json:"extraction_source" db:"extraction_source"`
}

// TableID builds the stable identifier of a table within an extraction.
func TableID(documentID string, page, index int) string {
	return fmt.Sprintf("%s_t%d_%d", documentID, page, index)
}
