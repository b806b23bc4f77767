package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/patmaster/internal/models"
)

func TestParseOutputFormat(t *testing.T) {
	for in, want := range map[string]OutputFormat{"text": OutputText, "JSON": OutputJSON} {
		got, err := ParseOutputFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseOutputFormat("compact"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func sampleExtraction() *models.Extraction {
	return &models.Extraction{
		DocumentID:      "doc-1",
		Markdown:        "# Claims\n\n1. A gearbox.",
		TotalPages:      2,
		ConfidenceScore: 0.85,
		Method:          "agentic+local",
		Timings:         models.StageTimings{AgenticMS: 1200, LocalMS: 40, TotalMS: 1250},
		Metadata:        map[string]any{"image_failures": map[string]any{"doc-1_1_1": "timed out"}},
		Images: []*models.ExtractedImage{
			{ImageID: "doc-1_1_1", Format: "png", Width: 400, Height: 300},
			{ImageID: "doc-1_2_1", Format: "png", Width: 400, Height: 300, DescriptionText: "Block diagram of gear train 100.",
				Diagram: &models.DiagramDescription{IsDiagram: true, DiagramType: models.DiagramBlock}},
		},
		Tables: []*models.ExtractedTable{{PageNumber: 1, NumRows: 2, NumCols: 3, Source: models.SourceAgentic}},
	}
}

func TestWriteExtraction_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExtraction(&buf, sampleExtraction(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"Method:     agentic+local",
		"Confidence: 0.85",
		"page 1 #0  2x3  (agentic)",
		"[block_diagram]  Block diagram of gear train 100.",
		"doc-1_1_1: timed out",
		"# Claims",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteExtraction_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExtraction(&buf, sampleExtraction(), OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded models.Extraction
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Method != "agentic+local" || len(decoded.Images) != 2 {
		t.Errorf("unexpected decoded extraction %+v", decoded)
	}
}

func TestWriteSessionStatus_text(t *testing.T) {
	st := &models.SessionStatus{SessionID: "s1", ProjectID: "p1", Status: models.StatusFailed, Documents: []*models.Document{
		{Kind: models.KindIDF, Status: models.StatusFailed, FileName: "idf.pdf", ErrorMessage: "file is not a readable PDF document"},
		{Kind: models.KindClaims, Status: models.StatusCompleted, FileName: "claims.docx"},
	}}
	var buf bytes.Buffer
	if err := WriteSessionStatus(&buf, st, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "Session s1 (project p1): failed\n") {
		t.Errorf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "(file is not a readable PDF document)") || !strings.Contains(out, "claims.docx") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	response := &models.SearchResponse{
		Query:     "gear",
		Total:     1,
		QueryTime: 3,
		Hits: []*models.SearchHit{{
			DocumentID: "doc-1", ProjectID: "p1", FileName: "claims.docx", Kind: models.KindClaims, Score: 1.5,
			Fragments: []string{"a <mark>gear</mark> train\nwith shaft"},
		}},
	}
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Found 1 results in 3ms") || !strings.Contains(out, "1. claims.docx [claims]") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "a gear train with shaft") {
		t.Errorf("fragment not cleaned:\n%s", out)
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	response := &models.SearchResponse{Query: "gear", Hits: []*models.SearchHit{}}
	if err := WriteSearchResults(&buf, response, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded models.SearchResponse
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded.Query != "gear" {
		t.Errorf("decoded %+v, %v", decoded, err)
	}
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"one two three", 5, "one two three"},
		{"one two three", 2, "one two..."},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := TruncateWords(tt.s, tt.max); got != tt.want {
			t.Errorf("TruncateWords(%q, %d) = %q, want %q", tt.s, tt.max, got, tt.want)
		}
	}
}
