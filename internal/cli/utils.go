// Package cli provides output helpers for the patmaster command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a -output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text or json", s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteExtraction writes a merged extraction to w. Text output is a short summary
// followed by the markdown.
func WriteExtraction(w io.Writer, ext *models.Extraction, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, ext)
	}
	fmt.Fprintf(w, "Method:     %s\n", ext.Method)
	fmt.Fprintf(w, "Confidence: %.2f\n", ext.ConfidenceScore)
	fmt.Fprintf(w, "Pages:      %d\n", ext.TotalPages)
	fmt.Fprintf(w, "Timings:    agentic %dms, local %dms, vision %dms, total %dms\n",
		ext.Timings.AgenticMS, ext.Timings.LocalMS, ext.Timings.VisionMS, ext.Timings.TotalMS)
	fmt.Fprintf(w, "Tables:     %d\n", len(ext.Tables))
	for _, t := range ext.Tables {
		fmt.Fprintf(w, "  page %d #%d  %dx%d  (%s)\n", t.PageNumber, t.Index, t.NumRows, t.NumCols, t.Source)
	}
	fmt.Fprintf(w, "Images:     %d\n", len(ext.Images))
	for _, img := range ext.Images {
		line := fmt.Sprintf("  %s  %s %dx%d", img.ImageID, img.Format, img.Width, img.Height)
		if img.Diagram != nil {
			line += "  [" + string(img.Diagram.DiagramType) + "]"
		}
		if img.DescriptionText != "" {
			line += "  " + utils.Truncate(img.DescriptionText, 120)
		}
		fmt.Fprintln(w, line)
	}
	if failures, ok := ext.Metadata["image_failures"].(map[string]any); ok && len(failures) > 0 {
		ids := make([]string, 0, len(failures))
		for id := range failures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintln(w, "Image failures:")
		for _, id := range ids {
			fmt.Fprintf(w, "  %s: %v\n", id, failures[id])
		}
	}
	fmt.Fprintf(w, "\n%s\n", ext.Markdown)
	return nil
}

// WriteSessionStatus writes the lifecycle of a project session to w.
func WriteSessionStatus(w io.Writer, st *models.SessionStatus, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "Session %s (project %s): %s\n", st.SessionID, st.ProjectID, st.Status)
	for _, d := range st.Documents {
		fmt.Fprintf(w, "  %-14s %-11s %s", d.Kind, d.Status, d.FileName)
		if d.ErrorMessage != "" {
			fmt.Fprintf(w, "  (%s)", d.ErrorMessage)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", response.Total, response.QueryTime)
	for i, hit := range response.Hits {
		fmt.Fprintf(w, "%d. %s [%s] score %.4f\n", i+1, hit.FileName, hit.Kind, hit.Score)
		fmt.Fprintf(w, "   project %s, document %s\n", hit.ProjectID, hit.DocumentID)
		for _, frag := range hit.Fragments {
			fmt.Fprintf(w, "   %s\n", TruncateWords(stripMarks(frag), 30))
		}
		fmt.Fprintln(w)
	}
	return nil
}

var markReplacer = strings.NewReplacer("<mark>", "", "</mark>", "", "\n", " ")

func stripMarks(s string) string {
	return markReplacer.Replace(s)
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
