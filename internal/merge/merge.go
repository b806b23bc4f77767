// Package merge combines the agentic parse, the local extraction and the diagram
// descriptions of one document into a single Extraction.
package merge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hyperjump/patmaster/internal/extract"
	"github.com/hyperjump/patmaster/internal/llamaparse"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/vision"
)

// Stage outcomes recorded in the extraction metadata.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeNotNeeded = "not_needed"
)

// Options tunes scoring and table de-duplication.
type Options struct {
	// StagePenalty is subtracted from the confidence for each degraded stage.
	StagePenalty float64
	// OverlapThreshold is the minimum intersection over the smaller box area for two
	// tables on the same page to count as the same table.
	OverlapThreshold float64
}

// Input is everything the stages produced for one attempt.
type Input struct {
	DocumentID string
	FileType   models.FileType
	Local      *extract.LocalResult

	// Agentic is nil when the stage failed or was skipped.
	Agentic        *llamaparse.Result
	AgenticErr     error
	AgenticSkipped bool

	// ImagePaths maps image ids to stored files.
	ImagePaths   map[string]string
	Descriptions map[string]*models.DiagramDescription
	DescribeErrs map[string]error
	// VisionSkipped is set when describable images exist but no describer is configured.
	VisionSkipped bool

	Timings models.StageTimings
}

// Merger merges stage outputs. It holds no per-document state.
type Merger struct {
	opts Options
}

// New returns a Merger.
func New(opts Options) *Merger {
	return &Merger{opts: opts}
}

func (in *Input) agenticOK() bool {
	return in.Agentic != nil && in.AgenticErr == nil && !in.AgenticSkipped
}

func (in *Input) visionFailed() bool {
	return in.VisionSkipped || len(in.DescribeErrs) > 0
}

// Merge builds the Extraction. The same input always yields the same text, image ids and
// table winners.
func (m *Merger) Merge(in Input) (*models.Extraction, error) {
	if in.Local == nil {
		return nil, errors.New("merge: local extraction result is required")
	}
	ext := &models.Extraction{
		DocumentID: in.DocumentID,
		TotalPages: in.Local.TotalPages,
		Timings:    in.Timings,
	}

	if in.agenticOK() && strings.TrimSpace(in.Agentic.Markdown) != "" {
		ext.Markdown = in.Agentic.Markdown
		ext.PlainText = extract.MarkdownToPlain(in.Agentic.Markdown)
		if in.FileType == models.FileTypePDF {
			ext.TotalPages = max(ext.TotalPages, len(in.Agentic.Pages))
		}
	} else {
		ext.Markdown = in.Local.Markdown
		ext.PlainText = in.Local.PlainText
	}

	ext.Images = m.images(in)
	tables, stats := m.tables(in)
	ext.Tables = tables
	ext.ConfidenceScore = m.Confidence(!in.agenticOK(), in.visionFailed())
	ext.Method = method(in)
	ext.Metadata = metadata(in, stats)
	return ext, nil
}

// Confidence starts at 1 and loses one penalty per degraded stage, floored at 0.
func (m *Merger) Confidence(agenticDegraded, visionDegraded bool) float64 {
	score := 1.0
	for _, degraded := range []bool{agenticDegraded, visionDegraded} {
		if degraded {
			score -= m.opts.StagePenalty
		}
	}
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1e4) / 1e4
}

func (m *Merger) images(in Input) []*models.ExtractedImage {
	locals := append([]extract.Image(nil), in.Local.Images...)
	sort.SliceStable(locals, func(i, j int) bool {
		if locals[i].Page != locals[j].Page {
			return locals[i].Page < locals[j].Page
		}
		return locals[i].Seq < locals[j].Seq
	})

	out := make([]*models.ExtractedImage, 0, len(locals))
	for _, li := range locals {
		id := models.ImageID(in.DocumentID, li.Page, li.Seq)
		img := &models.ExtractedImage{
			ImageID:    id,
			PageNumber: li.Page,
			Sequence:   li.Seq,
			ImagePath:  in.ImagePaths[id],
			Format:     li.Format,
			Width:      li.Width,
			Height:     li.Height,
		}
		if desc := in.Descriptions[id]; desc != nil {
			img.DescriptionText = desc.Summary
			if desc.IsDiagram {
				d := *desc
				d.ImageID = id
				img.Diagram = &d
			}
		}
		out = append(out, img)
	}
	return out
}

type candidate struct {
	page, order int
	source      models.TableSource
	headers     []string
	rows        [][]string
	html        string
	bbox        *models.BBox
	// detected counts physical rows, a real header row included.
	detected int
}

func physicalRows(headers []string, rows [][]string, generated bool) int {
	if generated || len(headers) == 0 {
		return len(rows)
	}
	return len(rows) + 1
}

type tableStats struct {
	agentic, local, matched, agenticWins, localWins int
}

// tables de-duplicates agentic and local tables. A pair matches on the same page when
// the boxes overlap enough, or by per-page index when either box is missing. DOCX pairs
// match by document index. The agentic table wins unless the local one has strictly
// more physical rows, header rows included unless they were generated.
func (m *Merger) tables(in Input) ([]*models.ExtractedTable, tableStats) {
	docx := in.FileType == models.FileTypeDOCX
	var stats tableStats

	local := make([]candidate, len(in.Local.Tables))
	for i, t := range in.Local.Tables {
		local[i] = candidate{page: t.Page, order: t.Index, source: models.SourceLocal,
			headers: t.Headers, rows: t.Rows, html: t.HTML, bbox: t.BBox,
			detected: physicalRows(t.Headers, t.Rows, false)}
		if docx {
			local[i].page, local[i].order = 0, i
		}
	}
	stats.local = len(local)

	var agentic []candidate
	if in.agenticOK() {
		for i, t := range in.Agentic.Tables {
			c := candidate{page: t.Page, order: t.Index, source: models.SourceAgentic,
				headers: t.Headers, rows: t.Rows, html: t.HTML, bbox: t.BBox,
				detected: physicalRows(t.Headers, t.Rows, t.GeneratedHeaders)}
			if docx {
				c.page, c.order, c.bbox = 0, i, nil
			}
			agentic = append(agentic, c)
		}
	}
	stats.agentic = len(agentic)

	used := make([]bool, len(local))
	var kept []candidate
	for _, a := range agentic {
		best, bestScore := -1, 0.0
		for j, l := range local {
			if used[j] || l.page != a.page {
				continue
			}
			if score := m.matchScore(a, l); score > bestScore {
				best, bestScore = j, score
			}
		}
		if best < 0 {
			kept = append(kept, a)
			continue
		}
		used[best] = true
		stats.matched++
		l := local[best]
		if l.detected > a.detected {
			l.order = a.order
			kept = append(kept, l)
			stats.localWins++
		} else {
			kept = append(kept, a)
			stats.agenticWins++
		}
	}
	for j, l := range local {
		if !used[j] {
			kept = append(kept, l)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].page != kept[j].page {
			return kept[i].page < kept[j].page
		}
		if kept[i].order != kept[j].order {
			return kept[i].order < kept[j].order
		}
		return kept[i].source == models.SourceAgentic && kept[j].source != models.SourceAgentic
	})

	out := make([]*models.ExtractedTable, 0, len(kept))
	index, page := 0, -1
	for _, c := range kept {
		if c.page != page {
			page, index = c.page, 0
		}
		cols := len(c.headers)
		for _, r := range c.rows {
			cols = max(cols, len(r))
		}
		out = append(out, &models.ExtractedTable{
			TableID:    models.TableID(in.DocumentID, c.page, index),
			PageNumber: c.page,
			Index:      index,
			HTML:       c.html,
			Headers:    c.headers,
			Rows:       c.rows,
			NumRows:    len(c.rows),
			NumCols:    cols,
			BBox:       c.bbox,
			Source:     c.source,
		})
		index++
	}
	return out, stats
}

// matchScore is positive when a and l are the same table; larger is a better match.
func (m *Merger) matchScore(a, l candidate) float64 {
	if a.bbox == nil || l.bbox == nil {
		if a.order == l.order {
			return 1
		}
		return 0
	}
	smaller := math.Min(a.bbox.Area(), l.bbox.Area())
	if smaller <= 0 {
		return 0
	}
	ratio := a.bbox.Intersection(*l.bbox) / smaller
	if ratio < m.opts.OverlapThreshold {
		return 0
	}
	return ratio
}

func method(in Input) string {
	var parts []string
	if in.agenticOK() {
		parts = append(parts, "agentic")
	}
	parts = append(parts, "local")
	if len(in.Descriptions) > 0 && !in.visionFailed() {
		parts = append(parts, "vision")
	}
	return strings.Join(parts, "+")
}

func metadata(in Input, stats tableStats) map[string]any {
	agentic := OutcomeSucceeded
	switch {
	case in.AgenticSkipped:
		agentic = OutcomeSkipped
	case !in.agenticOK():
		agentic = OutcomeFailed
	}

	visionOutcome := OutcomeSucceeded
	switch {
	case in.VisionSkipped:
		visionOutcome = OutcomeSkipped
	case len(in.DescribeErrs) > 0:
		visionOutcome = OutcomeFailed
	case len(in.Descriptions) == 0:
		visionOutcome = OutcomeNotNeeded
	}

	md := map[string]any{
		"stages": map[string]any{
			"agentic": agentic,
			"local":   OutcomeSucceeded,
			"vision":  visionOutcome,
		},
		"tables": map[string]any{
			"agentic":      stats.agentic,
			"local":        stats.local,
			"matched":      stats.matched,
			"agentic_wins": stats.agenticWins,
			"local_wins":   stats.localWins,
		},
		"images_described": len(in.Descriptions),
	}
	if in.Agentic != nil && in.Agentic.JobID != "" {
		md["agentic_job_id"] = in.Agentic.JobID
	}
	if len(in.DescribeErrs) > 0 {
		failures := make(map[string]any, len(in.DescribeErrs))
		for id, err := range in.DescribeErrs {
			failures[id] = describeFailure(err)
		}
		md["image_failures"] = failures
	}
	return md
}

// describeFailure turns an upstream error into a short client-safe reason.
func describeFailure(err error) string {
	var serr *vision.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, vision.ErrInvalidResponse):
		return "invalid description returned"
	case errors.As(err, &serr):
		return fmt.Sprintf("vision service returned status %d", serr.Code)
	}
	return "description failed"
}
