package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/htmltable"
	"github.com/hyperjump/patmaster/internal/models"
)

const (
	// defaultPageHeight is US Letter in points, used when a page has no MediaBox.
	defaultPageHeight = 792.0
	// charWidth estimates glyph advance in points when the text run has no width.
	charWidth = 5.0
	// columnTolerance is how far cell starts may drift between rows of one table.
	columnTolerance = 12.0
	// maxRowGap is the largest baseline distance between consecutive table rows.
	maxRowGap = 40.0
	lineHeight = 12.0
)

func init() {
	api.DisableConfigDir()
}

func pdfcpuConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func validatePDF(content []byte) error {
	if !bytes.HasPrefix(bytes.TrimLeft(content, "\x00\t\r\n "), []byte("%PDF-")) {
		return fmt.Errorf("missing PDF header")
	}
	_, err := api.ReadValidateAndOptimize(bytes.NewReader(content), pdfcpuConfig())
	return err
}

func (e *Extractor) extractPDF(ctx context.Context, content []byte) (res *LocalResult, err error) {
	// The text reader panics on some malformed streams.
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("malformed PDF: %v", p)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}

	res = &LocalResult{TotalPages: r.NumPage()}
	var md, plain strings.Builder
	for i := 1; i <= res.TotalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		text = strings.TrimSpace(text)
		res.Pages = append(res.Pages, Page{Number: i, Text: text})
		fmt.Fprintf(&md, "\n--- Page %d ---\n\n%s\n", i, text)
		fmt.Fprintf(&plain, "\n--- Page %d ---\n%s\n", i, text)

		rows, err := page.GetTextByRow()
		if err != nil {
			e.logger.Warn("row layout unavailable", zap.Int("page", i), zap.Error(err))
			continue
		}
		res.Tables = append(res.Tables, detectTables(i, pageHeight(page), rows)...)
	}
	res.Markdown = strings.TrimSpace(md.String())
	res.PlainText = strings.TrimSpace(plain.String())

	images, err := e.pdfImages(ctx, content)
	if err != nil {
		return nil, err
	}
	res.Images = images
	return res, nil
}

// pdfImages returns the embedded images of every page, ordered by page then object number.
// Pages whose images cannot be decoded are logged and skipped.
func (e *Extractor) pdfImages(ctx context.Context, content []byte) ([]Image, error) {
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(content), pdfcpuConfig())
	if err != nil {
		return nil, fmt.Errorf("read PDF structure: %w", err)
	}
	var out []Image
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		imgs, err := pdfcpu.ExtractPageImages(pctx, pageNr, false)
		if err != nil {
			e.logger.Warn("failed to extract page images", zap.Int("page", pageNr), zap.Error(err))
			continue
		}
		objNrs := make([]int, 0, len(imgs))
		for nr := range imgs {
			objNrs = append(objNrs, nr)
		}
		slices.Sort(objNrs)

		seq := 0
		for _, nr := range objNrs {
			img := imgs[nr]
			data, err := io.ReadAll(img)
			if err != nil || len(data) == 0 {
				e.logger.Warn("failed to read image", zap.Int("page", pageNr), zap.Int("obj", nr), zap.Error(err))
				continue
			}
			seq++
			out = append(out, newImage(pageNr, seq, img.FileType, img.Width, img.Height, data))
		}
	}
	return out, nil
}

// newImage normalizes the format name and fills in dimensions from the image header
// when the container did not record them.
func newImage(page, seq int, format string, width, height int, data []byte) Image {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "jpeg" {
		format = "jpg"
	}
	if width <= 0 || height <= 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			width, height = cfg.Width, cfg.Height
		}
	}
	return Image{Page: page, Seq: seq, Format: format, Width: width, Height: height, Data: data}
}

// pageHeight reads the MediaBox height, inherited from the page tree when absent.
func pageHeight(p pdf.Page) float64 {
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		box := v.Key("MediaBox")
		if box.Len() == 4 {
			if h := box.Index(3).Float64() - box.Index(1).Float64(); h > 0 {
				return h
			}
		}
	}
	return defaultPageHeight
}

type cell struct {
	x, end float64
	text   string
}

// rowCells groups the text runs of a row into cells separated by wide horizontal gaps.
func rowCells(texts []pdf.Text) []cell {
	sorted := slices.Clone(texts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var cells []cell
	for _, t := range sorted {
		s := strings.TrimSpace(t.S)
		if s == "" {
			continue
		}
		w := t.W
		if w <= 0 {
			w = float64(utf8.RuneCountInString(t.S)) * charWidth
		}
		if n := len(cells); n > 0 && t.X-cells[n-1].end < 2*charWidth {
			c := &cells[n-1]
			sep := ""
			if t.X-c.end > charWidth/2 {
				sep = " "
			}
			c.text += sep + s
			c.end = math.Max(c.end, t.X+w)
			continue
		}
		cells = append(cells, cell{x: t.X, end: t.X + w, text: s})
	}
	return cells
}

type layoutRow struct {
	y     float64
	cells []cell
}

func aligned(a, b []cell) bool {
	if len(a) != len(b) || len(a) < 2 {
		return false
	}
	for i := range a {
		if math.Abs(a[i].x-b[i].x) > columnTolerance {
			return false
		}
	}
	return true
}

// detectTables finds runs of at least two consecutive rows with the same column count
// (two or more) and aligned column starts. The first row becomes the header.
func detectTables(pageNum int, height float64, rows pdf.Rows) []Table {
	layout := make([]layoutRow, 0, len(rows))
	for _, r := range rows {
		if r == nil {
			continue
		}
		layout = append(layout, layoutRow{y: float64(r.Position), cells: rowCells(r.Content)})
	}
	// Top of the page first; PDF y grows upwards.
	sort.SliceStable(layout, func(i, j int) bool { return layout[i].y > layout[j].y })

	var tables []Table
	for start := 0; start < len(layout); {
		end := start + 1
		for end < len(layout) &&
			aligned(layout[start].cells, layout[end].cells) &&
			layout[end-1].y-layout[end].y <= maxRowGap {
			end++
		}
		if end-start >= 2 {
			tables = append(tables, buildTable(pageNum, len(tables), height, layout[start:end]))
			start = end
			continue
		}
		start++
	}
	return tables
}

func buildTable(pageNum, index int, height float64, run []layoutRow) Table {
	var headers []string
	var body [][]string
	minX, maxX := math.Inf(1), math.Inf(-1)
	for i, r := range run {
		vals := make([]string, len(r.cells))
		for j, c := range r.cells {
			vals[j] = c.text
			minX = math.Min(minX, c.x)
			maxX = math.Max(maxX, c.end)
		}
		if i == 0 {
			headers = vals
		} else {
			body = append(body, vals)
		}
	}
	top := run[0].y + lineHeight*0.8
	bottom := run[len(run)-1].y - lineHeight*0.2
	return Table{
		Page:    pageNum,
		Index:   index,
		Headers: headers,
		Rows:    body,
		HTML:    htmltable.Render(headers, body),
		BBox: &models.BBox{
			X:      minX,
			Y:      math.Max(0, height-top),
			Width:  maxX - minX,
			Height: top - bottom,
		},
	}
}
