package llamaparse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hyperjump/patmaster/internal/htmltable"
	"github.com/hyperjump/patmaster/internal/models"
)

// Result is the converted output of one parse job.
type Result struct {
	JobID    string
	Markdown string
	Pages    []Page
	Tables   []Table
}

// Page is one parsed page.
type Page struct {
	Number   int
	Markdown string
	Text     string
}

// Table is a table reported by the parser. Index counts per page for PDF and per document
// for DOCX. BBox is nil when the parser gave no position.
type Table struct {
	Page    int
	Index   int
	HTML    string
	Headers []string
	Rows    [][]string
	BBox    *models.BBox
	// GeneratedHeaders marks placeholder headers that are not a row of the table.
	GeneratedHeaders bool
}

type jobStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

type jobResult struct {
	Pages []struct {
		Page  int    `json:"page"`
		Text  string `json:"text"`
		MD    string `json:"md"`
		Items []struct {
			Type string  `json:"type"`
			Rows [][]any `json:"rows"`
			MD   string  `json:"md"`
			HTML string  `json:"html"`
			BBox *struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
				W float64 `json:"w"`
				H float64 `json:"h"`
			} `json:"bBox"`
		} `json:"items"`
	} `json:"pages"`
}

// convert builds a Result. Tables come from table items when the page has any, otherwise
// from HTML tables embedded in the page markdown.
func convert(jobID string, raw *jobResult) *Result {
	res := &Result{JobID: jobID}
	var mds []string
	for i, p := range raw.Pages {
		num := p.Page
		if num <= 0 {
			num = i + 1
		}
		res.Pages = append(res.Pages, Page{Number: num, Markdown: p.MD, Text: p.Text})
		if md := strings.TrimSpace(p.MD); md != "" {
			mds = append(mds, md)
		}

		var pageTables []Table
		for _, item := range p.Items {
			if item.Type != "table" {
				continue
			}
			t, ok := itemTable(item.HTML, item.MD, item.Rows)
			if !ok {
				continue
			}
			if b := item.BBox; b != nil && b.W > 0 && b.H > 0 {
				t.BBox = &models.BBox{X: b.X, Y: b.Y, Width: b.W, Height: b.H}
			}
			pageTables = append(pageTables, t)
		}
		if len(pageTables) == 0 {
			for _, html := range htmltable.FindTables(p.MD) {
				if t, ok := itemTable(html, "", nil); ok {
					pageTables = append(pageTables, t)
				}
			}
		}
		for j := range pageTables {
			pageTables[j].Page = num
			pageTables[j].Index = j
		}
		res.Tables = append(res.Tables, pageTables...)
	}
	res.Markdown = strings.Join(mds, "\n\n")
	return res
}

func itemTable(html, md string, rows [][]any) (Table, bool) {
	if html == "" {
		if found := htmltable.FindTables(md); len(found) > 0 {
			html = found[0]
		}
	}
	if html != "" {
		html = htmltable.Sanitize(html)
		if parsed, err := htmltable.Parse(html); err == nil {
			return Table{HTML: html, Headers: parsed.Headers, Rows: parsed.Rows, GeneratedHeaders: parsed.GeneratedHeaders}, true
		}
	}
	if len(rows) == 0 {
		return Table{}, false
	}
	cells := make([][]string, len(rows))
	for i, r := range rows {
		cells[i] = make([]string, len(r))
		for j, v := range r {
			cells[i][j] = cellString(v)
		}
	}
	t := Table{Headers: cells[0], Rows: cells[1:]}
	t.HTML = htmltable.Render(t.Headers, t.Rows)
	return t, true
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
