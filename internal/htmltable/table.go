// Package htmltable parses, sanitizes and renders the HTML tables exchanged between the
// extractors, the merger and the API.
package htmltable

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// tableRe finds HTML tables embedded in markdown.
var tableRe = regexp.MustCompile(`(?is)<table[^>]*>.*?</table>`)

var policy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("table", "caption", "thead", "tbody", "tfoot", "tr", "th", "td", "br", "b", "strong", "i", "em", "sub", "sup")
	p.AllowAttrs("colspan", "rowspan").Matching(bluemonday.Integer).OnElements("th", "td")
	return p
}()

// Table is the structured form of one HTML table.
type Table struct {
	Caption string
	Headers []string
	Rows    [][]string
	// GeneratedHeaders is set when Headers are "Column N" placeholders rather than a row
	// of the source table.
	GeneratedHeaders bool
}

// NumCols is the header width, or the widest row when there are no headers.
func (t *Table) NumCols() int {
	n := len(t.Headers)
	for _, r := range t.Rows {
		n = max(n, len(r))
	}
	return n
}

// Sanitize strips everything but table markup from s.
func Sanitize(s string) string {
	return strings.TrimSpace(policy.Sanitize(s))
}

// FindTables returns every HTML table embedded in markdown, in order.
func FindTables(markdown string) []string {
	return tableRe.FindAllString(markdown, -1)
}

// Parse reads the first table in s. Headers come from <thead>, or from a leading row of
// <th> cells; when neither exists they are generated as "Column N".
func Parse(s string) (*Table, error) {
	doc, err := xhtml.Parse(strings.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("parse table html: %w", err)
	}
	tbl := find(doc, atom.Table)
	if tbl == nil {
		return nil, fmt.Errorf("no table element found")
	}

	t := &Table{}
	if c := find(tbl, atom.Caption); c != nil {
		t.Caption = text(c)
	}
	for _, tr := range rows(tbl) {
		cells, header := cellsOf(tr)
		if len(cells) == 0 {
			continue
		}
		if header && t.Headers == nil && len(t.Rows) == 0 {
			t.Headers = cells
			continue
		}
		t.Rows = append(t.Rows, cells)
	}
	if t.Headers == nil {
		n := t.NumCols()
		t.Headers = make([]string, n)
		for i := range t.Headers {
			t.Headers[i] = fmt.Sprintf("Column %d", i+1)
		}
		t.GeneratedHeaders = true
	}
	return t, nil
}

// Render writes headers and rows as an HTML table with escaped cell text.
func Render(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("<table>")
	if len(headers) > 0 {
		b.WriteString("<thead><tr>")
		for _, h := range headers {
			b.WriteString("<th>" + html.EscapeString(h) + "</th>")
		}
		b.WriteString("</tr></thead>")
	}
	b.WriteString("<tbody>")
	for _, r := range rows {
		b.WriteString("<tr>")
		for _, c := range r {
			b.WriteString("<td>" + html.EscapeString(c) + "</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

func find(n *xhtml.Node, a atom.Atom) *xhtml.Node {
	if n.Type == xhtml.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := find(c, a); f != nil {
			return f
		}
	}
	return nil
}

// rows returns the <tr> elements of tbl in document order, skipping nested tables.
func rows(tbl *xhtml.Node) []*xhtml.Node {
	var out []*xhtml.Node
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xhtml.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Tr:
				out = append(out, c)
			case atom.Thead, atom.Tbody, atom.Tfoot:
				walk(c)
			}
		}
	}
	walk(tbl)
	return out
}

// cellsOf returns the cell texts of tr and whether every cell is a <th>, or the row sits in <thead>.
func cellsOf(tr *xhtml.Node) ([]string, bool) {
	var cells []string
	header := true
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xhtml.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Th:
			cells = append(cells, text(c))
		case atom.Td:
			cells = append(cells, text(c))
			header = false
		}
	}
	if tr.Parent != nil && tr.Parent.DataAtom == atom.Thead {
		header = true
	}
	return cells, header
}

func text(n *xhtml.Node) string {
	var sb strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		switch {
		case n.Type == xhtml.TextNode:
			sb.WriteString(n.Data)
		case n.Type == xhtml.ElementNode && n.DataAtom == atom.Br:
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
