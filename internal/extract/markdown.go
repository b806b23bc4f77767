package extract

import (
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hyperjump/patmaster/internal/htmltable"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// TableMarkdown renders an HTML table as a GitHub-style markdown table.
func TableMarkdown(html string) (string, error) {
	md, err := mdConverter.ConvertString(html)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

var (
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	emphasisRe  = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_\n]+?)(\*{1,3}|_{1,3})`)
	linkRe      = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	tagRe       = regexp.MustCompile(`<[^>]+>`)
	tableRuleRe = regexp.MustCompile(`(?m)^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?\s*$\n?`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
)

// MarkdownToPlain strips markdown formatting. Embedded HTML tables become tab-separated
// rows; markdown table pipes become tabs.
func MarkdownToPlain(md string) string {
	plain := md
	for _, t := range htmltable.FindTables(plain) {
		parsed, err := htmltable.Parse(t)
		if err != nil {
			continue
		}
		var lines []string
		if parsed.Caption != "" {
			lines = append(lines, parsed.Caption)
		}
		lines = append(lines, strings.Join(parsed.Headers, "\t"))
		for _, r := range parsed.Rows {
			lines = append(lines, strings.Join(r, "\t"))
		}
		plain = strings.Replace(plain, t, strings.Join(lines, "\n"), 1)
	}
	plain = headingRe.ReplaceAllString(plain, "")
	plain = linkRe.ReplaceAllString(plain, "$1")
	plain = emphasisRe.ReplaceAllString(plain, "$2")
	plain = tableRuleRe.ReplaceAllString(plain, "")
	plain = tagRe.ReplaceAllString(plain, "")

	lines := strings.Split(plain, "\n")
	for i, l := range lines {
		if t := strings.TrimSpace(l); strings.HasPrefix(t, "|") && strings.HasSuffix(t, "|") {
			cells := strings.Split(strings.Trim(t, "|"), "|")
			for j := range cells {
				cells[j] = strings.TrimSpace(cells[j])
			}
			l = strings.Join(cells, "\t")
		}
		lines[i] = strings.TrimRight(l, " ")
	}
	return strings.TrimSpace(blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
