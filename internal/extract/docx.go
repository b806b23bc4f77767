package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/htmltable"
)

// docxDocumentXMLPath is the default path to the main document body inside a .docx zip.
const docxDocumentXMLPath = "word/document.xml"

const contentTypesPath = "[Content_Types].xml"

const docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"

// emuPerPixel converts DrawingML extents (English Metric Units) to pixels at 96 dpi.
const emuPerPixel = 9525

// partNameRe extracts PartName from Override elements in [Content_Types].xml, in either attribute order.
var (
	partNameRe  = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`)
	partNameRe2 = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`)
)

var headingStyleRe = regexp.MustCompile(`(?i)^heading\s*([1-9])$`)

type docxPackage struct {
	files   map[string]*zip.File
	docPath string
	docXML  []byte
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// openDOCX opens the zip container and loads the main document part, which must be well-formed XML.
func openDOCX(content []byte) (*docxPackage, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("not a zip: %w", err)
	}
	pkg := &docxPackage{files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		pkg.files[f.Name] = f
	}

	pkg.docPath = docxDocumentXMLPath
	if ct, ok := pkg.files[contentTypesPath]; ok {
		if data, err := readZipFile(ct); err == nil {
			if m := partNameRe.FindSubmatch(data); len(m) > 1 {
				pkg.docPath = strings.TrimPrefix(string(m[1]), "/")
			} else if m := partNameRe2.FindSubmatch(data); len(m) > 1 {
				pkg.docPath = strings.TrimPrefix(string(m[1]), "/")
			}
		}
	}
	f, ok := pkg.files[pkg.docPath]
	if !ok {
		return nil, fmt.Errorf("%s not found", pkg.docPath)
	}
	if pkg.docXML, err = readZipFile(f); err != nil {
		return nil, fmt.Errorf("read %s: %w", pkg.docPath, err)
	}
	dec := xml.NewDecoder(bytes.NewReader(pkg.docXML))
	for {
		if _, err := dec.Token(); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("malformed %s: %w", pkg.docPath, err)
		}
	}
	return pkg, nil
}

// relationships maps relationship ids of the main part onto zip paths.
func (p *docxPackage) relationships() map[string]string {
	dir, base := path.Split(p.docPath)
	f, ok := p.files[dir+"_rels/"+base+".rels"]
	if !ok {
		return nil
	}
	data, err := readZipFile(f)
	if err != nil {
		return nil
	}
	var rels struct {
		Items []struct {
			ID         string `xml:"Id,attr"`
			Target     string `xml:"Target,attr"`
			TargetMode string `xml:"TargetMode,attr"`
		} `xml:"Relationship"`
	}
	if err := xml.Unmarshal(data, &rels); err != nil {
		return nil
	}
	out := make(map[string]string, len(rels.Items))
	for _, r := range rels.Items {
		if r.TargetMode == "External" {
			continue
		}
		target := r.Target
		if strings.HasPrefix(target, "/") {
			target = strings.TrimPrefix(target, "/")
		} else {
			target = path.Clean(path.Join(dir, target))
		}
		out[r.ID] = target
	}
	return out
}

type span struct {
	text         string
	bold, italic bool
}

type paragraph struct {
	level int
	spans []span
}

func (p *paragraph) plain() string {
	var b strings.Builder
	for _, s := range p.spans {
		b.WriteString(s.text)
	}
	return strings.TrimSpace(b.String())
}

// markdown renders the paragraph, merging adjacent runs with the same emphasis.
func (p *paragraph) markdown() string {
	if p.level > 0 {
		return strings.Repeat("#", p.level) + " " + p.plain()
	}
	var merged []span
	for _, s := range p.spans {
		if n := len(merged); n > 0 && merged[n-1].bold == s.bold && merged[n-1].italic == s.italic {
			merged[n-1].text += s.text
			continue
		}
		merged = append(merged, s)
	}
	var b strings.Builder
	for _, s := range merged {
		text := strings.TrimSpace(s.text)
		if text == "" {
			b.WriteString(s.text)
			continue
		}
		lead := s.text[:len(s.text)-len(strings.TrimLeft(s.text, " \t"))]
		trail := s.text[len(strings.TrimRight(s.text, " \t")):]
		switch {
		case s.bold && s.italic:
			text = "***" + text + "***"
		case s.bold:
			text = "**" + text + "**"
		case s.italic:
			text = "*" + text + "*"
		}
		b.WriteString(lead + text + trail)
	}
	return strings.TrimSpace(b.String())
}

// docxWalker consumes the main part token stream.
type docxWalker struct {
	rels   map[string]string
	blocks []docxBlock
	plain  []string
	tables [][][]string
	images []docxImageRef

	para       *paragraph
	run        span
	inRunProps bool
	inText     bool
	inRun      bool
	tableDepth int
	table      [][]string
	row        []string
	cellText   []string
	extentCX   int
	extentCY   int
}

// docxBlock is a markdown paragraph, or a reference to an entry of docxWalker.tables.
type docxBlock struct {
	markdown string
	table    int
}

type docxImageRef struct {
	target        string
	width, height int
}

func boolAttr(se xml.StartElement) bool {
	for _, a := range se.Attr {
		if a.Name.Local == "val" {
			switch strings.ToLower(a.Value) {
			case "0", "false", "off", "none":
				return false
			}
		}
	}
	return true
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (w *docxWalker) start(se xml.StartElement) {
	switch se.Name.Local {
	case "tbl":
		w.tableDepth++
		if w.tableDepth == 1 {
			w.table = nil
		}
	case "tr":
		if w.tableDepth == 1 {
			w.row = nil
		}
	case "tc":
		if w.tableDepth == 1 {
			w.cellText = nil
		}
	case "p":
		w.para = &paragraph{}
	case "pStyle":
		if w.para != nil {
			style := attr(se, "val")
			if m := headingStyleRe.FindStringSubmatch(style); m != nil {
				w.para.level, _ = strconv.Atoi(m[1])
			} else if strings.EqualFold(style, "Title") {
				w.para.level = 1
			}
		}
	case "r":
		w.run = span{}
		w.inRun = true
	case "rPr":
		w.inRunProps = true
	case "b":
		if w.inRunProps {
			w.run.bold = boolAttr(se)
		}
	case "i":
		if w.inRunProps {
			w.run.italic = boolAttr(se)
		}
	case "t":
		w.inText = true
	case "tab":
		if w.inRun {
			w.appendText("\t")
		}
	case "br", "cr":
		if w.inRun {
			w.appendText(" ")
		}
	case "extent":
		w.extentCX, _ = strconv.Atoi(attr(se, "cx"))
		w.extentCY, _ = strconv.Atoi(attr(se, "cy"))
	case "blip":
		if target, ok := w.rels[attr(se, "embed")]; ok {
			w.images = append(w.images, docxImageRef{
				target: target,
				width:  w.extentCX / emuPerPixel,
				height: w.extentCY / emuPerPixel,
			})
		}
	}
}

func (w *docxWalker) appendText(s string) {
	if w.para == nil {
		return
	}
	w.para.spans = append(w.para.spans, span{text: s, bold: w.run.bold, italic: w.run.italic})
}

func (w *docxWalker) end(ee xml.EndElement) {
	switch ee.Name.Local {
	case "rPr":
		w.inRunProps = false
	case "t":
		w.inText = false
	case "r":
		w.inRun = false
	case "p":
		if w.para == nil {
			return
		}
		if w.tableDepth > 0 {
			if text := w.para.plain(); text != "" {
				w.cellText = append(w.cellText, text)
			}
		} else if text := w.para.plain(); text != "" {
			w.blocks = append(w.blocks, docxBlock{markdown: w.para.markdown(), table: -1})
			w.plain = append(w.plain, text)
		}
		w.para = nil
	case "tc":
		if w.tableDepth == 1 {
			w.row = append(w.row, strings.Join(w.cellText, " "))
		}
	case "tr":
		if w.tableDepth == 1 && len(w.row) > 0 {
			w.table = append(w.table, w.row)
		}
	case "tbl":
		w.tableDepth--
		if w.tableDepth == 0 && len(w.table) > 0 {
			w.tables = append(w.tables, w.table)
			w.blocks = append(w.blocks, docxBlock{table: len(w.tables) - 1})
			for _, r := range w.table {
				w.plain = append(w.plain, strings.Join(r, "\t"))
			}
		}
	}
}

func (e *Extractor) extractDOCX(ctx context.Context, content []byte) (*LocalResult, error) {
	pkg, err := openDOCX(content)
	if err != nil {
		return nil, err
	}
	w := &docxWalker{rels: pkg.relationships()}
	dec := xml.NewDecoder(bytes.NewReader(pkg.docXML))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", pkg.docPath, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t)
		case xml.EndElement:
			w.end(t)
		case xml.CharData:
			if w.inText {
				w.appendText(string(t))
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return e.assembleDOCX(pkg, w)
}

// assembleDOCX renders the walked document and loads the referenced image parts.
func (e *Extractor) assembleDOCX(pkg *docxPackage, w *docxWalker) (*LocalResult, error) {
	res := &LocalResult{TotalPages: 1}

	for i, rows := range w.tables {
		t := Table{Page: 0, Index: i, Headers: rows[0], Rows: rows[1:]}
		t.HTML = htmltable.Render(t.Headers, t.Rows)
		res.Tables = append(res.Tables, t)
	}

	blocks := make([]string, len(w.blocks))
	for i, b := range w.blocks {
		if b.table < 0 {
			blocks[i] = b.markdown
			continue
		}
		md, err := TableMarkdown(res.Tables[b.table].HTML)
		if err != nil {
			e.logger.Warn("failed to render table as markdown", zap.Int("table", b.table), zap.Error(err))
			md = res.Tables[b.table].HTML
		}
		blocks[i] = md
	}
	res.Markdown = strings.Join(blocks, "\n\n")
	res.PlainText = strings.Join(w.plain, "\n")
	res.Pages = []Page{{Number: 1, Text: res.PlainText}}

	seq := 0
	for _, ref := range w.images {
		f, ok := pkg.files[ref.target]
		if !ok {
			e.logger.Warn("image part missing", zap.String("target", ref.target))
			continue
		}
		data, err := readZipFile(f)
		if err != nil || len(data) == 0 {
			e.logger.Warn("failed to read image part", zap.String("target", ref.target), zap.Error(err))
			continue
		}
		seq++
		res.Images = append(res.Images, newImage(0, seq, path.Ext(ref.target), ref.width, ref.height, data))
	}
	return res, nil
}
