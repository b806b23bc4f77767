// Package extract provides the local extractor for PDF and DOCX documents: per-page text,
// embedded images and tables, without any network calls.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/models"
)

// Page is the text of one page. DOCX documents have a single page.
type Page struct {
	Number int
	Text   string
}

// Image is an embedded image. Seq is 1-based within its page; DOCX images use page 0.
type Image struct {
	Page   int
	Seq    int
	Format string
	Width  int
	Height int
	Data   []byte
}

// Table is a table found by the local extractor. Index counts per page for PDF and per
// document for DOCX. BBox is nil when the position is unknown.
type Table struct {
	Page    int
	Index   int
	HTML    string
	Headers []string
	Rows    [][]string
	BBox    *models.BBox
}

// LocalResult is everything the local extractor produced for one document.
type LocalResult struct {
	FileType   models.FileType
	Pages      []Page
	Markdown   string
	PlainText  string
	TotalPages int
	Images     []Image
	Tables     []Table
}

// Extractor extracts text, images and tables from document files.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor returns a new Extractor. A nil logger discards output.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// FileTypeFromName maps a file name's extension onto a supported file type.
func FileTypeFromName(name string) (models.FileType, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return models.FileTypePDF, true
	case ".docx":
		return models.FileTypeDOCX, true
	}
	return "", false
}

// Validate checks that content is a readable document of type ft. Corrupt or mislabelled
// files yield an apperr.ErrInvalidInput error.
func (e *Extractor) Validate(content []byte, ft models.FileType) error {
	var err error
	switch ft {
	case models.FileTypePDF:
		err = validatePDF(content)
	case models.FileTypeDOCX:
		_, err = openDOCX(content)
	default:
		return apperr.Invalid(fmt.Sprintf("unsupported file type %q", ft), nil)
	}
	if err != nil {
		return apperr.Invalid(fmt.Sprintf("file is not a readable %s document", strings.ToUpper(string(ft))), err)
	}
	return nil
}

// Extract reads the file at path and extracts it as ft.
// Failures are fatal local-stage errors.
func (e *Extractor) Extract(ctx context.Context, path string, ft models.FileType) (*LocalResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Fatal(apperr.StageLocal, fmt.Errorf("read file: %w", err))
	}
	return e.ExtractBytes(ctx, content, ft)
}

// ExtractBytes extracts content as ft.
func (e *Extractor) ExtractBytes(ctx context.Context, content []byte, ft models.FileType) (*LocalResult, error) {
	var (
		res *LocalResult
		err error
	)
	switch ft {
	case models.FileTypePDF:
		res, err = e.extractPDF(ctx, content)
	case models.FileTypeDOCX:
		res, err = e.extractDOCX(ctx, content)
	default:
		err = fmt.Errorf("unsupported file type %q", ft)
	}
	if err != nil {
		return nil, apperr.Fatal(apperr.StageLocal, err)
	}
	res.FileType = ft
	e.logger.Debug("local extraction finished",
		zap.String("file_type", string(ft)),
		zap.Int("pages", res.TotalPages),
		zap.Int("images", len(res.Images)),
		zap.Int("tables", len(res.Tables)))
	return res, nil
}
