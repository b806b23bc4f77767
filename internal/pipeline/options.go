// Package pipeline schedules document extractions and drives each document through its
// lifecycle: pending, processing, then completed or failed.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/keyword"
	"github.com/hyperjump/patmaster/internal/llamaparse"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/vision"
)

// Parser is the agentic parse stage.
type Parser interface {
	Enabled() bool
	Parse(ctx context.Context, fileName string, content []byte) (*llamaparse.Result, error)
}

// Describer is the diagram description stage.
type Describer interface {
	Enabled() bool
	Describable(img vision.Image) bool
	DescribeAll(ctx context.Context, images []vision.Image) (map[string]*models.DiagramDescription, map[string]error)
}

// Indexer receives the text of completed extractions.
type Indexer interface {
	Index(ctx context.Context, entry keyword.Entry) error
	Delete(ctx context.Context, documentID string) error
}

type options struct {
	logger    *zap.Logger
	parser    Parser
	describer Describer
	index     Indexer
}

// Option configures a Runner or Service.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithParser enables the agentic parse stage.
func WithParser(p Parser) Option {
	return func(o *options) { o.parser = p }
}

// WithDescriber enables the diagram description stage.
func WithDescriber(d Describer) Option {
	return func(o *options) { o.describer = d }
}

// WithIndex keeps a search index in sync with extractions.
func WithIndex(idx Indexer) Option {
	return func(o *options) { o.index = idx }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}
