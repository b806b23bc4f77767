package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/internal/extract"
	"github.com/hyperjump/patmaster/internal/keyword"
	"github.com/hyperjump/patmaster/internal/llamaparse"
	"github.com/hyperjump/patmaster/internal/merge"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/storage"
	"github.com/hyperjump/patmaster/internal/vision"
)

// failureTimeout bounds recording a failure after the job context has ended.
const failureTimeout = 30 * time.Second

// Request is one document to extract.
type Request struct {
	DocumentID string
	FileName   string
	FileType   models.FileType
	Content    []byte
	// SaveImage stores an extracted image and returns its path. Optional.
	SaveImage func(imageID, format string, data []byte) (string, error)
}

// Runner runs extraction attempts. Stages run concurrently where they are independent;
// the merged result is committed atomically or the document is marked failed.
type Runner struct {
	store     storage.Storage
	files     *storage.FileStore
	extractor *extract.Extractor
	merger    *merge.Merger
	cfg       config.PipelineConfig
	opts      options
}

// NewRunner creates a runner. store and files may be nil when only Extract is used.
func NewRunner(store storage.Storage, files *storage.FileStore, extractor *extract.Extractor, cfg config.PipelineConfig, opts ...Option) *Runner {
	o := buildOptions(opts)
	if extractor == nil {
		extractor = extract.NewExtractor(o.logger)
	}
	return &Runner{
		store:     store,
		files:     files,
		extractor: extractor,
		merger:    merge.New(merge.Options{StagePenalty: cfg.StagePenalty, OverlapThreshold: cfg.TableOverlapThreshold}),
		cfg:       cfg,
		opts:      o,
	}
}

// Run claims a pending document and extracts it. A document that is not pending is left
// untouched and a conflict is returned.
func (r *Runner) Run(ctx context.Context, documentID string) error {
	ref, doc, err := r.store.ResolveDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("resolve document: %w", err)
	}
	if err := r.store.TransitionStatus(ctx, documentID, models.StatusProcessing, models.StatusPending); err != nil {
		return err
	}
	logger := r.opts.logger.With(zap.String("document_id", documentID), zap.String("kind", string(doc.Kind)))
	logger.Info("Extraction started", zap.String("file", doc.FileName))

	previous := r.imagePaths(ctx, logger, documentID)
	var saved []string
	ext, err := r.process(ctx, ref, doc, &saved)
	if err == nil {
		if cerr := r.store.CompleteExtraction(ctx, ext); cerr != nil {
			err = apperr.Fatal(apperr.StagePersist, cerr)
		}
	}
	if err != nil {
		r.fail(ctx, logger, documentID, err, saved, previous)
		return err
	}
	kept := make(map[string]bool, len(ext.Images))
	for _, img := range ext.Images {
		kept[img.ImagePath] = true
	}
	for _, path := range previous {
		if !kept[path] {
			r.removeImage(logger, path)
		}
	}

	logger.Info("Extraction completed",
		zap.Float64("confidence", ext.ConfidenceScore),
		zap.String("method", ext.Method),
		zap.Int("images", len(ext.Images)),
		zap.Int("tables", len(ext.Tables)),
		zap.Int64("total_ms", ext.Timings.TotalMS))

	if r.opts.index != nil {
		entry := keyword.Entry{
			DocumentID: doc.ID,
			UserID:     ref.UserID,
			ProjectID:  ref.ProjectID,
			Kind:       string(doc.Kind),
			FileName:   doc.FileName,
			Content:    ext.PlainText,
		}
		if err := r.opts.index.Index(ctx, entry); err != nil {
			logger.Warn("Failed to index extraction", zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) process(ctx context.Context, ref *models.DocumentRef, doc *models.Document, saved *[]string) (*models.Extraction, error) {
	content, err := r.files.ReadFile(doc.FilePath)
	if err != nil {
		return nil, apperr.Fatal(apperr.StageLocal, apperr.New(apperr.ErrNotFound, "stored file is missing or unreadable", err))
	}
	ext, err := r.Extract(ctx, Request{
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		FileType:   doc.FileType,
		Content:    content,
		SaveImage: func(imageID, format string, data []byte) (string, error) {
			path, err := r.files.SaveImage(ref.UserID, ref.SessionID, imageID, format, data)
			if err == nil {
				*saved = append(*saved, path)
			}
			return path, err
		},
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		msg := "extraction timed out"
		if errors.Is(err, context.Canceled) {
			msg = "extraction was interrupted"
		}
		return nil, apperr.New(apperr.ErrUnavailable, msg, err)
	}
	return ext, nil
}

// Extract runs the stages on content and merges their output without touching storage.
// Local extraction failures are fatal. Agentic failures are fatal only when the pipeline
// requires the agentic stage; diagram failures never are.
func (r *Runner) Extract(ctx context.Context, req Request) (*models.Extraction, error) {
	start := time.Now()
	logger := r.opts.logger.With(zap.String("document_id", req.DocumentID))

	agenticOn := r.opts.parser != nil && r.opts.parser.Enabled()
	if !agenticOn && r.cfg.RequireAgentic {
		return nil, apperr.Fatal(apperr.StageAgentic,
			apperr.New(apperr.ErrUnavailable, "agentic parser is not configured", nil))
	}

	var (
		local      *extract.LocalResult
		agentic    *llamaparse.Result
		agenticErr error
		timings    models.StageTimings
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.Now()
		res, err := r.extractor.ExtractBytes(gctx, req.Content, req.FileType)
		timings.LocalMS = time.Since(t).Milliseconds()
		if err != nil {
			return err
		}
		local = res
		return nil
	})
	if agenticOn {
		g.Go(func() error {
			t := time.Now()
			res, err := r.opts.parser.Parse(gctx, req.FileName, req.Content)
			timings.AgenticMS = time.Since(t).Milliseconds()
			if err != nil {
				if r.cfg.RequireAgentic {
					return apperr.Fatal(apperr.StageAgentic, err)
				}
				logger.Warn("Agentic parse failed, continuing with local extraction", zap.Error(err))
				agenticErr = err
				return nil
			}
			agentic = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	in := merge.Input{
		DocumentID:     req.DocumentID,
		FileType:       req.FileType,
		Local:          local,
		Agentic:        agentic,
		AgenticErr:     agenticErr,
		AgenticSkipped: !agenticOn,
		ImagePaths:     make(map[string]string, len(local.Images)),
	}

	var describable []vision.Image
	for _, img := range local.Images {
		id := models.ImageID(req.DocumentID, img.Page, img.Seq)
		if req.SaveImage != nil {
			path, err := req.SaveImage(id, img.Format, img.Data)
			if err != nil {
				return nil, apperr.Fatal(apperr.StagePersist, fmt.Errorf("store image %s: %w", id, err))
			}
			in.ImagePaths[id] = path
		}
		vi := vision.Image{ID: id, Format: img.Format, Width: img.Width, Height: img.Height, Data: img.Data}
		if r.opts.describer == nil || r.opts.describer.Describable(vi) {
			describable = append(describable, vi)
		}
	}

	if len(describable) > 0 {
		if r.opts.describer != nil && r.opts.describer.Enabled() {
			t := time.Now()
			in.Descriptions, in.DescribeErrs = r.opts.describer.DescribeAll(ctx, describable)
			timings.VisionMS = time.Since(t).Milliseconds()
			for id, err := range in.DescribeErrs {
				logger.Warn("Diagram description failed", zap.String("image_id", id), zap.Error(err))
			}
		} else {
			in.VisionSkipped = true
			logger.Debug("Diagram describer not configured, skipping images", zap.Int("images", len(describable)))
		}
	}

	timings.TotalMS = time.Since(start).Milliseconds()
	in.Timings = timings
	return r.merger.Merge(in)
}

// imagePaths lists the image files of the extraction a new attempt will supersede.
func (r *Runner) imagePaths(ctx context.Context, logger *zap.Logger, documentID string) []string {
	ext, err := r.store.GetExtraction(ctx, documentID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			logger.Warn("Failed to load previous extraction", zap.Error(err))
		}
		return nil
	}
	paths := make([]string, 0, len(ext.Images))
	for _, img := range ext.Images {
		if img.ImagePath != "" {
			paths = append(paths, img.ImagePath)
		}
	}
	return paths
}

func (r *Runner) removeImage(logger *zap.Logger, path string) {
	if err := r.files.Remove(path); err != nil {
		logger.Warn("Failed to remove extracted image", zap.String("path", path), zap.Error(err))
	}
}

// fail records a fatal error on the document and removes the images of this attempt.
// The images of the previous extraction go too once its rows are gone. The job context
// may already be done, so the write gets its own deadline.
func (r *Runner) fail(ctx context.Context, logger *zap.Logger, documentID string, cause error, saved, previous []string) {
	msg := failureMessage(cause)
	logger.Error("Extraction failed", zap.String("reason", msg), zap.Error(cause))

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()
	if err := r.store.FailDocument(fctx, documentID, msg); err != nil {
		logger.Error("Failed to record extraction failure", zap.Error(err))
		previous = nil
	}
	for _, path := range append(saved, previous...) {
		r.removeImage(logger, path)
	}
	if r.opts.index != nil {
		if err := r.opts.index.Delete(fctx, documentID); err != nil {
			logger.Warn("Failed to remove index entry", zap.Error(err))
		}
	}
}

// failureMessage is the client-safe error_message recorded on a failed document.
func failureMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "extraction timed out"
	}
	fallback := "extraction failed"
	var se *apperr.StageError
	if errors.As(err, &se) {
		switch se.Stage {
		case apperr.StageLocal:
			fallback = "document could not be read"
		case apperr.StageAgentic:
			fallback = "agentic parse failed"
		case apperr.StagePersist:
			fallback = "extraction could not be saved"
		}
	}
	return apperr.PublicMessage(err, fallback)
}
