// Package vision is the diagram describer adapter. It asks a Gemini vision model for a
// structured description of each extracted image.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/internal/fileid"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/pkg/utils"
)

// Image is one image to describe.
type Image struct {
	ID     string
	Format string
	Width  int
	Height int
	Data   []byte
}

// Describer describes images through the generateContent API.
type Describer struct {
	cfg    config.VisionConfig
	http   *http.Client
	cache  *descriptionCache
	logger *zap.Logger
}

// NewDescriber returns a describer for cfg.
func NewDescriber(cfg config.VisionConfig, logger *zap.Logger) *Describer {
	return &Describer{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  newDescriptionCache(cfg.CacheSize),
		logger: utils.OrNop(logger),
	}
}

// Enabled reports whether the describer has credentials.
func (d *Describer) Enabled() bool {
	return d.cfg.Active()
}

// Describable reports whether img is large enough to be worth describing.
// Smaller images are treated as decorative.
func (d *Describer) Describable(img Image) bool {
	if img.Width <= 0 || img.Height <= 0 {
		return true
	}
	return img.Width*img.Height >= d.cfg.MinImagePixels
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vision API returned status %d: %s", e.Code, utils.Truncate(e.Body, 200))
}

func mimeType(format string) string {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "webp":
		return "image/webp"
	case "tif", "tiff":
		return "image/tiff"
	}
	return "image/png"
}

// Describe returns the description of img. Non-diagrams come back with IsDiagram false.
// Identical image bytes are answered from the cache.
func (d *Describer) Describe(ctx context.Context, img Image) (*models.DiagramDescription, error) {
	if !d.Enabled() {
		return nil, errors.New("vision describer is not configured")
	}
	key := fileid.ContentID(img.Data)
	if cached, ok := d.cache.Get(key); ok {
		cached.ImageID = img.ID
		return cached, nil
	}

	var desc *models.DiagramDescription
	err := utils.Retry(ctx, d.cfg.Retry.Policy(), func() error {
		text, err := d.generate(ctx, img)
		if err != nil {
			return err
		}
		raw, err := decodeResponse(text)
		if err != nil {
			return utils.Permanent(err)
		}
		desc = normalize(img.ID, raw)
		return nil
	}, func(err error, wait time.Duration) {
		d.logger.Warn("describe failed, retrying", zap.String("image_id", img.ID), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	d.cache.Set(key, desc)
	return desc, nil
}

func (d *Describer) generate(ctx context.Context, img Image) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{MimeType: mimeType(img.Format), Data: base64.StdEncoding.EncodeToString(img.Data)}},
				{Text: describePrompt},
			},
		}},
		GenerationConfig: generationConfig{Temperature: d.cfg.Temperature, ResponseMimeType: "application/json"},
	})
	if err != nil {
		return "", utils.Permanent(err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(d.cfg.BaseURL, "/"), d.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", utils.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", d.cfg.APIKey)

	resp, err := d.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", utils.Permanent(ctx.Err())
		}
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{Code: resp.StatusCode, Body: string(data)}
		if utils.RetryableStatus(resp.StatusCode) {
			return "", serr
		}
		return "", utils.Permanent(serr)
	}

	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return "", utils.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}
	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// DescribeAll describes images with bounded concurrency. Images too small to matter are
// skipped and appear in neither map. Per-image failures are collected, never returned as
// a whole-batch error.
func (d *Describer) DescribeAll(ctx context.Context, images []Image) (map[string]*models.DiagramDescription, map[string]error) {
	descs := make(map[string]*models.DiagramDescription)
	errs := make(map[string]error)
	limit := int64(d.cfg.MaxConcurrent)
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, img := range images {
		if !d.Describable(img) {
			d.logger.Debug("skipping decorative image", zap.String("image_id", img.ID),
				zap.Int("width", img.Width), zap.Int("height", img.Height))
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs[img.ID] = err
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(img Image) {
			defer wg.Done()
			defer sem.Release(1)
			desc, err := d.Describe(ctx, img)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Warn("failed to describe image", zap.String("image_id", img.ID), zap.Error(err))
				errs[img.ID] = err
				return
			}
			descs[img.ID] = desc
		}(img)
	}
	wg.Wait()
	return descs, errs
}

// Ping checks that the model endpoint answers. Authentication failures count as reachable.
func (d *Describer) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/models/%s", strings.TrimRight(d.cfg.BaseURL, "/"), d.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", d.cfg.APIKey)
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
