// Package llamaparse is the agentic parse adapter: it uploads a document to the LlamaParse
// API, waits for the job and converts the JSON result into pages and tables.
package llamaparse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/pkg/utils"
)

// Job states reported by the parsing API.
const (
	statusPending        = "PENDING"
	statusSuccess        = "SUCCESS"
	statusPartialSuccess = "PARTIAL_SUCCESS"
	statusError          = "ERROR"
	statusCanceled       = "CANCELED"
)

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llamaparse returned status %d: %s", e.Code, utils.Truncate(e.Body, 200))
}

// Client talks to the LlamaParse REST API.
type Client struct {
	cfg    config.LlamaParseConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient returns a client for cfg. Each request is bounded by the overall parse timeout.
func NewClient(cfg config.LlamaParseConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: utils.OrNop(logger),
	}
}

// Enabled reports whether the adapter is configured to run.
func (c *Client) Enabled() bool {
	return c.cfg.Active()
}

// Parse uploads content, waits for the job and returns its result. All failures are
// soft agentic-stage errors; callers decide whether the stage is required.
func (c *Client) Parse(ctx context.Context, fileName string, content []byte) (*Result, error) {
	if !c.Enabled() {
		return nil, apperr.Soft(apperr.StageAgentic, errors.New("agentic parsing is not configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	jobID, err := c.upload(ctx, fileName, content)
	if err != nil {
		return nil, apperr.Soft(apperr.StageAgentic, fmt.Errorf("upload: %w", err))
	}
	c.logger.Debug("agentic parse job started", zap.String("job_id", jobID), zap.String("file", fileName))

	if err := c.wait(ctx, jobID); err != nil {
		return nil, apperr.Soft(apperr.StageAgentic, fmt.Errorf("job %s: %w", jobID, err))
	}

	var raw jobResult
	if err := c.getJSON(ctx, "/api/v1/parsing/job/"+jobID+"/result/json", &raw); err != nil {
		return nil, apperr.Soft(apperr.StageAgentic, fmt.Errorf("fetch result of job %s: %w", jobID, err))
	}
	res := convert(jobID, &raw)
	c.logger.Info("agentic parse finished",
		zap.String("job_id", jobID),
		zap.Int("pages", len(res.Pages)),
		zap.Int("tables", len(res.Tables)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// Ping checks that the API answers. Authentication failures still count as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v1/parsing/supported_file_extensions"), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
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

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	return utils.Retry(ctx, c.cfg.Retry.Policy(), op, func(err error, wait time.Duration) {
		c.logger.Warn("llamaparse request failed, retrying",
			zap.String("request", what), zap.Duration("wait", wait), zap.Error(err))
	})
}

func (c *Client) upload(ctx context.Context, fileName string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(content); err != nil {
		return "", err
	}
	fields := map[string]string{
		"parse_mode":                c.cfg.ParseMode,
		"output_tables_as_HTML":     "true",
		"adaptive_long_table":       "true",
		"outlined_table_extraction": "true",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var job jobStatus
	err = c.retry(ctx, "upload", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/v1/parsing/upload"), bytes.NewReader(body.Bytes()))
		if err != nil {
			return utils.Permanent(err)
		}
		c.authorize(req)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return c.do(req, &job)
	})
	if err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", errors.New("upload response carried no job id")
	}
	return job.ID, nil
}

// wait polls the job status until it leaves the pending state.
func (c *Client) wait(ctx context.Context, jobID string) error {
	for {
		var job jobStatus
		if err := c.getJSON(ctx, "/api/v1/parsing/job/"+jobID, &job); err != nil {
			return err
		}
		switch strings.ToUpper(job.Status) {
		case statusSuccess, statusPartialSuccess:
			return nil
		case statusError, statusCanceled:
			msg := job.ErrorMessage
			if msg == "" {
				msg = "no details"
			}
			return fmt.Errorf("job ended with status %s: %s", job.Status, msg)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.retry(ctx, path, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
		if err != nil {
			return utils.Permanent(err)
		}
		c.authorize(req)
		return c.do(req, out)
	})
}

// do executes req and decodes a JSON body into out. Errors that retrying cannot fix are
// marked permanent.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return utils.Permanent(ctxErr)
		}
		// Transport failures are transient.
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Code: resp.StatusCode, Body: string(data)}
		if utils.RetryableStatus(resp.StatusCode) {
			return serr
		}
		return utils.Permanent(serr)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return utils.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
