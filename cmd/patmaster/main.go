// Package main is the patmaster CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/auth"
	"github.com/hyperjump/patmaster/internal/cli"
	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/internal/extract"
	"github.com/hyperjump/patmaster/internal/keyword"
	"github.com/hyperjump/patmaster/internal/llamaparse"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/pipeline"
	"github.com/hyperjump/patmaster/internal/server"
	"github.com/hyperjump/patmaster/internal/storage"
	"github.com/hyperjump/patmaster/internal/vision"
	"github.com/hyperjump/patmaster/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/patmaster/config.yaml"
	defaultServerURL  = "http://localhost:8000"
	envToken          = "PATMASTER_TOKEN"
	shutdownTimeout   = 30 * time.Second
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "extract":
		runExtract()
	case "search":
		runSearch()
	case "status":
		runStatus()
	case "init":
		runInit()
	case "version", "--version", "-v":
		fmt.Printf("patmaster version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// Components are the long-lived parts of a running server.
type Components struct {
	Storage   *storage.SQLiteStorage
	Files     *storage.FileStore
	Index     *keyword.BleveIndex
	Parser    *llamaparse.Client
	Describer *vision.Describer
	Queue     *pipeline.Queue
	Documents *pipeline.Service
	Auth      *auth.Service
}

// Close releases the index and database. The queue must be shut down first.
func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}
	var err error
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if c.Files, err = storage.NewFileStore(cfg.Storage.FilesDir); err != nil {
		c.Close()
		return nil, err
	}
	if c.Index, err = keyword.NewBleveIndex(cfg.Storage.IndexPath); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize search index: %w", err)
	}
	if c.Auth, err = auth.NewService(c.Storage, cfg.Auth, logger); err != nil {
		c.Close()
		return nil, err
	}

	c.Parser = llamaparse.NewClient(cfg.LlamaParse, logger)
	c.Describer = vision.NewDescriber(cfg.Vision, logger)
	extractor := extract.NewExtractor(logger)
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithParser(c.Parser),
		pipeline.WithDescriber(c.Describer),
		pipeline.WithIndex(c.Index),
	}
	runner := pipeline.NewRunner(c.Storage, c.Files, extractor, cfg.Pipeline, opts...)
	if c.Queue, err = pipeline.NewQueue(cfg.Pipeline, runner.Run, logger); err != nil {
		c.Close()
		return nil, err
	}
	c.Documents = pipeline.NewService(c.Storage, c.Files, extractor, c.Queue, cfg.Server.MaxUploadBytes, opts...)

	logger.Info("Components initialized",
		zap.Bool("agentic_parser", c.Parser.Enabled()),
		zap.Bool("diagram_describer", c.Describer.Enabled()),
		zap.Int("max_concurrent_jobs", cfg.Pipeline.MaxConcurrentJobs),
	)
	return c, nil
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	if n, err := components.Documents.Resume(context.Background()); err != nil {
		logger.Error("Failed to resume pending extractions", zap.Error(err))
	} else if n > 0 {
		logger.Info("Resumed pending extractions", zap.Int("documents", n))
	}

	srv := server.NewServer(server.Deps{
		Store:     components.Storage,
		Files:     components.Files,
		Auth:      components.Auth,
		Documents: components.Documents,
		Search:    components.Index,
		Queue:     components.Queue,
		Parser:    components.Parser,
		Vision:    components.Describer,
		Config:    cfg.Server,
		Storage:   cfg.Storage,
		Version:   version,
		Logger:    logger,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := components.Queue.Shutdown(ctx); err != nil {
		logger.Warn("Extraction queue did not drain, interrupted jobs resume on next start", zap.Error(err))
	}
}

// extractConfig loads the config file when present and falls back to defaults, so the
// extract command works on a machine with only API keys in the environment.
func extractConfig(path string) (*config.Config, error) {
	cfg, _, err := loadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func runExtract() {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (defaults and environment are used when absent)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	local := fs.Bool("local", false, "skip the agentic parser and diagram describer")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: patmaster extract [flags] <file.pdf|file.docx>")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := extractConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug || *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ext, err := extractFile(context.Background(), fs.Arg(0), cfg, logger, *local)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Extraction failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteExtraction(os.Stdout, ext, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// extractFile runs the full extraction on a file without persisting anything.
func extractFile(ctx context.Context, path string, cfg *config.Config, logger *zap.Logger, localOnly bool) (*models.Extraction, error) {
	ft, ok := extract.FileTypeFromName(path)
	if !ok {
		return nil, fmt.Errorf("%s: only .pdf and .docx files are supported", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if !localOnly {
		opts = append(opts,
			pipeline.WithParser(llamaparse.NewClient(cfg.LlamaParse, logger)),
			pipeline.WithDescriber(vision.NewDescriber(cfg.Vision, logger)))
	}
	runner := pipeline.NewRunner(nil, nil, extract.NewExtractor(logger), cfg.Pipeline, opts...)

	ctx, cancel := context.WithTimeout(ctx, cfg.Pipeline.JobTimeout)
	defer cancel()
	return runner.Extract(ctx, pipeline.Request{
		DocumentID: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		FileName:   filepath.Base(path),
		FileType:   ft,
		Content:    content,
	})
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: patmaster search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Only completed extractions of your own projects are searched. When nothing matches,
the search is retried once with typo tolerance.

Examples:
  patmaster search helical gear
  patmaster search -project 3f1c... "torque sensor"
  patmaster search -fuzzy planetery
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// apiClient calls a running patmaster server with a bearer token.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, &body) == nil && body.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) search(ctx context.Context, q *models.SearchQuery, fuzzy bool) (*models.SearchResponse, error) {
	params := url.Values{"q": {q.Query}, "limit": {strconv.Itoa(q.Limit)}}
	if q.ProjectID != "" {
		params.Set("project_id", q.ProjectID)
	}
	if fuzzy {
		params.Set("fuzzy", "true")
	}
	var resp models.SearchResponse
	if err := c.get(ctx, "/api/v1/search", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) sessionStatus(ctx context.Context, tenant, session string) (*models.SessionStatus, error) {
	var st models.SessionStatus
	path := "/api/v1/" + url.PathEscape(tenant) + "/" + url.PathEscape(session) + "/status"
	if err := c.get(ctx, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func tokenFlag(fs *flag.FlagSet) *string {
	return fs.String("token", os.Getenv(envToken), "access token (default $"+envToken+")")
}

func runSearch() {
	searchArgs := searchArgsReorder(os.Args[2:])
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	token := tokenFlag(fs)
	projectID := fs.String("project", "", "restrict results to one project")
	limit := fs.Int("limit", 10, "number of results")
	fuzzy := fs.Bool("fuzzy", false, "enable fuzzy matching for typo tolerance")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgs)

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	client := newAPIClient(*serverURL, *token)
	query := &models.SearchQuery{Query: queryStr, ProjectID: *projectID, Limit: *limit}
	response, err := client.search(ctx, query, *fuzzy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	// Auto-retry with fuzzy if no results and fuzzy not already enabled
	if !*fuzzy && response.Total == 0 {
		if fuzzyResponse, fuzzyErr := client.search(ctx, query, true); fuzzyErr == nil && fuzzyResponse.Total > 0 {
			response = fuzzyResponse
		}
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// waitForSession polls until no document of the session is pending or processing.
func waitForSession(ctx context.Context, client *apiClient, tenant, session string, interval time.Duration) (*models.SessionStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := client.sessionStatus(ctx, tenant, session)
		if err != nil {
			return nil, err
		}
		if st.Status != models.StatusPending && st.Status != models.StatusProcessing {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	token := tokenFlag(fs)
	wait := fs.Duration("wait", 0, "poll until extraction finishes, up to this long (e.g. 5m)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: patmaster status [flags] <user_id> <session_id>")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	client := newAPIClient(*serverURL, *token)
	ctx := context.Background()
	var st *models.SessionStatus
	if *wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *wait)
		defer cancel()
		st, err = waitForSession(ctx, client, fs.Arg(0), fs.Arg(1), 2*time.Second)
	} else {
		st, err = client.sessionStatus(ctx, fs.Arg(0), fs.Arg(1))
	}
	if err != nil && st == nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSessionStatus(os.Stdout, st, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if st.Status == models.StatusFailed {
		os.Exit(2)
	}
}

// writeDefaultConfig writes a config file with every default spelled out. Secrets are
// left empty so they can come from the environment.
func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	return config.Save(path, &cfg)
}

func runInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "config file to write")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(os.Args[2:])
	if err := writeDefaultConfig(*configPath, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s. Set %s, %s and %s before starting the server.\n",
		*configPath, config.EnvJWTSecret, config.EnvLlamaParseKey, config.EnvGeminiKey)
}

func printUsage() {
	fmt.Println(`patmaster - Patent document extraction backend

Usage:
  patmaster server [flags]                       Start the HTTP API
  patmaster extract [flags] <file>               Extract a PDF or DOCX file and print the result
  patmaster search [flags] <query>               Search your completed extractions
  patmaster status [flags] <user_id> <session>   Show the extraction status of a project session
  patmaster init [flags]                         Write a default config file
  patmaster version                              Show version
  patmaster help                                 Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/patmaster/config.yaml)
  --debug            Enable debug logging

Extract Flags:
  --config string    Config file path (defaults and environment are used when absent)
  --output string    Output format: text or json (default: text)
  --local            Only run the local extractor

Search and Status Flags:
  --server string    Server URL (default: http://localhost:8000)
  --token string     Access token (default: $PATMASTER_TOKEN)
  --output string    Output format: text or json (default: text)
  --wait duration    status only: poll until no document is pending or processing

Init Flags:
  --config string    File to write (default: config.yaml)
  --force            Overwrite an existing file

Environment:
  JWT_SECRET_KEY, LLAMA_CLOUD_API_KEY, GEMINI_API_KEY, PATMASTER_DATA_DIR

Examples:
  patmaster init && JWT_SECRET_KEY=... patmaster server
  patmaster extract -output json disclosure.pdf
  patmaster status -wait 5m 6a0e... 91b2...`)
}
