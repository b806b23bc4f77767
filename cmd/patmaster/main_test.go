package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/internal/extract/extracttest"
	"github.com/hyperjump/patmaster/internal/models"
)

func TestSearchArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after query are moved first",
			args:     []string{"helical gear", "-limit", "5"},
			expected: []string{"-limit", "5", "helical gear"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-limit", "5", "helical gear"},
			expected: []string{"-limit", "5", "helical gear"},
		},
		{
			name:     "query only returns unchanged",
			args:     []string{"helical gear"},
			expected: []string{"helical gear"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"torque", "sensor", "-fuzzy", "-project", "p1"},
			expected: []string{"-fuzzy", "-project", "p1", "torque", "sensor"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchArgsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("searchArgsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"gearbox"}, "gearbox"},
		{"multiple words", []string{"helical", "gear"}, "helical gear"},
		{"single quoted phrase", []string{"helical gear"}, "helical gear"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildSearchQuery(tt.args)
			if got != tt.expected {
				t.Errorf("buildSearchQuery(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  port: 9100
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if !cfg.Debug || cfg.Server.Port != 9100 {
		t.Errorf("unexpected config: debug=%v port=%d", cfg.Debug, cfg.Server.Port)
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  host: \"127.0.0.1\"\n  port: 9000\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}

func TestExtractConfig_fallsBackToDefaultsOnlyForDefaultPath(t *testing.T) {
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		t.Skip("a system config exists")
	}

	cfg, err := extractConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("extractConfig(default): %v", err)
	}
	if cfg.Pipeline.MaxConcurrentJobs == 0 {
		t.Error("defaults were not applied")
	}
	if _, err := extractConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing config should fail")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, "env-only-secret")
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	if err := writeDefaultConfig(path, false); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Server.Port)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "env-only-secret") {
		t.Error("secret from the environment was written to the file")
	}

	if err := writeDefaultConfig(path, false); err == nil {
		t.Error("expected an error for an existing file without -force")
	}
	if err := writeDefaultConfig(path, true); err != nil {
		t.Errorf("force overwrite: %v", err)
	}
}

func TestExtractFile_local(t *testing.T) {
	content, err := extracttest.DOCX{
		Body: extracttest.Paragraphs("1. A gearbox comprising a helical shaft."),
	}.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "claims.docx")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	var cfg config.Config
	config.ApplyDefaults(&cfg)
	ext, err := extractFile(context.Background(), path, &cfg, zap.NewNop(), true)
	if err != nil {
		t.Fatal(err)
	}
	if ext.DocumentID != "claims" {
		t.Errorf("document id = %q, want claims", ext.DocumentID)
	}
	if !strings.Contains(ext.PlainText, "helical shaft") {
		t.Errorf("plain text = %q", ext.PlainText)
	}

	if _, err := extractFile(context.Background(), "notes.txt", &cfg, zap.NewNop(), true); err == nil {
		t.Error("expected an error for an unsupported file")
	}
}

func TestAPIClient_search(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not authenticated"})
			return
		}
		q := r.URL.Query()
		if r.URL.Path != "/api/v1/search" || q.Get("q") != "gear" || q.Get("project_id") != "p1" || q.Get("limit") != "3" {
			t.Errorf("unexpected request %s", r.URL)
		}
		resp := models.SearchResponse{Query: q.Get("q")}
		if q.Get("fuzzy") == "true" {
			resp.Total = 1
			resp.Hits = []*models.SearchHit{{DocumentID: "d1"}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	query := &models.SearchQuery{Query: "gear", ProjectID: "p1", Limit: 3}
	client := newAPIClient(ts.URL+"/", "tok")
	resp, err := client.search(context.Background(), query, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 0 {
		t.Errorf("exact total = %d", resp.Total)
	}
	resp, err = client.search(context.Background(), query, true)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || resp.Hits[0].DocumentID != "d1" {
		t.Errorf("fuzzy response = %+v", resp)
	}

	_, err = newAPIClient(ts.URL, "bad").search(context.Background(), query, false)
	if err == nil || !strings.Contains(err.Error(), "401: not authenticated") {
		t.Errorf("unauthorized error = %v", err)
	}
}

func TestWaitForSession(t *testing.T) {
	var polls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/u1/s1/status" {
			http.NotFound(w, r)
			return
		}
		st := models.SessionStatus{UserID: "u1", SessionID: "s1", Status: models.StatusProcessing}
		if polls.Add(1) >= 3 {
			st.Status = models.StatusCompleted
		}
		_ = json.NewEncoder(w).Encode(st)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := waitForSession(ctx, newAPIClient(ts.URL, "tok"), "u1", "s1", 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.StatusCompleted || polls.Load() != 3 {
		t.Errorf("status = %s after %d polls", st.Status, polls.Load())
	}

	_, err = newAPIClient(ts.URL, "tok").sessionStatus(ctx, "u2", "s1")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("unknown session error = %v", err)
	}
}
