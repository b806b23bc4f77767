package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/auth"
	"github.com/hyperjump/patmaster/internal/keyword"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/storage"
)

const healthTimeout = 5 * time.Second

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"name":    "patmaster",
		"version": s.Version,
		"health":  "/health",
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.SearchQuery{Query: q.Get("q"), ProjectID: q.Get("project_id")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		query.Limit = n
	}
	if err := query.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	fuzziness := 0
	if fz, _ := strconv.ParseBool(q.Get("fuzzy")); fz {
		fuzziness = 1
	}

	start := time.Now()
	userID := auth.UserIDFromContext(r.Context())
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("limit", query.Limit))
	results, err := s.Search.Search(r.Context(), userID, query.Query, query.Limit, &keyword.SearchOptions{
		ProjectID:     query.ProjectID,
		FileNameBoost: 2.0,
		Fuzziness:     fuzziness,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	resp := &models.SearchResponse{Query: query.Query, Hits: make([]*models.SearchHit, 0, len(results))}
	for _, res := range results {
		resp.Hits = append(resp.Hits, &models.SearchHit{
			DocumentID: res.DocumentID,
			ProjectID:  res.ProjectID,
			FileName:   res.FileName,
			Kind:       models.DocumentKind(res.Kind),
			Score:      res.Score,
			Fragments:  res.Fragments,
		})
	}
	resp.Total = uint64(len(resp.Hits))
	resp.QueryTime = time.Since(start).Milliseconds()
	s.respondJSON(w, http.StatusOK, resp)
}

// handleSessionStatus reports the lifecycle of a project session. Callers may only poll
// their own sessions; anything else looks like a missing session.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if chi.URLParam(r, "tenant") != userID {
		s.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	status, err := s.Documents.SessionStatus(r.Context(), userID, chi.URLParam(r, "session"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

type dependencyCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = map[string]dependencyCheck{}
	)
	set := func(name string, c dependencyCheck) {
		mu.Lock()
		checks[name] = c
		mu.Unlock()
	}
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				set(name, dependencyCheck{Status: "unavailable", Error: err.Error()})
				return
			}
			set(name, dependencyCheck{Status: "ok"})
		}()
	}

	run("storage", func(ctx context.Context) error {
		if err := s.Store.Ping(ctx); err != nil {
			return err
		}
		return s.Files.CheckWritable()
	})
	for name, dep := range map[string]Dependency{"parser": s.Parser, "vision": s.Vision} {
		if dep == nil || !dep.Enabled() {
			set(name, dependencyCheck{Status: "disabled"})
			continue
		}
		run(name, dep.Ping)
	}
	wg.Wait()

	healthy := true
	for name, c := range checks {
		if c.Status == "unavailable" {
			healthy = false
			s.logger.Warn("health check failed", zap.String("dependency", name), zap.String("error", c.Error))
		}
	}
	resp := map[string]any{"status": "healthy", "checks": checks, "version": s.Version}
	if s.Queue != nil {
		resp["queue"] = s.Queue.Stats()
	}
	if usage, err := storage.DiskUsageBytes(s.Storage.DatabasePath, s.Storage.FilesDir, s.Storage.IndexPath); err == nil {
		resp["disk_usage_bytes"] = usage
	}
	status := http.StatusOK
	if !healthy {
		resp["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, resp)
}
