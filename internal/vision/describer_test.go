package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/internal/models"
)

const diagramAnswer = `{
  "outermost_elements": ["Server", "Database"],
  "shape_mapping": {"Rectangle": "Server", "cylinder": ["Database"]},
  "nested_components": {"Server": {"children": ["CPU", "Cache"], "child_details": {"Cache": {"children": ["L1"]}}}},
  "connections": [
    {"from": "Server", "to": "Database", "direction": "bidirectional", "label": "queries"},
    {"from": "Client", "to": "Server", "direction": "→"},
    {"from": "", "to": "Nowhere"}
  ],
  "all_text_labels": ["Server", "", "Database", 102],
  "diagram_type": "Block_Diagram",
  "description_summary": "A server backed by a database."
}`

func geminiReply(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": text}}}}},
	})
	return string(b)
}

func testConfig(baseURL string) config.VisionConfig {
	return config.VisionConfig{
		APIKey:         "key",
		BaseURL:        baseURL,
		Model:          "gemini-test",
		Temperature:    0.1,
		Timeout:        5 * time.Second,
		MaxConcurrent:  2,
		CacheSize:      16,
		MinImagePixels: 2500,
		Retry:          config.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
}

func TestDescriber_Describe(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.GenerationConfig.ResponseMimeType != "application/json" || len(req.Contents[0].Parts) != 2 {
			t.Errorf("request: got %+v", req)
		}
		if req.Contents[0].Parts[0].InlineData.MimeType != "image/jpeg" {
			t.Errorf("mime: got %s", req.Contents[0].Parts[0].InlineData.MimeType)
		}
		_, _ = io.WriteString(w, geminiReply(diagramAnswer))
	}))
	defer srv.Close()

	d := NewDescriber(testConfig(srv.URL), zap.NewNop())
	img := Image{ID: "doc_1_1", Format: "jpg", Width: 400, Height: 300, Data: []byte("jpeg bytes")}
	desc, err := d.Describe(context.Background(), img)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if !desc.IsDiagram || desc.DiagramType != models.DiagramBlock || desc.ImageID != "doc_1_1" {
		t.Errorf("got %+v", desc)
	}
	if got := desc.ShapeMapping["rectangle"]; len(got) != 1 || got[0] != "Server" {
		t.Errorf("shape mapping: got %v", desc.ShapeMapping)
	}
	if got := desc.NestedComponents["Cache"]; len(got) != 1 || got[0] != "L1" {
		t.Errorf("nested: got %v", desc.NestedComponents)
	}
	if len(desc.Connections) != 2 || desc.Connections[0].Direction != models.Bidirectional || desc.Connections[1].Direction != models.Unidirectional {
		t.Errorf("connections: got %+v", desc.Connections)
	}
	if strings.Join(desc.AllTextLabels, ",") != "Server,Database,102" {
		t.Errorf("labels: got %v", desc.AllTextLabels)
	}

	// Same bytes under another id come from the cache.
	img.ID = "doc_2_1"
	again, err := d.Describe(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if again.ImageID != "doc_2_1" || calls.Load() != 1 {
		t.Errorf("cache miss: id=%s calls=%d", again.ImageID, calls.Load())
	}
}

func TestDescriber_NotADiagram(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, geminiReply("```json\n{\"is_diagram\": false, \"image_type\": \"Logo\", \"description_summary\": \"Company logo\"}\n```"))
	}))
	defer srv.Close()

	d := NewDescriber(testConfig(srv.URL), nil)
	desc, err := d.Describe(context.Background(), Image{ID: "i", Format: "png", Width: 100, Height: 100, Data: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if desc.IsDiagram || desc.ImageType != "logo" || desc.Summary != "Company logo" || desc.Connections != nil {
		t.Errorf("got %+v", desc)
	}
}

func TestDescriber_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDescriber(testConfig(srv.URL), nil)
	_, err := d.Describe(context.Background(), Image{ID: "i", Data: []byte("x")})
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusTooManyRequests {
		t.Errorf("got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls: got %d, want 2", calls.Load())
	}
}

func TestDescriber_InvalidShapeIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, geminiReply(`{"connections": "not a list", "outermost_elements": []}`))
	}))
	defer srv.Close()

	d := NewDescriber(testConfig(srv.URL), nil)
	_, err := d.Describe(context.Background(), Image{ID: "i", Data: []byte("x")})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d", calls.Load())
	}
}

func TestDescriber_DescribeAll(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "YmFk") { // base64 of "bad"
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, geminiReply(diagramAnswer))
	}))
	defer srv.Close()

	d := NewDescriber(testConfig(srv.URL), nil)
	var images []Image
	for i := 0; i < 6; i++ {
		images = append(images, Image{ID: fmt.Sprintf("img_%d", i), Width: 200, Height: 200, Data: []byte(fmt.Sprintf("image-%d", i))})
	}
	images = append(images,
		Image{ID: "tiny", Width: 10, Height: 10, Data: []byte("tiny")},
		Image{ID: "broken", Width: 200, Height: 200, Data: []byte("bad")},
	)

	descs, errs := d.DescribeAll(context.Background(), images)
	if len(descs) != 6 {
		t.Errorf("descriptions: got %d", len(descs))
	}
	if _, ok := errs["broken"]; !ok || len(errs) != 1 {
		t.Errorf("errors: got %v", errs)
	}
	if _, ok := descs["tiny"]; ok {
		t.Error("decorative image was described")
	}
	if peak.Load() > 2 {
		t.Errorf("concurrency limit exceeded: %d", peak.Load())
	}
}

func TestDecodeResponse_braceSpan(t *testing.T) {
	raw, err := decodeResponse("Here you go: {\"description_summary\": \"x\"} hope it helps")
	if err != nil {
		t.Fatal(err)
	}
	if raw["description_summary"] != "x" {
		t.Errorf("got %v", raw)
	}
	if _, err := decodeResponse("no json at all"); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("got %v", err)
	}
}

func TestDescriptionCache_Evicts(t *testing.T) {
	c := newDescriptionCache(2)
	c.Set("a", &models.DiagramDescription{Summary: "a"})
	c.Set("b", &models.DiagramDescription{Summary: "b"})
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a")
	}
	c.Set("c", &models.DiagramDescription{Summary: "c"}) // evicts b, a was used more recently
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	got, ok := c.Get("a")
	if !ok || got.Summary != "a" {
		t.Errorf("got %+v", got)
	}
	got.Summary = "mutated"
	if again, _ := c.Get("a"); again.Summary != "a" {
		t.Error("cache entry shared with caller")
	}
	if c.Len() != 2 {
		t.Errorf("len: got %d", c.Len())
	}
}

func TestNormalize_shapeMappingOrderIsStable(t *testing.T) {
	raw := map[string]any{
		"is_diagram":    true,
		"shape_mapping": map[string]any{"box": []any{"b"}, "Box": []any{"a"}, " BOX ": "c", "oval": []any{"d"}},
	}
	want := []string{"c", "a", "b"}
	for i := 0; i < 20; i++ {
		got := normalize("img", raw).ShapeMapping["box"]
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("run %d: got %v, want %v", i, got, want)
		}
	}
}
