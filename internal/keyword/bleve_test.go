package keyword

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex(filepath.Join(t.TempDir(), "bleve"))
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func indexAll(t *testing.T, idx Index, entries ...Entry) {
	t.Helper()
	for _, e := range entries {
		if err := idx.Index(context.Background(), e); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}
}

func TestBleveIndex_SearchFindsContent(t *testing.T) {
	idx := newTestIndex(t)
	indexAll(t, idx, Entry{
		DocumentID: "d1", UserID: "u1", ProjectID: "p1", Kind: "idf",
		FileName: "disclosure.pdf",
		Content:  "The gear assembly 102 drives the shaft 104 of the Omnisyan device.",
	})

	results, err := idx.Search(context.Background(), "u1", "omnisyan", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	got := results[0]
	if got.DocumentID != "d1" || got.ProjectID != "p1" || got.Kind != "idf" || got.FileName != "disclosure.pdf" {
		t.Errorf("unexpected result %+v", got)
	}
	if len(got.Fragments) == 0 || !strings.Contains(got.Fragments[0], "<mark>Omnisyan</mark>") {
		t.Errorf("expected highlighted fragment, got %v", got.Fragments)
	}
}

func TestBleveIndex_TenantScope(t *testing.T) {
	idx := newTestIndex(t)
	indexAll(t, idx,
		Entry{DocumentID: "d1", UserID: "u1", ProjectID: "p1", Content: "flux capacitor"},
		Entry{DocumentID: "d2", UserID: "u2", ProjectID: "p2", Content: "flux capacitor"},
		Entry{DocumentID: "d3", UserID: "u1", ProjectID: "p3", Content: "flux capacitor"},
	)
	ctx := context.Background()

	results, err := idx.Search(ctx, "u1", "capacitor", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results for u1, got %d", len(results))
	}
	for _, r := range results {
		if r.DocumentID == "d2" {
			t.Error("search leaked another user's document")
		}
	}

	results, err = idx.Search(ctx, "u1", "capacitor", 10, &SearchOptions{ProjectID: "p3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].DocumentID != "d3" {
		t.Errorf("expected only d3, got %+v", results)
	}

	if _, err := idx.Search(ctx, "", "capacitor", 10, nil); err == nil {
		t.Error("expected error without user")
	}
}

func TestBleveIndex_FileNameBoostAndFuzzy(t *testing.T) {
	idx := newTestIndex(t)
	indexAll(t, idx,
		Entry{DocumentID: "body", UserID: "u1", FileName: "notes.docx", Content: "claims about the turbine blade and more text here"},
		Entry{DocumentID: "name", UserID: "u1", FileName: "turbine.docx", Content: "unrelated words only"},
	)
	ctx := context.Background()

	results, err := idx.Search(ctx, "u1", "turbine", 10, &SearchOptions{FileNameBoost: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].DocumentID != "name" {
		t.Errorf("expected file name match first, got %+v", results)
	}

	results, err = idx.Search(ctx, "u1", "turbinz", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no exact match for misspelling, got %d", len(results))
	}
	results, err = idx.Search(ctx, "u1", "turbinz", 10, &SearchOptions{Fuzziness: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("expected fuzzy matches, got %d", len(results))
	}
}

func TestBleveIndex_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleve")
	idx1, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	indexAll(t, idx1, Entry{DocumentID: "d1", UserID: "u1", Content: "uniqueword"})
	if err := idx1.Close(); err != nil {
		t.Fatal(err)
	}

	idx2, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("NewBleveIndex (open existing): %v", err)
	}
	defer func() { _ = idx2.Close() }()
	results, err := idx2.Search(context.Background(), "u1", "uniqueword", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("expected entry to survive reopen, got %d", len(results))
	}
}

func TestBleveIndex_Delete(t *testing.T) {
	idx, err := NewMemoryIndex()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()
	indexAll(t, idx, Entry{DocumentID: "d1", UserID: "u1", Content: "onlyindoc1"})
	ctx := context.Background()

	if err := idx.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	results, err := idx.Search(ctx, "u1", "onlyindoc1", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results after delete, got %d", len(results))
	}
	if n, _ := idx.DocCount(); n != 0 {
		t.Errorf("expected empty index, got %d", n)
	}
}

func TestNewBleveIndex_createsDir(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "sub", "bleve")
	idx, err := NewBleveIndex(indexPath)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	_ = idx.Close()

	if _, err := os.Stat(indexPath); err != nil {
		t.Errorf("index path should exist: %v", err)
	}
}
