package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/extract/extracttest"
	"github.com/hyperjump/patmaster/internal/models"
)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeQueue) Submit(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeQueue) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func newTestService(t *testing.T, env *testEnv, queue Submitter, limit int64) *Service {
	t.Helper()
	return NewService(env.store, env.files, nil, queue, limit)
}

func claimsDOCX(t *testing.T) []byte {
	t.Helper()
	b, err := extracttest.DOCX{Body: extracttest.Paragraphs("1. A gearbox comprising a shaft.")}.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestService_Upload(t *testing.T) {
	env := newTestEnv(t)
	queue := &fakeQueue{}
	svc := newTestService(t, env, queue, 1<<20)

	doc, err := svc.Upload(context.Background(), UploadRequest{
		UserID: "u1", ProjectID: "p1", Kind: "idf", FileName: "disclosure.PDF",
		Body: bytes.NewReader(extracttest.PDF("A gearbox")),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if doc.Status != models.StatusPending || doc.Kind != models.KindIDF || doc.FileType != models.FileTypePDF {
		t.Errorf("unexpected document %+v", doc)
	}
	if got := queue.submitted(); len(got) != 1 || got[0] != doc.ID {
		t.Errorf("expected document queued, got %v", got)
	}
	if _, err := os.Stat(doc.FilePath); err != nil {
		t.Errorf("stored file: %v", err)
	}
	if doc.FileSizeBytes == 0 {
		t.Error("expected file size")
	}
}

func TestService_UploadRejections(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeQueue{}, 1<<20)
	pdf := extracttest.PDF("x")

	tests := []struct {
		name string
		req  UploadRequest
		want error
	}{
		{"unknown kind", UploadRequest{UserID: "u1", ProjectID: "p1", Kind: "patent", FileName: "a.pdf"}, apperr.ErrInvalidInput},
		{"pdf as claims", UploadRequest{UserID: "u1", ProjectID: "p1", Kind: "claims", FileName: "claims.pdf"}, apperr.ErrInvalidInput},
		{"docx as idf", UploadRequest{UserID: "u1", ProjectID: "p1", Kind: "idf", FileName: "idf.docx"}, apperr.ErrInvalidInput},
		{"unsupported extension", UploadRequest{UserID: "u1", ProjectID: "p1", Kind: "idf", FileName: "idf.txt"}, apperr.ErrInvalidInput},
		{"foreign project", UploadRequest{UserID: "u2", ProjectID: "p1", Kind: "idf", FileName: "idf.pdf"}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Body = bytes.NewReader(pdf)
			if _, err := svc.Upload(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestService_UploadTooLarge(t *testing.T) {
	env := newTestEnv(t)
	queue := &fakeQueue{}
	svc := newTestService(t, env, queue, 16)

	_, err := svc.Upload(context.Background(), UploadRequest{
		UserID: "u1", ProjectID: "p1", Kind: "idf", FileName: "idf.pdf",
		Body: bytes.NewReader(extracttest.PDF("too big")),
	})
	if !errors.Is(err, apperr.ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	if _, err := env.store.FindDocumentByKind(context.Background(), "u1", "p1", models.KindIDF); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected no document, got %v", err)
	}
	if len(queue.submitted()) != 0 {
		t.Error("nothing should be queued")
	}
}

func TestService_UploadCorruptFileFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	queue := &fakeQueue{}
	svc := newTestService(t, env, queue, 1<<20)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, UploadRequest{
		UserID: "u1", ProjectID: "p1", Kind: "idf", FileName: "idf.pdf",
		Body: strings.NewReader("%PDF-1.4\nthis is not really a pdf"),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if doc.Status != models.StatusFailed || !strings.Contains(doc.ErrorMessage, "not a readable PDF") {
		t.Errorf("unexpected document %+v", doc)
	}
	if len(queue.submitted()) != 0 {
		t.Error("corrupt upload must not be queued")
	}
	if _, err := env.store.GetExtraction(ctx, doc.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected no extraction, got %v", err)
	}
	stored, err := env.store.GetDocument(ctx, "u1", "p1", doc.ID)
	if err != nil || stored.Status != models.StatusFailed {
		t.Errorf("stored document: %+v, %v", stored, err)
	}
}

func TestService_UploadDuplicateKind(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeQueue{}, 1<<20)
	ctx := context.Background()
	upload := func() (*models.Document, error) {
		return svc.Upload(ctx, UploadRequest{
			UserID: "u1", ProjectID: "p1", Kind: "claims", FileName: "claims.docx",
			Body: bytes.NewReader(claimsDOCX(t)),
		})
	}

	first, err := upload()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := upload(); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("while pending: got %v, want conflict", err)
	}
	if err := env.store.FailDocument(ctx, first.ID, "bad"); err != nil {
		t.Fatal(err)
	}
	_, err = upload()
	if !errors.Is(err, apperr.ErrInvalidInput) || !strings.Contains(apperr.PublicMessage(err, ""), "delete existing document first") {
		t.Errorf("after failure: got %v", err)
	}
}

func TestService_UploadQueueFull(t *testing.T) {
	env := newTestEnv(t)
	queue := &fakeQueue{err: apperr.New(apperr.ErrUnavailable, "extraction queue is full", nil)}
	svc := newTestService(t, env, queue, 1<<20)

	doc, err := svc.Upload(context.Background(), UploadRequest{
		UserID: "u1", ProjectID: "p1", Kind: "claims", FileName: "claims.docx",
		Body: bytes.NewReader(claimsDOCX(t)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.StatusFailed || !strings.Contains(doc.ErrorMessage, "queue is full") {
		t.Errorf("unexpected document %+v", doc)
	}
}

func TestService_Reextract(t *testing.T) {
	env := newTestEnv(t)
	queue := &fakeQueue{}
	svc := newTestService(t, env, queue, 1<<20)
	ctx := context.Background()
	doc := env.addDocument(t, models.KindClaims, claimsDOCX(t))

	if _, err := svc.Reextract(ctx, "u1", "p1", doc.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("pending document: got %v, want conflict", err)
	}
	if _, err := svc.Reextract(ctx, "u2", "p1", doc.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("foreign document: got %v, want not found", err)
	}

	if err := env.store.FailDocument(ctx, doc.ID, "agentic parse failed"); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Reextract(ctx, "u1", "p1", doc.ID)
	if err != nil {
		t.Fatalf("Reextract: %v", err)
	}
	if got.Status != models.StatusPending || got.ErrorMessage != "" {
		t.Errorf("unexpected document %+v", got)
	}
	if ids := queue.submitted(); len(ids) != 1 || ids[0] != doc.ID {
		t.Errorf("expected resubmission, got %v", ids)
	}
}

func TestService_ReextractRestoresOnRejectedSubmit(t *testing.T) {
	env := newTestEnv(t)
	queue := &fakeQueue{err: apperr.New(apperr.ErrUnavailable, "extraction queue is full", nil)}
	svc := newTestService(t, env, queue, 1<<20)
	ctx := context.Background()
	doc := env.addDocument(t, models.KindClaims, claimsDOCX(t))
	_ = env.store.FailDocument(ctx, doc.ID, "agentic parse failed")

	if _, err := svc.Reextract(ctx, "u1", "p1", doc.ID); !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	got, _ := env.store.GetDocument(ctx, "u1", "p1", doc.ID)
	if got.Status != models.StatusFailed || got.ErrorMessage != "agentic parse failed" {
		t.Errorf("expected restored failure, got %+v", got)
	}
}

func TestService_DeleteDocument(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeQueue{}, 1<<20)
	ctx := context.Background()
	doc := env.addDocument(t, models.KindClaims, claimsDOCX(t))

	if err := env.store.TransitionStatus(ctx, doc.ID, models.StatusProcessing, models.StatusPending); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteDocument(ctx, "u1", "p1", doc.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("while processing: got %v", err)
	}
	if _, err := os.Stat(doc.FilePath); err != nil {
		t.Error("file removed for a rejected delete")
	}

	_ = env.store.FailDocument(ctx, doc.ID, "x")
	stray, err := env.files.SaveImage("u1", "s1", models.ImageID(doc.ID, 0, 1), "png", []byte("png bytes"))
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.files.SaveImage("u1", "s1", models.ImageID("doc-idf", 1, 1), "png", []byte("png bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteDocument(ctx, "u1", "p1", doc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(doc.FilePath); !os.IsNotExist(err) {
		t.Errorf("expected file removed, got %v", err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Errorf("expected image without extraction row removed, got %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("image of another document removed: %v", err)
	}
	if _, err := svc.GetDocument(ctx, "u1", "p1", doc.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_DeleteProject(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeQueue{}, 1<<20)
	ctx := context.Background()
	doc := env.addDocument(t, models.KindClaims, claimsDOCX(t))
	_ = env.store.FailDocument(ctx, doc.ID, "x")

	if err := svc.DeleteProject(ctx, "u2", "p1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("foreign project: got %v", err)
	}
	if err := svc.DeleteProject(ctx, "u1", "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(doc.FilePath); !os.IsNotExist(err) {
		t.Errorf("expected session files removed, got %v", err)
	}
}

func TestService_SessionStatus(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeQueue{}, 1<<20)
	ctx := context.Background()

	st, err := svc.SessionStatus(ctx, "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.StatusEmpty || st.ProjectID != "p1" {
		t.Errorf("unexpected status %+v", st)
	}

	claims := env.addDocument(t, models.KindClaims, claimsDOCX(t))
	env.addDocument(t, models.KindIDF, extracttest.PDF("x"))
	_ = env.store.FailDocument(ctx, claims.ID, "x")
	st, err = svc.SessionStatus(ctx, "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.StatusPending || len(st.Documents) != 2 {
		t.Errorf("unexpected status %+v", st)
	}

	if _, err := svc.SessionStatus(ctx, "u2", "s1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("foreign session: got %v", err)
	}
}

func TestService_Resume(t *testing.T) {
	env := newTestEnv(t)
	queue := &fakeQueue{}
	svc := newTestService(t, env, queue, 1<<20)
	ctx := context.Background()
	claims := env.addDocument(t, models.KindClaims, claimsDOCX(t))
	idf := env.addDocument(t, models.KindIDF, extracttest.PDF("x"))
	transcription := env.addDocument(t, models.KindTranscription, claimsDOCX(t))
	_ = env.store.TransitionStatus(ctx, claims.ID, models.StatusProcessing, models.StatusPending)
	_ = env.store.FailDocument(ctx, transcription.ID, "x")

	n, err := svc.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 resumed, got %d", n)
	}
	ids := map[string]bool{}
	for _, id := range queue.submitted() {
		ids[id] = true
	}
	if !ids[claims.ID] || !ids[idf.ID] || ids[transcription.ID] {
		t.Errorf("unexpected submissions %v", queue.submitted())
	}
	got, _ := env.store.GetDocument(ctx, "u1", "p1", claims.ID)
	if got.Status != models.StatusPending {
		t.Errorf("expected interrupted document reset to pending, got %s", got.Status)
	}
}
