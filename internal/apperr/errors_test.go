package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Is(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("save: %w", New(ErrConflict, "document is being processed", cause))
	if !errors.Is(err, ErrConflict) {
		t.Error("expected ErrConflict")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
	if got := PublicMessage(err, "internal error"); got != "document is being processed" {
		t.Errorf("PublicMessage: got %q", got)
	}
}

func TestPublicMessage_HidesUpstreamDetails(t *testing.T) {
	err := fmt.Errorf("llamaparse: status 500: stack trace here")
	if got := PublicMessage(err, "extraction failed"); got != "extraction failed" {
		t.Errorf("got %q", got)
	}
	if got := PublicMessage(fmt.Errorf("x: %w", ErrNotFound), "y"); got != "not found" {
		t.Errorf("got %q", got)
	}
}

func TestStageError(t *testing.T) {
	base := errors.New("timeout")
	soft := Soft(StageVision, base)
	if IsFatal(soft) {
		t.Error("soft error reported fatal")
	}
	if !errors.Is(soft, base) {
		t.Error("soft error should unwrap to base")
	}
	fatal := fmt.Errorf("run: %w", Fatal(StageLocal, base))
	if !IsFatal(fatal) {
		t.Error("wrapped fatal error not detected")
	}
	if !IsFatal(base) {
		t.Error("untyped errors are fatal")
	}
	if IsFatal(nil) || Soft(StageAgentic, nil) != nil || Fatal(StageAgentic, nil) != nil {
		t.Error("nil handling")
	}
}
