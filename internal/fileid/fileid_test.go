package fileid

import (
	"strings"
	"testing"
)

func TestContentID(t *testing.T) {
	a := ContentID([]byte("image bytes"))
	b := ContentID([]byte("image bytes"))
	if a != b {
		t.Errorf("same content should give same id: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") || len(a) != len("sha256:")+64 {
		t.Errorf("unexpected format: %s", a)
	}
	if ContentID([]byte("other")) == a {
		t.Error("different content should give different id")
	}
}
