package document

import (
	"errors"
	"testing"

	"poflow/internal/services"
)

func TestPageCountRejectsUnreadableDocuments(t *testing.T) {
	inspector := NewInspector(0)
	for _, content := range [][]byte{nil, []byte("not a pdf at all")} {
		if _, err := inspector.PageCount(content); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("PageCount(%q) = %v, want validation error", content, err)
		}
	}
}
