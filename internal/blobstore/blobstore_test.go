package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/api/googleapi"

	"poflow/internal/services"
)

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri    string
		bucket string
		object string
		ok     bool
	}{
		{"gs://inbox/po/7.pdf", "inbox", "po/7.pdf", true},
		{"gs://inbox/", "", "", false},
		{"gs://inbox", "", "", false},
		{"file:///tmp/po.pdf", "", "", false},
	}
	for _, tt := range tests {
		bucket, object, ok := ParseGCSURI(tt.uri)
		if bucket != tt.bucket || object != tt.object || ok != tt.ok {
			t.Fatalf("ParseGCSURI(%q) = %q %q %v", tt.uri, bucket, object, ok)
		}
	}
}

func TestSourceFetchesLocalDocuments(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "po.pdf"), []byte("%PDF"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	src := NewSource(nil, root)
	ctx := context.Background()

	for _, uri := range []string{"po.pdf", filepath.Join(root, "po.pdf"), "file://" + filepath.Join(root, "po.pdf")} {
		data, err := src.Fetch(ctx, uri)
		if err != nil || string(data) != "%PDF" {
			t.Fatalf("Fetch(%q) = %q, %v", uri, data, err)
		}
	}
	if _, err := src.Fetch(ctx, "missing.pdf"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing file, got %v", err)
	}
	if _, err := src.Fetch(ctx, "gs://inbox/po.pdf"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without a storage client, got %v", err)
	}
}

func TestDirArchiverKeepsFirstWrite(t *testing.T) {
	root := t.TempDir()
	archiver := NewDirArchiver(root)
	ctx := context.Background()
	if err := archiver.Archive(ctx, "wf-1/extraction.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if err := archiver.Archive(ctx, "wf-1/extraction.json", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("second Archive failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "wf-1", "extraction.json"))
	if err != nil || string(data) != `{"a":1}` {
		t.Fatalf("unexpected archive %q (%v)", data, err)
	}
}

func TestClassifyGCS(t *testing.T) {
	if !isPreconditionFailed(&googleapi.Error{Code: 412}) {
		t.Fatal("412 should count as an existing object")
	}
	if services.Classify(classifyGCS(&googleapi.Error{Code: 429}, "archive")) != services.KindQuota {
		t.Fatal("429 should be a quota error")
	}
	if services.Classify(classifyGCS(&googleapi.Error{Code: 403}, "archive")) != services.KindConfiguration {
		t.Fatal("403 should be a configuration error")
	}
	if services.Classify(classifyGCS(errors.New("reset"), "archive")) != services.KindTransient {
		t.Fatal("unknown errors should be transient")
	}
}
