package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
)

// BucketArchiver writes archive objects once; an existing object is left alone.
type BucketArchiver struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewBucketArchiver archives into bucket under prefix.
func NewBucketArchiver(client *storage.Client, bucket, prefix string) *BucketArchiver {
	return &BucketArchiver{bucket: client.Bucket(bucket), prefix: prefix}
}

// Archive implements pipeline.Archiver.
func (a *BucketArchiver) Archive(ctx context.Context, name string, content []byte) error {
	object := name
	if a.prefix != "" {
		object = a.prefix + "/" + name
	}
	writer := a.bucket.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return classifyGCS(err, "archive")
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return classifyGCS(err, "archive")
	}
	return nil
}

// DirArchiver writes archive files below a local directory.
type DirArchiver struct {
	root string
}

// NewDirArchiver archives into root.
func NewDirArchiver(root string) *DirArchiver {
	return &DirArchiver{root: root}
}

// Archive implements pipeline.Archiver. An existing file is kept.
func (a *DirArchiver) Archive(_ context.Context, name string, content []byte) error {
	target := filepath.Join(a.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Link(tmpName, target); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("publish archive: %w", err)
	}
	return nil
}
