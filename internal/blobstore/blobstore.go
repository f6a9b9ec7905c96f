// Package blobstore fetches uploaded documents and archives raw stage output,
// either in Cloud Storage buckets or on the local filesystem.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"poflow/internal/services"
)

// Source resolves gs:// URIs against Cloud Storage and file:// URIs or bare
// paths against the local filesystem.
type Source struct {
	client    *storage.Client
	localRoot string
}

// NewSource builds a source. client may be nil when only local documents are used.
func NewSource(client *storage.Client, localRoot string) *Source {
	return &Source{client: client, localRoot: localRoot}
}

// Fetch implements pipeline.DocumentSource.
func (s *Source) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, ok := ParseGCSURI(uri)
	if ok {
		return s.fetchGCS(ctx, bucket, object)
	}
	return s.fetchLocal(uri)
}

func (s *Source) fetchGCS(ctx context.Context, bucket, object string) ([]byte, error) {
	if s.client == nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "fetch document", "cloud storage is not configured", nil)
	}
	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, services.Wrap(services.ErrConfiguration, "", "fetch document", "gs://"+bucket+"/"+object+" not found", err)
		}
		return nil, classifyGCS(err, "fetch document")
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "", "fetch document", "read object", err)
	}
	return data, nil
}

func (s *Source) fetchLocal(uri string) ([]byte, error) {
	path, err := s.localPath(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrConfiguration, "", "fetch document", path+" not found", err)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *Source) localPath(uri string) (string, error) {
	path := uri
	if strings.HasPrefix(uri, "file://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return "", services.Wrap(services.ErrValidation, "", "fetch document", "invalid file uri", err)
		}
		path = parsed.Path
	}
	if !filepath.IsAbs(path) {
		if s.localRoot == "" {
			return "", services.Wrap(services.ErrValidation, "", "fetch document", "relative path without documents_dir", nil)
		}
		path = filepath.Join(s.localRoot, path)
	}
	return filepath.Clean(path), nil
}

// ParseGCSURI splits gs://bucket/object.
func ParseGCSURI(uri string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(uri, "gs://")
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

func classifyGCS(err error, op string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return services.Wrap(services.ErrQuotaExceeded, "", op, "rate limited", err)
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, "", op, "access denied", err)
		}
	}
	return services.Wrap(services.ErrTransient, "", op, "", err)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
