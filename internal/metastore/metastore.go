// Package metastore holds the expiring key/value payloads that stages hand to
// each other. Queue jobs carry only a key; the bulk stage output lives here
// under "<workflowId>:<stage>".
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"poflow/internal/config"
)

// ErrNotFound is returned when a key is missing or expired.
var ErrNotFound = errors.New("metadata key not found")

// UploadStage names the pseudo stage under which the submitted document reference is stored.
const UploadStage = "upload"

// Store is an expiring key/value store.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Key returns the metadata key for a stage output of a workflow.
func Key(workflowID, stage string) string {
	return workflowID + ":" + stage
}

// PutJSON encodes value and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data, ttl)
}

// GetJSON loads key and decodes it into T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var out T
	data, err := s.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// Open builds the backend selected in cfg.Metadata.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Metadata.Backend {
	case "memory", "":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.Redis), nil
	case "firestore":
		return NewFirestore(ctx, cfg.Firestore)
	default:
		return nil, fmt.Errorf("metastore: unsupported backend %q", cfg.Metadata.Backend)
	}
}
