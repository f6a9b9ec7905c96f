package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"poflow/internal/config"
)

// Firestore stores payloads as documents. Expiry is checked on read; a
// Firestore TTL policy on expire_at removes old documents server side.
type Firestore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

type firestoreEntry struct {
	Value    []byte    `firestore:"value"`
	ExpireAt time.Time `firestore:"expire_at,omitempty"`
}

// NewFirestore creates a client for the configured project.
func NewFirestore(ctx context.Context, cfg config.Firestore) (*Firestore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore.project_id must be set for the firestore metadata backend")
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Firestore{client: client, collection: cfg.Collection, now: time.Now}, nil
}

// Put writes value under key.
func (f *Firestore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := firestoreEntry{Value: value}
	if ttl > 0 {
		entry.ExpireAt = f.now().UTC().Add(ttl)
	}
	if _, err := f.client.Collection(f.collection).Doc(key).Set(ctx, entry); err != nil {
		return fmt.Errorf("firestore set %q: %w", key, err)
	}
	return nil
}

// Get returns the stored value or ErrNotFound.
func (f *Firestore) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := f.client.Collection(f.collection).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get %q: %w", key, err)
	}
	var entry firestoreEntry
	if err := snap.DataTo(&entry); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	if !entry.ExpireAt.IsZero() && f.now().After(entry.ExpireAt) {
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

// Delete removes keys.
func (f *Firestore) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := f.client.Collection(f.collection).Doc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("firestore delete %q: %w", key, err)
		}
	}
	return nil
}

// Close releases the client.
func (f *Firestore) Close() error {
	return f.client.Close()
}
