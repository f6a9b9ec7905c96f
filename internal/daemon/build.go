package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"

	"poflow/internal/blobstore"
	"poflow/internal/config"
	"poflow/internal/document"
	"poflow/internal/extraction"
	"poflow/internal/logging"
	"poflow/internal/pipeline"
	"poflow/internal/syncer"
)

const maxDocumentPages = 200

// collaborators are the external services the stages call.
type collaborators struct {
	source    pipeline.DocumentSource
	extractor pipeline.Extractor
	archiver  pipeline.Archiver
	inspector pipeline.Inspector
	syncer    pipeline.Syncer
	closers   []func() error
}

func buildCollaborators(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*collaborators, error) {
	c := &collaborators{inspector: document.NewInspector(maxDocumentPages)}

	var gcs *storage.Client
	if cfg.Storage.DocumentsBucket != "" || cfg.Storage.ArchiveBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		gcs = client
		c.closers = append(c.closers, client.Close)
	}
	c.source = blobstore.NewSource(gcs, cfg.Paths.DocumentsDir)

	switch {
	case cfg.Storage.ArchiveBucket != "":
		c.archiver = blobstore.NewBucketArchiver(gcs, cfg.Storage.ArchiveBucket, "extractions")
	case cfg.Paths.ArchiveDir != "":
		c.archiver = blobstore.NewDirArchiver(cfg.Paths.ArchiveDir)
	}

	switch {
	case opts.Extractor != nil:
		c.extractor = opts.Extractor
	case cfg.Extraction.Provider == "vertex":
		vertex, err := extraction.NewVertex(ctx, cfg.Extraction)
		if err != nil {
			c.close(logger)
			return nil, err
		}
		c.extractor = vertex
		c.closers = append(c.closers, vertex.Close)
	default:
		logger.Warn("extraction disabled",
			logging.String(logging.FieldEventType, "extraction_disabled"),
			logging.String(logging.FieldImpact, "every workflow fails at the extract stage"),
			logging.String(logging.FieldErrorHint, "set extraction.provider = \"vertex\""),
		)
	}

	if opts.Syncer != nil {
		c.syncer = opts.Syncer
	} else {
		c.syncer = syncer.New(cfg.Sync)
	}
	return c, nil
}

func (c *collaborators) close(logger *slog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("failed to close collaborator", logging.Error(err))
		}
	}
	c.closers = nil
}
