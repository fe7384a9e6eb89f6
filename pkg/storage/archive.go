package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultArchivePrefix is the blob prefix used when none is configured.
const DefaultArchivePrefix = "canonical"

// Archive mirrors published canonical stores to blob storage: the latest copy at
// <prefix>/<kind>.json and a timestamped history entry per publish.
type Archive struct {
	client BlobClient
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// NewArchive creates an archive over client.
func NewArchive(client BlobClient, prefix string, logger *zap.Logger) (*Archive, error) {
	if client == nil {
		return nil, errors.New("blob client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{client: client, prefix: prefix, now: time.Now, logger: logger}, nil
}

// LatestPath is the blob holding the most recent copy of kind.
func (a *Archive) LatestPath(kind string) string {
	return path.Join(a.prefix, kind+".json")
}

// HistoryPath is the blob holding the copy of kind published at t.
func (a *Archive) HistoryPath(kind string, t time.Time) string {
	return path.Join(a.prefix, "history", kind, t.UTC().Format("20060102T150405Z")+".json")
}

// Mirror uploads data as the latest copy of kind and as a history entry.
func (a *Archive) Mirror(ctx context.Context, kind string, data []byte) error {
	sum := sha256.Sum256(data)
	publishedAt := a.now()
	metadata := map[string]string{
		"kind":         kind,
		"sha256":       hex.EncodeToString(sum[:]),
		"size_bytes":   strconv.Itoa(len(data)),
		"published_at": publishedAt.UTC().Format(time.RFC3339),
	}

	url, err := a.client.Upload(ctx, a.LatestPath(kind), data, metadata)
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", kind, err)
	}
	if _, err := a.client.Upload(ctx, a.HistoryPath(kind, publishedAt), data, metadata); err != nil {
		return fmt.Errorf("failed to archive %s history: %w", kind, err)
	}

	a.logger.Info("Archived canonical store",
		zap.String("kind", kind),
		zap.String("url", url),
		zap.Int("size_bytes", len(data)))
	return nil
}

// Fetch downloads the latest archived copy of kind.
func (a *Archive) Fetch(ctx context.Context, kind string) ([]byte, error) {
	data, err := a.client.Download(ctx, a.LatestPath(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived %s: %w", kind, err)
	}
	return data, nil
}
