// Package storage holds the object store used for ledger archives.
//
// Implementations:
// - Local: files under a base directory (development, single host)
// - R2: Cloudflare R2 through the S3 API (production)
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage stores archive objects by key.
type Storage interface {
	// Put writes data at key. An existing key is an ErrKeyExists error
	// unless opts.Overwrite is set.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get opens the object at key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures a write.
type PutOptions struct {
	ContentType string
	Overwrite   bool
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// =============================================================================
// Configuration Types
// =============================================================================

// LocalConfig holds the filesystem store settings.
type LocalConfig struct {
	BasePath string // Root directory, created if missing
}

// R2Config holds Cloudflare R2 settings.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string // Defaults to "auto"
	Endpoint        string // Overrides the account endpoint, used for S3-compatible stores
}

const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// ContentTypeJSONLines is the content type of archive batches.
const ContentTypeJSONLines = "application/x-ndjson"

// ArchiveKey returns the key for one archive batch, partitioned by the UTC
// day the batch was written.
// Format: ledger-archive/{yyyy}/{mm}/{dd}/{unix}-{uuid}.jsonl
func ArchiveKey(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("ledger-archive/%04d/%02d/%02d/%d-%s.jsonl",
		at.Year(), at.Month(), at.Day(), at.Unix(), uuid.New())
}
