// Package storage fronts the object storage service that holds uploaded
// document bytes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"time"
)

var (
	// ErrBucketNotFound is returned when writing to a bucket that does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrObjectNotFound is returned when reading an object that does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidToken is returned when a download token fails verification.
	ErrInvalidToken = errors.New("invalid or expired download token")
)

// ObjectStore is the object storage contract. Every method is one remote
// call with no retries.
type ObjectStore interface {
	ListBuckets(ctx context.Context) ([]string, error)
	CreateBucket(ctx context.Context, name string) error
	Upload(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, bucket, key string) error
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Backend names accepted by Open.
const (
	BackendLocal = "local"
	BackendOSS   = "oss"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// local
	Root          string
	PublicBaseURL string
	SigningSecret string

	// oss
	Region          string
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
}

// Open creates the store named by opts.Backend. An empty backend means local.
func Open(opts Options) (ObjectStore, error) {
	switch opts.Backend {
	case "", BackendLocal:
		return NewLocalStore(opts.Root, opts.PublicBaseURL, []byte(opts.SigningSecret))
	case BackendOSS:
		return NewOSSStore(OSSConfig{
			Region:          opts.Region,
			Endpoint:        opts.Endpoint,
			AccessKeyID:     opts.AccessKeyID,
			AccessKeySecret: opts.AccessKeySecret,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// EnsureBucket creates name when ListBuckets does not report it.
// It returns true when the bucket was created.
func EnsureBucket(ctx context.Context, s ObjectStore, name string) (bool, error) {
	buckets, err := s.ListBuckets(ctx)
	if err != nil {
		return false, fmt.Errorf("listing buckets: %w", err)
	}
	if slices.Contains(buckets, name) {
		return false, nil
	}
	if err := s.CreateBucket(ctx, name); err != nil {
		return false, fmt.Errorf("creating bucket %s: %w", name, err)
	}
	return true, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._() -]+`)

// ObjectKey builds the storage key for an upload: the upload timestamp
// followed by the file name with path separators and control characters
// replaced.
func ObjectKey(ts int64, name string) string {
	clean := unsafeKeyChars.ReplaceAllString(name, "_")
	clean = strings.Trim(clean, ". ")
	if clean == "" {
		clean = "file"
	}
	return fmt.Sprintf("%d-%s", ts, clean)
}
