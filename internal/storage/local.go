package storage

import (
	"context"
	"crypto/md5" //nolint:gosec // ETag compatible checksum, not used for security
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// LocalStorage implements Provider using the local filesystem. Buckets are
// directories under the base path; publishing to it mirrors a bucket layout for
// servers that serve static files from disk.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage provider
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Name returns the provider name
func (ls *LocalStorage) Name() string {
	return "local"
}

// Health checks if the storage is healthy
func (ls *LocalStorage) Health(ctx context.Context) error {
	if _, err := os.Stat(ls.basePath); err != nil {
		return fmt.Errorf("storage directory not accessible: %w", err)
	}

	testFile := filepath.Join(ls.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	_ = os.Remove(testFile)

	return nil
}

// getPath returns the full filesystem path for a bucket/key
func (ls *LocalStorage) getPath(bucket, key string) (string, error) {
	p := filepath.Join(ls.basePath, bucket, filepath.FromSlash(key))
	root := filepath.Join(ls.basePath, bucket)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return p, nil
}

// Upload writes a file to local storage
func (ls *LocalStorage) Upload(ctx context.Context, bucket, key string, data io.Reader, size int64, opts *UploadOptions) (*Object, error) {
	if opts == nil {
		opts = &UploadOptions{}
	}

	filePath, err := ls.getPath(bucket, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath) //nolint:gosec // path is checked in getPath
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Calculate MD5 hash while writing
	hash := md5.New() //nolint:gosec // ETag compatible checksum
	written, err := io.Copy(io.MultiWriter(file, hash), data)
	if err != nil {
		_ = os.Remove(filePath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Int64("size", written).
		Msg("File written to local storage")

	return &Object{
		Key:          key,
		Bucket:       bucket,
		Size:         info.Size(),
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		LastModified: info.ModTime(),
		ETag:         hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Stat gets file metadata; the ETag is the MD5 of the content
func (ls *LocalStorage) Stat(ctx context.Context, bucket, key string) (*Object, error) {
	filePath, err := ls.getPath(bucket, key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	etag, err := fileMD5(filePath)
	if err != nil {
		return nil, err
	}

	return &Object{
		Key:          key,
		Bucket:       bucket,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		ETag:         etag,
	}, nil
}

// EnsureBucket creates the bucket directory
func (ls *LocalStorage) EnsureBucket(ctx context.Context, bucket string) error {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == ".." {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	if err := os.MkdirAll(filepath.Join(ls.basePath, bucket), 0750); err != nil {
		return fmt.Errorf("failed to create bucket directory: %w", err)
	}
	return nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // callers pass checked paths
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	hash := md5.New() //nolint:gosec // ETag compatible checksum
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
