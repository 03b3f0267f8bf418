package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultCacheControl is sent with every published file
const DefaultCacheControl = "public, max-age=31536000"

// defaultConcurrency bounds parallel uploads of one Publish call
const defaultConcurrency = 4

var contentTypes = map[string]string{
	".js":    "application/javascript; charset=utf-8",
	".mjs":   "application/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".map":   "application/json; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".svg":   "image/svg+xml",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
}

// PublishedFile is the outcome of publishing one file
type PublishedFile struct {
	Object
	Skipped bool `json:"skipped"`
}

// Publisher uploads the output tree of an application to a bucket
type Publisher struct {
	store        Storage
	bucket       string
	prefix       string
	cacheControl string
	concurrency  int
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithCacheControl overrides DefaultCacheControl
func WithCacheControl(value string) PublisherOption {
	return func(p *Publisher) {
		p.cacheControl = value
	}
}

// WithConcurrency sets the number of parallel uploads
func WithConcurrency(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewPublisher creates a publisher storing files under <prefix>/<app>/ in bucket
func NewPublisher(store Storage, bucket, prefix string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:        store,
		bucket:       bucket,
		prefix:       strings.Trim(prefix, "/"),
		cacheControl: DefaultCacheControl,
		concurrency:  defaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ObjectKey returns the key a file at rel inside the output directory of app is stored under
func (p *Publisher) ObjectKey(app, rel string) string {
	return path.Join(p.prefix, app, filepath.ToSlash(rel))
}

// ContentType returns the content type stored with a file
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Publish uploads every file below dir for app. Files whose stored checksum
// matches are skipped. Results are ordered by key.
func (p *Publisher) Publish(ctx context.Context, app, dir string) ([]PublishedFile, error) {
	files, err := collectFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to publish for %q: %s is empty", app, dir)
	}

	if err := p.store.EnsureBucket(ctx, p.bucket); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make([]PublishedFile, 0, len(files))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, rel := range files {
		g.Go(func() error {
			res, err := p.publishFile(gctx, app, dir, rel)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

func (p *Publisher) publishFile(ctx context.Context, app, dir, rel string) (*PublishedFile, error) {
	full := filepath.Join(dir, rel)
	key := p.ObjectKey(app, rel)

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", full, err)
	}

	checksum, err := fileMD5(full)
	if err != nil {
		return nil, err
	}

	existing, err := p.store.Stat(ctx, p.bucket, key)
	switch {
	case err == nil && existing.ETag == checksum:
		log.Debug().Str("key", key).Msg("Unchanged, skipping upload")
		existing.Key = key
		existing.Bucket = p.bucket
		return &PublishedFile{Object: *existing, Skipped: true}, nil
	case err != nil && !errors.Is(err, ErrObjectNotFound):
		return nil, err
	}

	f, err := os.Open(full) //nolint:gosec // files come from walking the output directory
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", full, err)
	}
	defer func() { _ = f.Close() }()

	obj, err := p.store.Upload(ctx, p.bucket, key, f, info.Size(), &UploadOptions{
		ContentType:  ContentType(rel),
		CacheControl: p.cacheControl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return &PublishedFile{Object: *obj}, nil
}

// collectFiles lists the regular files below dir, relative to it
func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
