package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/metrics"
)

// Signer turns an opaque object URI into a time-limited fetchable URL.
type Signer interface {
	Sign(ctx context.Context, uri string) (string, error)
}

// Fetcher downloads the bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Index records which hashes are present in the cache directory.
type Index interface {
	Get(ctx context.Context, contentHash string) (*domain.ArtifactCacheEntry, error)
	Put(ctx context.Context, entry *domain.ArtifactCacheEntry) error
	Delete(ctx context.Context, contentHash string) error
}

// Options configures a Resolver.
type Options struct {
	// CacheDir holds one file per verified artifact, named <sha256><Extension>.
	CacheDir string
	// Extension is appended to cached file names so renderers can sniff the format.
	Extension string
}

// Resolver maps input references to local files through a hash-keyed cache.
// Concurrent resolutions of one hash share a single download.
type Resolver struct {
	cacheDir string
	ext      string
	signer   Signer
	fetcher  Fetcher
	index    Index
	group    singleflight.Group
	now      func() time.Time
}

// NewResolver creates the cache directory and returns a Resolver.
// Parameters:
//   - opts: cache location and file extension.
//   - signer: signs content-addressed URIs; may be nil when only http(s) URIs are used.
//   - fetcher: downloads signed and remote URLs.
//   - index: cache index; entries must point at files under opts.CacheDir.
// Returns:
//   - *Resolver: resolver ready for use.
//   - error: non-nil if the cache directory cannot be created.
func NewResolver(opts Options, signer Signer, fetcher Fetcher, index Index) (*Resolver, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("artifact cache dir is required")
	}
	if err := os.MkdirAll(opts.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact cache dir: %w", err)
	}
	return &Resolver{
		cacheDir: opts.CacheDir,
		ext:      opts.Extension,
		signer:   signer,
		fetcher:  fetcher,
		index:    index,
		now:      time.Now,
	}, nil
}

// Resolve returns a local file path for ref.
//   - local_path: checked to exist and returned as-is.
//   - remote_url: downloaded, hashed and cached under the hash.
//   - content_addressed: served from cache when present; otherwise signed,
//     downloaded and verified against the declared sha256. A mismatch fails
//     with domain.ErrIntegrity and leaves nothing in the cache.
func (r *Resolver) Resolve(ctx context.Context, ref domain.InputReference) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	switch ref.Kind {
	case domain.ReferenceLocalPath:
		return resolveLocal(ref.LocalPath)
	case domain.ReferenceRemoteURL:
		return r.resolveRemote(ctx, ref.RemoteURL)
	default:
		return r.resolveContent(ctx, ref.Content)
	}
}

func resolveLocal(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: file not found: %s", domain.ErrInvalidReference, path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", domain.ErrInvalidReference, path)
	}
	return path, nil
}

// resolveRemote downloads url on every call, since its hash is unknown until
// the bytes arrive; the bytes themselves are stored once under that hash.
func (r *Resolver) resolveRemote(ctx context.Context, url string) (string, error) {
	return r.flight(ctx, "url:"+url, func(fctx context.Context) (string, error) {
		data, err := r.fetch(fctx, url)
		if err != nil {
			return "", err
		}
		return r.store(fctx, hashBytes(data), url, data)
	})
}

func (r *Resolver) resolveContent(ctx context.Context, ca domain.ContentAddress) (string, error) {
	ca.SHA256 = strings.ToLower(ca.SHA256)
	ctx = logger.WithField(ctx, logger.FieldContentHash, ca.SHA256)

	if path, hit := r.lookup(ctx, ca.SHA256); hit {
		return path, nil
	}

	return r.flight(ctx, "sha256:"+ca.SHA256, func(fctx context.Context) (string, error) {
		// a flight that just finished may have filled the cache
		if path, hit := r.lookup(fctx, ca.SHA256); hit {
			return path, nil
		}

		url, err := r.sign(fctx, ca.URI)
		if err != nil {
			return "", err
		}
		data, err := r.fetch(fctx, url)
		if err != nil {
			return "", err
		}

		actual := hashBytes(data)
		if actual != ca.SHA256 || (ca.ByteSize > 0 && int64(len(data)) != ca.ByteSize) {
			metrics.ArtifactIntegrityFailuresTotal.Inc()
			logger.With(logger.Fields{"actual_sha256": actual}).
				WithSize(int64(len(data))).
				Error(fctx, "Artifact hash mismatch")
			return "", fmt.Errorf("%w: expected sha256 %s (%d bytes), got %s (%d bytes)",
				domain.ErrIntegrity, short(ca.SHA256), ca.ByteSize, short(actual), len(data))
		}
		return r.store(fctx, actual, ca.URI, data)
	})
}

// flight runs fn once per key across concurrent callers. The shared work is
// detached from any single caller's cancellation; each caller still stops
// waiting when its own ctx ends.
func (r *Resolver) flight(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, error) {
	fctx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return fn(fctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// lookup reports a cache hit for digest. Files are written only after
// verification, so a file present on disk is trusted.
func (r *Resolver) lookup(ctx context.Context, digest string) (string, bool) {
	path := r.pathFor(digest)

	if r.index != nil {
		if entry, err := r.index.Get(ctx, digest); err == nil {
			if _, statErr := os.Stat(entry.LocalPath); statErr == nil {
				metrics.ArtifactCacheHitsTotal.Inc()
				logger.CtxDebug(ctx, "Artifact cache hit")
				return entry.LocalPath, true
			}
			_ = r.index.Delete(ctx, digest)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	r.remember(ctx, digest, path, info.Size(), "")
	metrics.ArtifactCacheHitsTotal.Inc()
	logger.CtxDebug(ctx, "Artifact cache hit")
	return path, true
}

func (r *Resolver) sign(ctx context.Context, uri string) (string, error) {
	if r.signer == nil {
		return "", fmt.Errorf("%w: no signer configured for %s", domain.ErrSigning, uri)
	}
	url, err := r.signer.Sign(ctx, uri)
	if err != nil {
		if errors.Is(err, domain.ErrSigning) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	return url, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	data, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		metrics.ArtifactFetchesTotal.WithLabelValues("false").Inc()
		if errors.Is(err, domain.ErrFetch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrFetch, err)
	}
	metrics.ArtifactFetchesTotal.WithLabelValues("true").Inc()
	logger.With(logger.Fields{}).
		WithDuration(time.Since(start).Milliseconds()).
		WithSize(int64(len(data))).
		Info(ctx, "Downloaded artifact")
	return data, nil
}

// store writes verified bytes to the cache via a temp file and rename so
// readers never observe a partial artifact.
func (r *Resolver) store(ctx context.Context, digest, source string, data []byte) (string, error) {
	dest := r.pathFor(digest)
	if _, err := os.Stat(dest); err != nil {
		tmp, err := os.CreateTemp(r.cacheDir, ".fetch-*")
		if err != nil {
			return "", fmt.Errorf("failed to create cache file: %w", err)
		}
		tmpName := tmp.Name()
		_, werr := tmp.Write(data)
		cerr := tmp.Close()
		if werr != nil || cerr != nil {
			os.Remove(tmpName)
			return "", fmt.Errorf("failed to write cache file: %w", errors.Join(werr, cerr))
		}
		if err := os.Rename(tmpName, dest); err != nil {
			os.Remove(tmpName)
			return "", fmt.Errorf("failed to move cache file: %w", err)
		}
	}

	r.remember(ctx, digest, dest, int64(len(data)), source)
	return dest, nil
}

func (r *Resolver) remember(ctx context.Context, digest, path string, size int64, source string) {
	if r.index == nil {
		return
	}
	err := r.index.Put(ctx, &domain.ArtifactCacheEntry{
		ContentHash: digest,
		LocalPath:   path,
		ByteSize:    size,
		SourceURI:   source,
		FetchedAt:   r.now(),
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to index cached artifact")
	}
}

func (r *Resolver) pathFor(digest string) string {
	return filepath.Join(r.cacheDir, digest+r.ext)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func short(digest string) string {
	if len(digest) > 16 {
		return digest[:16]
	}
	return digest
}
