package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
)

const (
	uriScheme    = "s3://"
	hashedPrefix = "hashed/"
)

// ObjectURI returns the opaque reference "s3://<bucket>/<key>".
func ObjectURI(bucket, key string) string {
	return uriScheme + bucket + "/" + key
}

// ParseObjectURI splits "s3://<bucket>/<key>".
func ParseObjectURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return "", "", fmt.Errorf("unsupported uri scheme: %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed object uri: %q", uri)
	}
	return bucket, key, nil
}

// Signer turns object URIs into presigned, directly fetchable URLs.
type Signer struct {
	store ObjectStorage
	ttl   time.Duration
}

// NewSigner creates a Signer issuing URLs valid for ttl.
func NewSigner(store ObjectStorage, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Signer{store: store, ttl: ttl}
}

// Sign presigns uri. http(s) URIs are returned unchanged.
func (s *Signer) Sign(ctx context.Context, uri string) (string, error) {
	if strings.HasPrefix(uri, "https://") || strings.HasPrefix(uri, "http://") {
		return uri, nil
	}
	bucket, key, err := ParseObjectURI(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	if bucket != s.store.Bucket() {
		return "", fmt.Errorf("%w: bucket %q is not configured", domain.ErrSigning, bucket)
	}
	url, err := s.store.PresignGet(ctx, key, s.ttl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	return url, nil
}

// Publisher uploads produced artifacts under their content hash.
type Publisher struct {
	store ObjectStorage
}

// NewPublisher creates a Publisher writing to store.
func NewPublisher(store ObjectStorage) *Publisher {
	return &Publisher{store: store}
}

// PublishFile uploads the file at path to "hashed/<sha256>" unless an object
// with that key already exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - path: local file to publish.
//   - mime: content type recorded on the object and the reference.
// Returns:
//   - *domain.StoredArtifact: content-addressed reference to the object.
//   - error: non-nil if reading or uploading fails.
func (p *Publisher) PublishFile(ctx context.Context, path, mime string) (*domain.StoredArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return p.Publish(ctx, data, mime)
}

// Publish uploads data to "hashed/<sha256>".
func (p *Publisher) Publish(ctx context.Context, data []byte, mime string) (*domain.StoredArtifact, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := hashedPrefix + digest

	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := p.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), mime); err != nil {
			return nil, err
		}
	}

	logger.With(logger.Fields{
		logger.FieldContentHash: digest,
		"deduplicated":          exists,
	}).WithSize(int64(len(data))).Info(ctx, "Published artifact")

	return &domain.StoredArtifact{
		URI:    ObjectURI(p.store.Bucket(), key),
		SHA256: digest,
		Type:   mime,
		Bytes:  int64(len(data)),
		URL:    p.store.GetURL(key),
	}, nil
}
