package repository

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/ringforge/internal/domain"
)

// ErrCacheMiss is returned when no index row exists for a hash.
var ErrCacheMiss = errors.New("artifact not in cache index")

// ArtifactCacheRepository indexes verified artifacts stored in the cache dir.
type ArtifactCacheRepository struct {
	db *gorm.DB
}

// NewArtifactCacheRepository creates a new ArtifactCacheRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ArtifactCacheRepository: repository instance bound to db.
func NewArtifactCacheRepository(db *gorm.DB) *ArtifactCacheRepository {
	return &ArtifactCacheRepository{db: db}
}

// Get returns the entry for contentHash or ErrCacheMiss.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - contentHash: lowercase sha256 hex digest.
// Returns:
//   - *domain.ArtifactCacheEntry: the indexed entry.
//   - error: ErrCacheMiss when absent, or the query error.
func (r *ArtifactCacheRepository) Get(ctx context.Context, contentHash string) (*domain.ArtifactCacheEntry, error) {
	var entry domain.ArtifactCacheEntry
	err := r.db.WithContext(ctx).Where("content_hash = ?", contentHash).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put inserts an entry. An existing row for the same hash is left untouched
// since entries are immutable.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - entry: entry to index.
// Returns:
//   - error: non-nil if the insert fails.
func (r *ArtifactCacheRepository) Put(ctx context.Context, entry *domain.ArtifactCacheEntry) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error
}

// Delete drops the row for contentHash, used when the cached file vanished.
func (r *ArtifactCacheRepository) Delete(ctx context.Context, contentHash string) error {
	return r.db.WithContext(ctx).Where("content_hash = ?", contentHash).Delete(&domain.ArtifactCacheEntry{}).Error
}

// Count returns the number of indexed artifacts.
func (r *ArtifactCacheRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ArtifactCacheEntry{}).Count(&n).Error
	return n, err
}

// MemoryArtifactCache is an in-process index for single-instance deployments
// and tests.
type MemoryArtifactCache struct {
	mu      sync.RWMutex
	entries map[string]domain.ArtifactCacheEntry
}

// NewMemoryArtifactCache creates an empty in-process index.
func NewMemoryArtifactCache() *MemoryArtifactCache {
	return &MemoryArtifactCache{entries: make(map[string]domain.ArtifactCacheEntry)}
}

func (m *MemoryArtifactCache) Get(_ context.Context, contentHash string) (*domain.ArtifactCacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[contentHash]
	if !ok {
		return nil, ErrCacheMiss
	}
	return &e, nil
}

func (m *MemoryArtifactCache) Put(_ context.Context, entry *domain.ArtifactCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ContentHash]; !ok {
		m.entries[entry.ContentHash] = *entry
	}
	return nil
}

func (m *MemoryArtifactCache) Delete(_ context.Context, contentHash string) error {
	m.mu.Lock()
	delete(m.entries, contentHash)
	m.mu.Unlock()
	return nil
}

func (m *MemoryArtifactCache) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}
