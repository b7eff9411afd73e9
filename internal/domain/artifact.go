package domain

import "time"

// ArtifactCacheEntry indexes a verified artifact in the local cache directory.
// Rows are created once and never updated.
type ArtifactCacheEntry struct {
	ContentHash string    `gorm:"type:text;primaryKey" json:"content_hash"`
	LocalPath   string    `gorm:"type:text;not null" json:"local_path"`
	ByteSize    int64     `gorm:"not null" json:"byte_size"`
	SourceURI   string    `gorm:"type:text" json:"source_uri,omitempty"`
	FetchedAt   time.Time `gorm:"not null" json:"fetched_at"`
}

// TableName returns the database table name for ArtifactCacheEntry.
// Returns:
//   - string: table name for GORM mapping.
func (ArtifactCacheEntry) TableName() string {
	return "artifact_cache_entries"
}

// StoredArtifact is a produced artifact published to object storage.
type StoredArtifact struct {
	URI    string `json:"uri"`
	SHA256 string `json:"sha256"`
	Type   string `json:"type"`
	Bytes  int64  `json:"bytes"`
	URL    string `json:"url,omitempty"`
}
