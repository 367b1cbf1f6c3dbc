// cache.go implements the TTL metadata cache: one JSON file per fingerprint
// key. The key covers the archive path, size, and mtime, so replacing an
// archive implicitly invalidates its cached metadata.
package packages

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Fingerprint derives the cache key for an archive file.
func Fingerprint(path string, size int64, mtime time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%d|%d", path, size, mtime.Unix())))
	return hex.EncodeToString(sum[:])
}

// MetadataCache stores parsed metadata on disk with an expiry.
type MetadataCache struct {
	dir string
}

// NewMetadataCache creates a cache rooted at dir.
func NewMetadataCache(dir string) *MetadataCache {
	return &MetadataCache{dir: dir}
}

type cacheEnvelope struct {
	ExpiresAt int64     `json:"expires_at"`
	Value     *Metadata `json:"value"`
}

// Get returns the cached metadata for key, or (nil, false) on a miss. Expired
// entries are removed on read.
func (c *MetadataCache) Get(key string) (*Metadata, bool) {
	data, err := os.ReadFile(c.filename(key))
	if err != nil {
		return nil, false
	}

	var env cacheEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Corrupt entry. Drop it and re-parse.
		c.Invalidate(key)
		return nil, false
	}

	if env.ExpiresAt < time.Now().Unix() {
		c.Invalidate(key)
		return nil, false
	}
	return env.Value, env.Value != nil
}

// Put stores metadata under key with the given TTL.
func (c *MetadataCache) Put(key string, meta *Metadata, ttl time.Duration) error {
	env := cacheEnvelope{
		ExpiresAt: time.Now().Add(ttl).Unix(),
		Value:     meta,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := os.WriteFile(c.filename(key), data, 0640); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the entry for key. Missing entries are ignored.
func (c *MetadataCache) Invalidate(key string) {
	_ = os.Remove(c.filename(key))
}

func (c *MetadataCache) filename(key string) string {
	return filepath.Join(c.dir, key+".json")
}
