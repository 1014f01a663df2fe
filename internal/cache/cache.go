// Package cache is the disk-backed artifact cache: media metadata and
// re-usable processed files keyed by content fingerprint, LRU-bounded by
// total byte size and swept by idle age.
package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"mediamill/internal/logging"
	"mediamill/internal/media"
)

// EntryKind distinguishes the two cached payload shapes.
type EntryKind string

const (
	KindMetadata EntryKind = "metadata"
	KindArtifact EntryKind = "processed_artifact"
)

const (
	indexFileName   = "cache_index.json"
	metadataSubdir  = "metadata"
	videosSubdir    = "videos"
	thumbsSubdir    = "thumbnails"
	hotMetadataSize = 256
)

// Entry is one cache index record.
type Entry struct {
	Fingerprint  string    `json:"fingerprint"`
	Kind         EntryKind `json:"kind"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessAt time.Time `json:"last_access_at"`
	OriginSource string    `json:"origin_source,omitempty"`
	ParamsHash   string    `json:"params_hash,omitempty"`
}

func (e Entry) key() string {
	if e.ParamsHash == "" {
		return string(e.Kind) + ":" + e.Fingerprint
	}
	return string(e.Kind) + ":" + e.Fingerprint + ":" + e.ParamsHash
}

// Stats is the snapshot served by /system/performance/cache/stats.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
	MaxBytes   int64 `json:"max_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
}

// Cache owns the cache directory, its JSON index and the in-memory hot
// metadata front.
type Cache struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	maxIdle  time.Duration
	entries  map[string]*Entry
	hot      *lru.Cache[string, media.Info]
	logger   logging.Logger

	hits, misses, evictions int64
}

// New opens (or initializes) the cache rooted at dir.
func New(dir string, maxBytes int64, maxIdle time.Duration, logger logging.Logger) (*Cache, error) {
	for _, sub := range []string{metadataSubdir, videosSubdir, thumbsSubdir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	hot, err := lru.New[string, media.Info](hotMetadataSize)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		maxIdle:  maxIdle,
		entries:  make(map[string]*Entry),
		hot:      hot,
		logger:   logging.OrNop(logger),
	}
	c.loadIndex()
	return c, nil
}

// Fingerprint derives a stable content key. Local files hash path, size and
// mtime; anything else (URLs) hashes the identifier itself.
func Fingerprint(source string) string {
	h := xxhash.New()
	_, _ = h.WriteString(source)
	if info, err := os.Stat(source); err == nil {
		_, _ = h.WriteString("|" + strconv.FormatInt(info.Size(), 10))
		_, _ = h.WriteString("|" + strconv.FormatInt(info.ModTime().UnixNano(), 10))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// HashParams folds processing parameters into a short hash for artifact keys.
func HashParams(params string) string {
	return strconv.FormatUint(xxhash.Sum64String(params), 16)
}

// GetMetadata returns cached probe metadata for a fingerprint.
func (c *Cache) GetMetadata(fingerprint string) (media.Info, bool) {
	key := string(KindMetadata) + ":" + fingerprint
	if info, ok := c.hot.Get(key); ok {
		c.touch(key)
		return info, true
	}
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return media.Info{}, false
	}
	path := entry.Path
	entry.LastAccessAt = time.Now()
	c.hits++
	c.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		c.drop(key)
		return media.Info{}, false
	}
	var info media.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		c.drop(key)
		return media.Info{}, false
	}
	c.hot.Add(key, info)
	return info, true
}

// PutMetadata stores probe metadata under a fingerprint.
func (c *Cache) PutMetadata(fingerprint, origin string, info media.Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	path := filepath.Join(c.dir, metadataSubdir, fingerprint+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return err
	}
	key := string(KindMetadata) + ":" + fingerprint
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = &Entry{
		Fingerprint:  fingerprint,
		Kind:         KindMetadata,
		Path:         path,
		SizeBytes:    int64(len(raw)),
		CreatedAt:    now,
		LastAccessAt: now,
		OriginSource: origin,
	}
	c.mu.Unlock()
	c.hot.Add(key, info)
	c.enforceSizeCap()
	return c.saveIndex()
}

// GetArtifact returns the cached processed file for fingerprint+paramsHash.
func (c *Cache) GetArtifact(fingerprint, paramsHash string) (string, bool) {
	key := string(KindArtifact) + ":" + fingerprint + ":" + paramsHash
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return "", false
	}
	path := entry.Path
	entry.LastAccessAt = time.Now()
	c.hits++
	c.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		c.drop(key)
		return "", false
	}
	return path, true
}

// PutArtifact copies srcPath into the cache under fingerprint+paramsHash and
// returns the cached location.
func (c *Cache) PutArtifact(fingerprint, paramsHash, origin, srcPath string) (string, error) {
	dst := filepath.Join(c.dir, videosSubdir, fingerprint+"_"+paramsHash+filepath.Ext(srcPath))
	size, err := copyFile(srcPath, dst)
	if err != nil {
		return "", err
	}
	key := string(KindArtifact) + ":" + fingerprint + ":" + paramsHash
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = &Entry{
		Fingerprint:  fingerprint,
		Kind:         KindArtifact,
		Path:         dst,
		SizeBytes:    size,
		CreatedAt:    now,
		LastAccessAt: now,
		OriginSource: origin,
		ParamsHash:   paramsHash,
	}
	c.mu.Unlock()
	c.enforceSizeCap()
	if err := c.saveIndex(); err != nil {
		return "", err
	}
	return dst, nil
}

// SweepExpired removes entries idle beyond the age bound. The janitor calls
// this every tick.
func (c *Cache) SweepExpired() int {
	cutoff := time.Now().Add(-c.maxIdle)
	c.mu.Lock()
	var stale []string
	for key, entry := range c.entries {
		if entry.LastAccessAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	c.mu.Unlock()
	for _, key := range stale {
		c.drop(key)
	}
	if len(stale) > 0 {
		c.logger.Info("cache expiry removed %d entries", len(stale))
		_ = c.saveIndex()
	}
	return len(stale)
}

// Clear removes every cache entry and payload.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.drop(key)
	}
	c.hot.Purge()
	_ = c.saveIndex()
}

// Stats returns a snapshot of cache occupancy and hit counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:   len(c.entries),
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	for _, entry := range c.entries {
		s.TotalBytes += entry.SizeBytes
	}
	return s
}

// enforceSizeCap evicts least-recently-accessed entries until total size
// fits the ceiling.
func (c *Cache) enforceSizeCap() {
	c.mu.Lock()
	var total int64
	ordered := make([]*Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		total += entry.SizeBytes
		ordered = append(ordered, entry)
	}
	if total <= c.maxBytes {
		c.mu.Unlock()
		return
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastAccessAt.Before(ordered[j].LastAccessAt)
	})
	var victims []string
	for _, entry := range ordered {
		if total <= c.maxBytes {
			break
		}
		total -= entry.SizeBytes
		victims = append(victims, entry.key())
	}
	c.mu.Unlock()

	for _, key := range victims {
		c.drop(key)
		c.mu.Lock()
		c.evictions++
		c.mu.Unlock()
	}
	if len(victims) > 0 {
		c.logger.Info("cache size cap evicted %d entries", len(victims))
	}
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		entry.LastAccessAt = time.Now()
	}
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) drop(key string) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.hot.Remove(key)
	_ = os.Remove(entry.Path)
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.dir, indexFileName)
}

func (c *Cache) loadIndex() {
	raw, err := os.ReadFile(c.indexPath())
	if err != nil {
		return
	}
	var entries []*Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.logger.Warn("cache index unreadable, starting empty: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		if _, err := os.Stat(entry.Path); err != nil {
			continue
		}
		c.entries[entry.key()] = entry
	}
}

func (c *Cache) saveIndex() error {
	// Value copies: touch keeps mutating the live entries once the lock is
	// released, so marshalling must not read through the shared pointers.
	c.mu.Lock()
	entries := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, *entry)
	}
	c.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].key() < entries[j].key() })
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.indexPath())
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	return n, out.Sync()
}
