// Package cache implements the content-addressed, size-bounded local
// store of verified images. An entry keyed by a checksum is a correctness
// guarantee, not an optimization: Store is only ever called after the
// download has been verified, so consumers may trust cached bytes without
// re-hashing them.
package cache

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"

	"github.com/flashpipe/flashpipe/pkg/errors"
)

// Entry is one cached image.
type Entry struct {
	Checksum       digest.Digest
	FilePath       string
	SizeBytes      int64
	LastAccessedAt int64
}

// Cache is the size-bounded image store. All operations are serialized
// behind one lock, independent of the pipeline's stage lock.
type Cache struct {
	dir string
	db  *sql.DB

	mu   sync.Mutex
	pins map[digest.Digest]int
}

// New opens (or creates) a cache rooted at dir. The SQLite index lives
// inside the directory alongside the blobs.
func New(dir string) (*Cache, error) {
	slog.Info("cache_init", "dir", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open cache index")
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create cache schema")
	}

	return &Cache{
		dir:  dir,
		db:   db,
		pins: make(map[digest.Digest]int),
	}, nil
}

// Close releases the index handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the entry for checksum, refreshing its access time, or
// nil when the cache holds nothing for it.
func (c *Cache) Lookup(checksum digest.Digest) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(checksum, true)
}

func (c *Cache) lookupLocked(checksum digest.Digest, touch bool) (*Entry, error) {
	var e Entry
	var cs string
	err := c.db.QueryRow(
		`SELECT checksum, file_path, size_bytes, last_accessed_at FROM entries WHERE checksum = ?`,
		checksum.String(),
	).Scan(&cs, &e.FilePath, &e.SizeBytes, &e.LastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cache lookup failed")
	}
	e.Checksum = digest.Digest(cs)

	// A row whose blob vanished (external deletion) is dropped rather
	// than returned, so callers never see a dangling entry.
	if _, statErr := os.Stat(e.FilePath); statErr != nil {
		slog.Warn("cache_blob_missing", "checksum", checksum, "path", e.FilePath)
		c.db.Exec(`DELETE FROM entries WHERE checksum = ?`, checksum.String())
		return nil, nil
	}

	if touch {
		now := time.Now().Unix()
		if _, err := c.db.Exec(
			`UPDATE entries SET last_accessed_at = ? WHERE checksum = ?`,
			now, checksum.String(),
		); err != nil {
			return nil, errors.Wrap(err, "cache touch failed")
		}
		e.LastAccessedAt = now
	}

	return &e, nil
}

// Store moves a verified temp file into the cache under its checksum.
// Storing an already-present checksum is a no-op that refreshes the
// access time; the temp file is discarded either way, since ownership
// transfers to the cache on call.
func (c *Cache) Store(checksum digest.Digest, tempFilePath string, sizeBytes int64) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.lookupLocked(checksum, true)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		slog.Info("cache_store_duplicate", "checksum", checksum)
		os.Remove(tempFilePath)
		return existing, nil
	}

	blobPath := filepath.Join(c.dir, checksum.Encoded())
	if err := moveFile(tempFilePath, blobPath); err != nil {
		return nil, errors.Wrap(err, "failed to move file into cache")
	}

	now := time.Now().Unix()
	if _, err := c.db.Exec(
		`INSERT INTO entries (checksum, file_path, size_bytes, last_accessed_at) VALUES (?, ?, ?, ?)`,
		checksum.String(), blobPath, sizeBytes, now,
	); err != nil {
		os.Remove(blobPath)
		return nil, errors.Wrap(err, "failed to index cache entry")
	}

	slog.Info("cache_stored", "checksum", checksum, "size_mb", sizeBytes/1024/1024)
	return &Entry{
		Checksum:       checksum,
		FilePath:       blobPath,
		SizeBytes:      sizeBytes,
		LastAccessedAt: now,
	}, nil
}

// Pin marks an entry as referenced by an in-flight operation, protecting
// it from eviction until the matching Unpin.
func (c *Cache) Pin(checksum digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[checksum]++
}

// Unpin releases one pin reference.
func (c *Cache) Unpin(checksum digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[checksum] <= 1 {
		delete(c.pins, checksum)
		return
	}
	c.pins[checksum]--
}

// EvictUntilUnder removes least-recently-accessed entries until the total
// cache size is at or below maxSizeBytes. Pinned entries are skipped, so
// the bound can be exceeded transiently while an operation holds one.
func (c *Cache) EvictUntilUnder(maxSizeBytes int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	total, err := c.totalSizeLocked()
	if err != nil {
		return err
	}
	if total <= maxSizeBytes {
		return nil
	}

	rows, err := c.db.Query(
		`SELECT checksum, file_path, size_bytes FROM entries ORDER BY last_accessed_at ASC`)
	if err != nil {
		return errors.Wrap(err, "eviction query failed")
	}

	type victim struct {
		checksum digest.Digest
		path     string
		size     int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		var cs string
		if err := rows.Scan(&cs, &v.path, &v.size); err != nil {
			rows.Close()
			return errors.Wrap(err, "eviction scan failed")
		}
		v.checksum = digest.Digest(cs)
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "eviction rows failed")
	}

	for _, v := range victims {
		if total <= maxSizeBytes {
			break
		}
		if c.pins[v.checksum] > 0 {
			slog.Debug("cache_evict_skipped_pinned", "checksum", v.checksum)
			continue
		}
		if err := c.removeLocked(v.checksum, v.path); err != nil {
			return err
		}
		total -= v.size
		slog.Info("cache_evicted", "checksum", v.checksum, "size_mb", v.size/1024/1024)
	}

	return nil
}

// Clear removes every unpinned entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT checksum, file_path FROM entries`)
	if err != nil {
		return errors.Wrap(err, "clear query failed")
	}
	type item struct {
		checksum digest.Digest
		path     string
	}
	var items []item
	for rows.Next() {
		var it item
		var cs string
		if err := rows.Scan(&cs, &it.path); err != nil {
			rows.Close()
			return errors.Wrap(err, "clear scan failed")
		}
		it.checksum = digest.Digest(cs)
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "clear rows failed")
	}

	for _, it := range items {
		if c.pins[it.checksum] > 0 {
			slog.Warn("cache_clear_skipped_pinned", "checksum", it.checksum)
			continue
		}
		if err := c.removeLocked(it.checksum, it.path); err != nil {
			return err
		}
	}

	slog.Info("cache_cleared", "removed", len(items))
	return nil
}

// TotalSize returns the summed size of all cached blobs.
func (c *Cache) TotalSize() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSizeLocked()
}

func (c *Cache) totalSizeLocked() (int64, error) {
	var total int64
	err := c.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM entries`).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "cache size query failed")
	}
	return total, nil
}

// removeLocked deletes one entry's blob and index row. The blob path is
// checked to live inside the cache directory before deleting, so a
// corrupted index can never delete files elsewhere.
func (c *Cache) removeLocked(checksum digest.Digest, blobPath string) error {
	rel, err := filepath.Rel(c.dir, blobPath)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return fmt.Errorf("refusing to delete blob outside cache dir: %s", blobPath)
	}
	if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete cached blob")
	}
	if _, err := c.db.Exec(`DELETE FROM entries WHERE checksum = ?`, checksum.String()); err != nil {
		return errors.Wrap(err, "failed to delete cache index row")
	}
	return nil
}

// moveFile renames src to dst, falling back to copy+remove across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
