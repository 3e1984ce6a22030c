package cache

// Schema defines the SQLite index for cached images. The blob files live
// next to the index in the cache directory, named by digest; the table
// only tracks sizes and access order for eviction.
const Schema = `
CREATE TABLE IF NOT EXISTS entries (
    checksum TEXT PRIMARY KEY,
    file_path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    last_accessed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_last_accessed ON entries(last_accessed_at);
`
