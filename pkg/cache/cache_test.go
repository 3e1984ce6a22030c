package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
)

func writeTempBlob(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("failed to write temp blob: %v", err)
	}
	return path
}

func blobDigest(data []byte) digest.Digest {
	return digest.FromBytes(data)
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStoreAndLookup(t *testing.T) {
	c := newTestCache(t)
	tmpDir := t.TempDir()

	d := blobDigest([]byte("image-1"))
	tmp := writeTempBlob(t, tmpDir, "dl.partial", 1024)

	entry, err := c.Store(d, tmp, 1024)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if entry.SizeBytes != 1024 {
		t.Errorf("entry size = %d, want 1024", entry.SizeBytes)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("temp file should be gone after store")
	}
	if _, err := os.Stat(entry.FilePath); err != nil {
		t.Errorf("blob should exist at %s: %v", entry.FilePath, err)
	}

	got, err := c.Lookup(d)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got == nil {
		t.Fatal("lookup returned absent for stored checksum")
	}
	if got.FilePath != entry.FilePath {
		t.Errorf("lookup path = %s, want %s", got.FilePath, entry.FilePath)
	}
}

func TestLookupAbsent(t *testing.T) {
	c := newTestCache(t)

	got, err := c.Lookup(blobDigest([]byte("never-stored")))
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got != nil {
		t.Errorf("lookup of absent checksum returned %+v", got)
	}
}

func TestStoreDuplicateIsNoOp(t *testing.T) {
	c := newTestCache(t)
	tmpDir := t.TempDir()

	d := blobDigest([]byte("image-dup"))
	first, err := c.Store(d, writeTempBlob(t, tmpDir, "a", 100), 100)
	if err != nil {
		t.Fatalf("first store failed: %v", err)
	}

	second, err := c.Store(d, writeTempBlob(t, tmpDir, "b", 100), 100)
	if err != nil {
		t.Fatalf("second store failed: %v", err)
	}
	if second.FilePath != first.FilePath {
		t.Errorf("duplicate store should keep the original blob path")
	}
	if second.LastAccessedAt < first.LastAccessedAt {
		t.Errorf("duplicate store should refresh the access time")
	}

	total, err := c.TotalSize()
	if err != nil {
		t.Fatalf("total size failed: %v", err)
	}
	if total != 100 {
		t.Errorf("total size = %d, want 100 (one entry)", total)
	}
}

func TestEvictUntilUnder(t *testing.T) {
	c := newTestCache(t)
	tmpDir := t.TempDir()

	// Three entries stored in order; the oldest must go first.
	digests := make([]digest.Digest, 3)
	for i, name := range []string{"one", "two", "three"} {
		digests[i] = blobDigest([]byte(name))
		if _, err := c.Store(digests[i], writeTempBlob(t, tmpDir, name, 100), 100); err != nil {
			t.Fatalf("store %s failed: %v", name, err)
		}
		// Distinct access order matters; touch the later entries.
		if i > 0 {
			if _, err := c.Lookup(digests[i]); err != nil {
				t.Fatalf("touch failed: %v", err)
			}
		}
	}

	if err := c.EvictUntilUnder(200); err != nil {
		t.Fatalf("evict failed: %v", err)
	}

	total, _ := c.TotalSize()
	if total > 200 {
		t.Errorf("total after eviction = %d, want <= 200", total)
	}
	if e, _ := c.Lookup(digests[0]); e != nil {
		t.Error("oldest entry should have been evicted first")
	}
	if e, _ := c.Lookup(digests[2]); e == nil {
		t.Error("most recently accessed entry should survive eviction")
	}
}

func TestEvictSkipsPinned(t *testing.T) {
	c := newTestCache(t)
	tmpDir := t.TempDir()

	pinned := blobDigest([]byte("pinned"))
	other := blobDigest([]byte("other"))
	if _, err := c.Store(pinned, writeTempBlob(t, tmpDir, "p", 100), 100); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Store(other, writeTempBlob(t, tmpDir, "o", 100), 100); err != nil {
		t.Fatal(err)
	}

	c.Pin(pinned)
	defer c.Unpin(pinned)

	// Limit forces everything out, but the pinned entry must stay.
	if err := c.EvictUntilUnder(0); err != nil {
		t.Fatalf("evict failed: %v", err)
	}

	if e, _ := c.Lookup(pinned); e == nil {
		t.Error("pinned entry must never be evicted")
	}
	if e, _ := c.Lookup(other); e != nil {
		t.Error("unpinned entry should have been evicted")
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(t)
	tmpDir := t.TempDir()

	d := blobDigest([]byte("clear-me"))
	entry, err := c.Store(d, writeTempBlob(t, tmpDir, "x", 50), 50)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	total, _ := c.TotalSize()
	if total != 0 {
		t.Errorf("total after clear = %d, want 0", total)
	}
	if _, err := os.Stat(entry.FilePath); !os.IsNotExist(err) {
		t.Error("blob file should be deleted on clear")
	}
}

func TestLookupDropsDanglingEntry(t *testing.T) {
	c := newTestCache(t)
	tmpDir := t.TempDir()

	d := blobDigest([]byte("dangling"))
	entry, err := c.Store(d, writeTempBlob(t, tmpDir, "y", 50), 50)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate an external deletion of the blob.
	os.Remove(entry.FilePath)

	got, err := c.Lookup(d)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got != nil {
		t.Error("lookup should report absent when the blob is gone")
	}
}
