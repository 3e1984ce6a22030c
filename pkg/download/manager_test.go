package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/flashpipe/flashpipe/pkg/cache"
	"github.com/flashpipe/flashpipe/pkg/errors"
	"github.com/flashpipe/flashpipe/pkg/progress"
)

func newImageServer(t *testing.T, data []byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache init failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDownloadVerified(t *testing.T) {
	data := bytes.Repeat([]byte("flashpipe"), 4096)
	expected := digest.FromBytes(data)
	srv := newImageServer(t, data, nil)
	store := newTestCache(t)

	m := NewManager(srv.Client(), nil, store, 8192)
	dest := filepath.Join(t.TempDir(), "image.img.xz")

	got, err := m.Download(context.Background(), srv.URL, expected, dest, progress.NewToken(), progress.Nop{})
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if got != dest {
		t.Errorf("returned path = %s, want %s", got, dest)
	}

	onDisk, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Error("downloaded bytes differ from served bytes")
	}

	entry, err := store.Lookup(expected)
	if err != nil {
		t.Fatalf("cache lookup failed: %v", err)
	}
	if entry == nil {
		t.Fatal("verified download should be registered with the cache")
	}
}

func TestDownloadCacheHitSkipsNetwork(t *testing.T) {
	data := bytes.Repeat([]byte("cached-image"), 1024)
	expected := digest.FromBytes(data)
	var hits atomic.Int64
	srv := newImageServer(t, data, &hits)
	store := newTestCache(t)

	m := NewManager(srv.Client(), nil, store, 4096)
	dir := t.TempDir()

	if _, err := m.Download(context.Background(), srv.URL, expected, filepath.Join(dir, "first.img"), progress.NewToken(), progress.Nop{}); err != nil {
		t.Fatalf("first download failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("first download made %d requests, want 1", hits.Load())
	}

	second := filepath.Join(dir, "second.img")
	if _, err := m.Download(context.Background(), srv.URL, expected, second, progress.NewToken(), progress.Nop{}); err != nil {
		t.Fatalf("second download failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("cache hit made a network request (total %d, want 1)", hits.Load())
	}

	onDisk, _ := os.ReadFile(second)
	if !bytes.Equal(onDisk, data) {
		t.Error("cache-materialized bytes differ from original")
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	data := []byte("actual bytes from the server")
	srv := newImageServer(t, data, nil)
	store := newTestCache(t)

	wrong := digest.FromString("something else entirely")
	m := NewManager(srv.Client(), nil, store, 4096)
	dest := filepath.Join(t.TempDir(), "image.img")

	_, err := m.Download(context.Background(), srv.URL, wrong, dest, progress.NewToken(), progress.Nop{})
	if !errors.Is(err, errors.ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}

	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("dest file should not exist after mismatch")
	}
	if _, err := os.Stat(dest + partialSuffix); !os.IsNotExist(err) {
		t.Error("partial file should be deleted after mismatch")
	}
	entry, _ := store.Lookup(wrong)
	if entry != nil {
		t.Error("mismatched download must never be promoted into the cache")
	}
}

func TestDownloadCancelled(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1<<20)
	srv := newImageServer(t, data, nil)

	m := NewManager(srv.Client(), nil, nil, 4096)
	dest := filepath.Join(t.TempDir(), "image.img")

	tok := progress.NewToken()
	tok.Cancel()

	_, err := m.Download(context.Background(), srv.URL, digest.FromBytes(data), dest, tok, progress.Nop{})
	if !errors.Is(err, errors.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("no file may exist at dest after cancellation")
	}
	if _, err := os.Stat(dest + partialSuffix); !os.IsNotExist(err) {
		t.Error("no partial file may survive cancellation")
	}
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := NewManager(srv.Client(), nil, nil, 4096)
	dest := filepath.Join(t.TempDir(), "image.img")

	_, err := m.Download(context.Background(), srv.URL, "", dest, progress.NewToken(), progress.Nop{})
	if !errors.Is(err, errors.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestDownloadUnverifiedWithoutChecksum(t *testing.T) {
	data := []byte("custom image, no published checksum")
	srv := newImageServer(t, data, nil)
	store := newTestCache(t)

	m := NewManager(srv.Client(), nil, store, 4096)
	dest := filepath.Join(t.TempDir(), "custom.img")

	if _, err := m.Download(context.Background(), srv.URL, "", dest, progress.NewToken(), progress.Nop{}); err != nil {
		t.Fatalf("download failed: %v", err)
	}

	onDisk, _ := os.ReadFile(dest)
	if !bytes.Equal(onDisk, data) {
		t.Error("downloaded bytes differ")
	}

	// Unverified bytes must never enter the cache.
	total, _ := store.TotalSize()
	if total != 0 {
		t.Errorf("cache size = %d after unverified download, want 0", total)
	}
}

func TestDownloadUnsupportedScheme(t *testing.T) {
	m := NewManager(nil, nil, nil, 4096)
	_, err := m.Download(context.Background(), "ftp://example.com/x.img", "", filepath.Join(t.TempDir(), "x.img"), progress.NewToken(), progress.Nop{})
	if !errors.Is(err, errors.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestDownloadStoreFailureRemovesPartial(t *testing.T) {
	data := bytes.Repeat([]byte("flashpipe"), 4096)
	expected := digest.FromBytes(data)
	srv := newImageServer(t, data, nil)

	cacheDir := t.TempDir()
	store, err := cache.New(cacheDir)
	if err != nil {
		t.Fatalf("cache init failed: %v", err)
	}
	defer store.Close()

	// Occupy the blob path with a directory so the move into the
	// cache fails after the stream has already been verified.
	if err := os.Mkdir(filepath.Join(cacheDir, expected.Encoded()), 0o755); err != nil {
		t.Fatalf("mkdir blob path: %v", err)
	}

	m := NewManager(srv.Client(), nil, store, 8192)
	dest := filepath.Join(t.TempDir(), "image.img")

	if _, err := m.Download(context.Background(), srv.URL, expected, dest, progress.NewToken(), progress.Nop{}); err == nil {
		t.Fatal("download succeeded despite cache store failure")
	}

	if _, err := os.Stat(dest + partialSuffix); !os.IsNotExist(err) {
		t.Error("partial file left behind after cache store failure")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination file present despite failed download")
	}
}
