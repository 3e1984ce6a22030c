// Package download streams a remote image to a local path while
// computing and verifying its checksum. Verified results are registered
// with the image cache; a cache hit skips the network entirely.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/flashpipe/flashpipe/pkg/cache"
	"github.com/flashpipe/flashpipe/pkg/errors"
	"github.com/flashpipe/flashpipe/pkg/progress"
	"github.com/flashpipe/flashpipe/pkg/storage"
)

// partialSuffix marks in-flight downloads so an interrupted run never
// leaves something that looks like a finished image.
const partialSuffix = ".partial"

// progressLogInterval is how many bytes pass between throughput log
// lines during a transfer.
const progressLogInterval = 50 * 1024 * 1024

// Manager performs verified downloads over http(s) and s3.
type Manager struct {
	httpClient *http.Client
	s3         *storage.Client
	cache      *cache.Cache
	chunkSize  int
}

// NewManager creates a download manager. s3 may be nil when no s3://
// sources are expected; store may be nil to disable caching.
func NewManager(httpClient *http.Client, s3 *storage.Client, store *cache.Cache, chunkSize int) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if chunkSize <= 0 {
		chunkSize = 1024 * 1024
	}
	return &Manager{
		httpClient: httpClient,
		s3:         s3,
		cache:      store,
		chunkSize:  chunkSize,
	}
}

// Download fetches rawURL into destPath, verifying it against expected
// when a checksum is known. Returns the verified file path. A cached
// entry for the checksum is materialized without touching the network.
func (m *Manager) Download(ctx context.Context, rawURL string, expected digest.Digest, destPath string, tok *progress.Token, rep progress.Reporter) (string, error) {
	if expected != "" && m.cache != nil {
		entry, err := m.cache.Lookup(expected)
		if err != nil {
			return "", err
		}
		if entry != nil {
			slog.Info("download_cache_hit", "checksum", expected, "path", entry.FilePath)
			// Pinned so a concurrent eviction cannot yank the blob
			// out from under the copy.
			m.cache.Pin(expected)
			err := materialize(entry.FilePath, destPath)
			m.cache.Unpin(expected)
			if err != nil {
				return "", errors.Wrap(err, "failed to materialize cached image")
			}
			// Cached bytes were verified when stored, so the checksum
			// stage is reported as instantly complete.
			rep.SetStage(progress.StageVerifyingChecksum)
			rep.SetTotal(entry.SizeBytes)
			rep.Add(entry.SizeBytes)
			return destPath, nil
		}
	}

	body, totalSize, err := m.open(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	rep.SetStage(progress.StageDownloading)
	tracker := progress.NewTracker(rep, "download", totalSize, progressLogInterval)

	tmpPath := destPath + partialSuffix
	slog.Info("download_started", "url", rawURL, "size_mb", totalSize/1024/1024, "dest", tmpPath)

	size, err := m.streamToFile(body, tmpPath, expected, tok, tracker)
	if err != nil {
		// Partial output must never survive any failure, cancellation
		// included.
		os.Remove(tmpPath)
		return "", err
	}
	tracker.Finish()

	rep.SetStage(progress.StageVerifyingChecksum)
	rep.SetTotal(size)
	rep.Add(size)

	if expected == "" {
		slog.Warn("download_unverified", "url", rawURL)
		if err := os.Rename(tmpPath, destPath); err != nil {
			os.Remove(tmpPath)
			return "", errors.Wrap(err, "failed to finalize download")
		}
		return destPath, nil
	}

	slog.Info("download_verified", "url", rawURL, "checksum", expected)

	if m.cache != nil {
		if _, err := m.cache.Store(expected, tmpPath, size); err != nil {
			os.Remove(tmpPath)
			return "", err
		}
		entry, err := m.cache.Lookup(expected)
		if err != nil || entry == nil {
			return "", errors.Wrap(err, "stored cache entry unavailable")
		}
		m.cache.Pin(expected)
		err = materialize(entry.FilePath, destPath)
		m.cache.Unpin(expected)
		if err != nil {
			return "", errors.Wrap(err, "failed to materialize downloaded image")
		}
		return destPath, nil
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "failed to finalize download")
	}
	return destPath, nil
}

// open starts the transfer and returns the body stream plus the total
// size when the transport reports one.
func (m *Manager) open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invalid url %q: %v", errors.ErrNetwork, rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", errors.ErrNetwork, err)
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			slog.Error("download_request_failed", "url", rawURL, "error", err)
			return nil, 0, fmt.Errorf("%w: %v", errors.ErrNetwork, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			slog.Error("download_bad_status", "url", rawURL, "status", resp.StatusCode)
			return nil, 0, fmt.Errorf("%w: unexpected status %d for %s", errors.ErrNetwork, resp.StatusCode, rawURL)
		}
		size := resp.ContentLength
		if size < 0 {
			size = 0
		}
		return resp.Body, size, nil

	case "s3":
		if m.s3 == nil {
			return nil, 0, fmt.Errorf("%w: s3 source %q but no s3 client configured", errors.ErrNetwork, rawURL)
		}
		bucket, key, err := storage.ParseURL(rawURL)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", errors.ErrNetwork, err)
		}
		return m.s3.Fetch(ctx, bucket, key)

	default:
		return nil, 0, fmt.Errorf("%w: unsupported url scheme %q", errors.ErrNetwork, u.Scheme)
	}
}

// streamToFile copies body into path chunk by chunk, hashing as it goes.
// The cancellation token is checked before and after every blocking
// write; a checksum mismatch is detected after the stream ends.
func (m *Manager) streamToFile(body io.Reader, path string, expected digest.Digest, tok *progress.Token, tracker *progress.Tracker) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create download file")
	}
	defer f.Close()

	var verifier digest.Verifier
	w := io.Writer(f)
	if expected != "" {
		verifier = expected.Verifier()
		w = io.MultiWriter(f, verifier)
	}

	buf := make([]byte, m.chunkSize)
	var written int64
	for {
		if err := tok.Err(); err != nil {
			slog.Info("download_cancelled", "written_mb", written/1024/1024)
			return written, err
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, errors.Wrap(werr, "failed to write chunk")
			}
			written += int64(n)
			tracker.Add(int64(n))
		}

		if err := tok.Err(); err != nil {
			slog.Info("download_cancelled", "written_mb", written/1024/1024)
			return written, err
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: read failed: %v", errors.ErrNetwork, rerr)
		}
	}

	if err := f.Sync(); err != nil {
		return written, errors.Wrap(err, "failed to sync download file")
	}

	if verifier != nil && !verifier.Verified() {
		slog.Error("checksum_verification_failed", "expected", expected)
		return written, fmt.Errorf("%w: expected %s", errors.ErrChecksumMismatch, expected)
	}

	return written, nil
}

// materialize makes the blob at src available at dst, hard-linking when
// the filesystem allows it and copying otherwise.
func materialize(src, dst string) error {
	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
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
	return out.Close()
}
