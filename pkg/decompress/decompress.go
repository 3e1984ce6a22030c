package decompress

import (
	"compress/bzip2"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/flashpipe/flashpipe/pkg/errors"
	"github.com/flashpipe/flashpipe/pkg/progress"
)

const (
	defaultChunkSize     = 4 * 1024 * 1024
	progressLogInterval  = 100 * 1024 * 1024
	partialSuffix        = ".partial"
	defaultMaxOutputSize = 128 * 1024 * 1024 * 1024
)

// Engine decompresses image archives to a staging file. Decoding is
// fully streamed so peak disk usage is one compressed plus one
// decompressed copy, never an intermediate buffer of the whole image.
type Engine struct {
	chunkSize     int
	maxOutputSize int64
}

func NewEngine(chunkSize int, maxOutputSize int64) *Engine {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if maxOutputSize <= 0 {
		maxOutputSize = defaultMaxOutputSize
	}
	return &Engine{chunkSize: chunkSize, maxOutputSize: maxOutputSize}
}

// Decompress expands archivePath into outPath and returns the path to
// the uncompressed image. Raw (uncompressed) inputs are returned
// unchanged without copying. Progress is reported against the
// compressed input size, which is the only size known up front.
func (e *Engine) Decompress(archivePath, outPath string, tok *progress.Token, rep progress.Reporter) (string, error) {
	if rep == nil {
		rep = progress.Nop{}
	}

	format, err := DetectFormat(archivePath)
	if err != nil {
		return "", err
	}
	if format == FormatRaw {
		slog.Debug("decompress_passthrough", "path", archivePath)
		return archivePath, nil
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return "", errors.Wrap(err, "failed to stat archive")
	}

	slog.Info("decompress_started",
		"path", archivePath,
		"format", format.String(),
		"compressed_size", info.Size())

	rep.SetStage(progress.StageDecompressing)
	rep.SetTotal(info.Size())

	in, err := os.Open(archivePath)
	if err != nil {
		return "", errors.Wrap(err, "failed to open archive")
	}
	defer in.Close()

	tracker := progress.NewTracker(rep, "decompress", info.Size(), progressLogInterval)
	counted := &countingReader{r: in, tracker: tracker}

	decoder, closeDecoder, err := newDecoder(format, counted)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errors.ErrDecompression, err)
	}
	defer closeDecoder()

	written, err := e.writeOutput(decoder, outPath, tok)
	if err != nil {
		return "", err
	}

	tracker.Finish()
	slog.Info("decompress_complete",
		"path", outPath,
		"decompressed_size", written)
	return outPath, nil
}

// writeOutput streams the decoded bytes to a partial file and renames
// it into place only after the decoder reaches a clean EOF.
func (e *Engine) writeOutput(decoder io.Reader, outPath string, tok *progress.Token) (int64, error) {
	partialPath := outPath + partialSuffix
	out, err := os.OpenFile(partialPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create output file")
	}

	cleanup := func() {
		out.Close()
		os.Remove(partialPath)
	}

	buf := make([]byte, e.chunkSize)
	var written int64
	for {
		if tok != nil && tok.Cancelled() {
			cleanup()
			return 0, tok.Err()
		}

		n, readErr := decoder.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > e.maxOutputSize {
				cleanup()
				return 0, fmt.Errorf("%w: decompressed size exceeds %d bytes", errors.ErrDecompression, e.maxOutputSize)
			}
			if _, err := out.Write(buf[:n]); err != nil {
				cleanup()
				return 0, errors.Wrap(err, "failed to write decompressed data")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			return 0, fmt.Errorf("%w: %s", errors.ErrDecompression, readErr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(partialPath)
		return 0, errors.Wrap(err, "failed to close output file")
	}
	if err := os.Rename(partialPath, outPath); err != nil {
		os.Remove(partialPath)
		return 0, errors.Wrap(err, "failed to finalize output file")
	}
	return written, nil
}

func newDecoder(format Format, r io.Reader) (io.Reader, func(), error) {
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gz, func() { gz.Close() }, nil
	case FormatZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr.IOReadCloser(), zr.Close, nil
	case FormatXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, func() {}, nil
	case FormatBzip2:
		// No maintained third-party bzip2 decoder; the standard
		// library reader is the only option.
		return bzip2.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedFormat, format)
	}
}

// countingReader reports compressed bytes consumed so the caller can
// surface progress even though the decompressed size is unknown.
type countingReader struct {
	r       io.Reader
	tracker *progress.Tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.tracker.Add(int64(n))
	}
	return n, err
}
