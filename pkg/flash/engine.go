// Package flash writes a raw image onto a block device and verifies
// the result by reading it back.
package flash

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/opencontainers/go-digest"

	"github.com/flashpipe/flashpipe/pkg/device"
	"github.com/flashpipe/flashpipe/pkg/errors"
	"github.com/flashpipe/flashpipe/pkg/progress"
)

const (
	defaultChunkSize    = 4 * 1024 * 1024
	progressLogInterval = 256 * 1024 * 1024
)

// VerifyMode selects how a completed write is checked.
type VerifyMode string

const (
	// VerifyFull compares every written byte against the image.
	VerifyFull VerifyMode = "full"
	// VerifyChecksum hashes the device read-back and compares
	// digests. Same coverage, but no mismatch offset on failure.
	VerifyChecksum VerifyMode = "checksum"
	// VerifyNone skips read-back entirely. Only reachable through an
	// explicit flag, never by config default.
	VerifyNone VerifyMode = "none"
)

// Engine performs the destructive write. Every entry point re-checks
// the target against a fresh enumeration: a path alone is never
// trusted, since the device it named may have been unplugged or may
// now resolve to a system disk.
type Engine struct {
	opener    Opener
	enum      device.Enumerator
	chunkSize int
}

func NewEngine(opener Opener, enum device.Enumerator, chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Engine{opener: opener, enum: enum, chunkSize: chunkSize}
}

// Flash writes imagePath onto devicePath and returns the number of
// bytes written. The device is re-enumerated and its classification
// re-checked immediately before the first write.
func (e *Engine) Flash(ctx context.Context, imagePath, devicePath string, tok *progress.Token, rep progress.Reporter) (int64, error) {
	if rep == nil {
		rep = progress.Nop{}
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to stat image")
	}
	imageSize := info.Size()

	dev, err := e.checkTarget(ctx, devicePath, imageSize)
	if err != nil {
		return 0, err
	}

	slog.Info("flash_started",
		"device", devicePath,
		"model", dev.Model,
		"image_size", imageSize)

	unmountPartitions(ctx, devicePath)

	img, err := os.Open(imagePath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open image")
	}
	defer img.Close()

	target, err := e.opener.OpenForWrite(devicePath)
	if err != nil {
		return 0, classifyOpenError(err, devicePath)
	}

	rep.SetStage(progress.StageFlashing)
	rep.SetTotal(imageSize)
	tracker := progress.NewTracker(rep, "flash", imageSize, progressLogInterval)

	written, err := e.copyChunks(img, target, tok, tracker)
	if err != nil {
		target.Close()
		return written, err
	}

	// Blocks may still be in flight inside the device's own cache.
	if err := target.Sync(); err != nil {
		target.Close()
		return written, fmt.Errorf("%w: sync failed: %s", errors.ErrDeviceIO, err)
	}
	if err := target.Close(); err != nil {
		return written, fmt.Errorf("%w: close failed: %s", errors.ErrDeviceIO, err)
	}

	tracker.Finish()
	slog.Info("flash_complete", "device", devicePath, "bytes_written", written)
	return written, nil
}

// Verify reads back the first length bytes of devicePath and checks
// them against imagePath.
func (e *Engine) Verify(ctx context.Context, imagePath, devicePath string, length int64, mode VerifyMode, tok *progress.Token, rep progress.Reporter) error {
	if rep == nil {
		rep = progress.Nop{}
	}
	if _, err := device.FindByPath(ctx, e.enum, devicePath); err != nil {
		return err
	}

	slog.Info("verify_started", "device", devicePath, "mode", string(mode), "length", length)

	img, err := os.Open(imagePath)
	if err != nil {
		return errors.Wrap(err, "failed to open image")
	}
	defer img.Close()

	target, err := e.opener.OpenForVerify(devicePath)
	if err != nil {
		return classifyOpenError(err, devicePath)
	}
	defer target.Close()

	rep.SetStage(progress.StageVerifyingWrite)
	rep.SetTotal(length)
	tracker := progress.NewTracker(rep, "verify", length, progressLogInterval)

	switch mode {
	case VerifyChecksum:
		err = e.verifyChecksum(img, target, length, tok, tracker)
	default:
		err = e.verifyFull(img, target, length, tok, tracker)
	}
	if err != nil {
		return err
	}

	tracker.Finish()
	slog.Info("verify_complete", "device", devicePath)
	return nil
}

// checkTarget re-resolves the device and rejects anything unsafe to
// overwrite.
func (e *Engine) checkTarget(ctx context.Context, devicePath string, imageSize int64) (device.BlockDevice, error) {
	dev, err := device.FindByPath(ctx, e.enum, devicePath)
	if err != nil {
		return device.BlockDevice{}, err
	}
	if dev.IsSystem {
		return device.BlockDevice{}, fmt.Errorf("%w: refusing to write to system device %s", errors.ErrPermissionDenied, devicePath)
	}
	if dev.SizeBytes > 0 && imageSize > int64(dev.SizeBytes) {
		return device.BlockDevice{}, fmt.Errorf("%w: image size %d exceeds device capacity %d", errors.ErrDeviceIO, imageSize, dev.SizeBytes)
	}
	return dev, nil
}

func (e *Engine) copyChunks(src io.Reader, dst io.Writer, tok *progress.Token, tracker *progress.Tracker) (int64, error) {
	buf := make([]byte, e.chunkSize)
	var written int64
	for {
		if tok != nil && tok.Cancelled() {
			return written, tok.Err()
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, fmt.Errorf("%w: write failed at offset %d: %s", errors.ErrDeviceIO, written, writeErr)
			}
			if wn != n {
				return written, fmt.Errorf("%w: short write at offset %d", errors.ErrDeviceIO, written)
			}
			tracker.Add(int64(n))
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, errors.Wrap(readErr, "failed to read image")
		}
	}
}

func (e *Engine) verifyFull(img, target *os.File, length int64, tok *progress.Token, tracker *progress.Tracker) error {
	want := make([]byte, e.chunkSize)
	got := make([]byte, e.chunkSize)
	var offset int64
	for offset < length {
		if tok != nil && tok.Cancelled() {
			return tok.Err()
		}

		chunk := int64(e.chunkSize)
		if remaining := length - offset; remaining < chunk {
			chunk = remaining
		}

		if _, err := io.ReadFull(img, want[:chunk]); err != nil {
			return errors.Wrap(err, "failed to read image during verification")
		}
		if _, err := io.ReadFull(target, got[:chunk]); err != nil {
			return fmt.Errorf("%w: read-back failed at offset %d: %s", errors.ErrDeviceIO, offset, err)
		}
		if !bytes.Equal(want[:chunk], got[:chunk]) {
			mismatch := offset + int64(firstDiff(want[:chunk], got[:chunk]))
			return fmt.Errorf("%w: mismatch at offset %d", errors.ErrWriteVerification, mismatch)
		}
		offset += chunk
		tracker.Add(chunk)
	}
	return nil
}

func (e *Engine) verifyChecksum(img, target *os.File, length int64, tok *progress.Token, tracker *progress.Tracker) error {
	want, err := digest.FromReader(io.LimitReader(img, length))
	if err != nil {
		return errors.Wrap(err, "failed to hash image during verification")
	}

	digester := digest.Canonical.Digester()
	buf := make([]byte, e.chunkSize)
	var offset int64
	for offset < length {
		if tok != nil && tok.Cancelled() {
			return tok.Err()
		}

		chunk := int64(e.chunkSize)
		if remaining := length - offset; remaining < chunk {
			chunk = remaining
		}
		if _, err := io.ReadFull(target, buf[:chunk]); err != nil {
			return fmt.Errorf("%w: read-back failed at offset %d: %s", errors.ErrDeviceIO, offset, err)
		}
		digester.Hash().Write(buf[:chunk])
		offset += chunk
		tracker.Add(chunk)
	}

	if got := digester.Digest(); got != want {
		return fmt.Errorf("%w: device digest %s does not match image digest %s", errors.ErrWriteVerification, got, want)
	}
	return nil
}

// unmountPartitions makes a best-effort pass at unmounting anything on
// the target before the exclusive open. Failures are ignored; the
// O_EXCL open is the real gate.
func unmountPartitions(ctx context.Context, devicePath string) {
	for _, suffix := range []string{"", "1", "2", "3", "4", "p1", "p2", "p3", "p4"} {
		cmd := exec.CommandContext(ctx, "umount", devicePath+suffix)
		cmd.Run()
	}
}

func classifyOpenError(err error, path string) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", errors.ErrPermissionDenied, path)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: device %s is in use", errors.ErrBusy, path)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", errors.ErrDeviceRemoved, path)
	default:
		return fmt.Errorf("%w: failed to open %s: %s", errors.ErrDeviceIO, path, err)
	}
}

func firstDiff(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return 0
}
