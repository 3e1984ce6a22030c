// Package errors provides error wrapping utilities and the failure
// taxonomy shared by the flash pipeline components.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for every failure class the pipeline can surface.
// Components wrap these with fmt.Errorf("%w: ...") so callers can match
// them with errors.Is regardless of how much context was added on the way.
var (
	// ErrNetwork covers transient transport failures while streaming a
	// remote image. Never retried inside the pipeline.
	ErrNetwork = errors.New("network error")

	// ErrChecksumMismatch means downloaded bytes do not hash to the
	// expected checksum. Always fatal; no cache entry is created.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnsupportedFormat means the archive signature matched no known
	// compression container.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrDecompression covers malformed or truncated archive input.
	ErrDecompression = errors.New("decompression failed")

	// ErrDeviceNotFound means the destination device was never seen by
	// enumeration.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceRemoved means the destination vanished between selection
	// and the write.
	ErrDeviceRemoved = errors.New("device removed")

	// ErrPermissionDenied covers refused destructive writes, including
	// attempts against a system disk.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDeviceIO wraps a raw OS error from a device write or read-back.
	ErrDeviceIO = errors.New("device i/o error")

	// ErrWriteVerification means the read-back pass found bytes on the
	// device that differ from the source image.
	ErrWriteVerification = errors.New("write verification failed")

	// ErrCancelled is user-initiated cancellation. Terminal but not a
	// failure for reporting purposes.
	ErrCancelled = errors.New("operation cancelled")

	// ErrBusy is returned when an operation start is rejected because
	// another operation is already in flight.
	ErrBusy = errors.New("operation already in progress")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's chain matches target.
// Re-exported so components only import this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
