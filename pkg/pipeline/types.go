package pipeline

import "github.com/flashpipe/flashpipe/pkg/progress"

// ImageSource describes where the image comes from. Exactly one of
// URL or LocalPath is set.
type ImageSource struct {
	// URL is an http://, https://, or s3:// location.
	URL string
	// LocalPath points at an image already on disk.
	LocalPath string
	// Checksum is the expected sha256 of the source bytes, either
	// bare hex or "sha256:<hex>". Empty disables verification and
	// caching.
	Checksum string
	// SizeBytes is the advertised source size, zero when unknown.
	SizeBytes int64
}

// FlashRequest is the state machine input.
type FlashRequest struct {
	OperationID string
	Source      ImageSource
	DevicePath  string
	VerifyMode  string
}

// FlashResponse is the state machine output, accumulated across
// transitions.
type FlashResponse struct {
	Checksum     string
	ArchivePath  string
	ImagePath    string
	BytesWritten int64
	Status       string
}

// State names
const (
	StateSelecting     = "selecting"
	StateDownloading   = "downloading"
	StateDecompressing = "decompressing"
	StateFlashing      = "flashing"
	StateVerifying     = "verifying"
	StateFailed        = "failed"
)

// Snapshot is a point-in-time view of an operation, safe to copy.
// Callers poll for these; nothing is pushed.
type Snapshot struct {
	OperationID    string
	Stage          progress.Stage
	TotalBytes     int64
	ProcessedBytes int64
	Error          string
	Cancelled      bool
}

// Done reports whether the operation has reached a terminal stage.
func (s Snapshot) Done() bool {
	return s.Stage.Terminal()
}
