// Package validate checks operation inputs before any I/O starts:
// checksum strings, image sizes, and destination device paths.
package validate

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/flashpipe/flashpipe/pkg/errors"
)

// Validator holds the configured limits for incoming image sources.
type Validator struct {
	maxImageSize int64
}

// NewValidator creates a validator. maxImageSize of 0 disables the size
// limit.
func NewValidator(maxImageSize int64) *Validator {
	slog.Info("validator_init", "max_image_size_mb", maxImageSize/1024/1024)
	return &Validator{maxImageSize: maxImageSize}
}

// ParseChecksum accepts either a bare 64-hex sha256 string or the
// algorithm-prefixed digest form and returns a canonical digest.
func ParseChecksum(s string) (digest.Digest, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("empty checksum")
	}

	if !strings.Contains(s, ":") {
		if len(s) != 64 || !isHex(s) {
			return "", fmt.Errorf("invalid sha256 hex: %q", s)
		}
		s = "sha256:" + s
	}

	d := digest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	return d, nil
}

// ValidateImageSize checks a declared or measured image size against the
// configured limit.
func (v *Validator) ValidateImageSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("negative image size: %d", size)
	}
	if v.maxImageSize > 0 && size > v.maxImageSize {
		slog.Error("image_size_exceeded",
			"size_mb", size/1024/1024,
			"max_size_mb", v.maxImageSize/1024/1024)
		return fmt.Errorf("image size %d exceeds max %d", size, v.maxImageSize)
	}
	return nil
}

// ValidateDevicePath checks that path names an existing OS device node
// rather than a regular file or directory.
func (v *Validator) ValidateDevicePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty device path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, path)
	}
	if info.IsDir() {
		return fmt.Errorf("device path %s is a directory", path)
	}
	if info.Mode()&os.ModeDevice == 0 {
		return fmt.Errorf("device path %s is not a device node", path)
	}
	return nil
}

// ValidateLocalImage checks that path names a readable regular file.
func (v *Validator) ValidateLocalImage(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("image path %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("image path %s is not a regular file", path)
	}
	return v.ValidateImageSize(info.Size())
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
