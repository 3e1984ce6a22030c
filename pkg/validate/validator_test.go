package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flashpipe/flashpipe/pkg/errors"
)

func TestParseChecksum(t *testing.T) {
	hex := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare hex", hex, "sha256:" + hex, false},
		{"prefixed digest", "sha256:" + hex, "sha256:" + hex, false},
		{"uppercase normalized", strings.ToUpper(hex), "sha256:" + hex, false},
		{"surrounding whitespace", "  " + hex + "\n", "sha256:" + hex, false},
		{"too short", hex[:40], "", true},
		{"not hex", strings.Repeat("zz", 32), "", true},
		{"empty", "", "", true},
		{"bad algorithm", "md5:" + hex, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChecksum(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseChecksum(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseChecksum(%q) failed: %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseChecksum(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateImageSize(t *testing.T) {
	v := NewValidator(1024)

	if err := v.ValidateImageSize(512); err != nil {
		t.Errorf("size under limit rejected: %v", err)
	}
	if err := v.ValidateImageSize(1024); err != nil {
		t.Errorf("size at limit rejected: %v", err)
	}
	if err := v.ValidateImageSize(2048); err == nil {
		t.Error("size over limit accepted")
	}
	if err := v.ValidateImageSize(-1); err == nil {
		t.Error("negative size accepted")
	}

	unlimited := NewValidator(0)
	if err := unlimited.ValidateImageSize(1 << 40); err != nil {
		t.Errorf("unlimited validator rejected large size: %v", err)
	}
}

func TestValidateLocalImage(t *testing.T) {
	v := NewValidator(0)
	dir := t.TempDir()

	img := filepath.Join(dir, "test.img")
	if err := os.WriteFile(img, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := v.ValidateLocalImage(img); err != nil {
		t.Errorf("regular file rejected: %v", err)
	}
	if err := v.ValidateLocalImage(dir); err == nil {
		t.Error("directory accepted as image")
	}
	if err := v.ValidateLocalImage(filepath.Join(dir, "missing.img")); err == nil {
		t.Error("missing file accepted as image")
	}
}

func TestValidateDevicePath(t *testing.T) {
	v := NewValidator(0)
	dir := t.TempDir()

	if err := v.ValidateDevicePath(""); err == nil {
		t.Error("empty path accepted")
	}
	if err := v.ValidateDevicePath(dir); err == nil {
		t.Error("directory accepted as device")
	}
	if err := v.ValidateDevicePath(filepath.Join(dir, "missing")); !errors.Is(err, errors.ErrDeviceNotFound) {
		t.Errorf("missing path error = %v, want ErrDeviceNotFound", err)
	}

	regular := filepath.Join(dir, "not-a-device")
	os.WriteFile(regular, nil, 0o644)
	if err := v.ValidateDevicePath(regular); err == nil {
		t.Error("regular file accepted as device")
	}

	// /dev/null is a device node on every platform this runs on.
	if _, err := os.Stat("/dev/null"); err == nil {
		if err := v.ValidateDevicePath("/dev/null"); err != nil {
			t.Errorf("device node rejected: %v", err)
		}
	}
}
