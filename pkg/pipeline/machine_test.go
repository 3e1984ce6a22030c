package pipeline

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/superfly/fsm"

	"github.com/flashpipe/flashpipe/pkg/device"
	"github.com/flashpipe/flashpipe/pkg/download"
	"github.com/flashpipe/flashpipe/pkg/errors"
	appflash "github.com/flashpipe/flashpipe/pkg/flash"
	"github.com/flashpipe/flashpipe/pkg/progress"
)

type fakeEnumerator struct {
	devices []device.BlockDevice
}

func (f *fakeEnumerator) List(ctx context.Context) ([]device.BlockDevice, error) {
	return f.devices, nil
}

func registerOperation(ops *registry, id string) *operation {
	op := newOperation(id)
	op.SetStage(progress.StageSelecting)
	ops.put(op)
	return op
}

// A failed device write must stop the machine outright. A retryable
// error here would make the framework silently re-flash the device.
func TestHandleFlashingAbortsOnDeviceIO(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "image.img")
	if err := os.WriteFile(imagePath, make([]byte, 300*1024), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}

	// Device far smaller than the image, so Flash fails with ErrDeviceIO
	// before any bytes move.
	targetPath := filepath.Join(dir, "target")
	enum := &fakeEnumerator{devices: []device.BlockDevice{{
		Path:      targetPath,
		SizeBytes: 1024,
	}}}
	flasher := appflash.NewEngine(appflash.NewOpener(), enum, 0)

	ops := newRegistry()
	registerOperation(ops, "op-1")
	m := NewMachine(nil, nil, flasher, enum, nil, ops, dir, 5)

	req := fsm.NewRequest(
		&FlashRequest{OperationID: "op-1", DevicePath: targetPath},
		&FlashResponse{ImagePath: imagePath},
	)

	_, err := m.handleFlashing(context.Background(), req)
	if !errors.Is(err, errors.ErrDeviceIO) {
		t.Fatalf("handleFlashing() error = %v, want ErrDeviceIO", err)
	}
	var abort *fsm.AbortError
	if !stderrors.As(err, &abort) {
		t.Errorf("flash failure returned as retryable, want abort")
	}
}

// Network failures surface to the caller instead of being re-fetched
// inside the machine.
func TestHandleDownloadingAbortsOnNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ops := newRegistry()
	registerOperation(ops, "op-1")
	downloader := download.NewManager(srv.Client(), nil, nil, 4096)
	m := NewMachine(downloader, nil, nil, nil, nil, ops, t.TempDir(), 5)

	req := fsm.NewRequest(
		&FlashRequest{OperationID: "op-1", Source: ImageSource{URL: srv.URL}},
		&FlashResponse{},
	)

	_, err := m.handleDownloading(context.Background(), req)
	if !errors.Is(err, errors.ErrNetwork) {
		t.Fatalf("handleDownloading() error = %v, want ErrNetwork", err)
	}
	var abort *fsm.AbortError
	if !stderrors.As(err, &abort) {
		t.Errorf("download failure returned as retryable, want abort")
	}
}
