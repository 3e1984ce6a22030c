// Package pipeline orchestrates a flash operation end to end: source
// selection, download, decompression, device write, and read-back
// verification, driven by a persistent state machine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/superfly/fsm"

	"github.com/flashpipe/flashpipe/pkg/decompress"
	"github.com/flashpipe/flashpipe/pkg/device"
	"github.com/flashpipe/flashpipe/pkg/download"
	"github.com/flashpipe/flashpipe/pkg/errors"
	"github.com/flashpipe/flashpipe/pkg/flash"
	"github.com/flashpipe/flashpipe/pkg/progress"
	"github.com/flashpipe/flashpipe/pkg/validate"
)

// Machine holds the dependencies the state handlers share.
type Machine struct {
	downloader   *download.Manager
	decompressor *decompress.Engine
	flasher      *flash.Engine
	enum         device.Enumerator
	validator    *validate.Validator
	ops          *registry
	workDir      string
	maxRetries   int
}

func NewMachine(
	downloader *download.Manager,
	decompressor *decompress.Engine,
	flasher *flash.Engine,
	enum device.Enumerator,
	validator *validate.Validator,
	ops *registry,
	workDir string,
	maxRetries int,
) *Machine {
	return &Machine{
		downloader:   downloader,
		decompressor: decompressor,
		flasher:      flasher,
		enum:         enum,
		validator:    validator,
		ops:          ops,
		workDir:      workDir,
		maxRetries:   maxRetries,
	}
}

// Register registers the flash workflow
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "image-flash").
		Start(StateSelecting, m.handleSelecting).
		To(StateDownloading, m.handleDownloading).
		To(StateDecompressing, m.handleDecompressing).
		To(StateFlashing, m.handleFlashing).
		To(StateVerifying, m.handleVerifying).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// lookup finds the live operation for a request. A missing entry means
// the process restarted and the caller that was polling is gone, so
// the run is aborted rather than resumed blind.
func (m *Machine) lookup(req *FlashRequest) (*operation, error) {
	op, ok := m.ops.get(req.OperationID)
	if !ok {
		return nil, fsm.Abort(fmt.Errorf("unknown operation %s", req.OperationID))
	}
	return op, nil
}

func (m *Machine) checkRetries(ctx context.Context, opID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "operation_id", opID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// handleSelecting validates the source and the target device before
// any I/O starts.
func (m *Machine) handleSelecting(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_selecting", "operation_id", req.Msg.OperationID, "device", req.Msg.DevicePath)

	if err := m.checkRetries(ctx, req.Msg.OperationID); err != nil {
		return nil, err
	}
	op, err := m.lookup(req.Msg)
	if err != nil {
		return nil, err
	}
	op.SetStage(progress.StageSelecting)

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{}
	}

	src := req.Msg.Source
	if (src.URL == "") == (src.LocalPath == "") {
		return nil, fsm.Abort(fmt.Errorf("exactly one of url or local path must be set"))
	}

	if src.Checksum != "" {
		d, err := validate.ParseChecksum(src.Checksum)
		if err != nil {
			slog.Error("checksum_invalid", "operation_id", req.Msg.OperationID, "error", err)
			return nil, fsm.Abort(err)
		}
		resp.Checksum = d.String()
	}

	if src.SizeBytes > 0 {
		if err := m.validator.ValidateImageSize(src.SizeBytes); err != nil {
			return nil, fsm.Abort(err)
		}
	}
	if src.LocalPath != "" {
		if err := m.validator.ValidateLocalImage(src.LocalPath); err != nil {
			slog.Error("local_image_invalid", "operation_id", req.Msg.OperationID, "path", src.LocalPath, "error", err)
			return nil, fsm.Abort(err)
		}
	}

	dev, err := device.FindByPath(ctx, m.enum, req.Msg.DevicePath)
	if err != nil {
		slog.Error("device_lookup_failed", "operation_id", req.Msg.OperationID, "device", req.Msg.DevicePath, "error", err)
		return nil, fsm.Abort(err)
	}
	if dev.IsSystem {
		return nil, fsm.Abort(fmt.Errorf("%w: refusing to target system device %s", errors.ErrPermissionDenied, req.Msg.DevicePath))
	}
	if src.SizeBytes > 0 && dev.SizeBytes > 0 && src.SizeBytes > int64(dev.SizeBytes) {
		return nil, fsm.Abort(fmt.Errorf("image size %d exceeds device capacity %d", src.SizeBytes, dev.SizeBytes))
	}

	if op.token.Cancelled() {
		return nil, fsm.Abort(op.token.Err())
	}

	slog.Info("selection_validated",
		"operation_id", req.Msg.OperationID,
		"device", req.Msg.DevicePath,
		"model", dev.Model,
		"removable", dev.IsRemovable)

	return fsm.NewResponse(resp), nil
}

// handleDownloading fetches the source into the work directory. Local
// sources skip straight through.
func (m *Machine) handleDownloading(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_downloading", "operation_id", req.Msg.OperationID)

	if err := m.checkRetries(ctx, req.Msg.OperationID); err != nil {
		return nil, err
	}
	op, err := m.lookup(req.Msg)
	if err != nil {
		return nil, err
	}
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if req.Msg.Source.LocalPath != "" {
		resp.ArchivePath = req.Msg.Source.LocalPath
		slog.Info("download_skipped_local_source", "operation_id", req.Msg.OperationID, "path", resp.ArchivePath)
		return fsm.NewResponse(resp), nil
	}

	downloadDir := filepath.Join(m.workDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create download dir")
	}

	var expected digest.Digest
	if resp.Checksum != "" {
		expected = digest.Digest(resp.Checksum)
	}

	destPath := filepath.Join(downloadDir, req.Msg.OperationID+".img")
	path, err := m.downloader.Download(ctx, req.Msg.Source.URL, expected, destPath, op.token, op)
	if err != nil {
		// Network failures surface to the caller; retrying happens
		// through a fresh operation, never inside the pipeline.
		slog.Error("download_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, fsm.Abort(err)
	}

	resp.ArchivePath = path
	return fsm.NewResponse(resp), nil
}

// handleDecompressing expands the archive into a raw image.
func (m *Machine) handleDecompressing(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_decompressing", "operation_id", req.Msg.OperationID)

	if err := m.checkRetries(ctx, req.Msg.OperationID); err != nil {
		return nil, err
	}
	op, err := m.lookup(req.Msg)
	if err != nil {
		return nil, err
	}
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	stagingDir := filepath.Join(m.workDir, "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create staging dir")
	}

	outPath := filepath.Join(stagingDir, req.Msg.OperationID+".raw")
	imagePath, err := m.decompressor.Decompress(resp.ArchivePath, outPath, op.token, op)
	if err != nil {
		// A corrupt archive does not improve on retry.
		slog.Error("decompress_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, fsm.Abort(err)
	}

	resp.ImagePath = imagePath
	return fsm.NewResponse(resp), nil
}

// handleFlashing writes the raw image onto the device.
func (m *Machine) handleFlashing(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_flashing", "operation_id", req.Msg.OperationID, "device", req.Msg.DevicePath)

	if err := m.checkRetries(ctx, req.Msg.OperationID); err != nil {
		return nil, err
	}
	op, err := m.lookup(req.Msg)
	if err != nil {
		return nil, err
	}
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	written, err := m.flasher.Flash(ctx, resp.ImagePath, req.Msg.DevicePath, op.token, op)
	if err != nil {
		// A destructive write is never re-attempted automatically,
		// I/O errors included.
		slog.Error("flash_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, fsm.Abort(err)
	}

	resp.BytesWritten = written
	return fsm.NewResponse(resp), nil
}

// handleVerifying reads the device back, checks it against the image,
// and cleans up staging artifacts on success.
func (m *Machine) handleVerifying(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_verifying", "operation_id", req.Msg.OperationID, "device", req.Msg.DevicePath)

	if err := m.checkRetries(ctx, req.Msg.OperationID); err != nil {
		return nil, err
	}
	op, err := m.lookup(req.Msg)
	if err != nil {
		return nil, err
	}
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	mode := flash.VerifyMode(req.Msg.VerifyMode)
	if mode == "" {
		mode = flash.VerifyFull
	}

	if mode == flash.VerifyNone {
		slog.Warn("verify_skipped", "operation_id", req.Msg.OperationID, "device", req.Msg.DevicePath)
	} else if err := m.flasher.Verify(ctx, resp.ImagePath, req.Msg.DevicePath, resp.BytesWritten, mode, op.token, op); err != nil {
		slog.Error("verify_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, fsm.Abort(err)
	}

	m.cleanupArtifacts(req.Msg, resp)

	resp.Status = "complete"
	slog.Info("fsm_complete",
		"operation_id", req.Msg.OperationID,
		"device", req.Msg.DevicePath,
		"bytes_written", resp.BytesWritten)

	return fsm.NewResponse(resp), nil
}

// cleanupArtifacts removes per-operation staging files. The cache copy
// of a verified download is the cache's to manage and is left alone,
// as is a caller-supplied local image.
func (m *Machine) cleanupArtifacts(req *FlashRequest, resp *FlashResponse) {
	if resp.ImagePath != "" && resp.ImagePath != resp.ArchivePath {
		if err := os.Remove(resp.ImagePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("staging_cleanup_failed", "path", resp.ImagePath, "error", err)
		}
	}
	if resp.ArchivePath != "" && resp.ArchivePath != req.Source.LocalPath {
		if err := os.Remove(resp.ArchivePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("staging_cleanup_failed", "path", resp.ArchivePath, "error", err)
		}
	}
}
