package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flashpipe/flashpipe/internal/config"
	"github.com/flashpipe/flashpipe/pkg/errors"
	"github.com/flashpipe/flashpipe/pkg/pipeline"
	"github.com/flashpipe/flashpipe/pkg/validate"
)

var (
	flashChecksum string
	flashSize     int64
	flashNoVerify bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <image-url-or-path> <device>",
	Short: "Download, verify, and flash an image onto a block device",
	Args:  cobra.ExactArgs(2),
	RunE:  runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVar(&flashChecksum, "checksum", "", "Expected sha256 of the image (hex or sha256:<hex>)")
	flashCmd.Flags().Int64Var(&flashSize, "size", 0, "Advertised image size in bytes")
	flashCmd.Flags().BoolVar(&flashNoVerify, "no-verify", false, "Skip the read-back verification pass")
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	source := args[0]
	devicePath := args[1]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if flashNoVerify {
		cfg.VerifyMode = "none"
	}

	if err := validate.NewValidator(cfg.MaxImageSize).ValidateDevicePath(devicePath); err != nil {
		return err
	}

	coord, store, err := newCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer coord.Close()
	defer store.Close()

	src := pipeline.ImageSource{
		Checksum:  flashChecksum,
		SizeBytes: flashSize,
	}
	if isRemoteSource(source) {
		src.URL = source
	} else {
		src.LocalPath = source
	}

	opID, err := coord.Start(ctx, src, devicePath)
	if err != nil {
		return errors.Wrap(err, "flash start failed")
	}

	// Ctrl-C requests cooperative cancellation; a second one kills
	// the process the usual way.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Warn("interrupt_received", "operation_id", opID)
		coord.Cancel(opID)
		signal.Stop(sigCh)
	}()

	snap := pollUntilDone(coord, opID)

	switch {
	case snap.Cancelled:
		return fmt.Errorf("operation cancelled")
	case snap.Error != "":
		return fmt.Errorf("flash failed: %s", snap.Error)
	}

	slog.Info("flash_finished", "operation_id", opID, "device", devicePath)
	return nil
}

func pollUntilDone(coord *pipeline.Coordinator, opID string) pipeline.Snapshot {
	var last pipeline.Snapshot
	for {
		snap, err := coord.Poll(opID)
		if err != nil {
			return last
		}
		if snap.Stage != last.Stage {
			fmt.Printf("==> %s\n", snap.Stage)
		}
		if snap.TotalBytes > 0 && snap.ProcessedBytes != last.ProcessedBytes {
			fmt.Printf("    %d / %d bytes (%.1f%%)\n",
				snap.ProcessedBytes, snap.TotalBytes,
				100*float64(snap.ProcessedBytes)/float64(snap.TotalBytes))
		}
		last = snap
		if snap.Done() {
			return snap
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func isRemoteSource(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "s3://")
}
