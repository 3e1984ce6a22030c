package commands

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flashpipe/flashpipe/internal/config"
	"github.com/flashpipe/flashpipe/pkg/cache"
	"github.com/flashpipe/flashpipe/pkg/decompress"
	"github.com/flashpipe/flashpipe/pkg/device"
	"github.com/flashpipe/flashpipe/pkg/download"
	"github.com/flashpipe/flashpipe/pkg/errors"
	"github.com/flashpipe/flashpipe/pkg/flash"
	"github.com/flashpipe/flashpipe/pkg/pipeline"
	"github.com/flashpipe/flashpipe/pkg/storage"
	"github.com/flashpipe/flashpipe/pkg/validate"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(cacheDir, fsmDBPath, workDir string) error {
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create cache directory")
		}
	}
	if fsmDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(fsmDBPath), 0o755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}
	return nil
}

// newCoordinator builds the full pipeline from configuration. The
// returned cache must be closed by the caller along with the
// coordinator.
func newCoordinator(ctx context.Context, cfg *config.Config) (*pipeline.Coordinator, *cache.Cache, error) {
	if err := ensureDirectories(cfg.CacheDir, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return nil, nil, err
	}

	store, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cache init failed")
	}

	s3Client, err := storage.NewClient(ctx, cfg.S3Region)
	if err != nil {
		store.Close()
		return nil, nil, errors.Wrap(err, "S3 client failed")
	}

	httpClient := &http.Client{}
	if cfg.HTTPTimeout > 0 {
		httpClient.Timeout = time.Duration(cfg.HTTPTimeout) * time.Second
	}

	enum, err := device.NewEnumerator()
	if err != nil {
		store.Close()
		return nil, nil, errors.Wrap(err, "device enumerator failed")
	}

	downloadStore := store
	if !cfg.CacheEnabled {
		downloadStore = nil
	}

	downloader := download.NewManager(httpClient, s3Client, downloadStore, cfg.ChunkSize)
	decompressor := decompress.NewEngine(cfg.ChunkSize, cfg.MaxImageSize)
	flasher := flash.NewEngine(flash.NewOpener(), enum, cfg.ChunkSize)
	validator := validate.NewValidator(cfg.MaxImageSize)

	coord, err := pipeline.New(ctx, pipeline.Config{
		FSMDBPath:  cfg.FSMDBPath,
		WorkDir:    cfg.WorkDir,
		MaxRetries: cfg.FSMMaxRetries,
		VerifyMode: cfg.VerifyMode,
	}, downloader, decompressor, flasher, enum, validator, store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return coord, store, nil
}
