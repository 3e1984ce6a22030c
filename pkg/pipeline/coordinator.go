package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/superfly/fsm"

	"github.com/flashpipe/flashpipe/pkg/cache"
	"github.com/flashpipe/flashpipe/pkg/decompress"
	"github.com/flashpipe/flashpipe/pkg/device"
	"github.com/flashpipe/flashpipe/pkg/download"
	"github.com/flashpipe/flashpipe/pkg/errors"
	appflash "github.com/flashpipe/flashpipe/pkg/flash"
	"github.com/flashpipe/flashpipe/pkg/validate"
)

const shutdownTimeout = 10 * time.Second

// Config carries coordinator settings.
type Config struct {
	FSMDBPath  string
	WorkDir    string
	MaxRetries int
	VerifyMode string
}

// Coordinator runs flash operations. At most one operation is active
// at a time; a second Start while one is running fails fast rather
// than queueing a destructive write behind another.
type Coordinator struct {
	cfg     Config
	manager *fsm.Manager
	start   fsm.Start[FlashRequest, FlashResponse]
	ops     *registry
	enum    device.Enumerator
	store   *cache.Cache

	mu     sync.Mutex
	active *operation
}

// New wires the state machine and returns a ready coordinator.
func New(
	ctx context.Context,
	cfg Config,
	downloader *download.Manager,
	decompressor *decompress.Engine,
	flasher *appflash.Engine,
	enum device.Enumerator,
	validator *validate.Validator,
	store *cache.Cache,
) (*Coordinator, error) {
	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}

	ops := newRegistry()
	machine := NewMachine(downloader, decompressor, flasher, enum, validator, ops, cfg.WorkDir, cfg.MaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		manager.Shutdown(shutdownTimeout)
		return nil, errors.Wrap(err, "FSM register failed")
	}

	return &Coordinator{
		cfg:     cfg,
		manager: manager,
		start:   start,
		ops:     ops,
		enum:    enum,
		store:   store,
	}, nil
}

// Close drains the state machine.
func (c *Coordinator) Close() {
	c.manager.Shutdown(shutdownTimeout)
}

// Devices returns a fresh enumeration of attached block devices.
func (c *Coordinator) Devices(ctx context.Context) ([]device.BlockDevice, error) {
	return c.enum.List(ctx)
}

// Start launches a flash operation and returns its ID. Returns
// ErrBusy while a previous operation has not reached a terminal
// stage.
func (c *Coordinator) Start(ctx context.Context, source ImageSource, devicePath string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.Snapshot().Done() {
		return "", fmt.Errorf("%w: operation %s still running", errors.ErrBusy, c.active.id)
	}

	id := uuid.NewString()
	op := newOperation(id)
	c.ops.put(op)

	req := &FlashRequest{
		OperationID: id,
		Source:      source,
		DevicePath:  devicePath,
		VerifyMode:  c.cfg.VerifyMode,
	}
	resp := &FlashResponse{}

	version, err := c.start(ctx, id, fsm.NewRequest(req, resp))
	if err != nil {
		op.finalize(errors.Wrap(err, "FSM start failed"))
		return "", errors.Wrap(err, "FSM start failed")
	}
	c.active = op

	slog.Info("operation_started", "operation_id", id, "device", devicePath, "version", version)

	go func() {
		err := c.manager.Wait(context.Background(), version)
		op.finalize(err)
		snap := op.Snapshot()
		slog.Info("operation_finished",
			"operation_id", id,
			"stage", snap.Stage.String(),
			"error", snap.Error)
	}()

	return id, nil
}

// Poll returns the current snapshot for an operation.
func (c *Coordinator) Poll(operationID string) (Snapshot, error) {
	op, ok := c.ops.get(operationID)
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown operation %s", operationID)
	}
	return op.Snapshot(), nil
}

// Cancel requests cooperative cancellation. Safe to call repeatedly
// and after completion, where it has no effect.
func (c *Coordinator) Cancel(operationID string) error {
	op, ok := c.ops.get(operationID)
	if !ok {
		return fmt.Errorf("unknown operation %s", operationID)
	}
	if op.Snapshot().Done() {
		return nil
	}
	op.token.Cancel()
	slog.Info("operation_cancel_requested", "operation_id", operationID)
	return nil
}

// CacheSize reports the total bytes held by the image cache.
func (c *Coordinator) CacheSize() (int64, error) {
	return c.store.TotalSize()
}

// ClearCache drops all unpinned cached images.
func (c *Coordinator) ClearCache() error {
	return c.store.Clear()
}

// EvictCache trims the cache to the given ceiling, oldest entries
// first.
func (c *Coordinator) EvictCache(maxSizeBytes int64) error {
	return c.store.EvictUntilUnder(maxSizeBytes)
}
