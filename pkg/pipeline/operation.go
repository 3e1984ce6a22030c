package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/flashpipe/flashpipe/pkg/errors"
	"github.com/flashpipe/flashpipe/pkg/progress"
)

// operation is the live state behind one flash run. Progress writes
// publish a fresh immutable Snapshot so pollers never observe a
// half-updated view.
type operation struct {
	id    string
	token *progress.Token
	snap  atomic.Pointer[Snapshot]
}

func newOperation(id string) *operation {
	op := &operation{id: id, token: progress.NewToken()}
	op.snap.Store(&Snapshot{OperationID: id, Stage: progress.StageIdle})
	return op
}

func (o *operation) Snapshot() Snapshot {
	return *o.snap.Load()
}

func (o *operation) update(fn func(*Snapshot)) {
	for {
		cur := o.snap.Load()
		next := *cur
		fn(&next)
		if o.snap.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// SetStage advances the operation. Byte counters reset because totals
// are per stage. Backward or invalid transitions are ignored.
func (o *operation) SetStage(s progress.Stage) {
	o.update(func(sn *Snapshot) {
		if sn.Stage == s || !sn.Stage.CanTransition(s) {
			return
		}
		sn.Stage = s
		sn.TotalBytes = 0
		sn.ProcessedBytes = 0
	})
}

func (o *operation) SetTotal(n int64) {
	o.update(func(sn *Snapshot) {
		sn.TotalBytes = n
		sn.ProcessedBytes = 0
	})
}

func (o *operation) Add(n int64) {
	o.update(func(sn *Snapshot) {
		sn.ProcessedBytes += n
	})
}

// finalize publishes the terminal snapshot once the state machine
// has fully stopped.
func (o *operation) finalize(err error) {
	o.update(func(sn *Snapshot) {
		switch {
		case err == nil:
			sn.Stage = progress.StageComplete
			sn.ProcessedBytes = sn.TotalBytes
		case errors.Is(err, errors.ErrCancelled) || o.token.Cancelled():
			sn.Stage = progress.StageCancelled
			sn.Cancelled = true
			sn.Error = errors.ErrCancelled.Error()
		default:
			sn.Stage = progress.StageError
			sn.Error = err.Error()
		}
	})
}

// registry maps operation IDs to their live state so the state
// machine handlers can find the token and progress sink for the
// request they are serving.
type registry struct {
	mu  sync.Mutex
	ops map[string]*operation
}

func newRegistry() *registry {
	return &registry{ops: make(map[string]*operation)}
}

func (r *registry) put(op *operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.id] = op
}

func (r *registry) get(id string) (*operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	return op, ok
}
