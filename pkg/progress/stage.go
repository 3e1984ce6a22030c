// Package progress holds the primitives shared by every pipeline stage:
// the stage enumeration, the cooperative cancellation token, and the
// reporter interface components use to publish byte deltas to the
// coordinator without ever touching its snapshot directly.
package progress

// Stage is one phase of the pipeline state machine.
type Stage int

const (
	StageIdle Stage = iota
	StageSelecting
	StageDownloading
	StageVerifyingChecksum
	StageDecompressing
	StageFlashing
	StageVerifyingWrite
	StageComplete
	StageError
	StageCancelled
)

var stageNames = map[Stage]string{
	StageIdle:              "idle",
	StageSelecting:         "selecting",
	StageDownloading:       "downloading",
	StageVerifyingChecksum: "verifying_checksum",
	StageDecompressing:     "decompressing",
	StageFlashing:          "flashing",
	StageVerifyingWrite:    "verifying_write",
	StageComplete:          "complete",
	StageError:             "error",
	StageCancelled:         "cancelled",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the stage ends the operation. A terminal stage
// requires a fresh operation to retry.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError || s == StageCancelled
}

// CanTransition reports whether moving from s to next respects the
// one-directional stage order. Error and Cancelled are reachable from any
// non-terminal stage; everything else only moves forward.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageError || next == StageCancelled {
		return true
	}
	return next > s
}
