package progress

// Reporter is how a pipeline stage publishes progress to the coordinator.
// Components only ever report deltas; the coordinator owns the snapshot.
type Reporter interface {
	// SetStage announces a stage transition. Resets the byte counters.
	SetStage(s Stage)
	// SetTotal sets the expected byte count for the current stage
	// (0 if unknown).
	SetTotal(total int64)
	// Add records processed bytes for the current stage.
	Add(n int64)
}

// Nop is a Reporter that discards everything. Used by tests and by
// callers that do not track progress.
type Nop struct{}

func (Nop) SetStage(Stage) {}
func (Nop) SetTotal(int64) {}
func (Nop) Add(int64) {}
