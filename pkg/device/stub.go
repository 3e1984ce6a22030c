//go:build !linux

package device

import (
	"context"
	"fmt"
	"runtime"
)

// StubEnumerator is the placeholder for operating systems without an
// enumeration backend yet.
type StubEnumerator struct{}

// NewEnumerator creates a stub enumerator on unsupported systems.
func NewEnumerator() (Enumerator, error) {
	return &StubEnumerator{}, nil
}

func (e *StubEnumerator) List(ctx context.Context) ([]BlockDevice, error) {
	return nil, fmt.Errorf("device enumeration not supported on %s", runtime.GOOS)
}
