//go:build !linux

package flash

import (
	"fmt"
	"os"
	"runtime"
)

type stubOpener struct{}

// NewOpener returns a stub opener on platforms without raw block
// device support.
func NewOpener() Opener {
	return stubOpener{}
}

func (stubOpener) OpenForWrite(path string) (*os.File, error) {
	return nil, fmt.Errorf("raw device access not supported on %s", runtime.GOOS)
}

func (stubOpener) OpenForVerify(path string) (*os.File, error) {
	return nil, fmt.Errorf("raw device access not supported on %s", runtime.GOOS)
}
