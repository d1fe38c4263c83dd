//go:build !linux

package osprio

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("osprio: priority control requires linux")

type noControl struct{}

// NewControl returns a control that fails every operation; active
// scheduling is a linux-only feature.
func NewControl(strict bool) Control {
	return noControl{}
}

func (noControl) SetPriority(osTID, prio int) error { return errUnsupported }
func (noControl) SetAffinity(osTID, cpu int) error  { return errUnsupported }

// CurrentOSTID degrades to the process id on non-linux platforms.
func CurrentOSTID() int {
	return os.Getpid()
}
