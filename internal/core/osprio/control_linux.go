//go:build linux

package osprio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixControl applies priorities with sched_setscheduler(SCHED_FIFO) in the
// strict discipline and setpriority(PRIO_PROCESS) in the relaxed one, and
// pins affinity with sched_setaffinity. Failures are fatal at the caller.
type unixControl struct {
	strict bool
}

// NewControl returns the production syscall control for a band discipline.
func NewControl(strict bool) Control {
	return &unixControl{strict: strict}
}

// schedParam mirrors struct sched_param for sched_setscheduler.
type schedParam struct {
	priority int32
}

func (c *unixControl) SetPriority(osTID, prio int) error {
	if c.strict {
		param := schedParam{priority: int32(prio)}
		_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
			uintptr(osTID), uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param)))
		if errno != 0 {
			return fmt.Errorf("sched_setscheduler(%d, SCHED_FIFO, %d): %w", osTID, prio, errno)
		}
		return nil
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, osTID, prio); err != nil {
		return fmt.Errorf("setpriority(%d, %d): %w", osTID, prio, err)
	}
	return nil
}

func (c *unixControl) SetAffinity(osTID, cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(osTID, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(%d, cpu %d): %w", osTID, cpu, err)
	}
	return nil
}

// CurrentOSTID returns the OS thread id of the calling thread.
func CurrentOSTID() int {
	return unix.Gettid()
}
