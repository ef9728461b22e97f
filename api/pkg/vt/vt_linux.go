// Package vt probes kernel virtual terminal state. It is used to pick a
// free VT when allocating one for a new graphical session.
package vt

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrInvalidVT is returned for VT numbers below 1.
var ErrInvalidVT = errors.New("invalid vt number")

const vtGetState = 0x5603 // VT_GETSTATE

// vtStat mirrors struct vt_stat from <linux/vt.h>.
type vtStat struct {
	Active uint16
	Signal uint16
	State  uint16
}

// The syscalls are package variables so tests can substitute a canned
// in-use mask without a console device.
var (
	openTerminal = func() (int, error) {
		// tty1, not tty0: tty0 aliases the foreground VT and would always
		// probe busy.
		return unix.Open("/dev/tty1", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	}
	getState = func(fd int) (uint16, error) {
		var st vtStat
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), vtGetState, uintptr(unsafe.Pointer(&st)))
		if errno != 0 {
			return 0, errno
		}
		return st.State, nil
	}
)

// IsBusy reports whether VT number vtnr has a process attached, per the
// kernel's VT_GETSTATE in-use mask.
func IsBusy(vtnr int) (bool, error) {
	if vtnr < 1 {
		return false, ErrInvalidVT
	}

	fd, err := openTerminal()
	if err != nil {
		return false, fmt.Errorf("open vt: %w", err)
	}
	defer unix.Close(fd)

	state, err := getState(fd)
	if err != nil {
		return false, fmt.Errorf("VT_GETSTATE: %w", err)
	}
	return state&(1<<uint(vtnr)) != 0, nil
}

// FindFree returns the lowest free VT in [1, max], or 0 when every probed
// VT is busy.
func FindFree(max int) (int, error) {
	if max < 1 {
		return 0, ErrInvalidVT
	}
	for n := 1; n <= max; n++ {
		busy, err := IsBusy(n)
		if err != nil {
			return 0, err
		}
		if !busy {
			return n, nil
		}
	}
	return 0, nil
}
