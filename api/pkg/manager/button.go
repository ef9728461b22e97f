package manager

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Linux input event codes we care about.
const (
	evKey = 0x01
	evSw  = 0x05

	keyPower   = 116
	keyPower2  = 356
	keySleep   = 142
	keySuspend = 205

	swLid  = 0
	swDock = 5
)

// eviocgsw(8): read the current switch state mask.
// _IOC(_IOC_READ, 'E', 0x1b, 8)
const eviocgswRequest = (2 << 30) | (8 << 16) | ('E' << 8) | 0x1b

// inputEvent mirrors struct input_event from <linux/input.h>.
type inputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

// Button is a power/sleep key or lid/dock switch device, keyed by its
// input-subsystem sysname. It holds the open evdev fd for the life of the
// record.
type Button struct {
	m *Manager

	name   string
	seatID string

	docked    bool
	lidClosed bool

	fd   int
	file *os.File
}

// Name returns the button's sysname.
func (b *Button) Name() string { return b.name }

// SeatID returns the seat the button is bound to.
func (b *Button) SeatID() string {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	return b.seatID
}

// Docked reports the dock switch state.
func (b *Button) Docked() bool {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	return b.docked
}

// LidClosed reports the lid switch state.
func (b *Button) LidClosed() bool {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	return b.lidClosed
}

// openLocked opens the evdev node, reads the initial switch state and
// starts the event reader. Reopening an already open button is a no-op.
func (b *Button) openLocked() error {
	if b.fd >= 0 {
		return nil
	}

	devnode := filepath.Join("/dev/input", b.name)
	// Non-blocking so the reader goroutine parks on the runtime poller and
	// Close interrupts it when the button is removed.
	fd, err := unix.Open(devnode, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", devnode, err)
	}
	b.fd = fd
	b.file = os.NewFile(uintptr(fd), devnode)

	if mask, err := switchState(fd); err == nil {
		b.lidClosed = mask&(1<<swLid) != 0
		b.docked = mask&(1<<swDock) != 0
	}

	go b.readEvents(b.file)

	log.Info().Str("button", b.name).Str("seat", b.seatID).
		Bool("lid_closed", b.lidClosed).Bool("docked", b.docked).
		Msg("watching button device")
	return nil
}

// switchState fetches the device's current switch mask via EVIOCGSW.
func switchState(fd int) (uint64, error) {
	var mask uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocgswRequest, uintptr(unsafe.Pointer(&mask)))
	if errno != 0 {
		return 0, errno
	}
	return mask, nil
}

// readEvents delivers evdev records to the manager until the fd closes.
func (b *Button) readEvents(f *os.File) {
	for {
		var ev inputEvent
		if err := binary.Read(f, binary.NativeEndian, &ev); err != nil {
			return
		}
		b.m.handleButtonEvent(b.name, ev.Type, ev.Code, ev.Value)
	}
}

// freeLocked closes the evdev fd and drops the record.
func (b *Button) freeLocked() {
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
		b.fd = -1
	}
	delete(b.m.buttons, b.name)
	log.Info().Str("button", b.name).Msg("removed button device")
}

// handleButtonEvent routes one evdev record. Key presses trigger the
// configured power action; switch flips update the dock and lid state,
// with a lid close consulting the docked heuristic.
func (m *Manager) handleButtonEvent(name string, typ, code uint16, value int32) {
	m.mu.Lock()
	b, ok := m.buttons[name]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch typ {
	case evKey:
		if value != 1 {
			break // only key-down triggers actions
		}
		switch code {
		case keyPower, keyPower2:
			m.mu.Unlock()
			m.HandlePowerKey()
			return
		case keySleep:
			m.mu.Unlock()
			m.HandleSuspendKey()
			return
		case keySuspend:
			m.mu.Unlock()
			m.HandleHibernateKey()
			return
		}
	case evSw:
		switch code {
		case swLid:
			closed := value != 0
			changed := b.lidClosed != closed
			b.lidClosed = closed
			if changed && closed {
				m.mu.Unlock()
				m.HandleLidSwitch()
				return
			}
		case swDock:
			b.docked = value != 0
			log.Debug().Str("button", name).Bool("docked", b.docked).Msg("dock state changed")
		}
	}
	m.mu.Unlock()
}
