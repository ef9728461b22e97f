package manager

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sessiond/sessiond/api/pkg/types"
)

const (
	propIDSeat      = "ID_SEAT"
	tagMasterOfSeat = "master-of-seat"
	defaultSeat     = "seat0"

	seatNameMax = 255
)

// seatNameIsValid checks the seat-name grammar: a leading letter followed
// by letters, digits or dashes, bounded length. Keeps path fragments and
// other garbage from udev properties out of the registry.
func seatNameIsValid(name string) bool {
	if name == "" || len(name) > seatNameMax {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c == '-' || (c >= '0' && c <= '9')):
		default:
			return false
		}
	}
	return true
}

// ProcessDeviceEvent routes a pre-classified hot-plug event to the seat or
// button handler.
func (m *Manager) ProcessDeviceEvent(ev *types.DeviceEvent) error {
	switch ev.Kind {
	case types.SeatDevice:
		return m.ProcessSeatDevice(ev)
	case types.ButtonDevice:
		return m.ProcessButtonDevice(ev)
	}
	return fmt.Errorf("%w: unknown device kind %d", ErrInvalidArgument, ev.Kind)
}

// ProcessSeatDevice applies one seat-device event to the registries.
//
// Removal of an unknown device is a no-op. On add/change the seat id comes
// from the ID_SEAT property (seat0 when unset); an invalid seat name is
// logged and dropped without touching state, and a non-master device never
// materializes a seat on its own.
func (m *Manager) ProcessSeatDevice(ev *types.DeviceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Action == types.DeviceRemove {
		d, ok := m.devices[ev.Syspath]
		if !ok {
			return nil
		}
		m.seatAddToGCLocked(d.seat)
		d.freeLocked()
		m.gcLocked()
		return nil
	}

	sn := ev.Property(propIDSeat)
	if sn == "" {
		sn = defaultSeat
	}
	if !seatNameIsValid(sn) {
		log.Warn().Str("seat", sn).Str("syspath", ev.Syspath).Msg("device with invalid seat name found, ignoring")
		return nil
	}

	seat := m.seats[sn]
	master := ev.HasTag(tagMasterOfSeat)

	// Ignore non-master devices for unknown seats.
	if !master && seat == nil {
		return nil
	}

	d := m.addDeviceLocked(ev.Syspath, master)
	if seat == nil {
		seat = m.addSeatLocked(sn)
	}

	d.attachLocked(seat)
	seat.startLocked()
	m.gcLocked()
	return nil
}

// ProcessButtonDevice applies one button-device event: buttons are keyed
// by sysname, bound to their seat and opened for evdev polling.
func (m *Manager) ProcessButtonDevice(ev *types.DeviceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Action == types.DeviceRemove {
		b, ok := m.buttons[ev.Sysname]
		if !ok {
			return nil
		}
		b.freeLocked()
		return nil
	}

	b := m.addButtonLocked(ev.Sysname)

	sn := ev.Property(propIDSeat)
	if sn == "" {
		sn = defaultSeat
	}
	b.seatID = sn

	if err := b.openLocked(); err != nil {
		log.Warn().Str("button", ev.Sysname).Err(err).Msg("failed to open button device")
	}
	return nil
}

// AttachDevice pins a device to a seat explicitly (bus operation). Unlike
// the hot-plug path this may create the seat for a non-master device,
// because the request is an administrator's, not a udev guess. Moving a
// device that is already attached elsewhere requires override.
func (m *Manager) AttachDevice(seatID, syspath string, override bool) error {
	if !seatNameIsValid(seatID) {
		return fmt.Errorf("%w: invalid seat name %q", ErrInvalidArgument, seatID)
	}
	if syspath == "" {
		return fmt.Errorf("%w: empty syspath", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[syspath]; ok && d.seat != nil && d.seat.id != seatID && !override {
		return fmt.Errorf("%w: device %s is attached to seat %s", ErrBusy, syspath, d.seat.id)
	}

	d := m.addDeviceLocked(syspath, false)
	seat := m.addSeatLocked(seatID)
	d.attachLocked(seat)
	seat.startLocked()
	m.gcLocked()
	return nil
}

// FlushDevices forgets all explicit device-to-seat assignments: every
// device record is dropped and emptied seats are collected. Fresh hot-plug
// enumeration rebuilds the mapping.
func (m *Manager) FlushDevices() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		m.seatAddToGCLocked(d.seat)
		d.freeLocked()
	}
	m.gcLocked()
}
