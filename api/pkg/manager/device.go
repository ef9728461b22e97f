package manager

// Device is a seat-assignable hardware device, keyed by its sysfs path.
// The registry owns the record; the seat back-pointer is a weak reference
// cleared on detach.
type Device struct {
	m *Manager

	syspath string
	master  bool
	seat    *Seat
}

// Syspath returns the device's sysfs path.
func (d *Device) Syspath() string {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.syspath
}

// Master reports whether the device is tagged as a defining member of its
// seat.
func (d *Device) Master() bool {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.master
}

// Seat returns the seat the device is attached to, or nil.
func (d *Device) Seat() *Seat {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.seat
}

// attachLocked moves the device onto a seat, detaching it from its
// previous one first. The abandoned seat is enqueued for collection.
func (d *Device) attachLocked(s *Seat) {
	if d.seat == s {
		return
	}
	d.detachLocked()
	d.seat = s
	s.devices = append(s.devices, d)
}

// detachLocked removes the device from its seat, if any, and flags the
// seat for collection.
func (d *Device) detachLocked() {
	if d.seat == nil {
		return
	}
	old := d.seat
	d.seat = nil
	for i, other := range old.devices {
		if other == d {
			old.devices = append(old.devices[:i], old.devices[i+1:]...)
			break
		}
	}
	d.m.seatAddToGCLocked(old)
}

// freeLocked detaches the device and removes it from the registry.
func (d *Device) freeLocked() {
	d.detachLocked()
	delete(d.m.devices, d.syspath)
}
