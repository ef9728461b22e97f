package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/sessiond/sessiond/api/pkg/inhibit"
	"github.com/sessiond/sessiond/api/pkg/statefile"
)

// Inhibitor is a client-held lock that blocks or delays power operations.
// The client's end of the fifo is the lifetime signal: when the last write
// fd closes, the daemon's read end returns EOF and the lock is released.
// No protocol runs over the fifo; any data written to it is discarded.
type Inhibitor struct {
	m *Manager

	id    string
	what  inhibit.What
	mode  inhibit.Mode
	who   string
	why   string
	uid   uint32
	pid   int
	since time.Time

	fifoPath string
	// reader is the daemon-held end, nil once released.
	reader *os.File
}

// ID returns the inhibitor id.
func (i *Inhibitor) ID() string { return i.id }

// What returns the operations the lock covers.
func (i *Inhibitor) What() inhibit.What { return i.what }

// Mode returns whether the lock blocks or delays.
func (i *Inhibitor) Mode() inhibit.Mode { return i.mode }

// Who returns the client's display name.
func (i *Inhibitor) Who() string { return i.who }

// Why returns the client's stated reason.
func (i *Inhibitor) Why() string { return i.why }

// UID returns the uid the lock was taken for.
func (i *Inhibitor) UID() uint32 { return i.uid }

// PID returns the pid that took the lock.
func (i *Inhibitor) PID() int { return i.pid }

// Since returns when the lock was taken.
func (i *Inhibitor) Since() time.Time { return i.since }

// CreateInhibitor registers a new inhibitor lock and returns the write end
// of its fifo. The caller (the bus glue) sends that fd to the client and
// closes its own copy; from then on the client's retention of the fd keeps
// the lock alive.
func (m *Manager) CreateInhibitor(what inhibit.What, mode inhibit.Mode, who, why string, uid uint32, pid int) (*Inhibitor, *os.File, error) {
	if what == 0 || what&^inhibit.WhatAll != 0 {
		return nil, nil, fmt.Errorf("%w: bad inhibit scope %#x", ErrInvalidArgument, uint32(what))
	}
	if mode != inhibit.Block && mode != inhibit.Delay {
		return nil, nil, fmt.Errorf("%w: bad inhibit mode %q", ErrInvalidArgument, mode)
	}

	id := uuid.NewString()
	fifoPath := filepath.Join(m.cfg.RuntimeDir, "inhibit", id+".ref")

	reader, writer, err := openFifoPair(fifoPath)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	i := &Inhibitor{
		m:        m,
		id:       id,
		what:     what,
		mode:     mode,
		who:      who,
		why:      why,
		uid:      uid,
		pid:      pid,
		since:    m.now(),
		fifoPath: fifoPath,
		reader:   reader,
	}
	m.inhibitors[id] = i
	if err := i.saveLocked(); err != nil {
		log.Warn().Str("inhibitor", id).Err(err).Msg("failed to persist inhibitor state")
	}
	m.mu.Unlock()

	go i.watchFifo(reader)

	log.Info().
		Str("inhibitor", id).
		Str("what", what.String()).
		Str("mode", string(mode)).
		Str("who", who).
		Str("why", why).
		Uint32("uid", uid).
		Int("pid", pid).
		Msg("inhibitor created")
	return i, writer, nil
}

// openFifoPair creates the fifo and opens both ends. The read end is
// opened first (non-blocking, so it does not wait for a writer), then the
// write end. Both stay non-blocking: that parks the EOF watcher on the
// runtime poller instead of pinning a thread, and lets Close interrupt it.
func openFifoPair(path string) (reader, writer *os.File, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create inhibit dir: %w", err)
	}
	if err := unix.Mkfifo(path, 0o600); err != nil && err != unix.EEXIST {
		return nil, nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}

	rfd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(path)
		return nil, nil, fmt.Errorf("open fifo read end: %w", err)
	}
	wfd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		unix.Close(rfd)
		os.Remove(path)
		return nil, nil, fmt.Errorf("open fifo write end: %w", err)
	}

	return os.NewFile(uintptr(rfd), path), os.NewFile(uintptr(wfd), path), nil
}

// watchFifo blocks until every write end of the fifo is closed, then
// releases the inhibitor. Data on the fifo is drained and ignored.
func (i *Inhibitor) watchFifo(f *os.File) {
	buf := make([]byte, 64)
	for {
		if _, err := f.Read(buf); err != nil {
			break
		}
	}
	i.m.ReleaseInhibitor(i.id)
}

// ReleaseInhibitor frees the inhibitor. Releasing an unknown or already
// released id is a no-op, so the fifo watcher and an explicit bus call can
// race safely.
func (m *Manager) ReleaseInhibitor(id string) {
	m.mu.Lock()
	i, ok := m.inhibitors[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.inhibitors, id)
	reader := i.reader
	i.reader = nil
	removeQuiet(i.fifoPath)
	removeQuiet(i.statePathLocked())
	m.mu.Unlock()

	if reader != nil {
		_ = reader.Close()
	}
	log.Info().Str("inhibitor", id).Str("who", i.who).Msg("inhibitor released")
}

// InhibitQuery narrows an IsInhibited check.
type InhibitQuery struct {
	// UID, when non-nil, only counts inhibitors taken for this uid.
	UID *uint32
	// IgnoreInactive only counts inhibitors whose owning session (resolved
	// by pid) is active or online.
	IgnoreInactive bool
}

// IsInhibited answers whether any live inhibitor matches the given
// operation set and mode, and if so since when the earliest one has been
// held.
func (m *Manager) IsInhibited(what inhibit.What, mode inhibit.Mode, q InhibitQuery) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isInhibitedLocked(what, mode, q)
}

func (m *Manager) isInhibitedLocked(what inhibit.What, mode inhibit.Mode, q InhibitQuery) (bool, time.Time) {
	var since time.Time
	found := false

	for _, i := range m.inhibitors {
		if !i.what.Overlaps(what) || i.mode != mode {
			continue
		}
		if q.UID != nil && i.uid != *q.UID {
			continue
		}
		if q.IgnoreInactive && !m.inhibitorSessionAliveLocked(i) {
			continue
		}
		if !found || i.since.Before(since) {
			since = i.since
		}
		found = true
	}
	return found, since
}

// inhibitorSessionAliveLocked resolves the inhibitor's owning session by
// pid and reports whether it is active or online. An inhibitor with no
// resolvable session does not count when inactive ones are ignored.
func (m *Manager) inhibitorSessionAliveLocked(i *Inhibitor) bool {
	if i.pid < 1 {
		return false
	}
	id, err := m.classifier.SessionOf(i.pid)
	if err != nil || id == "" {
		return false
	}
	s, ok := m.sessions[id]
	return ok && s.state.IsAliveState()
}

// --- persistence ---

func (i *Inhibitor) statePathLocked() string {
	return filepath.Join(i.m.cfg.RuntimeDir, "inhibitors", i.id)
}

func (i *Inhibitor) saveLocked() error {
	pairs := []statefile.Pair{
		{Key: "WHAT", Value: i.what.String()},
		{Key: "MODE", Value: string(i.mode)},
		{Key: "WHO", Value: i.who},
		{Key: "WHY", Value: i.why},
		{Key: "UID", Value: strconv.FormatUint(uint64(i.uid), 10)},
		{Key: "PID", Value: strconv.Itoa(i.pid)},
		{Key: "FIFO", Value: i.fifoPath},
		{Key: "SINCE", Value: strconv.FormatInt(i.since.UnixMicro(), 10)},
	}
	return statefile.Write(i.statePathLocked(), pairs)
}
