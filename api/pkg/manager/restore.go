package manager

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/sessiond/sessiond/api/pkg/inhibit"
	"github.com/sessiond/sessiond/api/pkg/statefile"
	"github.com/sessiond/sessiond/api/pkg/types"
)

// Restore rebuilds the session, user and inhibitor registries from the
// runtime directory. A malformed record aborts only that record's
// restoration, never the daemon. Device and seat membership is not
// persisted; it is rebuilt from fresh hot-plug enumeration.
func (m *Manager) Restore() {
	m.restoreUsers()
	m.restoreSessions()
	m.restoreInhibitors()
}

func (m *Manager) restoreUsers() {
	dir := filepath.Join(m.cfg.RuntimeDir, "users")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		uid64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		kv, err := statefile.Read(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable user state")
			continue
		}

		gid, _ := strconv.ParseUint(kv["GID"], 10, 32)
		m.mu.Lock()
		u := m.addUserLocked(uint32(uid64), uint32(gid), kv["NAME"])
		u.linger = kv["LINGER"] == "true"
		m.mu.Unlock()
	}
}

func (m *Manager) restoreSessions() {
	dir := filepath.Join(m.cfg.RuntimeDir, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		kv, err := statefile.Read(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable session state")
			continue
		}

		uid64, err := strconv.ParseUint(kv["UID"], 10, 32)
		if err != nil {
			log.Warn().Str("file", entry.Name()).Msg("skipping session state without owner")
			continue
		}

		m.mu.Lock()
		u := m.addUserLocked(uint32(uid64), 0, kv["USER"])
		s := m.addSessionLocked(entry.Name())
		u.addSessionLocked(s)

		s.class = types.SessionClass(kv["CLASS"])
		s.stype = types.SessionType(kv["TYPE"])
		s.tty = kv["TTY"]
		s.leaderPID, _ = strconv.Atoi(kv["LEADER"])
		s.vtnr, _ = strconv.Atoi(kv["VTNR"])
		s.idleSince = m.now()

		if sn := kv["SEAT"]; sn != "" && seatNameIsValid(sn) {
			seat := m.addSeatLocked(sn)
			seat.attachSessionLocked(s)
		}

		if peer := kv["CONTROLLER"]; peer != "" {
			s.controller = peer
			m.busNames[peer] = struct{}{}
		}

		if types.SessionState(kv["STATE"]) == types.SessionClosing {
			// The session was already on its way out when we went down.
			s.state = types.SessionClosing
			m.sessionAddToGCLocked(s)
		} else {
			s.state = types.SessionOnline
		}
		m.mu.Unlock()

		log.Info().Str("session", entry.Name()).Msg("restored session")
	}
	m.GC()
}

func (m *Manager) restoreInhibitors() {
	dir := filepath.Join(m.cfg.RuntimeDir, "inhibitors")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		kv, err := statefile.Read(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable inhibitor state")
			continue
		}

		what, err := inhibit.ParseWhat(kv["WHAT"])
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping inhibitor with bad scope")
			continue
		}
		mode, err := inhibit.ParseMode(kv["MODE"])
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping inhibitor with bad mode")
			continue
		}
		fifoPath := kv["FIFO"]
		if fifoPath == "" {
			log.Warn().Str("file", entry.Name()).Msg("skipping inhibitor without fifo")
			continue
		}

		// Reopen the daemon end of the fifo. If the client died while we
		// were down, the watcher sees EOF immediately and releases the
		// lock right away.
		rfd, err := unix.Open(fifoPath, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping inhibitor with unreadable fifo")
			removeQuiet(filepath.Join(dir, entry.Name()))
			continue
		}

		uid64, _ := strconv.ParseUint(kv["UID"], 10, 32)
		pid, _ := strconv.Atoi(kv["PID"])
		since := m.now()
		if usec, err := strconv.ParseInt(kv["SINCE"], 10, 64); err == nil && usec > 0 {
			since = time.UnixMicro(usec)
		}

		reader := os.NewFile(uintptr(rfd), fifoPath)

		m.mu.Lock()
		i := &Inhibitor{
			m:        m,
			id:       entry.Name(),
			what:     what,
			mode:     mode,
			who:      kv["WHO"],
			why:      kv["WHY"],
			uid:      uint32(uid64),
			pid:      pid,
			since:    since,
			fifoPath: fifoPath,
			reader:   reader,
		}
		m.inhibitors[i.id] = i
		m.mu.Unlock()

		go i.watchFifo(reader)
		log.Info().Str("inhibitor", i.id).Str("who", i.who).Msg("restored inhibitor")
	}
}
