// Package manager is the core of sessiond: it owns the device, seat,
// session, user, inhibitor and button registries, routes hot-plug events
// into them, arbitrates power operations through inhibitor locks, and
// exposes the orchestration surface the bus glue calls into.
package manager

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessiond/sessiond/api/pkg/cgroups"
	"github.com/sessiond/sessiond/api/pkg/config"
	"github.com/sessiond/sessiond/api/pkg/drm"
	"github.com/sessiond/sessiond/api/pkg/inhibit"
	"github.com/sessiond/sessiond/api/pkg/types"
	"github.com/sessiond/sessiond/api/pkg/vt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrBusy             = errors.New("busy")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("operation not supported")
)

// Manager owns all entity registries. Every mutation happens under mu; the
// fd-watching goroutines (inhibitor fifos, evdev buttons, the cgroup agent
// socket) re-enter only through methods that take mu, so handlers never
// observe a half-applied update.
type Manager struct {
	mu  sync.Mutex
	cfg config.Config

	devices    map[string]*Device
	seats      map[string]*Seat
	sessions   map[string]*Session
	users      map[uint32]*User
	inhibitors map[string]*Inhibitor
	buttons    map[string]*Button

	// Bus peers we asked the bus glue to watch for disconnects.
	busNames map[string]struct{}

	// Garbage-collection worklists. Entities are never destroyed inside an
	// event handler; they are flagged and swept afterwards so back-pointers
	// stay valid for the whole handler.
	seatGC    []*Seat
	sessionGC []*Session
	userGC    []*User

	classifier cgroups.Classifier
	executor   PowerExecutor

	// Injectable probes, defaulting to the real kernel interfaces.
	countDisplays func() (int, error)
	vtBusy        func(int) (bool, error)
	now           func() time.Time

	// OnLock is invoked with the session id and the lock state whenever a
	// session is locked or unlocked, so the bus glue can emit the matching
	// signal. May be nil.
	OnLock func(sessionID string, locked bool)

	// Lid-switch, suspend-key and hibernate-key handling is suppressed
	// before this instant; the power key and the idle action do not consult
	// it. Armed at startup and after every executed sleep so a lid close
	// right after resume does not immediately re-suspend.
	holdoffUntil time.Time

	// idleActionNotBefore rate-limits the idle action to once per
	// configured idle period.
	idleActionNotBefore time.Time
}

// New creates a manager with the default seat. seat0 always exists and is
// exempt from garbage collection.
func New(cfg config.Config) *Manager {
	m := &Manager{
		cfg:        cfg,
		devices:    make(map[string]*Device),
		seats:      make(map[string]*Seat),
		sessions:   make(map[string]*Session),
		users:      make(map[uint32]*User),
		inhibitors: make(map[string]*Inhibitor),
		buttons:    make(map[string]*Button),
		busNames:   make(map[string]struct{}),
		classifier: cgroups.NewProcClassifier(),
		executor:   &LogExecutor{},
		countDisplays: func() (int, error) {
			return drm.CountDisplays(drm.DefaultSysRoot)
		},
		vtBusy: vt.IsBusy,
		now:    time.Now,
	}
	m.holdoffUntil = m.now().Add(cfg.HoldoffTimeoutSec)
	m.addSeatLocked("seat0")
	return m
}

// SetClassifier replaces the pid→session classifier (tests, alternate
// cgroup layouts).
func (m *Manager) SetClassifier(c cgroups.Classifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifier = c
}

// SetPowerExecutor replaces the component that performs the actual
// poweroff/suspend transition.
func (m *Manager) SetPowerExecutor(e PowerExecutor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executor = e
}

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() config.Config {
	return m.cfg
}

// AddDevice registers a device by syspath, or returns the existing record.
// The master flag only ever ratchets up: we support adding master status
// but never removing it.
func (m *Manager) AddDevice(syspath string, master bool) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addDeviceLocked(syspath, master)
}

func (m *Manager) addDeviceLocked(syspath string, master bool) *Device {
	if d, ok := m.devices[syspath]; ok {
		d.master = d.master || master
		return d
	}
	d := &Device{m: m, syspath: syspath, master: master}
	m.devices[syspath] = d
	return d
}

// AddSeat registers a seat by id, or returns the existing one.
func (m *Manager) AddSeat(id string) *Seat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addSeatLocked(id)
}

func (m *Manager) addSeatLocked(id string) *Seat {
	if s, ok := m.seats[id]; ok {
		return s
	}
	s := &Seat{m: m, id: id}
	m.seats[id] = s
	return s
}

// AddSession registers a session by id, or returns the existing one.
// Construction parameters beyond the id are applied by the caller only on
// first creation.
func (m *Manager) AddSession(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addSessionLocked(id)
}

func (m *Manager) addSessionLocked(id string) *Session {
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := &Session{m: m, id: id, state: types.SessionOpening}
	m.sessions[id] = s
	return s
}

// AddUser registers a user by uid, or returns the existing one. gid and
// name apply only on creation.
func (m *Manager) AddUser(uid, gid uint32, name string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addUserLocked(uid, gid, name)
}

func (m *Manager) addUserLocked(uid, gid uint32, name string) *User {
	if u, ok := m.users[uid]; ok {
		return u
	}
	u := &User{m: m, uid: uid, gid: gid, name: name}
	m.users[uid] = u
	return u
}

// AddButton registers a button device by sysname, or returns the existing
// one.
func (m *Manager) AddButton(name string) *Button {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addButtonLocked(name)
}

func (m *Manager) addButtonLocked(name string) *Button {
	if b, ok := m.buttons[name]; ok {
		return b
	}
	b := &Button{m: m, name: name, fd: -1}
	m.buttons[name] = b
	return b
}

// Device returns the device registered under syspath, or nil.
func (m *Manager) Device(syspath string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[syspath]
}

// Seat returns the seat registered under id, or nil.
func (m *Manager) Seat(id string) *Seat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seats[id]
}

// Session returns the session registered under id, or nil.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// User returns the user registered under uid, or nil.
func (m *Manager) User(uid uint32) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[uid]
}

// Inhibitor returns the inhibitor registered under id, or nil.
func (m *Manager) Inhibitor(id string) *Inhibitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inhibitors[id]
}

// Button returns the button registered under sysname, or nil.
func (m *Manager) Button(name string) *Button {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buttons[name]
}

// Seats returns a snapshot of all seats.
func (m *Manager) Seats() []*Seat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Seat, 0, len(m.seats))
	for _, s := range m.seats {
		out = append(out, s)
	}
	return out
}

// Sessions returns a snapshot of all sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Users returns a snapshot of all users.
func (m *Manager) Users() []*User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out
}

// Inhibitors returns a snapshot of all inhibitors.
func (m *Manager) Inhibitors() []*Inhibitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Inhibitor, 0, len(m.inhibitors))
	for _, i := range m.inhibitors {
		out = append(out, i)
	}
	return out
}

// WatchBusName records that the bus glue should watch the peer for
// disconnects. Idempotent.
func (m *Manager) WatchBusName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busNames[name] = struct{}{}
}

// DropBusName removes the watch on a bus peer, unless a session still
// claims the peer as its controller. A single peer may control several
// sessions, so the watch lives until the last claim is gone.
func (m *Manager) DropBusName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.isControllerLocked(name) {
			return
		}
	}
	delete(m.busNames, name)
}

// WatchesBusName reports whether the peer is currently watched.
func (m *Manager) WatchesBusName(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.busNames[name]
	return ok
}

// SessionByPID resolves the session a process belongs to through the
// cgroup classifier. A nil session with a nil error means the process is
// not part of any session, which is a normal answer for callers.
func (m *Manager) SessionByPID(pid int) (*Session, error) {
	if pid < 1 {
		return nil, ErrInvalidArgument
	}

	id, err := m.classifier.SessionOf(pid)
	if err != nil || id == "" {
		// Classifier failure is indistinguishable from "no session" for
		// the caller.
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id], nil
}

// UserByPID resolves the user owning the process's session.
func (m *Manager) UserByPID(pid int) (*User, error) {
	s, err := m.SessionByPID(pid)
	if err != nil || s == nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.user, nil
}

// ShallKill decides whether the named user's leftover processes are killed
// at logout.
func (m *Manager) ShallKill(username string) bool {
	if !m.cfg.KillUserProcesses {
		return false
	}
	if contains(m.cfg.KillExcludeUsers, username) {
		return false
	}
	if len(m.cfg.KillOnlyUsers) == 0 {
		return true
	}
	return contains(m.cfg.KillOnlyUsers, username)
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// IdleHint folds every session's idle report with the idle inhibitor state
// into the daemon-wide idle hint and its timestamp.
func (m *Manager) IdleHint() (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inhibited, _ := m.isInhibitedLocked(inhibit.Idle, inhibit.Block, InhibitQuery{})
	idle := !inhibited

	var ts time.Time
	for _, s := range m.sessions {
		sessionIdle, sessionTS := s.idleHint, s.idleSince
		if !sessionIdle {
			if idle {
				// First busy session ends the idle period at its report.
				idle = false
				ts = sessionTS
			} else if ts.IsZero() || sessionTS.Before(ts) {
				// Busy since the earliest active session.
				ts = sessionTS
			}
		} else if idle && sessionTS.After(ts) {
			// Fully idle only once the most recent session went idle.
			ts = sessionTS
		}
	}
	return idle, ts
}

// IsDocked reports whether any button device says a dock is attached.
func (m *Manager) IsDocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isDockedLocked()
}

func (m *Manager) isDockedLocked() bool {
	for _, b := range m.buttons {
		if b.docked {
			return true
		}
	}
	return false
}

// IsDockedOrMultipleDisplays is consulted when the lid closes: docked
// machines and multi-display setups keep running. A failed display count is
// logged and treated as "not multiple displays" so a sysfs quirk never
// blocks the lid policy outright.
func (m *Manager) IsDockedOrMultipleDisplays() bool {
	if m.IsDocked() {
		log.Debug().Msg("system is docked")
		return true
	}

	n, err := m.countDisplays()
	if err != nil {
		log.Warn().Err(err).Msg("display counting failed")
		return false
	}
	if n > 1 {
		log.Debug().Int("displays", n).Msg("multiple displays connected")
		return true
	}
	return false
}

// NotifyCgroupEmpty handles an empty-cgroup notification from the agent
// socket: if the cgroup belonged to a closing session, the session can now
// be collected.
func (m *Manager) NotifyCgroupEmpty(cgroupPath string) {
	id := cgroups.SessionFromPath(cgroupPath)
	if id == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	log.Debug().Str("session", id).Msg("session cgroup is empty")
	if s.state == types.SessionClosing {
		m.sessionAddToGCLocked(s)
		m.gcLocked()
	}
}

// --- garbage collection ---

func (m *Manager) seatAddToGCLocked(s *Seat) {
	if s == nil || s.inGC {
		return
	}
	s.inGC = true
	m.seatGC = append(m.seatGC, s)
}

func (m *Manager) sessionAddToGCLocked(s *Session) {
	if s == nil || s.inGC {
		return
	}
	s.inGC = true
	m.sessionGC = append(m.sessionGC, s)
}

func (m *Manager) userAddToGCLocked(u *User) {
	if u == nil || u.inGC {
		return
	}
	u.inGC = true
	m.userGC = append(m.userGC, u)
}

// gcLocked sweeps the worklists in dependency order (seat → session →
// user) until nothing changes. A sweep can enqueue the next kind: freeing
// a session enqueues its user, so the loop runs to a fixed point.
func (m *Manager) gcLocked() {
	for {
		progress := false

		for len(m.seatGC) > 0 {
			s := m.seatGC[0]
			m.seatGC = m.seatGC[1:]
			s.inGC = false
			if s.canGCLocked() {
				s.freeLocked()
				progress = true
			}
		}

		for len(m.sessionGC) > 0 {
			s := m.sessionGC[0]
			m.sessionGC = m.sessionGC[1:]
			s.inGC = false
			if s.canGCLocked() {
				s.freeLocked()
				progress = true
			}
		}

		for len(m.userGC) > 0 {
			u := m.userGC[0]
			m.userGC = m.userGC[1:]
			u.inGC = false
			if u.canGCLocked() {
				u.freeLocked()
				progress = true
			}
		}

		if !progress && len(m.seatGC) == 0 && len(m.sessionGC) == 0 && len(m.userGC) == 0 {
			return
		}
	}
}

// GC runs a sweep outside an event handler (bus glue, shutdown path).
func (m *Manager) GC() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked()
}
