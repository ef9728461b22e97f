package manager

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sessiond/sessiond/api/pkg/types"
)

// CreateSessionRequest carries the attributes of a new login, as reported
// by the external authenticator.
type CreateSessionRequest struct {
	ID        string
	UID       uint32
	GID       uint32
	Username  string
	SeatID    string
	VTNr      int
	TTY       string
	LeaderPID int
	Class     types.SessionClass
	Type      types.SessionType
}

// maxVT bounds the free-VT scan when allocating a terminal for a new
// graphical session.
const maxVT = 63

// CreateSession registers a login session. Re-registering an existing id
// returns the existing session untouched; registration is idempotent and
// construction parameters apply only on creation.
func (m *Manager) CreateSession(req CreateSessionRequest) (*Session, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}
	if req.SeatID != "" && !seatNameIsValid(req.SeatID) {
		return nil, fmt.Errorf("%w: invalid seat name %q", ErrInvalidArgument, req.SeatID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[req.ID]; ok {
		return s, nil
	}

	if req.Class == "" {
		req.Class = types.ClassUser
	}
	if req.Type == "" {
		req.Type = types.TypeUnspecified
	}

	u := m.addUserLocked(req.UID, req.GID, req.Username)

	s := m.addSessionLocked(req.ID)
	s.class = req.Class
	s.stype = req.Type
	s.tty = req.TTY
	s.leaderPID = req.LeaderPID
	s.vtnr = req.VTNr
	u.addSessionLocked(s)

	if req.SeatID != "" {
		seat := m.addSeatLocked(req.SeatID)
		seat.attachSessionLocked(s)
		seat.startLocked()

		// Graphical sessions on the VT-capable seat get a free VT when the
		// caller did not pick one. A probe failure leaves the session
		// without a VT rather than failing the login.
		if s.vtnr == 0 && seat.CanMultiSession() && graphical(req.Type) {
			if n := m.findFreeVTLocked(); n > 0 {
				s.vtnr = n
			}
		}
	}

	s.state = types.SessionOnline
	s.idleSince = m.now()

	if err := s.saveLocked(); err != nil {
		log.Warn().Str("session", s.id).Err(err).Msg("failed to persist session state")
	}
	if err := u.saveLocked(); err != nil {
		log.Warn().Uint32("uid", u.uid).Err(err).Msg("failed to persist user state")
	}

	log.Info().
		Str("session", s.id).
		Uint32("uid", req.UID).
		Str("user", req.Username).
		Str("seat", req.SeatID).
		Int("vtnr", s.vtnr).
		Str("class", string(s.class)).
		Str("type", string(s.stype)).
		Msg("new session")
	return s, nil
}

func graphical(t types.SessionType) bool {
	return t == types.TypeX11 || t == types.TypeWayland || t == types.TypeMir
}

func (m *Manager) findFreeVTLocked() int {
	for n := 1; n <= maxVT; n++ {
		busy, err := m.vtBusy(n)
		if err != nil {
			log.Debug().Int("vt", n).Err(err).Msg("vt probe failed")
			return 0
		}
		if !busy {
			return n
		}
	}
	return 0
}

// ReleaseSession ends a session: it moves to closing and is collected on
// the next sweep.
func (m *Manager) ReleaseSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: no session %q", ErrNotFound, id)
	}
	s.stopLocked()
	m.gcLocked()
	return nil
}

// ActivateSession brings a session to the foreground of its seat.
func (m *Manager) ActivateSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: no session %q", ErrNotFound, id)
	}
	if s.seat == nil {
		return fmt.Errorf("%w: session %q is not on a seat", ErrUnsupported, id)
	}
	if s.state == types.SessionClosing || s.state == types.SessionClosed {
		return fmt.Errorf("%w: session %q is closing", ErrBusy, id)
	}

	s.seat.setActiveLocked(s)
	log.Info().Str("session", id).Str("seat", s.seat.id).Msg("session activated")
	return nil
}

// LockSession locks one session and notifies the bus glue.
func (m *Manager) LockSession(id string) error {
	return m.setSessionLocked(id, true)
}

// UnlockSession unlocks one session and notifies the bus glue.
func (m *Manager) UnlockSession(id string) error {
	return m.setSessionLocked(id, false)
}

func (m *Manager) setSessionLocked(id string, lock bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: no session %q", ErrNotFound, id)
	}
	s.locked = lock
	onLock := m.OnLock
	m.mu.Unlock()

	log.Info().Str("session", id).Bool("locked", lock).Msg("session lock state changed")
	if onLock != nil {
		onLock(id, lock)
	}
	return nil
}

// SetUserLinger pins or unpins a user independent of open sessions.
// Unpinning a sessionless user makes it collectable.
func (m *Manager) SetUserLinger(uid uint32, enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[uid]
	if !ok {
		return fmt.Errorf("%w: no user %d", ErrNotFound, uid)
	}
	u.linger = enable
	if err := u.saveLocked(); err != nil {
		log.Warn().Uint32("uid", uid).Err(err).Msg("failed to persist user state")
	}
	if !enable {
		m.userAddToGCLocked(u)
		m.gcLocked()
	}
	return nil
}

// SaveAll persists every session, user and inhibitor. Called on shutdown
// so a restart can restore the registries.
func (m *Manager) SaveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if err := s.saveLocked(); err != nil {
			log.Warn().Str("session", s.id).Err(err).Msg("failed to persist session state")
		}
	}
	for _, u := range m.users {
		if err := u.saveLocked(); err != nil {
			log.Warn().Uint32("uid", u.uid).Err(err).Msg("failed to persist user state")
		}
	}
	for _, i := range m.inhibitors {
		if err := i.saveLocked(); err != nil {
			log.Warn().Str("inhibitor", i.id).Err(err).Msg("failed to persist inhibitor state")
		}
	}
}
