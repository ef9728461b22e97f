package manager

import (
	"github.com/rs/zerolog/log"

	"github.com/sessiond/sessiond/api/pkg/types"
)

// Seat is a collection of hardware treated as one workstation. seat0 is
// created at startup and never collected; every other seat exists only
// while a device or a session holds it.
type Seat struct {
	m *Manager

	id       string
	devices  []*Device
	sessions []*Session
	active   *Session

	started bool
	inGC    bool
}

// ID returns the seat id.
func (s *Seat) ID() string {
	return s.id
}

// Devices returns a snapshot of the seat's attached devices, in attach
// order.
func (s *Seat) Devices() []*Device {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Sessions returns a snapshot of the seat's sessions.
func (s *Seat) Sessions() []*Session {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// ActiveSession returns the session in the foreground on this seat, or
// nil.
func (s *Seat) ActiveSession() *Session {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.active
}

// Started reports whether the seat has been started.
func (s *Seat) Started() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.started
}

// startLocked brings the seat up once its first device or session appears.
// Idempotent.
func (s *Seat) startLocked() {
	if s.started {
		return
	}
	s.started = true
	log.Info().Str("seat", s.id).Msg("new seat started")
}

// CanMultiSession reports whether the seat can host several concurrent
// sessions. Only the VT-backed default seat can.
func (s *Seat) CanMultiSession() bool {
	return s.id == "seat0"
}

// setActiveLocked makes sess the foreground session. Every other alive
// session on the seat drops to online. sess may be nil to clear the
// foreground.
func (s *Seat) setActiveLocked(sess *Session) {
	if sess != nil && sess.seat != s {
		return
	}
	s.active = sess
	for _, other := range s.sessions {
		if other == sess {
			if other.state != types.SessionClosing {
				other.state = types.SessionActive
			}
			continue
		}
		if other.state == types.SessionActive {
			other.state = types.SessionOnline
		}
	}
}

// attachSessionLocked places a session on the seat.
func (s *Seat) attachSessionLocked(sess *Session) {
	if sess.seat == s {
		return
	}
	if sess.seat != nil {
		sess.seat.detachSessionLocked(sess)
	}
	sess.seat = s
	s.sessions = append(s.sessions, sess)
}

// detachSessionLocked removes a session from the seat, clearing the active
// pointer if it pointed here, and flags the seat for collection.
func (s *Seat) detachSessionLocked(sess *Session) {
	if sess.seat != s {
		return
	}
	sess.seat = nil
	for i, other := range s.sessions {
		if other == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	if s.active == sess {
		s.active = nil
	}
	s.m.seatAddToGCLocked(s)
}

// canGCLocked: a seat is collectable once it is empty. The default seat
// stays forever.
func (s *Seat) canGCLocked() bool {
	return s.id != "seat0" && len(s.devices) == 0 && len(s.sessions) == 0
}

func (s *Seat) freeLocked() {
	log.Info().Str("seat", s.id).Msg("removed seat")
	delete(s.m.seats, s.id)
}
