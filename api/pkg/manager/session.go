package manager

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessiond/sessiond/api/pkg/statefile"
	"github.com/sessiond/sessiond/api/pkg/types"
)

// Session is one login occurrence, bound to a user and optionally to a
// seat.
type Session struct {
	m *Manager

	id        string
	user      *User
	seat      *Seat
	state     types.SessionState
	class     types.SessionClass
	stype     types.SessionType
	vtnr      int
	tty       string
	leaderPID int

	// controller is the bus peer claiming exclusive device control, or "".
	controller string

	idleHint  bool
	idleSince time.Time

	locked bool
	inGC   bool
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// User returns the owning user.
func (s *Session) User() *User {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.user
}

// Seat returns the seat the session runs on, or nil.
func (s *Session) Seat() *Seat {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.seat
}

// State returns the session's lifecycle state.
func (s *Session) State() types.SessionState {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.state
}

// Class returns the session class.
func (s *Session) Class() types.SessionClass {
	return s.class
}

// Type returns the session's display type.
func (s *Session) Type() types.SessionType {
	return s.stype
}

// VTNr returns the kernel VT number, or 0 when the session has none.
func (s *Session) VTNr() int {
	return s.vtnr
}

// TTY returns the controlling terminal, or "".
func (s *Session) TTY() string {
	return s.tty
}

// LeaderPID returns the pid of the session leader process.
func (s *Session) LeaderPID() int {
	return s.leaderPID
}

// Locked reports whether the session is currently locked.
func (s *Session) Locked() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.locked
}

// SetIdleHint records the session's idle report with the current time.
func (s *Session) SetIdleHint(idle bool) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.idleHint == idle && !s.idleSince.IsZero() {
		return
	}
	s.idleHint = idle
	s.idleSince = s.m.now()
}

// IdleHint returns the session's idle flag and when it last changed.
func (s *Session) IdleHint() (bool, time.Time) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.idleHint, s.idleSince
}

// Controller returns the controlling bus peer, or "".
func (s *Session) Controller() string {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.controller
}

// TakeControl assigns a bus peer as the session's controller and asks the
// bus glue to watch it. A second peer is refused while the first holds
// control.
func (s *Session) TakeControl(peer string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if peer == "" {
		return ErrInvalidArgument
	}
	if s.controller != "" && s.controller != peer {
		return ErrBusy
	}
	s.controller = peer
	s.m.busNames[peer] = struct{}{}
	log.Debug().Str("session", s.id).Str("peer", peer).Msg("session controller set")
	return nil
}

// ReleaseControl drops the session's controller, releasing the bus-name
// watch unless another session still claims the peer.
func (s *Session) ReleaseControl() {
	s.m.mu.Lock()
	peer := s.controller
	s.controller = ""
	s.m.mu.Unlock()
	if peer != "" {
		s.m.DropBusName(peer)
	}
}

func (s *Session) isControllerLocked(peer string) bool {
	return peer != "" && s.controller == peer
}

// stopLocked starts teardown: the session goes to closing and onto the GC
// worklist. The actual unlinking happens in the sweep.
func (s *Session) stopLocked() {
	if s.state == types.SessionClosing || s.state == types.SessionClosed {
		return
	}
	log.Info().Str("session", s.id).Msg("session stopping")
	s.state = types.SessionClosing
	s.m.sessionAddToGCLocked(s)
}

// canGCLocked: closing sessions are collectable. Everything else is still
// live.
func (s *Session) canGCLocked() bool {
	return s.state == types.SessionClosing || s.state == types.SessionClosed
}

// freeLocked finalizes teardown: removal from the owning user and seat,
// clearing the seat's foreground pointer if needed, releasing the
// controller watch and the state file.
func (s *Session) freeLocked() {
	s.state = types.SessionClosed

	if s.seat != nil {
		s.seat.detachSessionLocked(s)
	}
	if s.user != nil {
		s.user.removeSessionLocked(s)
		s.user = nil
	}

	if peer := s.controller; peer != "" {
		s.controller = ""
		// Inline DropBusName: we already hold the lock.
		retained := false
		for _, other := range s.m.sessions {
			if other != s && other.isControllerLocked(peer) {
				retained = true
				break
			}
		}
		if !retained {
			delete(s.m.busNames, peer)
		}
	}

	s.removeStateFile()
	delete(s.m.sessions, s.id)
	log.Info().Str("session", s.id).Msg("removed session")
}

// --- persistence ---

func (s *Session) statePath() string {
	return filepath.Join(s.m.cfg.RuntimeDir, "sessions", s.id)
}

// saveLocked writes the session state file. Only attributes that survive a
// daemon restart are persisted; idle state and lock state are ephemeral.
func (s *Session) saveLocked() error {
	pairs := []statefile.Pair{
		{Key: "STATE", Value: string(s.state)},
		{Key: "CLASS", Value: string(s.class)},
		{Key: "TYPE", Value: string(s.stype)},
		{Key: "LEADER", Value: strconv.Itoa(s.leaderPID)},
	}
	if s.user != nil {
		pairs = append(pairs,
			statefile.Pair{Key: "UID", Value: strconv.FormatUint(uint64(s.user.uid), 10)},
			statefile.Pair{Key: "USER", Value: s.user.name},
		)
	}
	if s.seat != nil {
		pairs = append(pairs, statefile.Pair{Key: "SEAT", Value: s.seat.id})
	}
	if s.vtnr > 0 {
		pairs = append(pairs, statefile.Pair{Key: "VTNR", Value: strconv.Itoa(s.vtnr)})
	}
	if s.tty != "" {
		pairs = append(pairs, statefile.Pair{Key: "TTY", Value: s.tty})
	}
	if s.controller != "" {
		pairs = append(pairs, statefile.Pair{Key: "CONTROLLER", Value: s.controller})
	}
	if err := statefile.Write(s.statePath(), pairs); err != nil {
		return fmt.Errorf("save session %s: %w", s.id, err)
	}
	return nil
}

func (s *Session) removeStateFile() {
	removeQuiet(s.statePath())
}
