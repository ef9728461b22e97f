package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/sessiond/sessiond/api/pkg/statefile"
)

// User groups the sessions of one uid. Users appear with their first
// session and are collected once the last session is gone, unless lingering
// keeps them around.
type User struct {
	m *Manager

	uid  uint32
	gid  uint32
	name string

	sessions []*Session

	// linger keeps the user record (and its runtime state) alive without
	// any open session.
	linger bool

	// runtimeDirReady is raised once the user's runtime directory has been
	// set up by the external runtime-dir helper.
	runtimeDirReady bool

	inGC bool
}

// UID returns the numeric uid.
func (u *User) UID() uint32 {
	return u.uid
}

// GID returns the primary gid.
func (u *User) GID() uint32 {
	return u.gid
}

// Name returns the account name.
func (u *User) Name() string {
	return u.name
}

// Sessions returns a snapshot of the user's sessions.
func (u *User) Sessions() []*Session {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	out := make([]*Session, len(u.sessions))
	copy(out, u.sessions)
	return out
}

// Linger reports whether the user is kept alive without sessions.
func (u *User) Linger() bool {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	return u.linger
}

// SetRuntimeDirReady records that the runtime directory helper finished.
func (u *User) SetRuntimeDirReady(ready bool) {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	u.runtimeDirReady = ready
}

// RuntimeDirReady reports whether the user's runtime directory is set up.
func (u *User) RuntimeDirReady() bool {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	return u.runtimeDirReady
}

func (u *User) addSessionLocked(s *Session) {
	if s.user == u {
		return
	}
	if s.user != nil {
		s.user.removeSessionLocked(s)
	}
	s.user = u
	u.sessions = append(u.sessions, s)
}

func (u *User) removeSessionLocked(s *Session) {
	for i, other := range u.sessions {
		if other == s {
			u.sessions = append(u.sessions[:i], u.sessions[i+1:]...)
			break
		}
	}
	u.m.userAddToGCLocked(u)
}

// canGCLocked: a user is collectable once no session remains and nothing
// pins it.
func (u *User) canGCLocked() bool {
	return len(u.sessions) == 0 && !u.linger
}

func (u *User) freeLocked() {
	u.removeStateFile()
	delete(u.m.users, u.uid)
	log.Info().Uint32("uid", u.uid).Str("user", u.name).Msg("removed user")
}

// --- persistence ---

func (u *User) statePath() string {
	return filepath.Join(u.m.cfg.RuntimeDir, "users", strconv.FormatUint(uint64(u.uid), 10))
}

func (u *User) saveLocked() error {
	pairs := []statefile.Pair{
		{Key: "NAME", Value: u.name},
		{Key: "GID", Value: strconv.FormatUint(uint64(u.gid), 10)},
		{Key: "LINGER", Value: strconv.FormatBool(u.linger)},
	}
	if err := statefile.Write(u.statePath(), pairs); err != nil {
		return fmt.Errorf("save user %d: %w", u.uid, err)
	}
	return nil
}

func (u *User) removeStateFile() {
	removeQuiet(u.statePath())
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Str("path", path).Err(err).Msg("failed to remove state file")
	}
}
