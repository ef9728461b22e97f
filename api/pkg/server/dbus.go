// Package server puts the manager's orchestration surface on the system
// bus. The core stays transport-free; everything here is glue: argument
// decoding, error-name mapping, fd passing and peer-disconnect tracking.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/sessiond/sessiond/api/pkg/inhibit"
	"github.com/sessiond/sessiond/api/pkg/manager"
	"github.com/sessiond/sessiond/api/pkg/types"
)

const (
	busName    = "org.sessiond.Manager1"
	objectPath = dbus.ObjectPath("/org/sessiond/Manager1")
	iface      = "org.sessiond.Manager1"

	dbusIface            = "org.freedesktop.DBus"
	nameOwnerChangedName = dbusIface + ".NameOwnerChanged"
)

// BusServer exposes a Manager on the system bus.
type BusServer struct {
	m    *manager.Manager
	conn *dbus.Conn
}

// New wraps a manager for bus export.
func New(m *manager.Manager) *BusServer {
	return &BusServer{m: m}
}

// Start connects to the system bus (retrying while it comes up), claims
// the service name, exports the surface and begins watching for peer
// disconnects.
func (s *BusServer) Start(ctx context.Context) error {
	err := retry.Do(
		func() error {
			conn, err := dbus.ConnectSystemBus()
			if err != nil {
				return err
			}
			s.conn = conn
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	reply, err := s.conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", busName)
	}

	if err := s.conn.Export(s, objectPath, iface); err != nil {
		return fmt.Errorf("export manager interface: %w", err)
	}

	if err := s.conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusIface),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("watch NameOwnerChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, 64)
	s.conn.Signal(signals)
	go s.watchDisconnects(ctx, signals)

	s.m.OnLock = func(sessionID string, locked bool) {
		member := ".SessionUnlocked"
		if locked {
			member = ".SessionLocked"
		}
		if err := s.conn.Emit(objectPath, iface+member, sessionID); err != nil {
			log.Warn().Str("session", sessionID).Err(err).Msg("failed to emit lock signal")
		}
	}

	log.Info().Str("name", busName).Msg("bus surface exported")
	return nil
}

// Close drops the bus connection.
func (s *BusServer) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// watchDisconnects releases controller state when a watched peer leaves
// the bus. The manager keeps the watch while any session still claims the
// peer.
func (s *BusServer) watchDisconnects(ctx context.Context, signals chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != nameOwnerChangedName || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if name == "" || newOwner != "" {
				continue
			}
			if !s.m.WatchesBusName(name) {
				continue
			}
			log.Debug().Str("peer", name).Msg("watched bus peer disconnected")
			s.releaseControllers(name)
			s.m.DropBusName(name)
		}
	}
}

// releaseControllers ends controller claims held by a vanished peer.
func (s *BusServer) releaseControllers(peer string) {
	for _, sess := range s.m.Sessions() {
		if sess.Controller() == peer {
			sess.ReleaseControl()
		}
	}
}

// --- exported methods ---

// GetSessionByPID resolves the session id owning a process, or "".
func (s *BusServer) GetSessionByPID(pid uint32) (string, *dbus.Error) {
	sess, err := s.m.SessionByPID(int(pid))
	if err != nil {
		return "", busError(err)
	}
	if sess == nil {
		return "", nil
	}
	return sess.ID(), nil
}

// ListSessions returns (id, uid, username, seat, state) tuples.
func (s *BusServer) ListSessions() ([][]interface{}, *dbus.Error) {
	var out [][]interface{}
	for _, sess := range s.m.Sessions() {
		var uid uint32
		var username string
		if u := sess.User(); u != nil {
			uid = u.UID()
			username = u.Name()
		}
		var seatID string
		if seat := sess.Seat(); seat != nil {
			seatID = seat.ID()
		}
		out = append(out, []interface{}{sess.ID(), uid, username, seatID, string(sess.State())})
	}
	return out, nil
}

// ListSeats returns (id, active-session) tuples.
func (s *BusServer) ListSeats() ([][]interface{}, *dbus.Error) {
	var out [][]interface{}
	for _, seat := range s.m.Seats() {
		var active string
		if sess := seat.ActiveSession(); sess != nil {
			active = sess.ID()
		}
		out = append(out, []interface{}{seat.ID(), active})
	}
	return out, nil
}

// ListInhibitors returns (what, mode, who, why, uid, pid) tuples.
func (s *BusServer) ListInhibitors() ([][]interface{}, *dbus.Error) {
	var out [][]interface{}
	for _, i := range s.m.Inhibitors() {
		out = append(out, []interface{}{i.What().String(), string(i.Mode()), i.Who(), i.Why(), i.UID(), int32(i.PID())})
	}
	return out, nil
}

// ActivateSession brings a session to its seat's foreground.
func (s *BusServer) ActivateSession(id string) *dbus.Error {
	return busError(s.m.ActivateSession(id))
}

// LockSession locks one session.
func (s *BusServer) LockSession(id string) *dbus.Error {
	return busError(s.m.LockSession(id))
}

// UnlockSession unlocks one session.
func (s *BusServer) UnlockSession(id string) *dbus.Error {
	return busError(s.m.UnlockSession(id))
}

// LockSessions locks every session.
func (s *BusServer) LockSessions() *dbus.Error {
	s.m.LockSessions(true)
	return nil
}

// ReleaseSession ends a session.
func (s *BusServer) ReleaseSession(id string) *dbus.Error {
	return busError(s.m.ReleaseSession(id))
}

// Inhibit takes an inhibitor lock and returns the client's end of its
// fifo. The client holds the lock exactly as long as it holds the fd.
func (s *BusServer) Inhibit(what, mode, who, why string, uid uint32, pid int32) (dbus.UnixFD, *dbus.Error) {
	w, err := inhibit.ParseWhat(what)
	if err != nil {
		return 0, busError(fmt.Errorf("%w: %v", manager.ErrInvalidArgument, err))
	}
	md, err := inhibit.ParseMode(mode)
	if err != nil {
		return 0, busError(fmt.Errorf("%w: %v", manager.ErrInvalidArgument, err))
	}

	_, writer, err := s.m.CreateInhibitor(w, md, who, why, uid, int(pid))
	if err != nil {
		return 0, busError(err)
	}

	fd := dbus.UnixFD(writer.Fd())
	// The bus library dups the fd into the reply message; our copy must go
	// away afterwards or the daemon itself would keep the lock alive.
	time.AfterFunc(time.Second, func() { _ = writer.Close() })
	return fd, nil
}

// IsInhibited answers the arbitration query for the given scope and mode.
func (s *BusServer) IsInhibited(what, mode string) (bool, uint64, *dbus.Error) {
	w, err := inhibit.ParseWhat(what)
	if err != nil {
		return false, 0, busError(fmt.Errorf("%w: %v", manager.ErrInvalidArgument, err))
	}
	md, err := inhibit.ParseMode(mode)
	if err != nil {
		return false, 0, busError(fmt.Errorf("%w: %v", manager.ErrInvalidArgument, err))
	}

	inhibited, since := s.m.IsInhibited(w, md, manager.InhibitQuery{})
	if !inhibited {
		return false, 0, nil
	}
	return true, uint64(since.UnixMicro()), nil
}

// AttachDevice pins a device to a seat.
func (s *BusServer) AttachDevice(seatID, syspath string, override bool) *dbus.Error {
	return busError(s.m.AttachDevice(seatID, syspath, override))
}

// FlushDevices forgets all device-to-seat assignments.
func (s *BusServer) FlushDevices() *dbus.Error {
	s.m.FlushDevices()
	return nil
}

// SetUserLinger pins or unpins a user.
func (s *BusServer) SetUserLinger(uid uint32, enable bool) *dbus.Error {
	return busError(s.m.SetUserLinger(uid, enable))
}

// PowerOff arbitrates and executes a poweroff.
func (s *BusServer) PowerOff() *dbus.Error {
	return busError(s.m.DoAction(types.ActionPowerOff))
}

// Reboot arbitrates and executes a reboot.
func (s *BusServer) Reboot() *dbus.Error {
	return busError(s.m.DoAction(types.ActionReboot))
}

// Suspend arbitrates and executes a suspend.
func (s *BusServer) Suspend() *dbus.Error {
	return busError(s.m.DoAction(types.ActionSuspend))
}

// Hibernate arbitrates and executes a hibernate.
func (s *BusServer) Hibernate() *dbus.Error {
	return busError(s.m.DoAction(types.ActionHibernate))
}

// busError maps core sentinels to stable bus error names.
func busError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	name := iface + ".Error.Failed"
	switch {
	case errors.Is(err, manager.ErrNotFound):
		name = iface + ".Error.NotFound"
	case errors.Is(err, manager.ErrInvalidArgument):
		name = iface + ".Error.InvalidArgument"
	case errors.Is(err, manager.ErrBusy):
		name = iface + ".Error.Busy"
	case errors.Is(err, manager.ErrPermissionDenied):
		name = iface + ".Error.PermissionDenied"
	case errors.Is(err, manager.ErrUnsupported):
		name = iface + ".Error.Unsupported"
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}
