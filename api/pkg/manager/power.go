package manager

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessiond/sessiond/api/pkg/inhibit"
	"github.com/sessiond/sessiond/api/pkg/types"
)

// PowerExecutor performs the actual power-state transition once the
// manager has arbitrated it. The real implementation (privileged helper,
// /sys/power writes) lives outside the core.
type PowerExecutor interface {
	Execute(action types.PowerAction) error
}

// LogExecutor only logs the transition. Used in tests and dry runs.
type LogExecutor struct{}

// Execute implements PowerExecutor.
func (e *LogExecutor) Execute(action types.PowerAction) error {
	log.Info().Str("action", string(action)).Msg("power action executed (dry run)")
	return nil
}

// whatForAction maps a power action to the inhibitor operation that gates
// it.
func whatForAction(action types.PowerAction) inhibit.What {
	switch action {
	case types.ActionPowerOff, types.ActionReboot, types.ActionHalt:
		return inhibit.Shutdown
	case types.ActionSuspend, types.ActionHibernate, types.ActionHybridSleep:
		return inhibit.Sleep
	}
	return 0
}

// delayPollInterval is how often a delayed power operation re-checks its
// delay inhibitors.
const delayPollInterval = 100 * time.Millisecond

// DoAction arbitrates and executes a power action.
//
// Block inhibitors refuse the operation outright. Delay inhibitors hold it
// back until they are released or the daemon-wide maximum delay elapses,
// whichever comes first; then the operation proceeds regardless. Callers on
// the bus path run this off the message-dispatch goroutine because of that
// wait.
func (m *Manager) DoAction(action types.PowerAction) error {
	switch action {
	case types.ActionIgnore:
		return nil
	case types.ActionLock:
		m.LockSessions(true)
		return nil
	}

	what := whatForAction(action)
	if what == 0 {
		return fmt.Errorf("%w: action %q", ErrInvalidArgument, action)
	}

	if blocked, since := m.IsInhibited(what, inhibit.Block, InhibitQuery{}); blocked {
		log.Info().Str("action", string(action)).Time("since", since).Msg("operation refused, blocked by inhibitor")
		return fmt.Errorf("%w: operation inhibited", ErrBusy)
	}

	if delayed, _ := m.IsInhibited(what, inhibit.Delay, InhibitQuery{}); delayed {
		m.waitForDelayInhibitors(what)
	}

	m.mu.Lock()
	executor := m.executor
	if what == inhibit.Sleep {
		// Re-arm the holdoff so the lid does not re-trigger right after
		// resume.
		m.holdoffUntil = m.now().Add(m.cfg.HoldoffTimeoutSec)
	}
	m.mu.Unlock()

	log.Info().Str("action", string(action)).Msg("executing power action")
	return executor.Execute(action)
}

// waitForDelayInhibitors gives delay-mode inhibitors up to the configured
// maximum to finish their work and close their fifos.
func (m *Manager) waitForDelayInhibitors(what inhibit.What) {
	deadline := m.now().Add(m.cfg.InhibitDelayMax)
	for m.now().Before(deadline) {
		if delayed, _ := m.IsInhibited(what, inhibit.Delay, InhibitQuery{}); !delayed {
			return
		}
		time.Sleep(delayPollInterval)
	}
	log.Debug().Str("what", what.String()).Msg("delay inhibitor timeout reached, proceeding")
}

// keyInhibited reports whether a client took over handling of the given
// hardware key (or the lid switch) with a block-mode inhibitor.
func (m *Manager) keyInhibited(what inhibit.What) bool {
	inhibited, _ := m.IsInhibited(what, inhibit.Block, InhibitQuery{})
	return inhibited
}

// inHoldoff suppresses automatic reactions right after boot or resume.
func (m *Manager) inHoldoff() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.holdoffUntil)
}

// HandlePowerKey reacts to a power-key press with the configured action,
// unless a client inhibited internal key handling.
func (m *Manager) HandlePowerKey() {
	if m.keyInhibited(inhibit.HandlePowerKey) {
		log.Debug().Msg("power key handling inhibited by client")
		return
	}
	m.runAction("power key", m.cfg.HandlePowerKey)
}

// HandleSuspendKey reacts to a suspend-key press.
func (m *Manager) HandleSuspendKey() {
	if m.keyInhibited(inhibit.HandleSuspendKey) {
		log.Debug().Msg("suspend key handling inhibited by client")
		return
	}
	if m.inHoldoff() {
		log.Debug().Msg("suspend key ignored during holdoff")
		return
	}
	m.runAction("suspend key", m.cfg.HandleSuspendKey)
}

// HandleHibernateKey reacts to a hibernate-key press.
func (m *Manager) HandleHibernateKey() {
	if m.keyInhibited(inhibit.HandleHibernateKey) {
		log.Debug().Msg("hibernate key handling inhibited by client")
		return
	}
	if m.inHoldoff() {
		log.Debug().Msg("hibernate key ignored during holdoff")
		return
	}
	m.runAction("hibernate key", m.cfg.HandleHibernateKey)
}

// HandleLidSwitch reacts to the lid closing. Docked machines and
// multi-display setups use the docked policy instead of the plain one.
func (m *Manager) HandleLidSwitch() {
	if m.keyInhibited(inhibit.HandleLidSwitch) {
		log.Debug().Msg("lid switch handling inhibited by client")
		return
	}
	if m.inHoldoff() {
		log.Debug().Msg("lid switch ignored during holdoff")
		return
	}

	action := m.cfg.HandleLidSwitch
	if m.IsDockedOrMultipleDisplays() {
		action = m.cfg.HandleLidSwitchDocked
	}
	m.runAction("lid switch", action)
}

func (m *Manager) runAction(source string, action types.PowerAction) {
	if action == types.ActionIgnore {
		return
	}
	log.Info().Str("source", source).Str("action", string(action)).Msg("handling power event")
	go func() {
		if err := m.DoAction(action); err != nil {
			log.Warn().Str("source", source).Str("action", string(action)).Err(err).Msg("power action failed")
		}
	}()
}

// LockSessions locks or unlocks every session, notifying the bus glue per
// session.
func (m *Manager) LockSessions(lock bool) {
	m.mu.Lock()
	var ids []string
	for _, s := range m.sessions {
		s.locked = lock
		ids = append(ids, s.id)
	}
	onLock := m.OnLock
	m.mu.Unlock()

	for _, id := range ids {
		log.Info().Str("session", id).Bool("locked", lock).Msg("session lock state changed")
		if onLock != nil {
			onLock(id, lock)
		}
	}
}

// idleActionPollInterval is how often the idle-action timer re-evaluates
// the daemon-wide idle hint.
const idleActionPollInterval = 30 * time.Second

// RunIdleActionLoop fires the configured idle action once the idle hint
// has been stable for the configured duration. Returns immediately when no
// idle action is configured. Stops when stop is closed.
func (m *Manager) RunIdleActionLoop(stop <-chan struct{}) {
	if m.cfg.IdleAction == types.ActionIgnore || m.cfg.IdleActionSec <= 0 {
		return
	}

	ticker := time.NewTicker(idleActionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.maybeRunIdleAction()
		}
	}
}

func (m *Manager) maybeRunIdleAction() {
	idle, since := m.IdleHint()
	if !idle {
		return
	}

	m.mu.Lock()
	now := m.now()
	elapsed := since.IsZero() || now.Sub(since) >= m.cfg.IdleActionSec
	ready := now.After(m.idleActionNotBefore)
	if elapsed && ready {
		// Back off a full period before firing again.
		m.idleActionNotBefore = now.Add(m.cfg.IdleActionSec)
	}
	m.mu.Unlock()

	if elapsed && ready {
		m.runAction("idle timeout", m.cfg.IdleAction)
	}
}
