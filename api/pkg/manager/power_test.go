package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/api/pkg/inhibit"
	"github.com/sessiond/sessiond/api/pkg/types"
)

// chanExecutor reports executed actions on a channel.
type chanExecutor struct {
	actions chan types.PowerAction
}

func newChanExecutor() *chanExecutor {
	return &chanExecutor{actions: make(chan types.PowerAction, 8)}
}

func (e *chanExecutor) Execute(action types.PowerAction) error {
	e.actions <- action
	return nil
}

func (e *chanExecutor) expect(t *testing.T, action types.PowerAction) {
	t.Helper()
	select {
	case got := <-e.actions:
		assert.Equal(t, action, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", action)
	}
}

func (e *chanExecutor) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-e.actions:
		t.Fatalf("unexpected action %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDoActionRefusedByBlockInhibitor(t *testing.T) {
	m := newTestManager(t)
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)

	_, w, err := m.CreateInhibitor(inhibit.Shutdown, inhibit.Block, "updater", "updates", 0, 1)
	require.NoError(t, err)
	defer w.Close()

	err = m.DoAction(types.ActionPowerOff)
	assert.ErrorIs(t, err, ErrBusy)
	exec.expectNone(t)

	// Sleep is a different scope and goes through.
	require.NoError(t, m.DoAction(types.ActionSuspend))
	exec.expect(t, types.ActionSuspend)
}

func TestDoActionWaitsForDelayInhibitor(t *testing.T) {
	m := newTestManager(t)
	m.cfg.InhibitDelayMax = 300 * time.Millisecond
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)

	_, w, err := m.CreateInhibitor(inhibit.Sleep, inhibit.Delay, "saver", "flushing", 0, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.DoAction(types.ActionSuspend) }()

	// Release the delay lock; the operation proceeds promptly.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Close())

	require.NoError(t, <-done)
	exec.expect(t, types.ActionSuspend)
}

func TestDoActionDelayTimeout(t *testing.T) {
	m := newTestManager(t)
	m.cfg.InhibitDelayMax = 150 * time.Millisecond
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)

	_, w, err := m.CreateInhibitor(inhibit.Sleep, inhibit.Delay, "slow", "stuck", 0, 1)
	require.NoError(t, err)
	defer w.Close()

	start := time.Now()
	require.NoError(t, m.DoAction(types.ActionSuspend))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	exec.expect(t, types.ActionSuspend)
}

func TestDoActionLockLocksSessions(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.CreateSession(CreateSessionRequest{ID: "s1", UID: 1000, Username: "alice"})
	require.NoError(t, err)

	var lockedSessions []string
	m.OnLock = func(id string, locked bool) {
		if locked {
			lockedSessions = append(lockedSessions, id)
		}
	}

	require.NoError(t, m.DoAction(types.ActionLock))
	assert.True(t, s1.Locked())
	assert.Equal(t, []string{"s1"}, lockedSessions)
}

func TestPowerKeyRunsConfiguredAction(t *testing.T) {
	m := newTestManager(t)
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)

	m.HandlePowerKey()
	exec.expect(t, types.ActionPowerOff)
}

func TestPowerKeyInhibitedByClient(t *testing.T) {
	m := newTestManager(t)
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)

	_, w, err := m.CreateInhibitor(inhibit.HandlePowerKey, inhibit.Block, "desktop", "handles key itself", 1000, 1)
	require.NoError(t, err)
	defer w.Close()

	m.HandlePowerKey()
	exec.expectNone(t)
}

func TestSuspendKeyHoldoff(t *testing.T) {
	m := newTestManager(t)
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)

	// Fresh managers start inside the holdoff window.
	m.HandleSuspendKey()
	exec.expectNone(t)

	m.mu.Lock()
	m.holdoffUntil = m.now().Add(-time.Second)
	m.mu.Unlock()

	m.HandleSuspendKey()
	exec.expect(t, types.ActionSuspend)
}

func TestLidSwitchDockedPolicy(t *testing.T) {
	m := newTestManager(t)
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)
	m.mu.Lock()
	m.holdoffUntil = m.now().Add(-time.Second)
	m.mu.Unlock()

	// Undocked, single display: the plain lid action runs.
	m.HandleLidSwitch()
	exec.expect(t, types.ActionSuspend)

	// Docked: the docked action (default ignore) applies.
	b := m.AddButton("event5")
	m.mu.Lock()
	b.docked = true
	m.holdoffUntil = m.now().Add(-time.Second)
	m.mu.Unlock()

	m.HandleLidSwitch()
	exec.expectNone(t)
}

func TestLidSwitchMultipleDisplays(t *testing.T) {
	m := newTestManager(t)
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)
	m.countDisplays = func() (int, error) { return 2, nil }
	m.mu.Lock()
	m.holdoffUntil = m.now().Add(-time.Second)
	m.mu.Unlock()

	m.HandleLidSwitch()
	exec.expectNone(t)
}

func TestDisplayCountFailureIsNotDocked(t *testing.T) {
	m := newTestManager(t)
	m.countDisplays = func() (int, error) { return 0, assert.AnError }

	assert.False(t, m.IsDockedOrMultipleDisplays())
}

func TestButtonEventsUpdateSwitchState(t *testing.T) {
	m := newTestManager(t)
	exec := newChanExecutor()
	m.SetPowerExecutor(exec)

	b := m.AddButton("event5")

	m.handleButtonEvent("event5", evSw, swDock, 1)
	assert.True(t, b.Docked())
	assert.True(t, m.IsDocked())

	m.handleButtonEvent("event5", evSw, swDock, 0)
	assert.False(t, b.Docked())

	// Lid close while docked: the docked policy (ignore) swallows it.
	m.handleButtonEvent("event5", evSw, swDock, 1)
	m.mu.Lock()
	m.holdoffUntil = m.now().Add(-time.Second)
	m.mu.Unlock()
	m.handleButtonEvent("event5", evSw, swLid, 1)
	assert.True(t, b.LidClosed())
	exec.expectNone(t)

	// Power key press on the button device.
	m.handleButtonEvent("event5", evKey, keyPower, 1)
	exec.expect(t, types.ActionPowerOff)

	// Key release does nothing.
	m.handleButtonEvent("event5", evKey, keyPower, 0)
	exec.expectNone(t)
}

func TestButtonDeviceEvents(t *testing.T) {
	m := newTestManager(t)

	ev := &types.DeviceEvent{
		Action:     types.DeviceAdd,
		Kind:       types.ButtonDevice,
		Sysname:    "event5",
		Properties: map[string]string{"ID_SEAT": "seat0"},
	}
	// Opening /dev/input/event5 fails in the test environment; the record
	// is still registered and bound to its seat.
	require.NoError(t, m.ProcessButtonDevice(ev))

	b := m.Button("event5")
	require.NotNil(t, b)
	assert.Equal(t, "seat0", b.SeatID())

	ev.Action = types.DeviceRemove
	require.NoError(t, m.ProcessButtonDevice(ev))
	assert.Nil(t, m.Button("event5"))
}
