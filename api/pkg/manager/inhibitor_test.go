package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/api/pkg/config"
	"github.com/sessiond/sessiond/api/pkg/inhibit"
	"github.com/sessiond/sessiond/api/pkg/types"
)

func TestInhibitorArbitration(t *testing.T) {
	m := newTestManager(t)

	i, writer, err := m.CreateInhibitor(inhibit.Shutdown|inhibit.Sleep, inhibit.Block, "updater", "applying updates", 1000, 4242)
	require.NoError(t, err)
	require.NotNil(t, writer)
	defer writer.Close()

	inhibited, since := m.IsInhibited(inhibit.Shutdown, inhibit.Block, InhibitQuery{})
	assert.True(t, inhibited)
	assert.Equal(t, i.Since(), since)
	assert.False(t, since.IsZero())

	// Partial overlap counts; disjoint scope and other mode do not.
	inhibited, _ = m.IsInhibited(inhibit.Sleep, inhibit.Block, InhibitQuery{})
	assert.True(t, inhibited)
	inhibited, _ = m.IsInhibited(inhibit.Idle, inhibit.Block, InhibitQuery{})
	assert.False(t, inhibited)
	inhibited, _ = m.IsInhibited(inhibit.Shutdown, inhibit.Delay, InhibitQuery{})
	assert.False(t, inhibited)

	// uid filter.
	uid := uint32(1000)
	inhibited, _ = m.IsInhibited(inhibit.Shutdown, inhibit.Block, InhibitQuery{UID: &uid})
	assert.True(t, inhibited)
	other := uint32(1001)
	inhibited, _ = m.IsInhibited(inhibit.Shutdown, inhibit.Block, InhibitQuery{UID: &other})
	assert.False(t, inhibited)
}

func TestInhibitorReleasedOnFifoClose(t *testing.T) {
	m := newTestManager(t)

	i, writer, err := m.CreateInhibitor(inhibit.Shutdown, inhibit.Block, "updater", "applying updates", 1000, 4242)
	require.NoError(t, err)

	// The client closing its end of the fifo is the release signal.
	require.NoError(t, writer.Close())

	require.Eventually(t, func() bool {
		inhibited, _ := m.IsInhibited(inhibit.Shutdown, inhibit.Block, InhibitQuery{})
		return !inhibited
	}, 2*time.Second, 10*time.Millisecond)

	assert.Nil(t, m.Inhibitor(i.ID()))

	_, err = os.Stat(filepath.Join(m.cfg.RuntimeDir, "inhibitors", i.ID()))
	assert.True(t, os.IsNotExist(err), "state file should be gone")

	// Releasing again is a no-op.
	m.ReleaseInhibitor(i.ID())
}

func TestInhibitorEarliestSinceWins(t *testing.T) {
	m := newTestManager(t)

	_, w1, err := m.CreateInhibitor(inhibit.Sleep, inhibit.Block, "a", "r", 0, 1)
	require.NoError(t, err)
	defer w1.Close()

	first, _ := m.IsInhibited(inhibit.Sleep, inhibit.Block, InhibitQuery{})
	require.True(t, first)

	time.Sleep(5 * time.Millisecond)
	_, w2, err := m.CreateInhibitor(inhibit.Sleep, inhibit.Block, "b", "r", 0, 2)
	require.NoError(t, err)
	defer w2.Close()

	inhibited, since := m.IsInhibited(inhibit.Sleep, inhibit.Block, InhibitQuery{})
	require.True(t, inhibited)

	earliest := m.Inhibitors()[0].Since()
	for _, i := range m.Inhibitors() {
		if i.Since().Before(earliest) {
			earliest = i.Since()
		}
	}
	assert.Equal(t, earliest, since)
}

func TestInhibitorIgnoreInactive(t *testing.T) {
	m := newTestManager(t)
	m.SetClassifier(&fakeClassifier{table: map[int]string{100: "s1", 200: "ghost"}})

	s1, err := m.CreateSession(CreateSessionRequest{ID: "s1", UID: 1000, Username: "alice"})
	require.NoError(t, err)

	_, w1, err := m.CreateInhibitor(inhibit.Idle, inhibit.Block, "player", "movie", 1000, 100)
	require.NoError(t, err)
	defer w1.Close()

	inhibited, _ := m.IsInhibited(inhibit.Idle, inhibit.Block, InhibitQuery{IgnoreInactive: true})
	assert.True(t, inhibited, "online session counts")

	m.mu.Lock()
	s1.state = types.SessionClosing
	m.mu.Unlock()
	inhibited, _ = m.IsInhibited(inhibit.Idle, inhibit.Block, InhibitQuery{IgnoreInactive: true})
	assert.False(t, inhibited, "closing session does not count")

	// Without the filter the inhibitor still matches.
	inhibited, _ = m.IsInhibited(inhibit.Idle, inhibit.Block, InhibitQuery{})
	assert.True(t, inhibited)

	// Inhibitor whose pid resolves to no live session.
	_, w2, err := m.CreateInhibitor(inhibit.Sleep, inhibit.Block, "x", "y", 0, 200)
	require.NoError(t, err)
	defer w2.Close()
	inhibited, _ = m.IsInhibited(inhibit.Sleep, inhibit.Block, InhibitQuery{IgnoreInactive: true})
	assert.False(t, inhibited)
}

func TestCreateInhibitorValidation(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.CreateInhibitor(0, inhibit.Block, "x", "y", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = m.CreateInhibitor(inhibit.Sleep, inhibit.Mode("maybe"), "x", "y", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestIdleHintRespectsIdleBlock(t *testing.T) {
	m := newTestManager(t)

	_, w, err := m.CreateInhibitor(inhibit.Idle, inhibit.Block, "player", "movie", 1000, 1)
	require.NoError(t, err)
	defer w.Close()

	idle, _ := m.IdleHint()
	assert.False(t, idle, "an idle block inhibitor pins the daemon busy")
}

func TestInhibitorRestore(t *testing.T) {
	cfg := config.Default()
	cfg.RuntimeDir = t.TempDir()

	m := New(cfg)
	m.SetClassifier(&fakeClassifier{table: map[int]string{}})
	_, writer, err := m.CreateInhibitor(inhibit.Shutdown, inhibit.Block, "updater", "updates", 1000, 77)
	require.NoError(t, err)
	defer writer.Close()

	// A second daemon generation over the same runtime directory sees the
	// lock again as long as the client end stays open.
	m2 := New(cfg)
	m2.SetClassifier(&fakeClassifier{table: map[int]string{}})
	m2.Restore()

	inhibited, _ := m2.IsInhibited(inhibit.Shutdown, inhibit.Block, InhibitQuery{})
	assert.True(t, inhibited)

	restored := m2.Inhibitors()
	require.Len(t, restored, 1)
	assert.Equal(t, "updater", restored[0].Who())
	assert.Equal(t, inhibit.Shutdown, restored[0].What())
}
