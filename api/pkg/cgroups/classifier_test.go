package cgroups

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCgroupFile(t *testing.T, root string, pid, content string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup"), []byte(content), 0o644))
}

func TestSessionOf(t *testing.T) {
	root := t.TempDir()
	c := &ProcClassifier{Root: root}

	writeCgroupFile(t, root, "100", "0::/user.slice/user-1000.slice/session-3.scope\n")
	writeCgroupFile(t, root, "200", "0::/system.slice/cron.service\n")
	writeCgroupFile(t, root, "300", "1:name=elder:/user.slice/session-c7.scope\n0::/init.scope\n")

	id, err := c.SessionOf(100)
	require.NoError(t, err)
	assert.Equal(t, "3", id)

	id, err = c.SessionOf(200)
	require.NoError(t, err)
	assert.Equal(t, "", id, "system services have no session")

	id, err = c.SessionOf(300)
	require.NoError(t, err)
	assert.Equal(t, "c7", id)

	_, err = c.SessionOf(999)
	assert.Error(t, err, "missing process")
}

func TestSessionFromPath(t *testing.T) {
	assert.Equal(t, "4", SessionFromPath("/user.slice/user-1000.slice/session-4.scope"))
	assert.Equal(t, "", SessionFromPath("/system.slice/ssh.service"))
	assert.Equal(t, "", SessionFromPath("/user.slice/session-.scope"))
	assert.Equal(t, "c12", SessionFromPath("session-c12.scope"))
}

func TestValidAgentMessage(t *testing.T) {
	msg, ok := validAgentMessage([]byte("/user.slice/user-1000.slice/session-9.scope"))
	assert.True(t, ok)
	assert.Equal(t, "/user.slice/user-1000.slice/session-9.scope", msg)

	_, ok = validAgentMessage(nil)
	assert.False(t, ok)

	_, ok = validAgentMessage([]byte("bad\x00path"))
	assert.False(t, ok)

	long := make([]byte, maxDatagram+1)
	for i := range long {
		long[i] = 'a'
	}
	_, ok = validAgentMessage(long)
	assert.False(t, ok)
}

func TestAgentListenerRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "agent.sock")
	got := make(chan string, 1)

	l := NewAgentListener(sock, func(path string) { got <- path })
	require.NoError(t, l.Start())
	defer l.Close()

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("/user.slice/session-7.scope"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "/user.slice/session-7.scope", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent notification")
	}
}
