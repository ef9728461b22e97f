package cgroups

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Datagrams land here without a connect() cycle, so a large receive buffer
// is the only backpressure mechanism. 8 MiB absorbs agent bursts on loaded
// systems without any backlog semantics.
const agentRcvbufSize = 8 * 1024 * 1024

// maxDatagram bounds a single agent message; anything longer than a kernel
// path is garbage.
const maxDatagram = 4096

// AgentListener receives cgroup-empty notifications from the cgroup agent
// binary over a SOCK_DGRAM unix socket. The agent is short-lived, so a
// connection-oriented socket would lose messages to backlog limits; a
// datagram socket has no backlog to overflow.
type AgentListener struct {
	path   string
	notify func(cgroupPath string)

	mu sync.Mutex
	fd int
}

// NewAgentListener prepares a listener on the given socket path. notify is
// called once per valid datagram with the cgroup path that ran empty.
func NewAgentListener(path string, notify func(string)) *AgentListener {
	return &AgentListener{path: path, notify: notify, fd: -1}
}

// Start binds the socket and begins the receive loop. Only root may
// connect: the socket is bound with a 0077 umask.
func (l *AgentListener) Start() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("cgroup agent socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, agentRcvbufSize); err != nil {
		log.Warn().Err(err).Msg("failed to enlarge cgroup agent receive buffer")
	}

	_ = os.Remove(l.path)

	old := unix.Umask(0o077)
	err = unix.Bind(fd, &unix.SockaddrUnix{Name: l.path})
	unix.Umask(old)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.fd = fd
	l.mu.Unlock()

	go l.receive(fd)

	log.Info().Str("socket", l.path).Msg("cgroup agent socket listening")
	return nil
}

// Close shuts the socket down; the receive loop exits on the resulting
// read error. Closing twice is harmless.
func (l *AgentListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	_ = os.Remove(l.path)
	return unix.Close(fd)
}

func (l *AgentListener) receive(fd int) {
	buf := make([]byte, maxDatagram+1)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// Socket closed or unrecoverable; stop quietly.
			return
		}
		if msg, ok := validAgentMessage(buf[:n]); ok {
			l.notify(msg)
		}
	}
}

// validAgentMessage drops empty, oversized and NUL-embedded datagrams, the
// same malformed inputs the event loop refuses to let disturb state.
func validAgentMessage(b []byte) (string, bool) {
	if len(b) == 0 {
		log.Error().Msg("got zero-length cgroup agent message, ignoring")
		return "", false
	}
	if len(b) > maxDatagram {
		log.Error().Msg("got overly long cgroup agent message, ignoring")
		return "", false
	}
	for _, c := range b {
		if c == 0 {
			log.Error().Msg("got cgroup agent message with embedded NUL, ignoring")
			return "", false
		}
	}
	return string(b), true
}
