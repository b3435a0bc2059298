// Package transport implements the control socket (spec.md §6): a unix
// domain listener gated by SO_PEERCRED, carrying framed internal/wire
// messages. It's deliberately separate from the observability HTTP
// surface (SPEC_FULL.md §6) — nothing here is reachable over the network.
package transport

import (
	"errors"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/logger"
	"github.com/vigilinit/vigild/internal/wire"
)

// ErrPeerNotAuthorized is returned by Accept when a connecting peer's
// credentials don't satisfy spec.md §6's "uid must be 0 or the daemon's
// own euid" rule. The connection is already closed by the time this is
// returned.
var ErrPeerNotAuthorized = errors.New("transport: peer not authorized")

// Listener wraps a unix socket listener, checking each accepted
// connection's peer credentials before handing it back.
type Listener struct {
	net.Listener
	selfUid uint32
	path    string
}

// Listen creates (or replaces a stale) unix socket at path and starts
// listening on it.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: ln, selfUid: uint32(os.Geteuid()), path: path}, nil
}

// Accept blocks for the next connection, verifying the peer's
// credentials. A connection from an unauthorized uid is closed and
// ErrPeerNotAuthorized is returned instead of a *Conn; callers should
// treat that as "try Accept again", not as a fatal listener error.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	uconn, ok := raw.(*net.UnixConn)
	if !ok {
		raw.Close()
		return nil, errors.New("transport: not a unix socket connection")
	}

	cred, err := peerCred(uconn)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if cred.Uid != 0 && cred.Uid != l.selfUid {
		logger.Noticef("Rejected control connection from uid %d.", cred.Uid)
		raw.Close()
		return nil, ErrPeerNotAuthorized
	}

	return &Conn{Conn: raw, Pid: cred.Pid, Uid: cred.Uid}, nil
}

func peerCred(conn *net.UnixConn) (*unix.Ucred, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	err = rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	return cred, credErr
}

// Close closes the listener and removes the socket file.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	os.Remove(l.path)
	return err
}

// sendQueueSize bounds each connection's outbound broadcast buffer; a
// watcher that can't keep up is dropped rather than allowed to stall the
// dispatcher (spec.md §6's "a slow watcher never blocks the event loop").
const sendQueueSize = 64

// Conn is one accepted, credential-checked control connection.
type Conn struct {
	net.Conn
	Pid int32
	Uid uint32

	sendOnce sync.Once
	outbox   chan []byte
	closed   chan struct{}
}

// ReadMessage reads and decodes the next frame from the peer.
func (c *Conn) ReadMessage() (enum.MessageType, []interface{}, error) {
	body, err := wire.ReadFrame(c.Conn)
	if err != nil {
		return 0, nil, err
	}
	return wire.DecodeMessage(body)
}

// WriteMessage writes body as one frame directly, blocking until it's sent. Use
// this for request/reply traffic; use Broadcast for watcher fan-out,
// which must never block the sender.
func (c *Conn) WriteMessage(body []byte) error {
	return wire.WriteFrame(c.Conn, body)
}

// StartSending launches this connection's dedicated writer goroutine,
// turning Broadcast into a non-blocking, per-connection bounded queue.
// Call once per connection that will receive JOB_STATUS broadcasts (i.e.
// after a WATCH_JOBS request).
func (c *Conn) StartSending() {
	c.sendOnce.Do(func() {
		c.outbox = make(chan []byte, sendQueueSize)
		c.closed = make(chan struct{})
		go func() {
			defer close(c.closed)
			for body := range c.outbox {
				if err := wire.WriteFrame(c.Conn, body); err != nil {
					return
				}
			}
		}()
	})
}

// Broadcast enqueues body for this connection without blocking. If the
// connection's outbox is full, the connection is dropped (the underlying
// socket is closed, so no further messages reach the peer) rather than
// slow down every other watcher.
func (c *Conn) Broadcast(body []byte) {
	if c.outbox == nil {
		return
	}
	select {
	case c.outbox <- body:
	default:
		logger.Noticef("Watcher for pid %d fell behind; dropping it.", c.Pid)
		c.Close()
	}
}
