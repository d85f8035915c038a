package mux

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

func openTCP(k Key) (*Entry, error) {
	// A bare TCP Entry has neither listener nor connection yet; Connect
	// or Listen populates it lazily, on the first send that needs it.
	return &Entry{fd: -1}, nil
}

// Connect dials the peer with connectTimeout. A failed connect or send
// fails the transaction with NOCONN_ERR, translated by the caller.
func (e *Entry) Connect(ip net.IP, port int, connectTimeout time.Duration) error {
	conn, err := net.DialTimeout("tcp4", (&net.TCPAddr{IP: ip, Port: port}).String(), connectTimeout)
	if err != nil {
		return err
	}
	e.tcpConn = conn
	e.fd = fdOf(conn.(*net.TCPConn))
	return nil
}

// Listen binds and starts listening for inbound MD TCP connections.
func (e *Entry) Listen(ip net.IP, port, backlog int) error {
	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: ip, Port: port})
	if err != nil {
		return err
	}
	raw, err := l.SyscallConn()
	if err == nil {
		_ = raw.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
	}
	e.tcpListener = l
	e.fd = fdOf(l)
	return nil
}

func (e *Entry) Accept() (net.Conn, error) { return e.tcpListener.Accept() }

// Write performs one blocking write of b, which writes all of b or
// returns an error; nothing retains a partial write across process()
// calls.
func (e *Entry) Write(b []byte) (int, error) { return e.tcpConn.Write(b) }

// Read performs one read. The multiplexer only calls this once the host
// has reported the underlying fd ready via its own select/epoll, so this
// does not block indefinitely in the intended usage.
func (e *Entry) Read(b []byte) (int, error) { return e.tcpConn.Read(b) }
