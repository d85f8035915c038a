package mux

import (
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/railtrdp/trdpgo/cmn/ratomic"
)

// Entry is one OS socket plus its descriptor, protocol, bind address,
// QoS/TTL, joined multicast groups, and a user-refcount. Freed when the
// refcount drops to zero.
type Entry struct {
	Key Key
	fd  int

	udpConn *net.UDPConn
	pconn   *ipv4.PacketConn // wraps udpConn when Key.IsMulticast() or recv needs dst-addr

	tcpConn     net.Conn
	tcpListener *net.TCPListener

	mu     sync.Mutex
	groups map[string]int // multicast group -> join refcount
	refs   ratomic.Int32
}

func (e *Entry) Fd() int { return e.fd }

// LocalAddr returns the entry's bound UDP address, or nil for a TCP
// entry or an unopened one.
func (e *Entry) LocalAddr() *net.UDPAddr {
	if e.udpConn == nil {
		return nil
	}
	a, _ := e.udpConn.LocalAddr().(*net.UDPAddr)
	return a
}

// SetReadDeadline bounds a blocking RecvUDP/RecvTCP call, mainly so
// tests don't hang when an expected datagram never arrives.
func (e *Entry) SetReadDeadline(t time.Time) error {
	if e.udpConn != nil {
		return e.udpConn.SetReadDeadline(t)
	}
	if e.tcpConn != nil {
		return e.tcpConn.SetReadDeadline(t)
	}
	return nil
}

// Ref increments the user-refcount; a send may reuse an entry only if
// every discriminating field in Key matches.
func (e *Entry) ref() { e.refs.Inc() }

// Unref decrements the refcount and reports whether it reached zero (the
// caller, normally Table.Release, then closes the underlying socket).
func (e *Entry) unref() bool { return e.refs.Dec() <= 0 }

// Close releases the underlying OS socket unconditionally, bypassing
// the refcount; used when a session tears down every entry at once.
func (e *Entry) Close() error { return e.close() }

func (e *Entry) close() error {
	if e.udpConn != nil {
		return e.udpConn.Close()
	}
	if e.tcpConn != nil {
		return e.tcpConn.Close()
	}
	if e.tcpListener != nil {
		return e.tcpListener.Close()
	}
	return nil
}
