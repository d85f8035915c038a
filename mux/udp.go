package mux

import (
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

func openUDP(k Key) (*Entry, error) {
	laddr := &net.UDPAddr{Port: 0}
	if k.SrcIP != "" {
		laddr.IP = net.ParseIP(k.SrcIP)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	if err := setSockOpts(conn, k); err != nil {
		conn.Close()
		return nil, err
	}
	pconn := ipv4.NewPacketConn(conn)
	// The destination IP (multicast group, not the local interface) and
	// arrival interface are needed to correctly demultiplex multicast
	// streams on multi-homed hosts.
	if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		conn.Close()
		return nil, err
	}
	if k.TTL > 0 {
		_ = pconn.SetMulticastTTL(int(k.TTL))
	}
	fd := fdOf(conn)
	return &Entry{udpConn: conn, pconn: pconn, fd: fd}, nil
}

// setSockOpts applies QoS (DSCP-as-TOS) and SO_REUSEADDR via
// golang.org/x/sys, which exposes socket options the standard net
// package does not.
func setSockOpts(conn *net.UDPConn, k Key) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if k.QoS > 0 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, int(k.QoS))
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

func fdOf(conn syscall.Conn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	_ = raw.Control(func(f uintptr) { fd = int(f) })
	return fd
}

func joinMC(e *Entry, group string) error {
	ifi, err := multicastInterfaceFor(e.Key.SrcIP)
	if err != nil {
		return err
	}
	return e.pconn.JoinGroup(ifi, &net.UDPAddr{IP: net.ParseIP(group)})
}

func leaveMC(e *Entry, group string) error {
	ifi, err := multicastInterfaceFor(e.Key.SrcIP)
	if err != nil {
		return err
	}
	return e.pconn.LeaveGroup(ifi, &net.UDPAddr{IP: net.ParseIP(group)})
}

// multicastInterfaceFor returns the up, multicast-capable interface that
// owns srcIP, so a multi-homed host joins a group on the same interface
// its Entry is bound to (ticket #322: two Entrys bound to different
// local addresses must not both join via whichever interface happens to
// be first in net.Interfaces()). srcIP == "" falls back to the first
// viable interface and lets the OS pick the default.
func multicastInterfaceFor(srcIP string) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(srcIP)
	var fallback *net.Interface
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if fallback == nil {
			fallback = ifi
		}
		if ip == nil {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if ok && ipn.IP.Equal(ip) {
				return ifi, nil
			}
		}
	}
	return fallback, nil // let the OS pick the default
}

// RecvResult is one datagram recovered from an Entry, with the
// destination address and arrival interface the multi-homed multicast
// demux needs.
type RecvResult struct {
	Payload    []byte
	SrcIP      net.IP
	SrcPort    int
	DstIP      net.IP
	DstIfaceIP net.IP
}

// RecvUDP drains one pending datagram, recovering the ancillary
// destination address via the ipv4.PacketConn control message.
func (e *Entry) RecvUDP(buf []byte) (RecvResult, error) {
	n, cm, srcAddr, err := e.pconn.ReadFrom(buf)
	if err != nil {
		return RecvResult{}, err
	}
	res := RecvResult{Payload: buf[:n]}
	if ua, ok := srcAddr.(*net.UDPAddr); ok {
		res.SrcIP, res.SrcPort = ua.IP, ua.Port
	}
	if cm != nil {
		res.DstIP = cm.Dst
		if cm.IfIndex > 0 {
			if ifi, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				if addrs, err := ifi.Addrs(); err == nil && len(addrs) > 0 {
					if ipn, ok := addrs[0].(*net.IPNet); ok {
						res.DstIfaceIP = ipn.IP
					}
				}
			}
		}
	}
	return res, nil
}

func (e *Entry) SendUDP(b []byte, dstIP net.IP, port int) (int, error) {
	return e.udpConn.WriteToUDP(b, &net.UDPAddr{IP: dstIP, Port: port})
}
