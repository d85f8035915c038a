package trdp

import (
	"net"
	"sync"
	"time"

	"github.com/railtrdp/trdpgo/md"
	"github.com/railtrdp/trdpgo/mux"
	"github.com/railtrdp/trdpgo/pd"
)

// pdTransport adapts mux.Table to pd.Sender. One UDP mux.Entry is
// reused per distinct destination for the lifetime of the session; the
// session mutex that serializes API calls means these maps never see
// concurrent writers for the same key in practice, but the guard stays
// since Process() and application goroutines both reach it.
type pdTransport struct {
	table *mux.Table
	ownIP string
	port  int

	mu     sync.Mutex
	send   map[string]*mux.Entry
	groups map[string]*mux.Entry
}

func newPDTransport(table *mux.Table, ownIP string, port int) *pdTransport {
	return &pdTransport{table: table, ownIP: ownIP, port: port, send: make(map[string]*mux.Entry), groups: make(map[string]*mux.Entry)}
}

func (t *pdTransport) SendPD(dstIP net.IP, params pd.SendParams, frame []byte) error {
	e, err := t.sendEntry(dstIP, params)
	if err != nil {
		return err
	}
	_, err = e.SendUDP(frame, dstIP, t.port)
	return err
}

func (t *pdTransport) sendEntry(dstIP net.IP, params pd.SendParams) (*mux.Entry, error) {
	key := dstIP.String()
	t.mu.Lock()
	if e, ok := t.send[key]; ok {
		t.mu.Unlock()
		return e, nil
	}
	t.mu.Unlock()
	e, err := t.table.Acquire(mux.Key{
		Proto: mux.UDP, SrcIP: t.ownIP, DstIP: key,
		QoS: params.QoS, TTL: params.TTL, VLAN: params.VLAN, TSN: params.TSN,
	})
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.send[key] = e
	t.mu.Unlock()
	return e, nil
}

func (t *pdTransport) JoinGroup(group net.IP) error {
	key := group.String()
	e, err := t.table.Acquire(mux.Key{Proto: mux.UDP, SrcIP: t.ownIP, DstIP: key})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.groups[key] = e
	t.mu.Unlock()
	return nil
}

func (t *pdTransport) LeaveGroup(group net.IP) error {
	key := group.String()
	t.mu.Lock()
	e, ok := t.groups[key]
	delete(t.groups, key)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.table.LeaveGroup(e, key)
}

// mdTransport adapts mux.Table to md.Transport: a UDP entry per peer
// for Notify/Request/Reply/Confirm frames, and one lazily-connected TCP
// entry per peer reused for the MD traffic's lifetime.
type mdTransport struct {
	table          *mux.Table
	ownIP          string
	port           int
	connectTimeout time.Duration

	mu  sync.Mutex
	udp map[string]*mux.Entry
	tcp map[string]*mux.Entry
}

func newMDTransport(table *mux.Table, ownIP string, port int, connectTimeout time.Duration) *mdTransport {
	return &mdTransport{
		table: table, ownIP: ownIP, port: port, connectTimeout: connectTimeout,
		udp: make(map[string]*mux.Entry), tcp: make(map[string]*mux.Entry),
	}
}

func (t *mdTransport) SendUDP(dstIP net.IP, params md.SendParams, frame []byte) error {
	key := dstIP.String()
	t.mu.Lock()
	e, ok := t.udp[key]
	t.mu.Unlock()
	if !ok {
		var err error
		e, err = t.table.Acquire(mux.Key{Proto: mux.UDP, SrcIP: t.ownIP, DstIP: key, QoS: params.QoS, TTL: params.TTL})
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.udp[key] = e
		t.mu.Unlock()
	}
	_, err := e.SendUDP(frame, dstIP, t.port)
	return err
}

// SendTCP connects lazily on the first send to a given peer and
// retains the connection for subsequent MD traffic to it. A failed
// connect or write here surfaces to the caller as NOCONN_ERR.
func (t *mdTransport) SendTCP(dstIP net.IP, _ md.SendParams, frame []byte) error {
	key := dstIP.String()
	t.mu.Lock()
	e, ok := t.tcp[key]
	t.mu.Unlock()
	if !ok {
		var err error
		e, err = t.table.Acquire(mux.Key{Proto: mux.TCP, SrcIP: t.ownIP, DstIP: key})
		if err != nil {
			return err
		}
		if err := e.Connect(dstIP, t.port, t.connectTimeout); err != nil {
			t.table.Release(e)
			return err
		}
		t.mu.Lock()
		t.tcp[key] = e
		t.mu.Unlock()
	}
	_, err := e.Write(frame)
	return err
}

func (t *mdTransport) JoinGroup(group net.IP) error {
	key := group.String()
	e, err := t.table.Acquire(mux.Key{Proto: mux.UDP, SrcIP: t.ownIP, DstIP: key})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.udp[key] = e
	t.mu.Unlock()
	return nil
}

func (t *mdTransport) LeaveGroup(group net.IP) error {
	key := group.String()
	t.mu.Lock()
	e, ok := t.udp[key]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.table.LeaveGroup(e, key)
}
