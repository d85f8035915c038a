package mux

import (
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/railtrdp/trdpgo/cmn/cos"
	"github.com/railtrdp/trdpgo/cmn/debug"
	"github.com/railtrdp/trdpgo/cmn/nlog"
	"github.com/railtrdp/trdpgo/errs"
)

// Table is the session-owned indexed table of socket entries, keyed by
// hashing the discriminator tuple with xxhash.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
}

func NewTable() *Table { return &Table{entries: make(map[uint64]*Entry)} }

func keyHash(k Key) uint64 {
	h := xxhash.New64()
	h.WriteString(k.Proto.String())
	h.WriteString("|")
	h.WriteString(k.SrcIP)
	h.WriteString("|")
	h.WriteString(k.DstIP)
	h.Write([]byte{k.QoS, k.TTL, byte(k.VLAN >> 8), byte(k.VLAN)})
	if k.TSN {
		h.Write([]byte{1})
	}
	return h.Sum64()
}

// Acquire looks up an existing entry whose Key matches exactly, or opens
// a new socket via openUDP/openTCP. A multicast Key additionally joins
// the group (idempotent, refcounted).
func (t *Table) Acquire(k Key) (*Entry, error) {
	t.mu.Lock()
	h := keyHash(k)
	if e, ok := t.entries[h]; ok {
		t.mu.Unlock()
		e.ref()
		return e, nil
	}
	t.mu.Unlock()

	var (
		e   *Entry
		err error
	)
	if k.Proto == UDP {
		e, err = openUDP(k)
	} else {
		e, err = openTCP(k)
	}
	if err != nil {
		return nil, errs.Wrap(errs.SOCK_ERR, err, "open %s socket", k.Proto)
	}
	e.Key = k
	e.groups = make(map[string]int)
	e.ref()

	t.mu.Lock()
	if existing, ok := t.entries[h]; ok {
		// Lost the race with another goroutine. The session mutex that
		// serializes API calls means this should never actually happen,
		// but stay defensive rather than leaking a socket.
		debug.Assert(false, "Acquire lost a race it should never see")
		t.mu.Unlock()
		e.close()
		existing.ref()
		return existing, nil
	}
	t.entries[h] = e
	t.mu.Unlock()

	if k.IsMulticast() {
		if err := t.JoinGroup(e, k.DstIP); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Release drops one reference; on the last reference the socket is
// closed and the entry removed from the table.
func (t *Table) Release(e *Entry) {
	if e == nil {
		return
	}
	if e.unref() {
		t.mu.Lock()
		delete(t.entries, keyHash(e.Key))
		t.mu.Unlock()
		if err := e.close(); err != nil {
			nlog.Warningf("mux: close %s: %v", e.Key.DstIP, err)
		}
	}
}

// JoinGroup is idempotent and reference-counted: N joins followed by
// N-1 leaves keep the group joined; the N-th leave actually leaves.
func (t *Table) JoinGroup(e *Entry, group string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.groups[group] > 0 {
		e.groups[group]++
		return nil
	}
	if err := joinMC(e, group); err != nil {
		return errs.Wrap(errs.SOCK_ERR, err, "join multicast group %s", group)
	}
	e.groups[group] = 1
	return nil
}

func (t *Table) LeaveGroup(e *Entry, group string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.groups[group]
	if n <= 0 {
		return nil
	}
	if n == 1 {
		if err := leaveMC(e, group); err != nil {
			return errs.Wrap(errs.SOCK_ERR, err, "leave multicast group %s", group)
		}
		delete(e.groups, group)
		return nil
	}
	e.groups[group] = n - 1
	return nil
}

// Reinit rejoins every currently-tracked multicast group on every entry.
// A host calls this after a link-down/link-up event so group membership
// the kernel may have silently dropped is re-established, rather than
// leaving a subscriber deaf until its own process restarts.
func (t *Table) Reinit() error {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	var failed cos.Errs
	for _, e := range entries {
		e.mu.Lock()
		groups := make([]string, 0, len(e.groups))
		for g := range e.groups {
			groups = append(groups, g)
		}
		for _, g := range groups {
			if err := joinMC(e, g); err != nil {
				failed.Add(errs.Wrap(errs.SOCK_ERR, err, "rejoin multicast group %s", g))
			}
		}
		e.mu.Unlock()
	}
	if failed.Cnt() == 0 {
		return nil
	}
	errList := failed.Errs()
	return errs.Wrap(errs.SOCK_ERR, errList[0], "reinit: %d group(s) failed to rejoin", failed.Cnt())
}

// ContributeReadySet appends every entry's read-side descriptor to fds,
// for the host's own select/epoll call.
func (t *Table) ContributeReadySet(fds []int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		fds = append(fds, e.fd)
	}
	return fds
}

func (t *Table) EntryForFd(fd int) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.fd == fd {
			return e
		}
	}
	return nil
}

// Entries returns a snapshot of every live entry, for a session tearing
// down all sockets at once on Close.
func (t *Table) Entries() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
