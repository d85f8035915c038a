// Package pd implements periodic process-data publish/subscribe: a
// publisher list sent on a fixed cycle (or immediately on a changed
// Put), and a subscriber list matched against inbound frames with
// sequence-monotonicity and staleness-timeout tracking.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pd

import (
	"net"
	"sync"

	"github.com/railtrdp/trdpgo/errs"
)

// ToBehavior governs what a SubscriberElement's cache does on timeout.
type ToBehavior int

const (
	ToKeep ToBehavior = iota // retain last-received payload
	ToZero                   // zero-fill the cache
)

// SendParams are the per-publisher wire parameters beyond COM-ID and
// addressing.
type SendParams struct {
	QoS     byte
	TTL     byte
	Retries int
	VLAN    uint16
	TSN     bool
}

// PreSendCB may mutate payload in place immediately before it is
// CRC-protected and sent; it runs synchronously on the process() thread.
type PreSendCB func(payload []byte)

// ReceiveCB fires synchronously (on the calling process() thread) when
// a subscriber accepts a new frame.
type ReceiveCB func(meta Meta)

// TimeoutCB fires once per timeout episode, after toBehavior is applied.
type TimeoutCB func()

// Meta describes one accepted inbound frame, handed to ReceiveCB and
// retained alongside the cached payload for Get.
type Meta struct {
	ComID     uint32
	SrcIP     net.IP
	DstIP     net.IP
	Seq       uint32
	Size      int
	Timestamp int64 // the now passed to the Dispatch call that accepted it
}

// PublisherElement identifies one outbound PD stream. Publish does not
// set a payload size; the first Put with non-empty data fixes it, and
// later Put calls must supply exactly that size (errs.PARAM_ERR
// otherwise).
type PublisherElement struct {
	Handle string // diagnostic only, cmn/cos.GenHandle

	ComID   uint32
	SrcIP   net.IP // nil/unspecified: stack chooses
	DstIP   net.IP // unicast or multicast destination
	MsgType string // MsgPd (periodic) or MsgPr (pull/request)

	Interval    int64 // nanoseconds, >= 10ms
	RedID       uint32
	Params      SendParams
	PreSend     PreSendCB

	ReplyComID uint32 // 'Pr' only: COM-ID the reply must carry
	ReplyIP    net.IP // 'Pr' only: address the reply is expected from

	mu          sync.Mutex
	payload     []byte
	dataSize    int
	dirty       bool
	leader      bool
	seq         uint32
	nextSendDue int64
	lastSent    int64
	removed     bool
}

func (p *PublisherElement) setLeader(leader bool) {
	p.mu.Lock()
	p.leader = leader
	p.mu.Unlock()
}

// isLeaderLocked reports whether p should transmit this cycle. Callers
// must already hold p.mu.
func (p *PublisherElement) isLeaderLocked() bool {
	return p.RedID == 0 || p.leader
}

// Put copies data into the publisher's payload buffer under the
// publisher's own lock. Rejects a size change with errs.PARAM_ERR and
// marks the element dirty so the next process() sends regardless of
// cycle phase.
func (p *PublisherElement) Put(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dataSize == 0 {
		p.dataSize = len(data)
		p.payload = make([]byte, len(data))
	} else if len(data) != p.dataSize {
		return errs.New(errs.PARAM_ERR, "put size %d does not match published size %d", len(data), p.dataSize)
	}
	copy(p.payload, data)
	p.dirty = true
	return nil
}

// SubscriberElement identifies one inbound PD stream filter: at most
// one per (COM-ID, src-filter, dest) tuple may exist in an engine.
type SubscriberElement struct {
	Handle string // diagnostic only, cmn/cos.GenHandle

	ComID    uint32
	SrcLow   net.IP // zero value: any
	SrcHigh  net.IP // zero value: any
	DstIP    net.IP // unicast bind address, or a multicast group to join

	Timeout    int64 // nanoseconds
	ToBehavior ToBehavior
	OnReceive  ReceiveCB
	OnTimeout  TimeoutCB

	mu           sync.Mutex
	lastReceived int64
	lastSeen     uint32
	hasData      bool
	timedOut     bool
	payload      []byte
	meta         Meta
	removed      bool
}

// Get returns the cached payload, its metadata, and whether the
// subscriber is currently in a timed-out state.
func (s *SubscriberElement) Get() ([]byte, Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.payload))
	copy(out, s.payload)
	return out, s.meta, s.timedOut
}

func matchesRange(ip, low, high net.IP) bool {
	if low == nil || high == nil || low.IsUnspecified() || high.IsUnspecified() {
		return true
	}
	if ip == nil {
		return false
	}
	return bytesCompare(ip, low) >= 0 && bytesCompare(ip, high) <= 0
}

func bytesCompare(a, b net.IP) int {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return 0
	}
	for i := range a4 {
		if a4[i] != b4[i] {
			if a4[i] < b4[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
