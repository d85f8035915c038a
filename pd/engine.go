package pd

import (
	"net"
	"sync"

	"github.com/railtrdp/trdpgo/cmn/cos"
	"github.com/railtrdp/trdpgo/cmn/debug"
	"github.com/railtrdp/trdpgo/errs"
	"github.com/railtrdp/trdpgo/wire"
)

// Sender is the engine's view of the socket multiplexer: enough to push
// an encoded frame onto the wire and to join/leave a multicast group
// when a publisher or subscriber targets one. The engine never touches
// an OS socket directly.
type Sender interface {
	SendPD(dstIP net.IP, params SendParams, frame []byte) error
	JoinGroup(group net.IP) error
	LeaveGroup(group net.IP) error
}

// Counters is the minimal stats sink the engine needs; satisfied by
// package stats without pd importing it directly.
type Counters interface {
	Inc(name string)
}

type nopCounters struct{}

func (nopCounters) Inc(string) {}

// Engine is the PD Engine: the session's publisher list, subscriber
// list, and the process() step that drives both.
type Engine struct {
	Sender   Sender
	Counters Counters

	etbTopo func() uint32
	opTopo  func() uint32

	mu   sync.Mutex
	pubs []*PublisherElement
	subs []*SubscriberElement
}

// NewEngine wires an Engine to its Sender and topology-counter getters
// (the session owns and mutates the counters; the engine only reads
// them at decode time).
func NewEngine(sender Sender, etbTopo, opTopo func() uint32) *Engine {
	if etbTopo == nil {
		etbTopo = func() uint32 { return 0 }
	}
	if opTopo == nil {
		opTopo = func() uint32 { return 0 }
	}
	return &Engine{Sender: sender, Counters: nopCounters{}, etbTopo: etbTopo, opTopo: opTopo}
}

// Publish appends a new PublisherElement. The first send is due after
// one full interval unless Put marks it dirty before then. now is the
// caller's current clock reading (the same one it will later pass to
// Process), so publish time and send-due tracking stay on one timeline.
func (e *Engine) Publish(comID uint32, srcIP, dstIP net.IP, interval int64, redID uint32, params SendParams, now int64) (*PublisherElement, error) {
	if interval <= 0 {
		return nil, errs.New(errs.PARAM_ERR, "publish interval must be positive, got %d", interval)
	}
	p := &PublisherElement{
		Handle:      cos.GenHandle(),
		ComID:       comID,
		SrcIP:       srcIP,
		DstIP:       dstIP,
		MsgType:     wire.MsgPd,
		Interval:    interval,
		RedID:       redID,
		Params:      params,
		nextSendDue: now + interval,
		leader:      true,
	}
	e.mu.Lock()
	e.pubs = append(e.pubs, p)
	e.mu.Unlock()
	return p, nil
}

// Republish re-targets an existing publisher's destination and interval
// without losing its sequence counter or payload.
func (e *Engine) Republish(p *PublisherElement, dstIP net.IP, interval int64) error {
	if interval <= 0 {
		return errs.New(errs.PARAM_ERR, "republish interval must be positive, got %d", interval)
	}
	p.mu.Lock()
	p.DstIP = dstIP
	p.Interval = interval
	p.mu.Unlock()
	return nil
}

// Unpublish removes a publisher. Any frame already handed to the
// sender completes; it holds no further reference to p.
func (e *Engine) Unpublish(p *PublisherElement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, x := range e.pubs {
		if x == p {
			p.removed = true
			e.pubs = append(e.pubs[:i], e.pubs[i+1:]...)
			return
		}
	}
}

// SetRedundant atomically updates the leader flag of every publisher
// sharing redID.
func (e *Engine) SetRedundant(redID uint32, leader bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pubs {
		if p.RedID == redID {
			p.setLeader(leader)
		}
	}
}

// Subscribe appends a new SubscriberElement, joining its destination's
// multicast group if it names one. Rejects a duplicate
// (comID, srcLow, srcHigh, dstIP) tuple with errs.PARAM_ERR. now seeds
// the timeout-sweep baseline: the element starts invalid (no data yet)
// and times out at now+timeout if nothing arrives first.
func (e *Engine) Subscribe(comID uint32, srcLow, srcHigh, dstIP net.IP, timeout int64, toBehavior ToBehavior, now int64) (*SubscriberElement, error) {
	e.mu.Lock()
	for _, x := range e.subs {
		if x.ComID == comID && x.DstIP.Equal(dstIP) && x.SrcLow.Equal(srcLow) && x.SrcHigh.Equal(srcHigh) {
			e.mu.Unlock()
			return nil, errs.New(errs.PARAM_ERR, "duplicate subscription for comID %d", comID)
		}
	}
	s := &SubscriberElement{
		Handle:       cos.GenHandle(),
		ComID:        comID,
		SrcLow:       srcLow,
		SrcHigh:      srcHigh,
		DstIP:        dstIP,
		Timeout:      timeout,
		ToBehavior:   toBehavior,
		lastReceived: now,
	}
	e.subs = append(e.subs, s)
	e.mu.Unlock()

	if dstIP != nil && dstIP.IsMulticast() && e.Sender != nil {
		if err := e.Sender.JoinGroup(dstIP); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Resubscribe re-targets an existing subscriber, leaving its old
// multicast group (if any) and joining the new one.
func (e *Engine) Resubscribe(s *SubscriberElement, dstIP net.IP, timeout int64) error {
	old := s.DstIP
	s.mu.Lock()
	s.DstIP = dstIP
	s.Timeout = timeout
	s.mu.Unlock()
	if e.Sender == nil {
		return nil
	}
	if old != nil && old.IsMulticast() && !old.Equal(dstIP) {
		if err := e.Sender.LeaveGroup(old); err != nil {
			return err
		}
	}
	if dstIP != nil && dstIP.IsMulticast() {
		return e.Sender.JoinGroup(dstIP)
	}
	return nil
}

// Unsubscribe removes a subscriber and leaves its multicast group if it
// joined one.
func (e *Engine) Unsubscribe(s *SubscriberElement) error {
	e.mu.Lock()
	for i, x := range e.subs {
		if x == s {
			s.removed = true
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	if s.DstIP != nil && s.DstIP.IsMulticast() && e.Sender != nil {
		return e.Sender.LeaveGroup(s.DstIP)
	}
	return nil
}

// Process performs one engine step: due/dirty publisher sends in
// list order, then the subscriber timeout sweep. Inbound frame dispatch
// is driven separately via Dispatch, as frames arrive from whichever
// socket the host's select reported ready.
func (e *Engine) Process(now int64) error {
	e.sendDue(now)
	e.sweepTimeouts(now)
	return nil
}

// farFuture bounds NextDue's return when nothing is scheduled, so a
// host's getInterval() never waits literally forever on an idle engine.
const farFuture = int64(3600) * 1_000_000_000

// NextDue returns the earliest of any publisher's next send time or
// any subscriber's timeout deadline, for the host's getInterval().
func (e *Engine) NextDue(now int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := now + farFuture
	for _, p := range e.pubs {
		p.mu.Lock()
		if p.nextSendDue < next {
			next = p.nextSendDue
		}
		p.mu.Unlock()
	}
	for _, s := range e.subs {
		s.mu.Lock()
		due := s.lastReceived + s.Timeout
		if !s.timedOut && due < next {
			next = due
		}
		s.mu.Unlock()
	}
	return next
}

func (e *Engine) sendDue(now int64) {
	e.mu.Lock()
	pubs := make([]*PublisherElement, len(e.pubs))
	copy(pubs, e.pubs)
	e.mu.Unlock()

	for _, p := range pubs {
		p.mu.Lock()
		periodic := p.nextSendDue <= now
		due := periodic || p.dirty
		if !due {
			p.mu.Unlock()
			continue
		}
		if !p.isLeaderLocked() {
			// Not this group's leader: stay silent but keep cycle phase.
			p.advanceDue(now)
			p.dirty = false
			p.mu.Unlock()
			continue
		}
		payload := make([]byte, len(p.payload))
		copy(payload, p.payload)
		seq := p.seq
		dst := p.DstIP
		params := p.Params
		msgType := p.MsgType
		comID := p.ComID
		replyComID := p.ReplyComID
		replyIP := p.ReplyIP
		p.mu.Unlock()

		if p.PreSend != nil {
			p.PreSend(payload)
		}
		frame := encodePublisherFrame(p, seq, msgType, comID, replyComID, replyIP, payload, e.etbTopo(), e.opTopo())

		var sendErr error
		if e.Sender != nil {
			sendErr = e.Sender.SendPD(dst, params, frame)
		}

		p.mu.Lock()
		if sendErr == nil {
			p.seq++
			p.lastSent = now
			if e.Counters != nil {
				e.Counters.Inc("pd.send.n")
			}
		} else if e.Counters != nil {
			e.Counters.Inc("pd.send.err.n")
		}
		if periodic {
			p.advanceDue(now)
		} else {
			// change-driven send: the cycle restarts from this send
			p.nextSendDue = now + p.Interval
		}
		p.dirty = false
		p.mu.Unlock()
	}
}

// advanceDue steps nextSendDue forward by exactly one interval,
// catching up overdue cycles by a single step rather than bursting.
func (p *PublisherElement) advanceDue(now int64) {
	p.nextSendDue += p.Interval
	if p.nextSendDue <= now {
		p.nextSendDue = now + p.Interval
	}
}

func encodePublisherFrame(p *PublisherElement, seq uint32, msgType string, comID, replyComID uint32, replyIP net.IP, payload []byte, etbTopo, opTopo uint32) []byte {
	h := wire.PDHeader{
		SeqCounter:   seq,
		Version:      wire.ProtocolVersion,
		MsgType:      msgType,
		ComID:        comID,
		EtbTopoCount: etbTopo,
		OpTopoCount:  opTopo,
		PayloadSize:  uint32(len(payload)),
		ReplyComID:   replyComID,
		ReplyIP:      ipToUint32(replyIP),
	}
	return wire.EncodePD(h, payload)
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func (e *Engine) sweepTimeouts(now int64) {
	e.mu.Lock()
	subs := make([]*SubscriberElement, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if s.timedOut || s.Timeout <= 0 {
			s.mu.Unlock()
			continue
		}
		base := s.lastReceived
		if now-base <= s.Timeout {
			s.mu.Unlock()
			continue
		}
		s.timedOut = true
		cb := s.OnTimeout
		if s.ToBehavior == ToZero {
			for i := range s.payload {
				s.payload[i] = 0
			}
		}
		if e.Counters != nil {
			e.Counters.Inc("pd.timeout.n")
		}
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

// Dispatch validates and routes one inbound PD frame to the first
// subscriber whose filter matches. Stale frames (sequence not strictly
// greater than last-seen) and frames matching no subscriber are
// counted and dropped rather than erroring. now must come from the same
// clock the caller passes to Process, so receive and timeout tracking
// stay on one timeline.
func (e *Engine) Dispatch(frame []byte, srcIP, dstIP net.IP, now int64) error {
	h, payload, err := wire.DecodePD(frame, e.etbTopo(), e.opTopo())
	if err != nil {
		if e.Counters != nil {
			e.Counters.Inc("pd.decode.err.n")
		}
		return err
	}

	e.mu.Lock()
	subs := make([]*SubscriberElement, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	var match *SubscriberElement
	for _, s := range subs {
		if s.ComID == h.ComID && matchesRange(srcIP, s.SrcLow, s.SrcHigh) && matchesDst(dstIP, s.DstIP) {
			match = s
			break
		}
	}
	if match == nil {
		if e.Counters != nil {
			e.Counters.Inc("pd.nomatch.n")
		}
		return nil
	}

	match.mu.Lock()
	if match.hasData && h.SeqCounter <= match.lastSeen {
		match.mu.Unlock()
		if e.Counters != nil {
			e.Counters.Inc("pd.stale.n")
		}
		return nil
	}
	match.payload = append(match.payload[:0], payload...)
	debug.Assert(len(match.payload) == len(payload), "cached payload length must match received frame")
	match.lastSeen = h.SeqCounter
	match.hasData = true
	match.timedOut = false
	match.lastReceived = now
	match.meta = Meta{ComID: h.ComID, SrcIP: srcIP, DstIP: dstIP, Seq: h.SeqCounter, Size: len(payload), Timestamp: now}
	cb := match.OnReceive
	meta := match.meta
	match.mu.Unlock()

	if e.Counters != nil {
		e.Counters.Inc("pd.recv.n")
	}
	if cb != nil {
		cb(meta)
	}
	return nil
}

func matchesDst(frameDst, subDst net.IP) bool {
	if subDst == nil || subDst.IsUnspecified() {
		return true
	}
	return frameDst == nil || frameDst.Equal(subDst)
}
