package md

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/railtrdp/trdpgo/cmn/cos"
	"github.com/railtrdp/trdpgo/cmn/debug"
	"github.com/railtrdp/trdpgo/errs"
	"github.com/railtrdp/trdpgo/wire"
)

// Transport is the subset of socket-multiplexer behavior the MD engine
// needs, kept abstract so this package never imports mux directly (the
// concrete adapter, wrapping mux.Table, lives in the trdp session
// package). A single Send call is atomic from the engine's point of
// view. The TCP-backed implementation hands each frame to one blocking
// write, which either writes the whole frame or returns an error; no
// partial write is retained or resumed on a later call.
type Transport interface {
	SendUDP(dstIP net.IP, params SendParams, frame []byte) error
	SendTCP(dstIP net.IP, params SendParams, frame []byte) error
	JoinGroup(group net.IP) error
	LeaveGroup(group net.IP) error
}

// Counters is the narrow stats sink the engine increments through;
// decoupled from package stats the same way Transport decouples from mux.
type Counters interface {
	Inc(name string)
}

type nopCounters struct{}

func (nopCounters) Inc(string) {}

// Engine owns the listener table and the active-session table for one
// TRDP session's MD traffic.
type Engine struct {
	Transport Transport
	Counters  Counters

	etbTopo    func() uint32
	opTopo     func() uint32
	wallMicros func() int64

	mu        sync.Mutex
	listeners []*Listener
	sessions  map[[16]byte]*Session

	uuidMu  sync.Mutex
	uuidCtr uint16
	uuidMAC [6]byte
}

func NewEngine(transport Transport, etbTopo, opTopo func() uint32) *Engine {
	if etbTopo == nil {
		etbTopo = func() uint32 { return 0 }
	}
	if opTopo == nil {
		opTopo = func() uint32 { return 0 }
	}
	return &Engine{
		Transport:  transport,
		Counters:   nopCounters{},
		etbTopo:    etbTopo,
		opTopo:     opTopo,
		wallMicros: func() int64 { return time.Now().UnixMicro() },
		sessions:   make(map[[16]byte]*Session),
		uuidMAC:    defaultMAC(),
	}
}

func defaultMAC() [6]byte {
	var mac [6]byte
	ifaces, err := net.Interfaces()
	if err != nil {
		return mac
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) != 6 {
			continue
		}
		copy(mac[:], ifc.HardwareAddr)
		break
	}
	return mac
}

// nextUUID combines wall-clock microseconds (low 8 bytes), a
// monotonically incrementing counter (2 bytes, version/variant folded
// into its top nibble), and the default interface's MAC (6 bytes). Per
// the Unix-epoch decision recorded in DESIGN.md, this does not conform
// to RFC 4122's own epoch; it is a wire-level timestamp, not an engine
// timeout, so it reads the real wall clock rather than cmn/mono.
func (e *Engine) nextUUID() [16]byte {
	e.uuidMu.Lock()
	e.uuidCtr++
	ctr := e.uuidCtr
	e.uuidMu.Unlock()

	var u [16]byte
	binary.BigEndian.PutUint64(u[0:8], uint64(e.wallMicros()))
	binary.BigEndian.PutUint16(u[8:10], ctr)
	u[8] = (u[8] &^ 0xF0) | 0x40 // version/variant nibble: non-RFC4122, unix epoch
	copy(u[10:16], e.uuidMAC[:])
	return u
}

// AddListener appends l to the listener table in match-priority order
// and joins its multicast destination, if any.
func (e *Engine) AddListener(l *Listener) error {
	if l.Handle == "" {
		l.Handle = cos.GenHandle()
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
	if l.DstIP != nil && l.DstIP.IsMulticast() {
		if err := e.Transport.JoinGroup(l.DstIP); err != nil {
			return errs.Wrap(errs.SOCK_ERR, err, "join md listener group")
		}
	}
	return nil
}

func (e *Engine) DelListener(l *Listener) error {
	e.mu.Lock()
	for i, cand := range e.listeners {
		if cand == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
	l.removed = true
	e.mu.Unlock()
	if l.DstIP != nil && l.DstIP.IsMulticast() {
		return e.Transport.LeaveGroup(l.DstIP)
	}
	return nil
}

// Notify sends a one-shot, un-retried, un-replied frame. Terminal on
// send completion; no Session is retained.
func (e *Engine) Notify(comID uint32, dstIP net.IP, srcURI, dstURI string, payload []byte, useTCP bool, params SendParams) error {
	h := wire.MDHeader{
		SeqCounter: 1, Version: wire.ProtocolVersion, MsgType: wire.MsgMn, ComID: comID,
		EtbTopoCount: e.etbTopo(), OpTopoCount: e.opTopo(),
		PayloadSize: uint32(len(payload)), SessionUUID: e.nextUUID(),
		SourceURI: srcURI, DestURI: dstURI,
	}
	frame := wire.EncodeMD(h, payload)
	if err := e.send(dstIP, params, frame, useTCP); err != nil {
		return errs.Wrap(errs.NOCONN_ERR, err, "notify comID %d", comID)
	}
	e.Counters.Inc("md.notify.n")
	return nil
}

// Request opens a caller-role session: sends once, arms reply-timeout,
// and (UDP only) retries up to retries times on timeout before the
// session terminates with REPLYTO_ERR.
func (e *Engine) Request(comID uint32, dstIP net.IP, srcURI, dstURI string, payload []byte, expectedReplies int, replyTimeout int64, retries int, useTCP bool, params SendParams, onReply ReplyCB, now int64) (*Session, error) {
	uuid := e.nextUUID()
	h := wire.MDHeader{
		SeqCounter: 1, Version: wire.ProtocolVersion, MsgType: wire.MsgMr, ComID: comID,
		EtbTopoCount: e.etbTopo(), OpTopoCount: e.opTopo(),
		PayloadSize: uint32(len(payload)), SessionUUID: uuid,
		ReplyTimeout: uint32(replyTimeout / 1000), SourceURI: srcURI, DestURI: dstURI,
	}
	frame := wire.EncodeMD(h, payload)
	if err := e.send(dstIP, params, frame, useTCP); err != nil {
		return nil, errs.Wrap(errs.NOCONN_ERR, err, "request comID %d", comID)
	}
	s := &Session{
		UUID: uuid, Role: RoleCaller, ComID: comID, PeerIP: dstIP,
		SrcURI: srcURI, DstURI: dstURI, UseTCP: useTCP,
		ReplyTimeout: replyTimeout, MaxRetries: retries, OnReply: onReply,
		RetryInterval: cos.DivCeil(replyTimeout, int64(retries+1)),
		state:         StateWaitReply, expectedReply: expectedReplies,
		deadline:      now + cos.DivCeil(replyTimeout, int64(retries+1)),
		outbound:      frame,
	}
	e.mu.Lock()
	e.sessions[uuid] = s
	e.mu.Unlock()
	e.Counters.Inc("md.req.n")
	return s, nil
}

// Reply answers a replier-role session in RX_REQ with a final 'Mp'
// frame; terminal on send completion.
func (e *Engine) Reply(s *Session, payload []byte) error {
	s.mu.Lock()
	if s.Role != RoleReplier || s.state != StateRxReq {
		s.mu.Unlock()
		return errs.New(errs.STATE_ERR, "reply called outside RX_REQ")
	}
	s.mu.Unlock()
	if err := e.sendReplyFrame(s, wire.MsgMp, 0, payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.terminal(nil)
	s.mu.Unlock()
	e.removeSession(s.UUID)
	e.Counters.Inc("md.reply.n")
	return nil
}

// ReplyQuery answers with 'Mq', arming a confirm-timeout the caller is
// expected to satisfy with Confirm before it elapses.
func (e *Engine) ReplyQuery(s *Session, payload []byte, confirmTimeout int64, now int64) error {
	s.mu.Lock()
	if s.Role != RoleReplier || s.state != StateRxReq {
		s.mu.Unlock()
		return errs.New(errs.STATE_ERR, "replyQuery called outside RX_REQ")
	}
	s.mu.Unlock()
	if err := e.sendReplyFrame(s, wire.MsgMq, uint32(confirmTimeout/1000), payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StateWaitConfirm
	s.ConfirmTimeout = confirmTimeout
	s.deadline = now + confirmTimeout
	s.mu.Unlock()
	e.Counters.Inc("md.replyquery.n")
	return nil
}

// ReplyErr answers with an 'Me' error-status frame and terminates the
// replier-role session immediately.
func (e *Engine) ReplyErr(s *Session, status int32, payload []byte) error {
	s.mu.Lock()
	if s.Role != RoleReplier || s.state != StateRxReq {
		s.mu.Unlock()
		return errs.New(errs.STATE_ERR, "replyErr called outside RX_REQ")
	}
	s.mu.Unlock()
	if err := e.sendReplyFrame(s, wire.MsgMe, uint32(status), payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.terminal(errs.New(errs.UNKNOWN_ERR, "application error reply status %d", status))
	s.mu.Unlock()
	e.removeSession(s.UUID)
	e.Counters.Inc("md.replyerr.n")
	return nil
}

func (e *Engine) sendReplyFrame(s *Session, msgType string, replyTimeout uint32, payload []byte) error {
	h := wire.MDHeader{
		SeqCounter: 1, Version: wire.ProtocolVersion, MsgType: msgType, ComID: s.ComID,
		EtbTopoCount: e.etbTopo(), OpTopoCount: e.opTopo(),
		PayloadSize: uint32(len(payload)), SessionUUID: s.UUID,
		ReplyTimeout: replyTimeout, SourceURI: s.DstURI, DestURI: s.SrcURI,
	}
	frame := wire.EncodeMD(h, payload)
	if err := e.send(s.PeerIP, SendParams{}, frame, s.UseTCP); err != nil {
		return errs.Wrap(errs.NOCONN_ERR, err, "reply session")
	}
	return nil
}

// Confirm satisfies a pending ReplyQuery. Sending it is the only wire
// action that acknowledges a 'Mq'; there is no ack back, so the caller
// session goes terminal locally the moment the send succeeds.
func (e *Engine) Confirm(s *Session, status int32) error {
	s.mu.Lock()
	if s.Role != RoleCaller || s.state != StateWaitConfirmAck {
		s.mu.Unlock()
		return errs.New(errs.STATE_ERR, "confirm called outside WAIT_CONFIRM_ACK")
	}
	s.mu.Unlock()
	h := wire.MDHeader{
		SeqCounter: 1, Version: wire.ProtocolVersion, MsgType: wire.MsgMc, ComID: s.ComID,
		EtbTopoCount: e.etbTopo(), OpTopoCount: e.opTopo(),
		SessionUUID: s.UUID, ReplyStatus: status, SourceURI: s.SrcURI, DestURI: s.DstURI,
	}
	frame := wire.EncodeMD(h, nil)
	if err := e.send(s.PeerIP, SendParams{}, frame, s.UseTCP); err != nil {
		return errs.Wrap(errs.NOCONN_ERR, err, "confirm session")
	}
	s.mu.Lock()
	s.terminal(nil)
	s.mu.Unlock()
	e.removeSession(s.UUID)
	e.Counters.Inc("md.confirm.n")
	return nil
}

// AbortSession moves s to terminal with SESSION_ABORT_ERR; its table
// slot is released on the next Process.
func (e *Engine) AbortSession(s *Session) {
	s.mu.Lock()
	s.aborted = true
	s.terminal(errs.New(errs.SESSION_ABORT_ERR, "session aborted by application"))
	debug.Assert(s.state == StateTerminal, "session must be terminal after terminal()")
	cb := s.OnReply
	report := !s.reported
	s.reported = true
	reason := s.terminalReason
	s.mu.Unlock()
	if report && cb != nil {
		cb(nil, 0, reason)
	}
	e.Counters.Inc("md.abort.n")
}

func (e *Engine) removeSession(uuid [16]byte) {
	e.mu.Lock()
	delete(e.sessions, uuid)
	e.mu.Unlock()
}

func (e *Engine) send(dstIP net.IP, params SendParams, frame []byte, useTCP bool) error {
	if useTCP {
		return e.Transport.SendTCP(dstIP, params, frame)
	}
	return e.Transport.SendUDP(dstIP, params, frame)
}

// Process drains retries and timeout sweeps. Ordering within one call:
// caller-role retries/timeouts first, then replier-role app- and
// confirm-timeouts, matching the MD-before-new-request ordering the
// session's outer process() loop relies on.
func (e *Engine) Process(now int64) error {
	e.mu.Lock()
	snapshot := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		snapshot = append(snapshot, s)
	}
	e.mu.Unlock()

	for _, s := range snapshot {
		if s.Role == RoleCaller {
			e.sweepOne(s, now)
		}
	}
	for _, s := range snapshot {
		if s.Role != RoleCaller {
			e.sweepOne(s, now)
		}
	}
	return nil
}

// farFuture bounds NextDue's return when no session has a pending
// deadline, so a host's getInterval() never waits literally forever.
const farFuture = int64(3600) * 1_000_000_000

// NextDue returns the earliest pending session deadline (a retry,
// reply-timeout, confirm-timeout, or application reply-timeout), for
// the host's getInterval().
func (e *Engine) NextDue(now int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := now + farFuture
	for _, s := range e.sessions {
		s.mu.Lock()
		if s.state != StateTerminal && s.deadline < next {
			next = s.deadline
		}
		s.mu.Unlock()
	}
	return next
}

func (e *Engine) sweepOne(s *Session, now int64) {
	s.mu.Lock()
	if s.aborted || s.state == StateTerminal {
		s.mu.Unlock()
		e.removeSession(s.UUID)
		return
	}
	if now < s.deadline {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateWaitReply:
		if !s.UseTCP && s.retries < s.MaxRetries {
			s.retries++
			s.deadline = now + s.RetryInterval
			outbound := s.outbound
			peer := s.PeerIP
			s.mu.Unlock()
			_ = e.send(peer, SendParams{}, outbound, false)
			e.Counters.Inc("md.retry.n")
			return
		}
		s.terminal(errs.New(errs.REPLYTO_ERR, "no reply within timeout"))
		debug.Assert(s.state == StateTerminal, "session must be terminal after terminal()")
		cb := s.OnReply
		report := !s.reported
		s.reported = true
		reason := s.terminalReason
		s.mu.Unlock()
		if report && cb != nil {
			cb(nil, s.receivedReply, reason)
		}
		e.removeSession(s.UUID)
		e.Counters.Inc("md.replyto.n")
	case StateWaitConfirmAck:
		// Confirm is advisory: the caller already reported success on
		// the ReplyQuery. A missed deadline here only frees bookkeeping.
		s.terminal(s.terminalReason)
		s.mu.Unlock()
		e.removeSession(s.UUID)
	case StateRxReq:
		s.terminal(errs.New(errs.APP_REPLYTO_ERR, "application did not reply in time"))
		s.mu.Unlock()
		e.removeSession(s.UUID)
		e.Counters.Inc("md.appreplyto.n")
	case StateWaitConfirm:
		s.terminal(errs.New(errs.CONFIRMTO_ERR, "confirm not received in time"))
		s.mu.Unlock()
		e.removeSession(s.UUID)
		e.Counters.Inc("md.confirmto.n")
	default:
		s.mu.Unlock()
	}
}

// Dispatch decodes one inbound MD frame and routes it: an existing
// session's UUID continues that session's state machine; otherwise an
// 'Mr'/'Mn' frame is matched against the listener table, first match
// wins. An unmatched reply/confirm UUID is silently dropped, per the
// "unexpected session-UUID is ignored" rule.
func (e *Engine) Dispatch(frame []byte, srcIP, dstIP net.IP, useTCP bool, now int64) error {
	h, payload, err := wire.DecodeMD(frame, e.etbTopo(), e.opTopo())
	if err != nil {
		e.Counters.Inc("md.decode.err.n")
		return err
	}

	e.mu.Lock()
	s := e.sessions[h.SessionUUID]
	e.mu.Unlock()

	if s != nil {
		e.dispatchToSession(s, h, payload, now)
		return nil
	}

	switch h.MsgType {
	case wire.MsgMr:
		e.dispatchRequest(h, payload, srcIP, dstIP, useTCP, now)
	case wire.MsgMn:
		e.dispatchNotify(h, payload, srcIP)
	default:
		e.Counters.Inc("md.nomatch.n")
	}
	return nil
}

func (e *Engine) dispatchToSession(s *Session, h wire.MDHeader, payload []byte, now int64) {
	s.mu.Lock()
	if s.Role == RoleReplier {
		e.dispatchConfirm(s, h)
		return
	}
	if s.Role != RoleCaller || s.state != StateWaitReply {
		s.mu.Unlock()
		e.Counters.Inc("md.nomatch.n")
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.payload = cp
	s.receivedReply++

	switch h.MsgType {
	case wire.MsgMp:
		// expectedReply == 0 means unknown count: the first reply already
		// satisfies it.
		done := s.expectedReply == 0 || s.receivedReply >= s.expectedReply
		if !done {
			s.mu.Unlock()
			e.Counters.Inc("md.reply.n")
			return
		}
		s.terminal(nil)
		cb := s.OnReply
		report := !s.reported
		s.reported = true
		n := s.receivedReply
		s.mu.Unlock()
		if report && cb != nil {
			cb(cp, n, nil)
		}
		e.removeSession(s.UUID)
		e.Counters.Inc("md.reply.n")
	case wire.MsgMq:
		s.state = StateWaitConfirmAck
		s.ConfirmTimeout = int64(h.ReplyTimeout) * 1000
		s.deadline = now + s.ConfirmTimeout
		cb := s.OnReply
		report := !s.reported
		s.reported = true
		n := s.receivedReply
		s.mu.Unlock()
		if report && cb != nil {
			cb(cp, n, nil)
		}
		e.Counters.Inc("md.replyquery.n")
	case wire.MsgMe:
		s.terminal(errs.New(errs.UNKNOWN_ERR, "peer returned error status %d", h.ReplyStatus))
		cb := s.OnReply
		report := !s.reported
		s.reported = true
		reason := s.terminalReason
		s.mu.Unlock()
		if report && cb != nil {
			cb(nil, s.receivedReply, reason)
		}
		e.removeSession(s.UUID)
	default:
		s.mu.Unlock()
		e.Counters.Inc("md.nomatch.n")
	}
}

// dispatchConfirm handles an inbound 'Mc' reaching a replier-role
// session: the only frame a replier ever expects back from the caller.
// Called with s.mu held; always unlocks before returning.
func (e *Engine) dispatchConfirm(s *Session, h wire.MDHeader) {
	if h.MsgType != wire.MsgMc || s.state != StateWaitConfirm {
		s.mu.Unlock()
		e.Counters.Inc("md.nomatch.n")
		return
	}
	s.terminal(nil)
	s.mu.Unlock()
	e.removeSession(s.UUID)
	e.Counters.Inc("md.confirm.n")
}

func (e *Engine) dispatchRequest(h wire.MDHeader, payload []byte, srcIP, dstIP net.IP, useTCP bool, now int64) {
	e.mu.Lock()
	var chosen *Listener
	for _, l := range e.listeners {
		if l.removed || l.OnRequest == nil {
			continue
		}
		if !listenerMatches(l, h.ComID, srcIP, dstIP, h.SourceURI, h.DestURI, useTCP) {
			continue
		}
		chosen = l
		break
	}
	e.mu.Unlock()
	if chosen == nil {
		e.Counters.Inc("md.nomatch.n")
		return
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	s := &Session{
		UUID: h.SessionUUID, Role: RoleReplier, ComID: h.ComID, PeerIP: srcIP,
		SrcURI: h.SourceURI, DstURI: h.DestURI, UseTCP: useTCP,
		ReplyTimeout: int64(h.ReplyTimeout) * 1000,
		state:        StateRxReq, deadline: now + int64(h.ReplyTimeout)*1000,
		payload: cp,
	}
	e.mu.Lock()
	e.sessions[s.UUID] = s
	e.mu.Unlock()
	e.Counters.Inc("md.rxreq.n")
	chosen.OnRequest(s, cp)
}

func (e *Engine) dispatchNotify(h wire.MDHeader, payload []byte, srcIP net.IP) {
	e.mu.Lock()
	var chosen *Listener
	for _, l := range e.listeners {
		if l.removed || l.OnNotify == nil {
			continue
		}
		if !listenerMatches(l, h.ComID, srcIP, nil, h.SourceURI, h.DestURI, false) {
			continue
		}
		chosen = l
		break
	}
	e.mu.Unlock()
	if chosen == nil {
		e.Counters.Inc("md.nomatch.n")
		return
	}
	e.Counters.Inc("md.notify.n")
	chosen.OnNotify(h.ComID, srcIP, payload)
}

func listenerMatches(l *Listener, comID uint32, srcIP, dstIP net.IP, srcURI, dstURI string, useTCP bool) bool {
	if l.ComID != 0 && l.ComID != comID {
		return false
	}
	if l.UseTCP != useTCP {
		return false
	}
	if !matchesRange(srcIP, l.SrcLow, l.SrcHigh) {
		return false
	}
	if l.SourceURI != "" && l.SourceURI != srcURI {
		return false
	}
	if l.DestURI != "" && l.DestURI != dstURI {
		return false
	}
	return true
}

func matchesRange(ip, low, high net.IP) bool {
	if low == nil || high == nil || low.IsUnspecified() || high.IsUnspecified() {
		return true
	}
	if ip == nil {
		return false
	}
	lo4, hi4, ip4 := low.To4(), high.To4(), ip.To4()
	if lo4 == nil || hi4 == nil || ip4 == nil {
		return true
	}
	for i := range ip4 {
		if ip4[i] < lo4[i] || ip4[i] > hi4[i] {
			return false
		}
	}
	return true
}
