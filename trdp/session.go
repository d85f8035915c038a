// Package trdp assembles the Block Allocator, Wire Codec, Socket
// Multiplexer, PD Engine and MD Engine into the one public surface a
// host application drives: open a session, then loop
// getInterval → select → process for as long as the session lives.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package trdp

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/railtrdp/trdpgo/cmn/cos"
	"github.com/railtrdp/trdpgo/cmn/mono"
	"github.com/railtrdp/trdpgo/cmn/ratomic"
	"github.com/railtrdp/trdpgo/config"
	"github.com/railtrdp/trdpgo/errs"
	"github.com/railtrdp/trdpgo/hk"
	"github.com/railtrdp/trdpgo/md"
	"github.com/railtrdp/trdpgo/mux"
	"github.com/railtrdp/trdpgo/pd"
	"github.com/railtrdp/trdpgo/stats"
)

// Now returns the monotonic clock reading GetInterval/Process/Dispatch
// expect as their now argument. Hosts that don't keep their own clock
// can call this directly; it is never interpreted as wall-clock time.
func Now() int64 { return mono.NanoTime() }

var counterNames = []string{
	stats.PDSendCount, stats.PDSendErrCount, stats.PDTimeoutCount, stats.PDDecodeErr,
	stats.PDNoMatch, stats.PDStaleCount, stats.PDRecvCount,
	stats.MDReqCount, stats.MDNotifyCount, stats.MDReplyCount, stats.MDReplyQueryCnt,
	stats.MDReplyErrCount, stats.MDConfirmCount, stats.MDRetryCount, stats.MDReplyToErr,
	stats.MDConfirmToErr, stats.MDAppReplyToErr, stats.MDAbortCount, stats.MDDecodeErr,
	stats.MDNoMatch, stats.MDRxReqCount,
	stats.MemAllocErr, stats.CRCErr,
}

// Session is one open TRDP session: its own socket table, PD engine,
// MD engine, and counters. The session mutex serializes API calls from
// multiple host threads; it does not prevent a callback from
// re-entering the session that invoked it (spec §5 "no concurrency
// inside the engine").
type Session struct {
	cfg   config.SessionConfig
	table *mux.Table
	pd    *pd.Engine
	md    *md.Engine
	Stats *stats.Tracker
	hk    *hk.Housekeeper
	runHK bool

	etbTopo ratomic.Uint32
	opTopo  ratomic.Uint32

	mu sync.Mutex
}

// Open validates cfg and wires the engines together; it does not bind
// or listen on any socket until the first Publish/Subscribe/
// AddListener call needs one.
func Open(cfg config.SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table := mux.NewTable()
	tracker := stats.NewTracker(counterNames...)

	s := &Session{cfg: cfg, table: table, Stats: tracker}
	s.etbTopo.Store(cfg.EtbTopoCount)
	s.opTopo.Store(cfg.OpTopoCount)

	pdEng := pd.NewEngine(newPDTransport(table, cfg.OwnIP, cfg.PD.Port), s.etbTopo.Load, s.opTopo.Load)
	pdEng.Counters = tracker

	mdEng := md.NewEngine(newMDTransport(table, cfg.OwnIP, cfg.MD.Port, cfg.MD.ConnectTimeout), s.etbTopo.Load, s.opTopo.Load)
	mdEng.Counters = tracker

	s.pd, s.md = pdEng, mdEng
	return s, nil
}

// ETBTopoCount and OpTrainTopoCount are read by every outbound PD/MD
// frame's header and checked against inbound frames. SetETBTopoCount/
// SetOpTrainTopoCount let a host update them after a topology change
// without reopening the session, matching the re-configurability a
// running vehicle consist needs when train composition changes.
func (s *Session) ETBTopoCount() uint32         { return s.etbTopo.Load() }
func (s *Session) SetETBTopoCount(v uint32)     { s.etbTopo.Store(v) }
func (s *Session) OpTrainTopoCount() uint32     { return s.opTopo.Load() }
func (s *Session) SetOpTrainTopoCount(v uint32) { s.opTopo.Store(v) }

// Reinit re-joins every multicast group the session's socket table
// currently tracks. A host calls this after detecting a link-down/
// link-up event so multicast group membership the kernel may have
// silently dropped during the outage is re-established.
func (s *Session) Reinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Reinit()
}

// RunHousekeeper starts h in the background as the session's optional
// cyclic-task driver, registering a periodic process tick (every tick
// nanoseconds; none when tick <= 0) so the engine still makes forward
// progress between explicit host process() calls. The core state
// machine's correctness never depends on this running (spec §5); it is
// a convenience only.
func (s *Session) RunHousekeeper(h *hk.Housekeeper, tick int64) {
	s.mu.Lock()
	s.hk = h
	s.runHK = true
	s.mu.Unlock()
	go h.Run()
	if tick > 0 {
		h.Reg("trdp.session.process", func() time.Duration {
			_ = s.Process(Now())
			return time.Duration(tick)
		}, time.Duration(tick))
	}
}

// Close closes every socket-table entry's socket concurrently; it does
// not wait for in-flight writes and leaves the entries in the table.
// Closing one socket failing doesn't stop the others; every distinct
// failure is reported back, up to cos.Errs's cap.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runHK && s.hk != nil {
		s.hk.Stop()
	}
	var (
		g         errgroup.Group
		closeErrs cos.Errs
	)
	for _, e := range s.table.Entries() {
		e := e
		g.Go(func() error {
			closeErrs.Add(e.Close())
			return nil
		})
	}
	g.Wait()
	if closeErrs.Cnt() == 0 {
		return nil
	}
	errList := closeErrs.Errs()
	return errs.Wrap(errs.SOCK_ERR, errors.Join(errList...), "close: %d socket(s) failed to close cleanly", closeErrs.Cnt())
}

// GetInterval reports how long the host may safely block in select
// before calling Process again, bounded by the earliest PD publish/
// timeout deadline or MD session deadline.
func (s *Session) GetInterval(now int64) int64 {
	due := cos.MinI64(s.pd.NextDue(now), s.md.NextDue(now))
	if due < now {
		return 0
	}
	return due - now
}

// Process runs one getInterval/select/process cycle's work: PD due
// sends and timeout sweep, then MD retries and timeout sweeps. All
// state transitions here are synchronous; the only blocking the caller
// does is select, outside this call.
func (s *Session) Process(now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pd.Process(now); err != nil {
		return err
	}
	return s.md.Process(now)
}

// HandleInboundPD routes one validated PD datagram read by the host
// from a ready socket into the PD engine's dispatch path.
func (s *Session) HandleInboundPD(frame []byte, srcIP, dstIP net.IP, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.Dispatch(frame, srcIP, dstIP, now)
}

// HandleInboundMD routes one MD frame read by the host from a ready
// UDP or TCP socket into the MD engine's dispatch path.
func (s *Session) HandleInboundMD(frame []byte, srcIP, dstIP net.IP, useTCP bool, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.Dispatch(frame, srcIP, dstIP, useTCP, now)
}

// ContributeReadySet appends every open socket's descriptor, for the
// host's own select/epoll call.
func (s *Session) ContributeReadySet(fds []int) []int {
	return s.table.ContributeReadySet(fds)
}

// --- PD API surface ---

func (s *Session) Publish(comID uint32, srcIP, dstIP net.IP, interval int64, redID uint32, params pd.SendParams, now int64) (*pd.PublisherElement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.Publish(comID, srcIP, dstIP, interval, redID, params, now)
}

func (s *Session) Republish(p *pd.PublisherElement, dstIP net.IP, interval int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.Republish(p, dstIP, interval)
}

func (s *Session) Unpublish(p *pd.PublisherElement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pd.Unpublish(p)
}

func (s *Session) SetRedundant(redID uint32, leader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pd.SetRedundant(redID, leader)
}

func (s *Session) Subscribe(comID uint32, srcLow, srcHigh, dstIP net.IP, timeout int64, toBehavior pd.ToBehavior, now int64) (*pd.SubscriberElement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.Subscribe(comID, srcLow, srcHigh, dstIP, timeout, toBehavior, now)
}

func (s *Session) Resubscribe(sub *pd.SubscriberElement, dstIP net.IP, timeout int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.Resubscribe(sub, dstIP, timeout)
}

func (s *Session) Unsubscribe(sub *pd.SubscriberElement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.Unsubscribe(sub)
}

// --- MD API surface ---

func (s *Session) AddListener(l *md.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.AddListener(l)
}

func (s *Session) DelListener(l *md.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.DelListener(l)
}

func (s *Session) Notify(comID uint32, dstIP net.IP, srcURI, dstURI string, payload []byte, useTCP bool, params md.SendParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.Notify(comID, dstIP, srcURI, dstURI, payload, useTCP, params)
}

func (s *Session) Request(comID uint32, dstIP net.IP, srcURI, dstURI string, payload []byte, expectedReplies int, replyTimeout int64, retries int, useTCP bool, params md.SendParams, onReply md.ReplyCB, now int64) (*md.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.Request(comID, dstIP, srcURI, dstURI, payload, expectedReplies, replyTimeout, retries, useTCP, params, onReply, now)
}

func (s *Session) Reply(sess *md.Session, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.Reply(sess, payload)
}

func (s *Session) ReplyQuery(sess *md.Session, payload []byte, confirmTimeout int64, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.ReplyQuery(sess, payload, confirmTimeout, now)
}

func (s *Session) ReplyErr(sess *md.Session, status int32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.ReplyErr(sess, status, payload)
}

func (s *Session) Confirm(sess *md.Session, status int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.Confirm(sess, status)
}

func (s *Session) AbortSession(sess *md.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.md.AbortSession(sess)
}
