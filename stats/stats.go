// Package stats tracks per-component counters for the PD and MD
// engines and the allocator: a point-in-time snapshot the host may log
// or poll, not an exporter.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/railtrdp/trdpgo/cmn/ratomic"
)

// Naming convention:
//   - "*.n"    - counter, always incremented
//   - "*.ns"   - latency, nanoseconds
//   - "*.size" - size, bytes
const (
	PDSendCount    = "pd.send.n"
	PDSendErrCount = "pd.send.err.n"
	PDTimeoutCount = "pd.timeout.n"
	PDDecodeErr    = "pd.decode.err.n"
	PDNoMatch      = "pd.nomatch.n"
	PDStaleCount   = "pd.stale.n"
	PDRecvCount    = "pd.recv.n"

	MDReqCount       = "md.req.n"
	MDNotifyCount    = "md.notify.n"
	MDReplyCount     = "md.reply.n"
	MDReplyQueryCnt  = "md.replyquery.n"
	MDReplyErrCount  = "md.replyerr.n"
	MDConfirmCount   = "md.confirm.n"
	MDRetryCount     = "md.retry.n"
	MDReplyToErr     = "md.replyto.n"
	MDConfirmToErr   = "md.confirmto.n"
	MDAppReplyToErr  = "md.appreplyto.n"
	MDAbortCount     = "md.abort.n"
	MDDecodeErr      = "md.decode.err.n"
	MDNoMatch        = "md.nomatch.n"
	MDRxReqCount     = "md.rxreq.n"

	MemAllocErr = "mem.alloc.err.n"
	CRCErr      = "crc.err.n"
)

// Tracker is a flat, fixed set of named atomic counters registered up
// front at construction; Inc on an unregistered name is a no-op rather
// than a panic, since a caller that forgets to register a name should
// not crash the engine.
type Tracker struct {
	counters map[string]*ratomic.Int64
}

// NewTracker registers exactly the given counter names; Get only ever
// reports names passed here.
func NewTracker(names ...string) *Tracker {
	t := &Tracker{counters: make(map[string]*ratomic.Int64, len(names))}
	for _, name := range names {
		t.counters[name] = ratomic.NewInt64(0)
	}
	return t
}

func (t *Tracker) Inc(name string) { t.Add(name, 1) }

func (t *Tracker) Add(name string, delta int64) {
	if v, ok := t.counters[name]; ok {
		v.Add(delta)
	}
}

// Get returns a point-in-time snapshot suitable for logging or
// jsoniter marshaling; it is not wired to any exporter.
func (t *Tracker) Get() map[string]int64 {
	out := make(map[string]int64, len(t.counters))
	for name, v := range t.counters {
		out[name] = v.Load()
	}
	return out
}

func (t *Tracker) MarshalJSON() ([]byte, error) { return jsoniter.Marshal(t.Get()) }
