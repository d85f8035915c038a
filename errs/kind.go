// Package errs enumerates the TRDP error-kind taxonomy and wraps it in
// a single *Error type: a typed error the caller can switch on by
// Kind, never by string-matching a message.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package errs

import "fmt"

type Kind int

const (
	UNKNOWN_ERR Kind = iota
	UNRESOLVED_ERR

	// configuration
	PARAM_ERR
	INIT_ERR
	NOINIT_ERR
	COMID_ERR
	TOPO_ERR

	// resource
	MEM_ERR
	QUEUE_ERR
	QUEUE_FULL_ERR
	MUTEX_ERR
	SEMA_ERR
	THREAD_ERR
	INUSE_ERR

	// I/O
	SOCK_ERR
	IO_ERR
	NOCONN_ERR
	BLOCK_ERR
	NODATA_ERR

	// protocol (PD/MD)
	CRC_ERR
	WIRE_ERR
	PACKET_ERR
	STATE_ERR

	// MD lifecycle
	NOSESSION_ERR
	SESSION_ABORT_ERR
	NOSUB_ERR
	NOPUB_ERR
	NOLIST_ERR
	TIMEOUT_ERR
	REPLYTO_ERR
	CONFIRMTO_ERR
	REQCONFIRMTO_ERR
	APP_TIMEOUT_ERR
	APP_REPLYTO_ERR
	APP_CONFIRMTO_ERR
)

var names = map[Kind]string{
	UNKNOWN_ERR:       "UNKNOWN_ERR",
	UNRESOLVED_ERR:    "UNRESOLVED_ERR",
	PARAM_ERR:         "PARAM_ERR",
	INIT_ERR:          "INIT_ERR",
	NOINIT_ERR:        "NOINIT_ERR",
	COMID_ERR:         "COMID_ERR",
	TOPO_ERR:          "TOPO_ERR",
	MEM_ERR:           "MEM_ERR",
	QUEUE_ERR:         "QUEUE_ERR",
	QUEUE_FULL_ERR:    "QUEUE_FULL_ERR",
	MUTEX_ERR:         "MUTEX_ERR",
	SEMA_ERR:          "SEMA_ERR",
	THREAD_ERR:        "THREAD_ERR",
	INUSE_ERR:         "INUSE_ERR",
	SOCK_ERR:          "SOCK_ERR",
	IO_ERR:            "IO_ERR",
	NOCONN_ERR:        "NOCONN_ERR",
	BLOCK_ERR:         "BLOCK_ERR",
	NODATA_ERR:        "NODATA_ERR",
	CRC_ERR:           "CRC_ERR",
	WIRE_ERR:          "WIRE_ERR",
	PACKET_ERR:        "PACKET_ERR",
	STATE_ERR:         "STATE_ERR",
	NOSESSION_ERR:     "NOSESSION_ERR",
	SESSION_ABORT_ERR: "SESSION_ABORT_ERR",
	NOSUB_ERR:         "NOSUB_ERR",
	NOPUB_ERR:         "NOPUB_ERR",
	NOLIST_ERR:        "NOLIST_ERR",
	TIMEOUT_ERR:       "TIMEOUT_ERR",
	REPLYTO_ERR:       "REPLYTO_ERR",
	CONFIRMTO_ERR:     "CONFIRMTO_ERR",
	REQCONFIRMTO_ERR:  "REQCONFIRMTO_ERR",
	APP_TIMEOUT_ERR:   "APP_TIMEOUT_ERR",
	APP_REPLYTO_ERR:   "APP_REPLYTO_ERR",
	APP_CONFIRMTO_ERR: "APP_CONFIRMTO_ERR",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "UNKNOWN_ERR"
}

// Error is the single error type returned across the engine's API
// surface - never an out-of-band signal such as a callback or log line.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.TIMEOUT_ERR) work by treating a bare Kind
// as a sentinel that matches any *Error of that Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

func (k Kind) Error() string { return k.String() }

// KindOf extracts the Kind from any error produced by this package,
// defaulting to UNKNOWN_ERR for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if err == nil {
		return UNKNOWN_ERR
	}
	if as, ok := err.(*Error); ok {
		e = as
		return e.Kind
	}
	return UNKNOWN_ERR
}
