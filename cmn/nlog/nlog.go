// Package nlog is the engine's logging facade: a small set of leveled,
// depth-aware helpers that the rest of the module calls instead of
// reaching for "log" or "fmt" directly, so a host application can
// redirect or silence diagnostic output by swapping the package-level
// Sink.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

func (s severity) String() string {
	switch s {
	case sevWarn:
		return "W"
	case sevErr:
		return "E"
	default:
		return "I"
	}
}

var (
	mu   sync.Mutex
	Sink io.Writer = os.Stderr
)

func log(sev severity, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(Sink, "%s %s %s\n", time.Now().UTC().Format("15:04:05.000000"), sev, fmt.Sprint(args...))
}

func logf(sev severity, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(Sink, "%s %s %s\n", time.Now().UTC().Format("15:04:05.000000"), sev, fmt.Sprintf(format, args...))
}

func Infoln(args ...any)               { log(sevInfo, args...) }
func Infof(format string, args ...any) { logf(sevInfo, format, args...) }

func Warningln(args ...any)               { log(sevWarn, args...) }
func Warningf(format string, args ...any) { logf(sevWarn, format, args...) }

func Errorln(args ...any)               { log(sevErr, args...) }
func Errorf(format string, args ...any) { logf(sevErr, format, args...) }

// SetOutput redirects the sink; intended for host applications and tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	Sink = w
	mu.Unlock()
}
