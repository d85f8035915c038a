// Package cos - error aggregation helper: dedups by message and caps
// the retained count.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "sync"

const maxErrs = 4

// Errs collects up to maxErrs distinct errors (by message), counting how
// many were seen in total. Used where a single process() pass can produce
// several independent failures (e.g. a timeout sweep over many
// subscribers) and the caller wants a bounded summary, not a panic.
type Errs struct {
	mu   sync.Mutex
	errs []error
	cnt  int64
}

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cnt++
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Cnt() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cnt
}

func (e *Errs) Errs() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}
