// Package cos - diagnostic (not wire-format) identifier generation for
// publishers, subscribers and listeners. These short IDs are for nlog
// lines and stats labels only; the wire-format 128-bit MD session UUID
// lives in package md and follows its own bespoke layout, not this
// alphabet.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"sync"

	"github.com/teris-io/shortid"
)

const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func ensureInit() {
	sidOnce.Do(func() {
		sid = shortid.MustNew(1, uuidABC, 0)
	})
}

// GenHandle returns a short, human-readable diagnostic handle, e.g. for a
// newly published PD element or a newly opened MD listener.
func GenHandle() string {
	ensureInit()
	return sid.MustGenerate()
}
