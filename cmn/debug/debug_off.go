//go:build !debug

// Package debug provides build-tag gated invariant assertions: a no-op
// build for production, a checking build (tag "debug") for development
// and test. Internal invariants get debug.Assert; user-facing errors
// always go through errs, never through a panic here.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "sync"

func ON() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func AssertFunc(_ func() bool, _ ...any) {}
func Func(_ func())                      {}

func AssertMutexLocked(_ *sync.Mutex) {}
