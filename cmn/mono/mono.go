// Package mono provides a single monotonic-clock helper used everywhere
// the engine reasons about "now", send-due times, and timeouts.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// processStart anchors the monotonic epoch; time.Since on it retains the
// runtime's monotonic reading even though the anchor itself is a wall clock.
var processStart = time.Now()

// NanoTime returns nanoseconds off an arbitrary, monotonically increasing
// epoch. Only ever compare two NanoTime() values to each other - never
// interpret the value as wall-clock time.
func NanoTime() int64 { return int64(time.Since(processStart)) }

// Since is a small convenience for the common "elapsed nanoseconds" case.
func Since(start int64) int64 { return NanoTime() - start }
