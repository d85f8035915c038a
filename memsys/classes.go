// Package memsys implements a fixed-size-class block allocator: a
// single contiguous arena (or, with arena size zero, the system heap)
// carved into ~15 size classes from 48B to 131072B. The allocation
// strategy - fixed classes, no merge/split, freed-block-marker double-free
// detection - trades general-purpose flexibility for predictable,
// allocation-free-at-steady-state behavior on the hot send/receive
// path.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import "github.com/railtrdp/trdpgo/cmn/cos"

// DefaultClasses is the default size-class ladder, ~15 classes spanning
// 48B to 131072B (matching MaxPageSlabSize below). Pre-configurable via
// MMSA.Classes before Init.
var DefaultClasses = []int64{
	48, 64, 96, 128, 192, 256, 384, 512, 768, 1 * cos.KiB, 2 * cos.KiB, 4 * cos.KiB, 16 * cos.KiB, 64 * cos.KiB, 128 * cos.KiB,
}

const (
	// DefaultBufSize is the default buffer size handed out when the
	// caller doesn't care about the exact class.
	DefaultBufSize = 4 * cos.KiB
	// MaxPageSlabSize is the largest size class the allocator serves;
	// requests above this fail with errs.MEM_ERR.
	MaxPageSlabSize = 128 * cos.KiB
)

// classFor returns the index of the smallest class that fits size, or -1
// if size exceeds the largest configured class.
func classFor(classes []int64, size int64) int {
	for i, c := range classes {
		if size <= c {
			return i
		}
	}
	return -1
}
