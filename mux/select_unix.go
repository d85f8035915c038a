//go:build linux

package mux

import (
	"time"

	"golang.org/x/sys/unix"
)

// Select is a convenience default for the host's own select/epoll loop.
// A host application is free to ignore this and drive the engine from
// epoll, an existing reactor, whatever it already runs; this helper
// exists so a minimal host can just call getInterval -> mux.Select ->
// process without writing its own descriptor-set plumbing, built on
// golang.org/x/sys.Select for the raw syscall the net package does not
// expose.
func Select(fds []int, timeout time.Duration) (ready []int, err error) {
	if len(fds) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}
	var set unix.FdSet
	maxFd := 0
	for _, fd := range fds {
		if fd < 0 {
			continue
		}
		fdSetBit(&set, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFd+1, &set, nil, nil, &tv)
	if err != nil || n == 0 {
		return nil, err
	}
	for _, fd := range fds {
		if fd >= 0 && fdSetIsSet(&set, fd) {
			ready = append(ready, fd)
		}
	}
	return ready, nil
}

// fdSetBit/fdSetIsSet implement the FD_SET/FD_ISSET macros: unix.FdSet
// exposes only the raw Bits array, not helper methods.
func fdSetBit(set *unix.FdSet, fd int) {
	bitsPerWord := 64
	set.Bits[fd/bitsPerWord] |= 1 << (uint(fd) % uint(bitsPerWord))
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	bitsPerWord := 64
	return set.Bits[fd/bitsPerWord]&(1<<(uint(fd)%uint(bitsPerWord))) != 0
}
