//go:build debug

package debug

import (
	"fmt"
	"sync"
)

func ON() bool { return true }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic("assertion failed: " + err.Error())
	}
}

func AssertFunc(f func() bool, args ...any) { Assert(f(), args...) }

func Func(f func()) { f() }

// AssertMutexLocked best-effort: sync.Mutex exposes no public "locked"
// query, so this only documents intent at call sites compiled with the
// debug tag; it never panics on its own.
func AssertMutexLocked(_ *sync.Mutex) {}
