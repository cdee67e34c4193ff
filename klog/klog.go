// Package klog provides the undecorated boot/warning logging biscuit
// uses throughout mem.Phys_init and dmap.Dmap_init (bare fmt.Printf).
// Nothing in the retrieved kernel-side packages pulls in a structured
// logging library, so this keeps the same register: short, occasional,
// unadorned lines, never at debug-per-operation granularity.
package klog

import (
	"fmt"
	"os"
	"runtime"
	"sync"
)

// Boot prints a boot-time progress line, matching the style of
// mem.Phys_init's "Reserved %v pages (%vMB)" message.
func Boot(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

// Warn prints a warning to stderr. Used for recoverable but noteworthy
// conditions such as a low-memory notification or a monitor timeout race.
func Warn(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warn: "+format+"\n", args...)
}

// distinctCallers records which call sites have already fired a WarnOnce,
// keyed by a hash of the caller's return-address chain. Adapted from
// biscuit's caller.Distinct_caller_t, which dedupes repeated diagnostic
// dumps by hashing the same kind of PC chain; here the hash gates a
// log line instead of a stack dump.
var distinctCallers = struct {
	mu  sync.Mutex
	did map[uintptr]bool
}{did: make(map[uintptr]bool)}

func pcHash(pcs []uintptr) uintptr {
	var h uintptr
	for _, pc := range pcs {
		h ^= pc*1103515245 + 12345
	}
	return h
}

// WarnOnce prints a warning like Warn, but only the first time it is
// reached from a given call site. Intended for conditions that would
// otherwise spam the log on every iteration of a polling or retry loop,
// such as a recurring monitor timeout race.
func WarnOnce(format string, args ...interface{}) {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	h := pcHash(pcs[:n])

	distinctCallers.mu.Lock()
	seen := distinctCallers.did[h]
	distinctCallers.did[h] = true
	distinctCallers.mu.Unlock()

	if !seen {
		Warn(format, args...)
	}
}
