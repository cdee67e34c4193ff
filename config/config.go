// Package config holds the boot-time tunables the core substrate needs.
// biscuit hardcodes the equivalent values as package-level constants
// (mem.Phys_init's respgs) and a dedicated limits.Syslimit_t; this package
// plays both roles for the reimplementation, generalized into one place
// that cmd/anillosim, the tests and the other packages read from. The
// values are constants and cannot be overridden at run time.
package config

// PageShift is the base-2 exponent of the page size, matching the
// biscuit's mem.PGSHIFT.
const PageShift = 12

// PageSize is the size of a single page in bytes (4 KiB), matching
// mem.PGSIZE.
const PageSize = 1 << PageShift

// MaxOrder bounds the buddy allocator's order range: an order-MaxOrder
// block is PageSize*2^MaxOrder bytes. 20 orders covers a 4 KiB..4 GiB
// block range, ample for a simulated physical arena.
const MaxOrder = 20

// DefaultArenaPages is the number of frames reserved when no explicit
// arena size is requested, mirroring mem.Phys_init's "respgs" default of
// 1<<16 frames (256 MiB) scaled down for a host-simulated arena so test
// runs don't each mmap hundreds of megabytes.
const DefaultArenaPages = 1 << 12 // 16 MiB

// MaxDescriptors bounds a process's descriptor table
// ("did ∈ [0, MAX)"). Grounded on limits.Syslimit_t.Sysprocs-style system
// caps, scaled to a per-process table.
const MaxDescriptors = 1 << 16

// DefaultRingCapacity is the default number of in-flight messages a
// channel endpoint's ring holds before Send blocks or, with NoWait,
// returns TemporaryOutage.
const DefaultRingCapacity = 64

// MaxMessageBody bounds a single message's body length, preventing a
// single send from being able to exhaust the arena.
const MaxMessageBody = 1 << 20

// MonitorItemGrowth is a growth increment for the monitor's item vector,
// in the style of biscuit's fixed-increment arrays. monitor.Monitor does
// not read it: its item slice grows through append.
const MonitorItemGrowth = 16

// FutexTableBuckets sizes the per-process futex hashtable, grounded on
// hashtable.MkHash's explicit bucket-count argument.
const FutexTableBuckets = 64

// KeyedTableBuckets sizes the per-process key/value table.
const KeyedTableBuckets = 64
