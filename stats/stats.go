// Package stats implements the zero-cost-when-disabled counters the
// biscuit's stats package provides (stats.Counter_t/Cycles_t, gated by a
// package-level "const Stats = false"). The slab allocator and PMM use
// Counter_t to track allocation counts without
// committing to a structured-metrics library that nothing else in the
// pack's kernel-side code imports.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Enabled gates counter increments at compile time in biscuit's
// original; here it's a variable so tests can flip it on, but production
// callers leave it false and pay no atomic-add cost on the hot path other
// than a single bool check.
var Enabled = false

// Counter_t is a statistical counter, safe for concurrent use.
type Counter_t int64

// Inc increments the counter by one when stats are enabled.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add increments the counter by delta when stats are enabled.
func (c *Counter_t) Add(delta int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), delta)
	}
}

// Get returns the counter's current value regardless of Enabled, so tests
// can assert on it after flipping Enabled on for the duration of a case.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// ToString converts a struct of Counter_t fields into a printable report,
// one field per line, skipping zero-valued counters. Mirrors
// stats.Stats2String.
func ToString(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		ft := v.Field(i).Type().String()
		if !strings.HasSuffix(ft, "Counter_t") {
			continue
		}
		c := v.Field(i).Interface().(Counter_t)
		if c.Get() == 0 {
			continue
		}
		s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(c.Get(), 10)
	}
	return s
}
