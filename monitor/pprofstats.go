package monitor

import (
	"time"

	"github.com/google/pprof/profile"
)

// Stats is a point-in-time snapshot of a monitor's internal counters,
// grounded on biscuit's stat/stats counter family: live/dead item
// region sizes and the number of goroutines currently parked in Poll.
type Stats struct {
	LiveItems        int
	DeadItems        int
	OutstandingPolls int
}

// Stats snapshots the monitor's region sizes and outstanding poll count.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		LiveItems:        m.itemCount,
		DeadItems:        len(m.items) - m.itemCount,
		OutstandingPolls: m.outstandingPolls,
	}
}

// PprofStats renders Stats as a github.com/google/pprof/profile.Profile,
// one sample per counter, each labeled with its name — the same D_PROF-
// style introspection shape biscuit exposes its own kernel counters
// through, here served by cmd/anillosim over a Unix socket instead of a
// device file.
func (m *Monitor) PprofStats() *profile.Profile {
	s := m.Stats()

	valueType := &profile.ValueType{Type: "items", Unit: "count"}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{valueType},
		PeriodType: valueType,
		Period:     1,
		TimeNanos:  time.Now().UnixNano(),
	}

	add := func(name string, v int) {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{int64(v)},
			Label: map[string][]string{"counter": {name}},
		})
	}
	add("live_items", s.LiveItems)
	add("dead_items", s.DeadItems)
	add("outstanding_polls", s.OutstandingPolls)

	return p
}
